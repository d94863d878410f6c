package adminrpc

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/alphauslabs/ferry/internal/tracking"
)

// Client calls the admin service.
type Client struct {
	token        string
	requeue      *connect.Client[RequeueRequest, TrackerResponse]
	getTracker   *connect.Client[TrackerRef, TrackerResponse]
	listTrackers *connect.Client[ListTrackersRequest, ListTrackersResponse]
	listLogs     *connect.Client[TrackerRef, ListLogsResponse]
	fail         *connect.Client[FailRequest, TrackerResponse]
}

// NewClient creates a client for the API at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL, token string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opt := connect.WithCodec(jsonCodec{})
	return &Client{
		token:        token,
		requeue:      connect.NewClient[RequeueRequest, TrackerResponse](httpClient, baseURL+RequeueProcedure, opt),
		getTracker:   connect.NewClient[TrackerRef, TrackerResponse](httpClient, baseURL+GetTrackerProcedure, opt),
		listTrackers: connect.NewClient[ListTrackersRequest, ListTrackersResponse](httpClient, baseURL+ListTrackersProcedure, opt),
		listLogs:     connect.NewClient[TrackerRef, ListLogsResponse](httpClient, baseURL+ListLogsProcedure, opt),
		fail:         connect.NewClient[FailRequest, TrackerResponse](httpClient, baseURL+FailProcedure, opt),
	}
}

func authorize[T any](req *connect.Request[T], token string) *connect.Request[T] {
	if token != "" {
		req.Header().Set("Authorization", "bearer "+token)
	}
	return req
}

func (c *Client) Requeue(ctx context.Context, kind, id, state string) (*tracking.Tracker, error) {
	req := authorize(connect.NewRequest(&RequeueRequest{Kind: kind, ID: id, State: state}), c.token)
	resp, err := c.requeue.CallUnary(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Msg.Tracker, nil
}

func (c *Client) Fail(ctx context.Context, kind, id, reason string) (*tracking.Tracker, error) {
	req := authorize(connect.NewRequest(&FailRequest{Kind: kind, ID: id, Reason: reason}), c.token)
	resp, err := c.fail.CallUnary(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Msg.Tracker, nil
}

func (c *Client) GetTracker(ctx context.Context, kind, id string) (*tracking.Tracker, error) {
	req := authorize(connect.NewRequest(&TrackerRef{Kind: kind, ID: id}), c.token)
	resp, err := c.getTracker.CallUnary(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Msg.Tracker, nil
}

func (c *Client) ListTrackers(ctx context.Context, in ListTrackersRequest) ([]*tracking.Tracker, error) {
	req := authorize(connect.NewRequest(&in), c.token)
	resp, err := c.listTrackers.CallUnary(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Msg.Trackers, nil
}

func (c *Client) ListLogs(ctx context.Context, kind, id string) ([]*tracking.LogEntry, error) {
	req := authorize(connect.NewRequest(&TrackerRef{Kind: kind, ID: id}), c.token)
	resp, err := c.listLogs.CallUnary(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Msg.Logs, nil
}

// DefaultHTTPClient is used by ferryctl.
var DefaultHTTPClient = http.DefaultClient
