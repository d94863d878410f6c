package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/alphauslabs/ferry/internal/apiclient"
	"github.com/alphauslabs/ferry/internal/states"
)

// Client talks to the tracking API over HTTP.
type Client struct {
	api *apiclient.Client
}

// NewClient creates a client for the tracking API at baseURL.
func NewClient(baseURL, token string, opts apiclient.Options) *Client {
	return &Client{api: apiclient.New(baseURL, apiclient.Bearer(token), opts)}
}

func mapError(err error) error {
	var se *apiclient.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusConflict:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func trackerPath(kind states.Kind, id string) string {
	return fmt.Sprintf("/%s/%s", kind, url.PathEscape(id))
}

func (c *Client) Get(ctx context.Context, kind states.Kind, id string) (*Tracker, error) {
	var t Tracker
	if err := c.api.GetJSON(ctx, trackerPath(kind, id), nil, &t); err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func (c *Client) Update(ctx context.Context, kind states.Kind, id string, upd Update) (*Tracker, error) {
	var t Tracker
	if err := c.api.PatchJSON(ctx, trackerPath(kind, id), upd, &t); err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func (c *Client) List(ctx context.Context, kind states.Kind, f Filter) ([]*Tracker, error) {
	q := url.Values{}
	if f.State != "" {
		q.Set("state", f.State)
	}
	if f.Instance != "" {
		q.Set("instance", f.Instance)
	}
	if f.User != "" {
		q.Set("user", f.User)
	}
	var out []*Tracker
	if err := c.api.GetJSON(ctx, fmt.Sprintf("/%ss/", kind), q, &out); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (c *Client) Logs(ctx context.Context, kind states.Kind, id string) ([]*LogEntry, error) {
	var out []*LogEntry
	if err := c.api.GetJSON(ctx, trackerPath(kind, id)+"/logs", nil, &out); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (c *Client) Requeue(ctx context.Context, kind states.Kind, id, state string) (*Tracker, error) {
	var t Tracker
	if err := c.api.PostJSON(ctx, trackerPath(kind, id)+"/requeue", RequeueRequest{State: state}, &t); err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func (c *Client) ClaimLease(ctx context.Context, kind states.Kind, id, holder string, ttl time.Duration) (bool, error) {
	var resp LeaseResponse
	req := LeaseRequest{Holder: holder, TTLSeconds: int(ttl / time.Second)}
	if err := c.api.PostJSON(ctx, trackerPath(kind, id)+"/lease", req, &resp); err != nil {
		return false, mapError(err)
	}
	return resp.Claimed, nil
}

func (c *Client) ReleaseLease(ctx context.Context, kind states.Kind, id, holder string) error {
	err := c.api.JSON(ctx, http.MethodDelete, trackerPath(kind, id)+"/lease", nil, LeaseRequest{Holder: holder}, nil)
	return mapError(err)
}

// CreateState registers a state token and returns it with its id.
func (c *Client) CreateState(ctx context.Context, tok StateToken) (*StateToken, error) {
	var out StateToken
	if err := c.api.PostJSON(ctx, "/state/", tok, &out); err != nil {
		return nil, mapError(err)
	}
	return &out, nil
}
