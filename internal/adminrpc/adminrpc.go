// Package adminrpc is the operator RPC surface of the tracking API, served
// with Connect over a JSON codec.
package adminrpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/internal/states"
	"github.com/alphauslabs/ferry/internal/tracking"
)

const ServiceName = "ferry.admin.v1.AdminService"

const (
	RequeueProcedure      = "/" + ServiceName + "/Requeue"
	GetTrackerProcedure   = "/" + ServiceName + "/GetTracker"
	ListTrackersProcedure = "/" + ServiceName + "/ListTrackers"
	ListLogsProcedure     = "/" + ServiceName + "/ListLogs"
	FailProcedure         = "/" + ServiceName + "/Fail"
)

type TrackerRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type RequeueRequest struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	State string `json:"state"`
}

// FailRequest moves a tracker stuck in a running state to its error state.
type FailRequest struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

type TrackerResponse struct {
	Tracker *tracking.Tracker `json:"tracker"`
}

type ListTrackersRequest struct {
	Kind     string `json:"kind"`
	State    string `json:"state,omitempty"`
	Instance string `json:"instance,omitempty"`
	User     string `json:"user,omitempty"`
}

type ListTrackersResponse struct {
	Trackers []*tracking.Tracker `json:"trackers"`
}

type ListLogsResponse struct {
	Logs []*tracking.LogEntry `json:"logs"`
}

// Backend is what the RPCs operate on. Requeue must also enqueue the new
// tracker. Fail must refuse trackers a worker still holds.
type Backend interface {
	Get(ctx context.Context, kind states.Kind, id string) (*tracking.Tracker, error)
	List(ctx context.Context, kind states.Kind, f tracking.Filter) ([]*tracking.Tracker, error)
	Logs(ctx context.Context, kind states.Kind, id string) ([]*tracking.LogEntry, error)
	Requeue(ctx context.Context, kind states.Kind, id, state string) (*tracking.Tracker, error)
	Fail(ctx context.Context, kind states.Kind, id, reason string) (*tracking.Tracker, error)
}

type server struct {
	backend Backend
	logger  *zap.SugaredLogger
}

// NewHandler returns the mount path and handler for the admin service.
func NewHandler(backend Backend, logger *zap.SugaredLogger) (string, http.Handler) {
	s := &server{backend: backend, logger: logger}
	opt := connect.WithCodec(jsonCodec{})

	mux := http.NewServeMux()
	mux.Handle(RequeueProcedure, connect.NewUnaryHandler(RequeueProcedure, s.requeue, opt))
	mux.Handle(GetTrackerProcedure, connect.NewUnaryHandler(GetTrackerProcedure, s.getTracker, opt))
	mux.Handle(ListTrackersProcedure, connect.NewUnaryHandler(ListTrackersProcedure, s.listTrackers, opt))
	mux.Handle(ListLogsProcedure, connect.NewUnaryHandler(ListLogsProcedure, s.listLogs, opt))
	mux.Handle(FailProcedure, connect.NewUnaryHandler(FailProcedure, s.fail, opt))
	return "/" + ServiceName + "/", mux
}

func parseKind(s string) (states.Kind, error) {
	kind, ok := states.ParseKind(strings.ToLower(s))
	if !ok {
		return "", connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("unknown tracker kind %q", s))
	}
	return kind, nil
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, tracking.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, tracking.ErrConflict):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

func (s *server) requeue(ctx context.Context, req *connect.Request[RequeueRequest]) (*connect.Response[TrackerResponse], error) {
	kind, err := parseKind(req.Msg.Kind)
	if err != nil {
		return nil, err
	}
	if req.Msg.State == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("state is required"))
	}

	t, err := s.backend.Requeue(ctx, kind, req.Msg.ID, req.Msg.State)
	if err != nil {
		s.logger.Warnf("Requeue of %s tracker %s failed: %v", kind, req.Msg.ID, err)
		return nil, toConnectError(err)
	}
	s.logger.Infof("Requeued %s tracker %s as %s in state %s", kind, req.Msg.ID, t.ID, t.State)
	return connect.NewResponse(&TrackerResponse{Tracker: t}), nil
}

func (s *server) fail(ctx context.Context, req *connect.Request[FailRequest]) (*connect.Response[TrackerResponse], error) {
	kind, err := parseKind(req.Msg.Kind)
	if err != nil {
		return nil, err
	}
	t, err := s.backend.Fail(ctx, kind, req.Msg.ID, req.Msg.Reason)
	if err != nil {
		s.logger.Warnf("Failing %s tracker %s was refused: %v", kind, req.Msg.ID, err)
		return nil, toConnectError(err)
	}
	s.logger.Infof("Marked %s tracker %s as %s", kind, req.Msg.ID, t.State)
	return connect.NewResponse(&TrackerResponse{Tracker: t}), nil
}

func (s *server) getTracker(ctx context.Context, req *connect.Request[TrackerRef]) (*connect.Response[TrackerResponse], error) {
	kind, err := parseKind(req.Msg.Kind)
	if err != nil {
		return nil, err
	}
	t, err := s.backend.Get(ctx, kind, req.Msg.ID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&TrackerResponse{Tracker: t}), nil
}

func (s *server) listTrackers(ctx context.Context, req *connect.Request[ListTrackersRequest]) (*connect.Response[ListTrackersResponse], error) {
	kind, err := parseKind(req.Msg.Kind)
	if err != nil {
		return nil, err
	}
	ts, err := s.backend.List(ctx, kind, tracking.Filter{
		State:    req.Msg.State,
		Instance: req.Msg.Instance,
		User:     req.Msg.User,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ListTrackersResponse{Trackers: ts}), nil
}

func (s *server) listLogs(ctx context.Context, req *connect.Request[TrackerRef]) (*connect.Response[ListLogsResponse], error) {
	kind, err := parseKind(req.Msg.Kind)
	if err != nil {
		return nil, err
	}
	logs, err := s.backend.Logs(ctx, kind, req.Msg.ID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ListLogsResponse{Logs: logs}), nil
}
