package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/internal/queue"
	"github.com/alphauslabs/ferry/internal/states"
	"github.com/alphauslabs/ferry/internal/tracking"
)

const (
	maxStateTokens  = 10000
	defaultLeaseTTL = time.Minute
)

// TrackingService serves tracking records from the store and enqueues
// trackers it creates or requeues.
type TrackingService struct {
	local     *tracking.Local
	publisher queue.Publisher
	tokens    *expirable.LRU[string, tracking.StateToken]
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewTrackingService creates the orchestrator service. State tokens expire
// after stateTTL.
func NewTrackingService(local *tracking.Local, publisher queue.Publisher, stateTTL time.Duration, logger *zap.SugaredLogger) *TrackingService {
	return &TrackingService{
		local:     local,
		publisher: publisher,
		tokens:    expirable.NewLRU[string, tracking.StateToken](maxStateTokens, nil, stateTTL),
		logger:    logger,
		now:       time.Now,
	}
}

func (s *TrackingService) Get(ctx context.Context, kind states.Kind, id string) (*tracking.Tracker, error) {
	return s.local.Get(ctx, kind, id)
}

func (s *TrackingService) List(ctx context.Context, kind states.Kind, f tracking.Filter) ([]*tracking.Tracker, error) {
	return s.local.List(ctx, kind, f)
}

func (s *TrackingService) Logs(ctx context.Context, kind states.Kind, id string) ([]*tracking.LogEntry, error) {
	return s.local.Logs(ctx, kind, id)
}

// Requeue copies a terminal tracker into state and enqueues exactly one
// message for the copy.
func (s *TrackingService) Requeue(ctx context.Context, kind states.Kind, id, state string) (*tracking.Tracker, error) {
	t, err := s.local.Requeue(ctx, kind, id, state)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Infof("Requeued %s tracker %s as %s in state %s", kind, id, t.ID, state)
	return t, nil
}

// Fail moves a tracker left in a running state by a dead worker to its
// error state. Nothing is enqueued.
func (s *TrackingService) Fail(ctx context.Context, kind states.Kind, id, reason string) (*tracking.Tracker, error) {
	t, err := s.local.Fail(ctx, kind, id, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Operator failed %s tracker %s into %s", kind, id, t.State)
	return t, nil
}

func (s *TrackingService) enqueue(ctx context.Context, t *tracking.Tracker) error {
	if err := s.publisher.Publish(ctx, queue.Message{TrackerID: t.ID, Type: t.Kind}); err != nil {
		return fmt.Errorf("failed to enqueue %s tracker %s: %w", t.Kind, t.ID, err)
	}
	return nil
}

// Register adds the orchestrator routes to mux. Every route except the
// browser form POST is wrapped with protect.
func (s *TrackingService) Register(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	for _, kind := range []states.Kind{states.KindExport, states.KindImport} {
		handle := func(pattern string, h func(http.ResponseWriter, *http.Request, states.Kind)) {
			mux.Handle(pattern, protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				h(w, r, kind)
			})))
		}
		handle(fmt.Sprintf("GET /%s/{id}", kind), s.getTracker)
		handle(fmt.Sprintf("PATCH /%s/{id}", kind), s.patchTracker)
		handle(fmt.Sprintf("GET /%ss/{$}", kind), s.listTrackers)
		handle(fmt.Sprintf("GET /%s/{id}/logs", kind), s.listLogs)
		handle(fmt.Sprintf("POST /%s/{id}/lease", kind), s.claimLease)
		handle(fmt.Sprintf("DELETE /%s/{id}/lease", kind), s.releaseLease)
		handle(fmt.Sprintf("POST /%s/{id}/requeue", kind), s.requeue)

		mux.HandleFunc(fmt.Sprintf("POST /%s/{instance}/{state_id}", kind), func(w http.ResponseWriter, r *http.Request) {
			s.register(w, r, kind)
		})
	}

	mux.Handle("POST /state/{$}", protect(http.HandlerFunc(s.createState)))
	mux.Handle("GET /state/{id}", protect(http.HandlerFunc(s.getState)))
}

func (s *TrackingService) getTracker(w http.ResponseWriter, r *http.Request, kind states.Kind) {
	t, err := s.local.Get(r.Context(), kind, r.PathValue("id"))
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *TrackingService) patchTracker(w http.ResponseWriter, r *http.Request, kind states.Kind) {
	var upd tracking.Update
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update body: "+err.Error())
		return
	}
	id := r.PathValue("id")
	t, err := s.local.Update(r.Context(), kind, id, upd)
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	if upd.State != nil {
		s.logger.Debugf("%s tracker %s now %s", kind, id, t.State)
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *TrackingService) listTrackers(w http.ResponseWriter, r *http.Request, kind states.Kind) {
	q := r.URL.Query()
	f := tracking.Filter{
		State:    q.Get("state"),
		Instance: q.Get("instance"),
		User:     q.Get("user"),
	}
	if f.State != "" && !states.Valid(kind, f.State) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s state %q", kind, f.State))
		return
	}
	ts, err := s.local.List(r.Context(), kind, f)
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *TrackingService) listLogs(w http.ResponseWriter, r *http.Request, kind states.Kind) {
	logs, err := s.local.Logs(r.Context(), kind, r.PathValue("id"))
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *TrackingService) claimLease(w http.ResponseWriter, r *http.Request, kind states.Kind) {
	var req tracking.LeaseRequest
	if err := decodeJSON(r, &req); err != nil || req.Holder == "" {
		writeError(w, http.StatusBadRequest, "lease request needs a holder")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	claimed, err := s.local.ClaimLease(r.Context(), kind, r.PathValue("id"), req.Holder, ttl)
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tracking.LeaseResponse{Claimed: claimed})
}

func (s *TrackingService) releaseLease(w http.ResponseWriter, r *http.Request, kind states.Kind) {
	var req tracking.LeaseRequest
	if err := decodeJSON(r, &req); err != nil || req.Holder == "" {
		writeError(w, http.StatusBadRequest, "lease release needs a holder")
		return
	}
	if err := s.local.ReleaseLease(r.Context(), kind, r.PathValue("id"), req.Holder); err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *TrackingService) requeue(w http.ResponseWriter, r *http.Request, kind states.Kind) {
	var req tracking.RequeueRequest
	if err := decodeJSON(r, &req); err != nil || req.State == "" {
		writeError(w, http.StatusBadRequest, "requeue request needs a state")
		return
	}
	t, err := s.Requeue(r.Context(), kind, r.PathValue("id"), req.State)
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *TrackingService) createState(w http.ResponseWriter, r *http.Request) {
	var tok tracking.StateToken
	if err := decodeJSON(r, &tok); err != nil {
		writeError(w, http.StatusBadRequest, "invalid state body: "+err.Error())
		return
	}
	if tok.Instance == "" || tok.UserEmail == "" {
		writeError(w, http.StatusBadRequest, "state needs an instance and a user")
		return
	}
	tok.ID = uuid.NewString()
	tok.CreateTime = s.now().UTC()
	s.tokens.Add(tok.ID, tok)
	writeJSON(w, http.StatusCreated, tok)
}

func (s *TrackingService) getState(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokens.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "state not found")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}
