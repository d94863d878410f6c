package tracking

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/idcodec"
	"github.com/alphauslabs/ferry/internal/states"
)

// Local serves the tracking API straight from a Store. The API facade and
// single-process deployments use it.
type Local struct {
	store database.Store
	codec *idcodec.Codec
	now   func() time.Time
}

// NewLocal wraps store.
func NewLocal(store database.Store, codec *idcodec.Codec) *Local {
	return &Local{store: store, codec: codec, now: time.Now}
}

// Store returns the underlying store.
func (l *Local) Store() database.Store { return l.store }

// Codec returns the id codec.
func (l *Local) Codec() *idcodec.Codec { return l.codec }

func (l *Local) decode(id string) (int64, error) {
	n, err := l.codec.Decode(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return n, nil
}

func localError(err error) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, database.ErrInvalidTransition),
		errors.Is(err, database.ErrInvalidState),
		errors.Is(err, database.ErrNotTerminal):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func (l *Local) Get(ctx context.Context, kind states.Kind, id string) (*Tracker, error) {
	n, err := l.decode(id)
	if err != nil {
		return nil, err
	}
	t, err := l.store.GetTracker(ctx, kind, n)
	if err != nil {
		return nil, localError(err)
	}
	return FromModel(t, l.codec), nil
}

func (l *Local) Update(ctx context.Context, kind states.Kind, id string, upd Update) (*Tracker, error) {
	n, err := l.decode(id)
	if err != nil {
		return nil, err
	}
	t, err := l.store.UpdateTracker(ctx, kind, n, ToModelUpdate(upd))
	if err != nil {
		return nil, localError(err)
	}
	return FromModel(t, l.codec), nil
}

func (l *Local) List(ctx context.Context, kind states.Kind, f Filter) ([]*Tracker, error) {
	ts, err := l.store.ListTrackers(ctx, kind, ToModelFilter(f))
	if err != nil {
		return nil, localError(err)
	}
	out := make([]*Tracker, 0, len(ts))
	for _, t := range ts {
		out = append(out, FromModel(t, l.codec))
	}
	return out, nil
}

func (l *Local) Logs(ctx context.Context, kind states.Kind, id string) ([]*LogEntry, error) {
	n, err := l.decode(id)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.ListLogs(ctx, kind, n)
	if err != nil {
		return nil, localError(err)
	}
	out := make([]*LogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, LogFromModel(e, l.codec))
	}
	return out, nil
}

func (l *Local) Requeue(ctx context.Context, kind states.Kind, id, state string) (*Tracker, error) {
	n, err := l.decode(id)
	if err != nil {
		return nil, err
	}
	t, err := l.store.Requeue(ctx, kind, n, state)
	if err != nil {
		return nil, localError(err)
	}
	return FromModel(t, l.codec), nil
}

// adminHolder holds the lease while an operator fails a tracker.
const adminHolder = "ferry-admin"

// Fail moves a tracker stuck in a running state to that step's error sink so
// it can be requeued. It is refused while a worker holds a live lease.
func (l *Local) Fail(ctx context.Context, kind states.Kind, id, reason string) (*Tracker, error) {
	n, err := l.decode(id)
	if err != nil {
		return nil, err
	}
	ok, err := l.store.TryClaimLease(ctx, kind, n, adminHolder, l.now().Add(time.Minute))
	if err != nil {
		return nil, localError(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s tracker %s is terminal or leased by a worker", ErrConflict, kind, id)
	}

	t, err := l.store.GetTracker(ctx, kind, n)
	if err == nil && !slices.Contains(states.Running(kind), t.State) {
		err = fmt.Errorf("%w: %s is not a running state", ErrConflict, t.State)
	}
	if err == nil {
		msg := "marked failed by operator"
		if reason != "" {
			msg += ": " + reason
		}
		upd := SetState(states.ErrorSink(kind, t.State)).WithLog(msg)
		_, err = l.store.UpdateTracker(ctx, kind, n, ToModelUpdate(upd))
	}
	if rerr := l.store.ReleaseLease(ctx, kind, n, adminHolder); err == nil {
		err = rerr
	}
	if err != nil {
		return nil, localError(err)
	}
	return l.Get(ctx, kind, id)
}

func (l *Local) ClaimLease(ctx context.Context, kind states.Kind, id, holder string, ttl time.Duration) (bool, error) {
	n, err := l.decode(id)
	if err != nil {
		return false, err
	}
	ok, err := l.store.TryClaimLease(ctx, kind, n, holder, l.now().Add(ttl))
	if err != nil {
		return false, localError(err)
	}
	return ok, nil
}

func (l *Local) ReleaseLease(ctx context.Context, kind states.Kind, id, holder string) error {
	n, err := l.decode(id)
	if err != nil {
		return err
	}
	return localError(l.store.ReleaseLease(ctx, kind, n, holder))
}
