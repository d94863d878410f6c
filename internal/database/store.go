package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alphauslabs/ferry/internal/states"
)

var (
	// ErrNotFound is returned when no tracker exists for the given id.
	ErrNotFound = errors.New("tracker not found")

	// ErrInvalidTransition is returned when an update would move a tracker
	// along an edge its pipeline does not have.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotTerminal is returned when requeueing a tracker that is still in flight.
	ErrNotTerminal = errors.New("tracker is not in a terminal state")

	// ErrInvalidState is returned for a state outside the tracker's state set.
	ErrInvalidState = errors.New("invalid state")
)

// Store is durable storage for tracking records and their logs.
type Store interface {
	// CreateTracker inserts t, assigning its id and timestamps.
	CreateTracker(ctx context.Context, t *Tracker) (*Tracker, error)

	GetTracker(ctx context.Context, kind states.Kind, id int64) (*Tracker, error)

	// ListTrackers returns matching trackers, newest first.
	ListTrackers(ctx context.Context, kind states.Kind, filter TrackerFilter) ([]*Tracker, error)

	// UpdateTracker applies upd and appends one log entry when the state
	// changes or a log message is given.
	UpdateTracker(ctx context.Context, kind states.Kind, id int64, upd TrackerUpdate) (*Tracker, error)

	// ListLogs returns the tracker's log in insertion order.
	ListLogs(ctx context.Context, kind states.Kind, id int64) ([]*LogEntry, error)

	// Requeue copies a terminal tracker into a new row in the given state.
	Requeue(ctx context.Context, kind states.Kind, id int64, state string) (*Tracker, error)

	// TryClaimLease claims or renews the processing lease. Returns true when
	// holder owns the lease afterwards.
	TryClaimLease(ctx context.Context, kind states.Kind, id int64, holder string, until time.Time) (bool, error)

	// ReleaseLease drops the lease if holder owns it.
	ReleaseLease(ctx context.Context, kind states.Kind, id int64, holder string) error

	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	// Provider is the backend name ("spanner", "postgres", "badger").
	Provider string

	// ProjectID, Instance and Database address a Spanner database.
	ProjectID string
	Instance  string
	Database  string

	// URL is the Postgres connection string.
	URL string

	// Path is the badger data directory. Empty runs in memory.
	Path string
}

// Constructor builds a Store from Config.
type Constructor func(ctx context.Context, cfg Config) (Store, error)

var constructors = map[string]Constructor{}

// Register makes a backend available to NewStore. Backends call it from init.
func Register(name string, fn Constructor) {
	constructors[name] = fn
}

// NewStore creates the Store selected by cfg.Provider.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	fn, ok := constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported database provider: %s", cfg.Provider)
	}
	return fn(ctx, cfg)
}

// Providers lists the registered backend names.
func Providers() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyUpdate validates upd against t and mutates t in place. It returns the
// log message to append, or "" when no entry is due.
func ApplyUpdate(t *Tracker, upd TrackerUpdate, now time.Time) (string, error) {
	message := ""
	if upd.State != nil && *upd.State != t.State {
		if !states.Valid(t.Kind, *upd.State) {
			return "", fmt.Errorf("%w: %q", ErrInvalidState, *upd.State)
		}
		if !states.CanTransition(t.Kind, t.State, *upd.State) {
			return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, *upd.State)
		}
		message = fmt.Sprintf("changed state from %s to %s", t.State, *upd.State)
		t.State = *upd.State
	}
	if upd.ExportID != nil {
		v := *upd.ExportID
		t.ExportID = &v
	}
	if upd.TmpFile != nil {
		if *upd.TmpFile == "" {
			t.TmpFile = nil
		} else {
			v := *upd.TmpFile
			t.TmpFile = &v
		}
	}
	if upd.Log != nil && *upd.Log != "" {
		v := *upd.Log
		t.Log = &v
		if message == "" {
			message = v
		} else {
			message += ": " + v
		}
	}
	if now.Before(t.CreateTime) {
		now = t.CreateTime
	}
	t.UpdateTime = now
	return message, nil
}

// PrepareRequeue validates a requeue of old into state and returns the copy
// to insert plus its log message. The copy has no id, timestamps or lease.
func PrepareRequeue(old *Tracker, state string) (*Tracker, string, error) {
	if !states.Terminal(old.State) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotTerminal, old.State)
	}
	if !states.Valid(old.Kind, state) || states.Terminal(state) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	cp := *old
	cp.ID = 0
	cp.CreateTime = time.Time{}
	cp.UpdateTime = time.Time{}
	cp.LeaseOwner = nil
	cp.LeaseExpiresAt = nil
	cp.LogSeq = 0
	cp.Log = nil
	cp.State = state

	message := fmt.Sprintf("requeue %s tracker %d and changed state to %s", old.Kind, old.ID, state)
	return &cp, message, nil
}

// CanClaim reports whether holder may take or renew t's lease at now.
func CanClaim(t *Tracker, holder string, now time.Time) bool {
	if states.Terminal(t.State) {
		return false
	}
	return !t.LeaseHeld(holder, now)
}
