// Package tracking holds the wire representation of tracking records and the
// clients the worker and operators use to read and advance them.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/alphauslabs/ferry/internal/states"
)

var (
	// ErrNotFound is returned when the tracker does not exist.
	ErrNotFound = errors.New("tracker not found")

	// ErrConflict is returned when the store rejects an update or requeue.
	ErrConflict = errors.New("tracker update rejected")
)

// Tracker is a tracking record as served by the tracking API. Ids are
// encoded; NelsID is not.
type Tracker struct {
	ID             string      `json:"id"`
	Kind           states.Kind `json:"type"`
	Instance       string      `json:"instance"`
	UserEmail      string      `json:"user_email"`
	HistoryID      string      `json:"history_id"`
	ExportID       *string     `json:"export_id,omitempty"`
	State          string      `json:"state"`
	CreateTime     time.Time   `json:"create_time"`
	UpdateTime     time.Time   `json:"update_time"`
	NelsID         int64       `json:"nels_id"`
	Destination    string      `json:"destination,omitempty"`
	Source         string      `json:"source,omitempty"`
	TmpFile        *string     `json:"tmpfile,omitempty"`
	Log            *string     `json:"log,omitempty"`
	LeaseOwner     *string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
}

// Update is the PATCH body. Absent fields are left untouched.
type Update struct {
	State    *string `json:"state,omitempty"`
	ExportID *string `json:"export_id,omitempty"`
	TmpFile  *string `json:"tmpfile,omitempty"`
	Log      *string `json:"log,omitempty"`
}

// SetState returns an Update that moves to state.
func SetState(state string) Update {
	return Update{State: &state}
}

// WithLog attaches a log message.
func (u Update) WithLog(msg string) Update {
	u.Log = &msg
	return u
}

// WithExportID sets the remote artifact id.
func (u Update) WithExportID(id string) Update {
	u.ExportID = &id
	return u
}

// WithTmpFile sets the staging path. An empty path clears it.
func (u Update) WithTmpFile(path string) Update {
	u.TmpFile = &path
	return u
}

// LogEntry is one row of a tracker's audit log.
type LogEntry struct {
	TrackerID  string    `json:"tracker_id"`
	Seq        int64     `json:"seq"`
	CreateTime time.Time `json:"create_time"`
	Message    string    `json:"log"`
}

// LeaseRequest claims or releases the processing lease.
type LeaseRequest struct {
	Holder     string `json:"holder"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// LeaseResponse reports whether the holder owns the lease.
type LeaseResponse struct {
	Claimed bool `json:"claimed"`
}

// RequeueRequest names the state the copied tracker starts in.
type RequeueRequest struct {
	State string `json:"state"`
}

// StateToken carries the user and history of a browser export/import
// request between the instance and the registration form.
type StateToken struct {
	ID          string    `json:"id,omitempty"`
	Instance    string    `json:"instance"`
	UserEmail   string    `json:"user"`
	HistoryID   string    `json:"history_id,omitempty"`
	HistoryName string    `json:"history_name,omitempty"`
	CreateTime  time.Time `json:"create_time,omitempty"`
}

// Filter narrows List.
type Filter struct {
	State    string
	Instance string
	User     string
}

// API is the tracking surface the worker and operators depend on.
type API interface {
	Get(ctx context.Context, kind states.Kind, id string) (*Tracker, error)
	Update(ctx context.Context, kind states.Kind, id string, upd Update) (*Tracker, error)
	List(ctx context.Context, kind states.Kind, f Filter) ([]*Tracker, error)
	Logs(ctx context.Context, kind states.Kind, id string) ([]*LogEntry, error)
	Requeue(ctx context.Context, kind states.Kind, id, state string) (*Tracker, error)
	ClaimLease(ctx context.Context, kind states.Kind, id, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, kind states.Kind, id, holder string) error
}
