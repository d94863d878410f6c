package database

import (
	"time"

	"github.com/alphauslabs/ferry/internal/states"
)

// Tracker represents one export or import job's progress.
type Tracker struct {
	ID             int64       `json:"id"`
	Kind           states.Kind `json:"kind"`
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
	LogSeq         int64       `json:"log_seq"`
}

// LogEntry is one append-only audit row for a tracker.
type LogEntry struct {
	TrackerID  int64       `json:"tracker_id"`
	Kind       states.Kind `json:"kind"`
	Seq        int64       `json:"seq"`
	CreateTime time.Time   `json:"create_time"`
	Message    string      `json:"message"`
}

// TrackerUpdate is a partial update. Nil fields are left untouched; an empty
// TmpFile clears the staging path.
type TrackerUpdate struct {
	State    *string
	ExportID *string
	TmpFile  *string
	Log      *string
}

// TrackerFilter narrows ListTrackers. Empty fields match everything.
type TrackerFilter struct {
	States    []string
	Instance  string
	UserEmail string

	// UpdatedBefore, when set, only matches records last updated earlier.
	UpdatedBefore time.Time
}

// Matches reports whether t satisfies the filter.
func (f TrackerFilter) Matches(t *Tracker) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if t.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Instance != "" && t.Instance != f.Instance {
		return false
	}
	if f.UserEmail != "" && t.UserEmail != f.UserEmail {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !t.UpdateTime.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// LeaseHeld reports whether someone other than holder owns a live lease.
func (t *Tracker) LeaseHeld(holder string, now time.Time) bool {
	if t.LeaseOwner == nil || *t.LeaseOwner == "" || *t.LeaseOwner == holder {
		return false
	}
	return t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}
