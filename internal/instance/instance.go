// Package instance talks to the Galaxy instances the orchestrator moves
// histories between: the Galaxy API itself and the instance-side history
// API that exposes export records and downloads.
package instance

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnknownInstance is returned by the registry for an unknown or inactive id.
var ErrUnknownInstance = errors.New("unknown instance")

// Remote export and job states reported by Galaxy.
const (
	RemoteOK    = "ok"
	RemoteError = "error"
)

// Info is the instance's free disk space report.
type Info struct {
	Name        string  `json:"name"`
	FreeGB      float64 `json:"free_gb"`
	PercentFree float64 `json:"perc_free"`
}

// HistoryExport is one Galaxy history export job as reported by the
// instance-side API. Ids are encoded.
type HistoryExport struct {
	ExportID   string    `json:"export_id"`
	DatasetID  string    `json:"dataset_id"`
	HistoryID  string    `json:"history_id"`
	Name       string    `json:"name"`
	CreateTime time.Time `json:"create_time"`
	State      string    `json:"state"`
	JobID      string    `json:"job_id"`
}

// Instance is the capability set the worker needs from one Galaxy instance.
type Instance interface {
	ID() string
	Name() string

	GetInfo(ctx context.Context) (*Info, error)

	// TriggerExport starts a history export and returns its export id.
	TriggerExport(ctx context.Context, historyID string) (string, error)

	// PollExport returns the export's current remote state.
	PollExport(ctx context.Context, exportID string) (string, error)

	GetHistoryExport(ctx context.Context, exportID string) (*HistoryExport, error)
	LatestHistoryExport(ctx context.Context, historyID string) (*HistoryExport, error)

	// DownloadExport streams the export archive into w.
	DownloadExport(ctx context.Context, exportID string, w io.Writer) (int64, error)

	// UserAPIKey returns an API key acting as the user with email.
	UserAPIKey(ctx context.Context, email string) (string, error)

	// TriggerImport imports the archive at path into the user's histories
	// and returns the import job id.
	TriggerImport(ctx context.Context, userKey, path string) (string, error)

	GetJobState(ctx context.Context, jobID string) (string, error)
}
