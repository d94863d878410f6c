// Package spanner stores tracking records in Cloud Spanner. The schema lives
// in schema.sql next to this file.
package spanner

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"

	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/states"
)

func init() {
	database.Register("spanner", func(ctx context.Context, cfg database.Config) (database.Store, error) {
		return NewClient(ctx, cfg.ProjectID, cfg.Instance, cfg.Database)
	})
}

// Client implements database.Store on Spanner.
type Client struct {
	client *spanner.Client
}

// NewClient connects to projects/{project}/instances/{instance}/databases/{db}.
func NewClient(ctx context.Context, projectID, instance, db string) (*Client, error) {
	name := fmt.Sprintf("projects/%s/instances/%s/databases/%s", projectID, instance, db)
	client, err := spanner.NewClient(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create spanner client: %w", err)
	}
	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	c.client.Close()
	return nil
}

var trackerColumns = []string{
	"Kind", "Id", "Instance", "UserEmail", "HistoryId", "ExportId", "State",
	"CreateTime", "UpdateTime", "NelsId", "Destination", "Source", "TmpFile", "Log",
	"LeaseOwner", "LeaseExpiresAt", "LogSeq",
}

// trackerRow mirrors the Trackers table.
type trackerRow struct {
	Kind           string             `spanner:"Kind"`
	Id             int64              `spanner:"Id"`
	Instance       string             `spanner:"Instance"`
	UserEmail      string             `spanner:"UserEmail"`
	HistoryId      string             `spanner:"HistoryId"`
	ExportId       spanner.NullString `spanner:"ExportId"`
	State          string             `spanner:"State"`
	CreateTime     time.Time          `spanner:"CreateTime"`
	UpdateTime     time.Time          `spanner:"UpdateTime"`
	NelsId         int64              `spanner:"NelsId"`
	Destination    string             `spanner:"Destination"`
	Source         string             `spanner:"Source"`
	TmpFile        spanner.NullString `spanner:"TmpFile"`
	Log            spanner.NullString `spanner:"Log"`
	LeaseOwner     spanner.NullString `spanner:"LeaseOwner"`
	LeaseExpiresAt spanner.NullTime   `spanner:"LeaseExpiresAt"`
	LogSeq         int64              `spanner:"LogSeq"`
}

// logRow mirrors the TrackerLogs table.
type logRow struct {
	Kind       string    `spanner:"Kind"`
	Id         int64     `spanner:"Id"`
	Seq        int64     `spanner:"Seq"`
	CreateTime time.Time `spanner:"CreateTime"`
	Message    string    `spanner:"Message"`
}

func nullString(p *string) spanner.NullString {
	if p == nil {
		return spanner.NullString{}
	}
	return spanner.NullString{StringVal: *p, Valid: true}
}

func stringPtr(n spanner.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.StringVal
	return &v
}

func (r *trackerRow) toModel() *database.Tracker {
	t := &database.Tracker{
		ID:          r.Id,
		Kind:        states.Kind(r.Kind),
		Instance:    r.Instance,
		UserEmail:   r.UserEmail,
		HistoryID:   r.HistoryId,
		ExportID:    stringPtr(r.ExportId),
		State:       r.State,
		CreateTime:  r.CreateTime,
		UpdateTime:  r.UpdateTime,
		NelsID:      r.NelsId,
		Destination: r.Destination,
		Source:      r.Source,
		TmpFile:     stringPtr(r.TmpFile),
		Log:         stringPtr(r.Log),
		LeaseOwner:  stringPtr(r.LeaseOwner),
		LogSeq:      r.LogSeq,
	}
	if r.LeaseExpiresAt.Valid {
		v := r.LeaseExpiresAt.Time
		t.LeaseExpiresAt = &v
	}
	return t
}

func fromModel(t *database.Tracker) *trackerRow {
	r := &trackerRow{
		Kind:        string(t.Kind),
		Id:          t.ID,
		Instance:    t.Instance,
		UserEmail:   t.UserEmail,
		HistoryId:   t.HistoryID,
		ExportId:    nullString(t.ExportID),
		State:       t.State,
		CreateTime:  t.CreateTime,
		UpdateTime:  t.UpdateTime,
		NelsId:      t.NelsID,
		Destination: t.Destination,
		Source:      t.Source,
		TmpFile:     nullString(t.TmpFile),
		Log:         nullString(t.Log),
		LeaseOwner:  nullString(t.LeaseOwner),
		LogSeq:      t.LogSeq,
	}
	if t.LeaseExpiresAt != nil {
		r.LeaseExpiresAt = spanner.NullTime{Time: *t.LeaseExpiresAt, Valid: true}
	}
	return r
}
