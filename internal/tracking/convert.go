package tracking

import (
	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/idcodec"
)

// FromModel converts a stored tracker to its wire form.
func FromModel(t *database.Tracker, codec *idcodec.Codec) *Tracker {
	return &Tracker{
		ID:             codec.Encode(t.ID),
		Kind:           t.Kind,
		Instance:       t.Instance,
		UserEmail:      t.UserEmail,
		HistoryID:      t.HistoryID,
		ExportID:       t.ExportID,
		State:          t.State,
		CreateTime:     t.CreateTime,
		UpdateTime:     t.UpdateTime,
		NelsID:         t.NelsID,
		Destination:    t.Destination,
		Source:         t.Source,
		TmpFile:        t.TmpFile,
		Log:            t.Log,
		LeaseOwner:     t.LeaseOwner,
		LeaseExpiresAt: t.LeaseExpiresAt,
	}
}

// LogFromModel converts a stored log entry to its wire form.
func LogFromModel(e *database.LogEntry, codec *idcodec.Codec) *LogEntry {
	return &LogEntry{
		TrackerID:  codec.Encode(e.TrackerID),
		Seq:        e.Seq,
		CreateTime: e.CreateTime,
		Message:    e.Message,
	}
}

// ToModelUpdate converts a PATCH body to a store update.
func ToModelUpdate(u Update) database.TrackerUpdate {
	return database.TrackerUpdate{
		State:    u.State,
		ExportID: u.ExportID,
		TmpFile:  u.TmpFile,
		Log:      u.Log,
	}
}

// ToModelFilter converts list query parameters to a store filter.
func ToModelFilter(f Filter) database.TrackerFilter {
	var mf database.TrackerFilter
	if f.State != "" {
		mf.States = []string{f.State}
	}
	mf.Instance = f.Instance
	mf.UserEmail = f.User
	return mf
}
