package database

import (
	"errors"
	"testing"
	"time"

	"github.com/alphauslabs/ferry/internal/states"
)

func strPtr(s string) *string { return &s }

func TestApplyUpdateTransition(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := &Tracker{Kind: states.KindExport, State: states.PreQueueing, CreateTime: created, UpdateTime: created}

	msg, err := ApplyUpdate(tr, TrackerUpdate{State: strPtr(states.New), ExportID: strPtr("abc")}, created.Add(time.Minute))
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if msg != "changed state from pre-queueing to new" {
		t.Errorf("message = %q", msg)
	}
	if tr.State != states.New || tr.ExportID == nil || *tr.ExportID != "abc" {
		t.Errorf("tracker not updated: %+v", tr)
	}
	if !tr.UpdateTime.Equal(created.Add(time.Minute)) {
		t.Errorf("update time = %v", tr.UpdateTime)
	}
}

func TestApplyUpdateRejectsSkips(t *testing.T) {
	tr := &Tracker{Kind: states.KindExport, State: states.PreQueueing}
	_, err := ApplyUpdate(tr, TrackerUpdate{State: strPtr(states.FetchOK)}, time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if tr.State != states.PreQueueing {
		t.Errorf("state changed to %s on rejected update", tr.State)
	}

	_, err = ApplyUpdate(tr, TrackerUpdate{State: strPtr("bogus")}, time.Now())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestApplyUpdateLogAndTmpFile(t *testing.T) {
	tr := &Tracker{Kind: states.KindExport, State: states.FetchRunning, TmpFile: strPtr("/tmp/x.tgz")}

	msg, err := ApplyUpdate(tr, TrackerUpdate{State: strPtr(states.FetchError), Log: strPtr("connection reset")}, time.Now())
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if msg != "changed state from fetch-running to fetch-error: connection reset" {
		t.Errorf("message = %q", msg)
	}
	if tr.TmpFile == nil {
		t.Error("tmpfile should be retained on fetch error")
	}

	tr = &Tracker{Kind: states.KindExport, State: states.NelsTransferOK, TmpFile: strPtr("/tmp/x.tgz")}
	msg, err = ApplyUpdate(tr, TrackerUpdate{TmpFile: strPtr("")}, time.Now())
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if msg != "" {
		t.Errorf("expected no log entry for a field-only update, got %q", msg)
	}
	if tr.TmpFile != nil {
		t.Error("expected tmpfile to be cleared")
	}
}

func TestPrepareRequeue(t *testing.T) {
	owner := "w1"
	old := &Tracker{
		ID: 17, Kind: states.KindExport, Instance: "galaxy.example.org", UserEmail: "a@b.c",
		HistoryID: "h1", ExportID: strPtr("e1"), State: states.FetchError,
		CreateTime: time.Now(), UpdateTime: time.Now(), NelsID: 99, Destination: "/archive/a",
		LeaseOwner: &owner, LogSeq: 6,
	}

	cp, msg, err := PrepareRequeue(old, states.New)
	if err != nil {
		t.Fatalf("PrepareRequeue: %v", err)
	}
	if msg != "requeue export tracker 17 and changed state to new" {
		t.Errorf("message = %q", msg)
	}
	if cp.ID != 0 || !cp.CreateTime.IsZero() || !cp.UpdateTime.IsZero() || cp.LeaseOwner != nil || cp.LogSeq != 0 {
		t.Errorf("copy kept identity fields: %+v", cp)
	}
	if cp.State != states.New || cp.Destination != old.Destination || *cp.ExportID != "e1" || cp.NelsID != 99 {
		t.Errorf("copy lost payload fields: %+v", cp)
	}
	if old.State != states.FetchError || old.ID != 17 {
		t.Error("original tracker was modified")
	}
}

func TestPrepareRequeueRequiresTerminal(t *testing.T) {
	old := &Tracker{ID: 1, Kind: states.KindExport, State: states.FetchRunning}
	if _, _, err := PrepareRequeue(old, states.New); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("err = %v, want ErrNotTerminal", err)
	}

	old.State = states.Finished
	if _, _, err := PrepareRequeue(old, states.PreFetch); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestCanClaim(t *testing.T) {
	now := time.Now()
	other := "w2"
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	tr := &Tracker{Kind: states.KindExport, State: states.OK}
	if !CanClaim(tr, "w1", now) {
		t.Error("unowned tracker should be claimable")
	}

	tr.LeaseOwner, tr.LeaseExpiresAt = &other, &later
	if CanClaim(tr, "w1", now) {
		t.Error("live lease held by another worker should block")
	}
	if !CanClaim(tr, "w2", now) {
		t.Error("owner should be able to renew")
	}

	tr.LeaseExpiresAt = &earlier
	if !CanClaim(tr, "w1", now) {
		t.Error("expired lease should be claimable")
	}

	tr.State = states.Finished
	if CanClaim(tr, "w1", now) {
		t.Error("terminal tracker should not be claimable")
	}
}

func TestFilterMatches(t *testing.T) {
	now := time.Now()
	tr := &Tracker{State: states.FetchRunning, Instance: "a", UserEmail: "u@x", UpdateTime: now}

	if !(TrackerFilter{}).Matches(tr) {
		t.Error("empty filter should match")
	}
	if !(TrackerFilter{States: []string{states.OK, states.FetchRunning}}).Matches(tr) {
		t.Error("state filter should match")
	}
	if (TrackerFilter{Instance: "b"}).Matches(tr) {
		t.Error("instance filter should not match")
	}
	if (TrackerFilter{UpdatedBefore: now.Add(-time.Second)}).Matches(tr) {
		t.Error("recently updated tracker should not match UpdatedBefore")
	}
}
