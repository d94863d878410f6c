package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/states"
)

// openIntegration connects to POSTGRES_TEST_URL. Each test uses its own
// instance name so runs against a shared database do not see each other.
func openIntegration(t *testing.T) (*Store, string) {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	s, err := NewStore(context.Background(), url)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, "it-" + uuid.NewString()
}

func ptr(s string) *string { return &s }

func create(t *testing.T, s *Store, instance string) *database.Tracker {
	t.Helper()
	tr, err := s.CreateTracker(context.Background(), &database.Tracker{
		Kind:        states.KindExport,
		Instance:    instance,
		UserEmail:   "user@example.org",
		HistoryID:   "f2db41e1fa331b3e",
		State:       states.PreQueueing,
		NelsID:      42,
		Destination: "/archive/userX",
	})
	if err != nil {
		t.Fatalf("CreateTracker: %v", err)
	}
	return tr
}

func TestPostgresTransitionsAndLogs(t *testing.T) {
	s, instance := openIntegration(t)
	ctx := context.Background()
	tr := create(t, s, instance)

	if tr.CreateTime.Location() != time.UTC {
		t.Errorf("create time in %v, want UTC", tr.CreateTime.Location())
	}

	path := []string{states.New, states.OK, states.FetchRunning, states.FetchError}
	for _, next := range path {
		if _, err := s.UpdateTracker(ctx, states.KindExport, tr.ID, database.TrackerUpdate{State: ptr(next)}); err != nil {
			t.Fatalf("UpdateTracker(%s): %v", next, err)
		}
	}
	_, err := s.UpdateTracker(ctx, states.KindExport, tr.ID, database.TrackerUpdate{State: ptr(states.FetchOK)})
	if !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("update of a terminal tracker: err = %v", err)
	}

	got, err := s.GetTracker(ctx, states.KindExport, tr.ID)
	if err != nil {
		t.Fatalf("GetTracker: %v", err)
	}
	if got.State != states.FetchError || got.UpdateTime.Before(got.CreateTime) {
		t.Errorf("unexpected tracker %+v", got)
	}

	logs, err := s.ListLogs(ctx, states.KindExport, tr.ID)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) != len(path) {
		t.Fatalf("got %d log entries, want %d", len(logs), len(path))
	}
	if logs[0].Message != "changed state from pre-queueing to new" ||
		logs[3].Message != "changed state from fetch-running to fetch-error" {
		t.Errorf("log out of order: %q ... %q", logs[0].Message, logs[3].Message)
	}

	errored, err := s.ListTrackers(ctx, states.KindExport, database.TrackerFilter{
		States:   []string{states.FetchError},
		Instance: instance,
	})
	if err != nil {
		t.Fatalf("ListTrackers: %v", err)
	}
	if len(errored) != 1 || errored[0].ID != tr.ID {
		t.Errorf("ListTrackers = %+v", errored)
	}
}

func TestPostgresLease(t *testing.T) {
	s, instance := openIntegration(t)
	ctx := context.Background()
	tr := create(t, s, instance)
	until := time.Now().Add(time.Minute)

	if ok, err := s.TryClaimLease(ctx, states.KindExport, tr.ID, "worker-a", until); err != nil || !ok {
		t.Fatalf("claim a: %v %v", ok, err)
	}
	if ok, err := s.TryClaimLease(ctx, states.KindExport, tr.ID, "worker-b", until); err != nil || ok {
		t.Fatalf("claim b while a holds: %v %v", ok, err)
	}
	if ok, err := s.TryClaimLease(ctx, states.KindExport, tr.ID, "worker-a", until.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("renew a: %v %v", ok, err)
	}
	if err := s.ReleaseLease(ctx, states.KindExport, tr.ID, "worker-b"); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	if ok, _ := s.TryClaimLease(ctx, states.KindExport, tr.ID, "worker-b", until); ok {
		t.Fatal("non-owner release dropped the lease")
	}
	if err := s.ReleaseLease(ctx, states.KindExport, tr.ID, "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := s.TryClaimLease(ctx, states.KindExport, tr.ID, "worker-b", until); err != nil || !ok {
		t.Fatalf("claim b after release: %v %v", ok, err)
	}
	if err := s.ReleaseLease(ctx, states.KindExport, 1<<40, "worker-b"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("release of a missing tracker: err = %v", err)
	}
}

func TestPostgresRequeue(t *testing.T) {
	s, instance := openIntegration(t)
	ctx := context.Background()
	tr := create(t, s, instance)

	if _, err := s.Requeue(ctx, states.KindExport, tr.ID, states.New); !errors.Is(err, database.ErrNotTerminal) {
		t.Errorf("requeue in flight: err = %v", err)
	}
	if _, err := s.UpdateTracker(ctx, states.KindExport, tr.ID, database.TrackerUpdate{State: ptr(states.BioblendError)}); err != nil {
		t.Fatalf("UpdateTracker: %v", err)
	}
	if _, err := s.Requeue(ctx, states.KindExport, tr.ID, states.PreFetch); !errors.Is(err, database.ErrInvalidState) {
		t.Errorf("requeue into an import state: err = %v", err)
	}

	cp, err := s.Requeue(ctx, states.KindExport, tr.ID, states.New)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if cp.ID == tr.ID || cp.State != states.New || cp.NelsID != 42 || cp.LeaseOwner != nil {
		t.Errorf("unexpected copy %+v", cp)
	}
	logs, err := s.ListLogs(ctx, states.KindExport, cp.ID)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("copy has %d log entries, want 1", len(logs))
	}
	old, err := s.GetTracker(ctx, states.KindExport, tr.ID)
	if err != nil || old.State != states.BioblendError {
		t.Errorf("original row changed: %+v %v", old, err)
	}
}
