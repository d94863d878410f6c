package adminrpc

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/database/badger"
	"github.com/alphauslabs/ferry/internal/idcodec"
	"github.com/alphauslabs/ferry/internal/queue"
	"github.com/alphauslabs/ferry/internal/states"
	"github.com/alphauslabs/ferry/internal/tracking"
)

// requeueBackend publishes after a successful requeue, as the API does.
type requeueBackend struct {
	*tracking.Local
	q *queue.MemoryQueue
}

func (b requeueBackend) Requeue(ctx context.Context, kind states.Kind, id, state string) (*tracking.Tracker, error) {
	t, err := b.Local.Requeue(ctx, kind, id, state)
	if err != nil {
		return nil, err
	}
	return t, b.q.Publish(ctx, queue.Message{TrackerID: t.ID, Type: kind})
}

func setup(t *testing.T) (*Client, *tracking.Local, *queue.MemoryQueue) {
	t.Helper()
	store, err := badger.Open("")
	if err != nil {
		t.Fatalf("badger.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	codec, err := idcodec.New("")
	if err != nil {
		t.Fatalf("idcodec.New: %v", err)
	}
	local := tracking.NewLocal(store, codec)
	q := queue.NewMemoryQueue(10)

	path, handler := NewHandler(requeueBackend{Local: local, q: q}, zap.NewNop().Sugar())
	if path != "/ferry.admin.v1.AdminService/" {
		t.Fatalf("unexpected mount path %q", path)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(srv.Client(), srv.URL, "secret"), local, q
}

func seed(t *testing.T, l *tracking.Local, state string) string {
	t.Helper()
	created, err := l.Store().CreateTracker(context.Background(), &database.Tracker{
		Kind:        states.KindExport,
		Instance:    "galaxy-1",
		UserEmail:   "user@example.org",
		HistoryID:   "f2db41e1fa331b3e",
		State:       state,
		NelsID:      7,
		Destination: "/archive",
	})
	if err != nil {
		t.Fatalf("CreateTracker: %v", err)
	}
	return l.Codec().Encode(created.ID)
}

func TestGetTrackerAndLogs(t *testing.T) {
	ctx := context.Background()
	c, local, _ := setup(t)
	id := seed(t, local, states.PreQueueing)

	if _, err := local.Update(ctx, states.KindExport, id, tracking.SetState(states.New)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := c.GetTracker(ctx, "export", id)
	if err != nil {
		t.Fatalf("GetTracker: %v", err)
	}
	if got.ID != id || got.State != states.New {
		t.Errorf("got %s in %s, want %s in new", got.ID, got.State, id)
	}

	logs, err := c.ListLogs(ctx, "export", id)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) == 0 || logs[len(logs)-1].Message != "changed state from pre-queueing to new" {
		t.Errorf("unexpected logs: %+v", logs)
	}
}

func TestListTrackersFilters(t *testing.T) {
	ctx := context.Background()
	c, local, _ := setup(t)
	seed(t, local, states.PreQueueing)
	seed(t, local, states.Finished)

	all, err := c.ListTrackers(ctx, ListTrackersRequest{Kind: "export"})
	if err != nil {
		t.Fatalf("ListTrackers: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d trackers, want 2", len(all))
	}

	done, err := c.ListTrackers(ctx, ListTrackersRequest{Kind: "export", State: states.Finished})
	if err != nil {
		t.Fatalf("ListTrackers: %v", err)
	}
	if len(done) != 1 || done[0].State != states.Finished {
		t.Errorf("state filter returned %+v", done)
	}
}

func TestRequeuePublishesOnce(t *testing.T) {
	ctx := context.Background()
	c, local, q := setup(t)
	id := seed(t, local, states.FetchError)

	nt, err := c.Requeue(ctx, "export", id, states.PreQueueing)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if nt.ID == id || nt.State != states.PreQueueing {
		t.Errorf("requeue returned %+v", nt)
	}

	published := q.Published()
	if len(published) != 1 || published[0].TrackerID != nt.ID {
		t.Errorf("published %+v, want one message for %s", published, nt.ID)
	}
}

func TestErrorCodes(t *testing.T) {
	ctx := context.Background()
	c, local, q := setup(t)
	running := seed(t, local, states.PreQueueing)

	_, err := c.Requeue(ctx, "export", running, states.PreQueueing)
	if got := connect.CodeOf(err); got != connect.CodeFailedPrecondition {
		t.Errorf("requeue of in-flight tracker: code %v, want failed_precondition (%v)", got, err)
	}
	if n := len(q.Published()); n != 0 {
		t.Errorf("rejected requeue published %d messages", n)
	}

	_, err = c.GetTracker(ctx, "export", local.Codec().Encode(999))
	if got := connect.CodeOf(err); got != connect.CodeNotFound {
		t.Errorf("missing tracker: code %v, want not_found", got)
	}

	_, err = c.GetTracker(ctx, "upload", running)
	var cerr *connect.Error
	if !errors.As(err, &cerr) || cerr.Code() != connect.CodeInvalidArgument {
		t.Errorf("unknown kind: got %v, want invalid_argument", err)
	}
}

func TestFailRunningTracker(t *testing.T) {
	ctx := context.Background()
	c, local, q := setup(t)
	id := seed(t, local, states.NelsTransferRunning)

	if _, err := local.ClaimLease(ctx, states.KindExport, id, "worker-1", time.Minute); err != nil {
		t.Fatalf("ClaimLease: %v", err)
	}
	_, err := c.Fail(ctx, "export", id, "")
	if connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Errorf("fail while leased: code %v, err %v", connect.CodeOf(err), err)
	}
	if err := local.ReleaseLease(ctx, states.KindExport, id, "worker-1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	got, err := c.Fail(ctx, "export", id, "scp hung")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if got.State != states.NelsTransferError {
		t.Errorf("state = %s, want nels-transfer-error", got.State)
	}
	if n := len(q.Published()); n != 0 {
		t.Errorf("fail published %d messages", n)
	}

	if _, err := c.Requeue(ctx, "export", id, states.FetchOK); err != nil {
		t.Fatalf("Requeue after Fail: %v", err)
	}
	if n := len(q.Published()); n != 1 {
		t.Errorf("published %d messages, want 1", n)
	}
}
