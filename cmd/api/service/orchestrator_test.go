package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/cmd/api/middleware"
	"github.com/alphauslabs/ferry/internal/apiclient"
	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/database/badger"
	"github.com/alphauslabs/ferry/internal/idcodec"
	"github.com/alphauslabs/ferry/internal/queue"
	"github.com/alphauslabs/ferry/internal/states"
	"github.com/alphauslabs/ferry/internal/tracking"
)

const testKey = "test-key"

type orchestrator struct {
	svc    *TrackingService
	local  *tracking.Local
	q      *queue.MemoryQueue
	srv    *httptest.Server
	client *tracking.Client
}

func newOrchestrator(t *testing.T) *orchestrator {
	t.Helper()
	store, err := badger.Open("")
	if err != nil {
		t.Fatalf("badger.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	codec, err := idcodec.New("orchestrator-secret")
	if err != nil {
		t.Fatalf("idcodec.New: %v", err)
	}

	logger := zap.NewNop().Sugar()
	o := &orchestrator{
		local: tracking.NewLocal(store, codec),
		q:     queue.NewMemoryQueue(16),
	}
	o.svc = NewTrackingService(o.local, o.q, time.Hour, logger)

	mux := http.NewServeMux()
	o.svc.Register(mux, middleware.BearerAuth([]string{testKey}, logger))
	o.srv = httptest.NewServer(mux)
	t.Cleanup(o.srv.Close)

	o.client = tracking.NewClient(o.srv.URL, testKey, apiclient.Options{HTTPClient: o.srv.Client()})
	return o
}

func (o *orchestrator) seed(t *testing.T, kind states.Kind, state string) string {
	t.Helper()
	created, err := o.local.Store().CreateTracker(context.Background(), &database.Tracker{
		Kind:        kind,
		Instance:    "usegalaxy.example.org",
		UserEmail:   "user@example.org",
		HistoryID:   "f2db41e1fa331b3e",
		State:       state,
		NelsID:      42,
		Destination: "/Personal/exports",
	})
	if err != nil {
		t.Fatalf("CreateTracker: %v", err)
	}
	return o.local.Codec().Encode(created.ID)
}

// postForm submits the storage portal form without following the redirect.
func (o *orchestrator) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.PostForm(o.srv.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	resp.Body.Close()
	return resp
}

func (o *orchestrator) newState(t *testing.T) string {
	t.Helper()
	tok, err := o.client.CreateState(context.Background(), tracking.StateToken{
		Instance:  "usegalaxy.example.org",
		UserEmail: "user@example.org",
		HistoryID: "f2db41e1fa331b3e",
	})
	if err != nil {
		t.Fatalf("CreateState: %v", err)
	}
	if tok.ID == "" {
		t.Fatal("state token has no id")
	}
	return tok.ID
}

func TestTrackerGetAndPatch(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()
	id := o.seed(t, states.KindExport, states.PreQueueing)

	got, err := o.client.Get(ctx, states.KindExport, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != states.PreQueueing || got.NelsID != 42 {
		t.Errorf("unexpected tracker %+v", got)
	}

	updated, err := o.client.Update(ctx, states.KindExport, id, tracking.SetState(states.New).WithExportID("a799d38679e985db"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.State != states.New || updated.ExportID == nil || *updated.ExportID != "a799d38679e985db" {
		t.Errorf("unexpected update result %+v", updated)
	}

	logs, err := o.client.Logs(ctx, states.KindExport, id)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "changed state from pre-queueing to new" {
		t.Errorf("unexpected logs %+v", logs)
	}

	_, err = o.client.Update(ctx, states.KindExport, id, tracking.SetState(states.Finished))
	if !errors.Is(err, tracking.ErrConflict) {
		t.Errorf("skipping states: got %v, want ErrConflict", err)
	}
}

func TestTrackerNotFound(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()

	for _, id := range []string{o.local.Codec().Encode(999), "not-hex"} {
		if _, err := o.client.Get(ctx, states.KindExport, id); !errors.Is(err, tracking.ErrNotFound) {
			t.Errorf("Get(%q): got %v, want ErrNotFound", id, err)
		}
	}

	// An export id is not an import.
	id := o.seed(t, states.KindExport, states.PreQueueing)
	if _, err := o.client.Get(ctx, states.KindImport, id); !errors.Is(err, tracking.ErrNotFound) {
		t.Errorf("Get import: got %v, want ErrNotFound", err)
	}
}

func TestListTrackers(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()
	o.seed(t, states.KindExport, states.PreQueueing)
	o.seed(t, states.KindExport, states.Finished)
	o.seed(t, states.KindImport, states.PreFetch)

	all, err := o.client.List(ctx, states.KindExport, tracking.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d exports, want 2", len(all))
	}

	finished, err := o.client.List(ctx, states.KindExport, tracking.Filter{State: states.Finished})
	if err != nil {
		t.Fatalf("List finished: %v", err)
	}
	if len(finished) != 1 || finished[0].State != states.Finished {
		t.Errorf("unexpected finished list %+v", finished)
	}

	none, err := o.client.List(ctx, states.KindExport, tracking.Filter{Instance: "other.example.org"})
	if err != nil {
		t.Fatalf("List by instance: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("got %d exports for another instance", len(none))
	}

	_, err = o.client.List(ctx, states.KindImport, tracking.Filter{State: states.FetchRunning})
	var se *apiclient.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Errorf("import filtered by export-only state: got %v, want 400", err)
	}
}

func TestLeaseEndpoints(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()
	id := o.seed(t, states.KindExport, states.New)

	claimed, err := o.client.ClaimLease(ctx, states.KindExport, id, "worker-a", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("worker-a claim: %v %v", claimed, err)
	}
	claimed, err = o.client.ClaimLease(ctx, states.KindExport, id, "worker-b", time.Minute)
	if err != nil || claimed {
		t.Fatalf("worker-b claim while held: %v %v", claimed, err)
	}
	if err := o.client.ReleaseLease(ctx, states.KindExport, id, "worker-a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	claimed, err = o.client.ClaimLease(ctx, states.KindExport, id, "worker-b", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("worker-b claim after release: %v %v", claimed, err)
	}
}

func TestRequeueEnqueuesExactlyOnce(t *testing.T) {
	o := newOrchestrator(t)
	ctx := context.Background()
	failed := o.seed(t, states.KindExport, states.BioblendError)

	copied, err := o.client.Requeue(ctx, states.KindExport, failed, states.New)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if copied.ID == failed || copied.State != states.New || copied.NelsID != 42 {
		t.Errorf("unexpected requeued tracker %+v", copied)
	}

	published := o.q.Published()
	if len(published) != 1 || published[0].TrackerID != copied.ID || published[0].Type != states.KindExport {
		t.Fatalf("published %+v, want one message for %s", published, copied.ID)
	}

	logs, err := o.client.Logs(ctx, states.KindExport, copied.ID)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) == 0 || !strings.HasPrefix(logs[len(logs)-1].Message, "requeue export tracker") {
		t.Errorf("missing requeue log in %+v", logs)
	}

	running := o.seed(t, states.KindExport, states.FetchRunning)
	if _, err := o.client.Requeue(ctx, states.KindExport, running, states.New); !errors.Is(err, tracking.ErrConflict) {
		t.Errorf("requeue in flight: got %v, want ErrConflict", err)
	}
	if n := len(o.q.Published()); n != 1 {
		t.Errorf("rejected requeue published; %d messages", n)
	}
}

func TestRegisterExport(t *testing.T) {
	o := newOrchestrator(t)
	state := o.newState(t)

	form := url.Values{"nelsId": {"1234"}, "selectedFiles": {"/Personal/exports"}}
	resp := o.postForm(t, "/export/usegalaxy.example.org/"+state, form)
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://usegalaxy.example.org/" {
		t.Errorf("Location = %q", loc)
	}

	exports, err := o.client.List(context.Background(), states.KindExport, tracking.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(exports) != 1 {
		t.Fatalf("got %d exports, want 1", len(exports))
	}
	e := exports[0]
	if e.State != states.PreQueueing || e.NelsID != 1234 || e.Destination != "/Personal/exports" ||
		e.UserEmail != "user@example.org" || e.HistoryID != "f2db41e1fa331b3e" {
		t.Errorf("unexpected export %+v", e)
	}
	published := o.q.Published()
	if len(published) != 1 || published[0].TrackerID != e.ID {
		t.Errorf("published %+v", published)
	}

	// State tokens are single use.
	resp = o.postForm(t, "/export/usegalaxy.example.org/"+state, form)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("reused state: status = %d, want 404", resp.StatusCode)
	}
}

func TestRegisterImportOnePerFile(t *testing.T) {
	o := newOrchestrator(t)
	state := o.newState(t)

	form := url.Values{"nelsId": {"77"}, "selectedFiles": {"/Personal/a.tgz, /Personal/b.tgz,"}}
	resp := o.postForm(t, "/import/usegalaxy.example.org/"+state, form)
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", resp.StatusCode)
	}

	imports, err := o.client.List(context.Background(), states.KindImport, tracking.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var sources []string
	for _, i := range imports {
		if i.State != states.PreFetch || i.NelsID != 77 {
			t.Errorf("unexpected import %+v", i)
		}
		sources = append(sources, i.Source)
	}
	sort.Strings(sources)
	if strings.Join(sources, ",") != "/Personal/a.tgz,/Personal/b.tgz" {
		t.Errorf("sources = %v", sources)
	}
	if n := len(o.q.Published()); n != 2 {
		t.Errorf("published %d messages, want 2", n)
	}
}

func TestRegisterRejects(t *testing.T) {
	o := newOrchestrator(t)
	state := o.newState(t)

	tests := []struct {
		name string
		path string
		form url.Values
		want int
	}{
		{"unknown state", "/export/usegalaxy.example.org/nope", url.Values{"nelsId": {"1"}, "selectedFiles": {"/x"}}, http.StatusNotFound},
		{"other instance", "/export/other.example.org/" + state, url.Values{"nelsId": {"1"}, "selectedFiles": {"/x"}}, http.StatusBadRequest},
		{"bad nels id", "/export/usegalaxy.example.org/" + state, url.Values{"nelsId": {"abc"}, "selectedFiles": {"/x"}}, http.StatusBadRequest},
		{"no files", "/import/usegalaxy.example.org/" + state, url.Values{"nelsId": {"1"}, "selectedFiles": {" , "}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := o.postForm(t, tt.path, tt.form)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if n := len(o.q.Published()); n != 0 {
		t.Errorf("rejected registrations published %d messages", n)
	}
}

func TestRoutesRequireToken(t *testing.T) {
	o := newOrchestrator(t)
	id := o.seed(t, states.KindExport, states.New)

	for _, path := range []string{"/export/" + id, "/exports/", "/export/" + id + "/logs", "/state/x"} {
		resp, err := http.Get(o.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token: status = %d, want 401", path, resp.StatusCode)
		}
	}

	anonymous := tracking.NewClient(o.srv.URL, "wrong", apiclient.Options{})
	if _, err := anonymous.Get(context.Background(), states.KindExport, id); err == nil {
		t.Error("Get with wrong token succeeded")
	}
}
