package service

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/internal/config"
	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/database/badger"
	"github.com/alphauslabs/ferry/internal/idcodec"
	"github.com/alphauslabs/ferry/internal/instance"
	"github.com/alphauslabs/ferry/internal/queue"
	"github.com/alphauslabs/ferry/internal/staging"
	"github.com/alphauslabs/ferry/internal/tracking"
)

type fakeInstance struct {
	mu sync.Mutex

	freeGB  float64
	infoErr error

	exportID     string
	triggerErr   error
	triggerCalls int
	exportStates []string
	historyName  string
	archive      string
	downloadErr  error

	userKey     string
	importJobID string
	importErr   error
	imported    string
	jobStates   []string
}

func (f *fakeInstance) ID() string   { return "galaxy-1" }
func (f *fakeInstance) Name() string { return "usegalaxy.example.org" }

func (f *fakeInstance) GetInfo(ctx context.Context) (*instance.Info, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return &instance.Info{Name: f.Name(), FreeGB: f.freeGB}, nil
}

func (f *fakeInstance) TriggerExport(ctx context.Context, historyID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggerCalls++
	if f.triggerErr != nil {
		return "", f.triggerErr
	}
	return f.exportID, nil
}

// next pops the first state, repeating the last one forever.
func next(list *[]string) string {
	if len(*list) == 0 {
		return ""
	}
	s := (*list)[0]
	if len(*list) > 1 {
		*list = (*list)[1:]
	}
	return s
}

func (f *fakeInstance) PollExport(ctx context.Context, exportID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return next(&f.exportStates), nil
}

func (f *fakeInstance) GetHistoryExport(ctx context.Context, exportID string) (*instance.HistoryExport, error) {
	return &instance.HistoryExport{ExportID: exportID, Name: f.historyName, State: instance.RemoteOK}, nil
}

func (f *fakeInstance) LatestHistoryExport(ctx context.Context, historyID string) (*instance.HistoryExport, error) {
	return &instance.HistoryExport{ExportID: f.exportID, HistoryID: historyID, Name: f.historyName}, nil
}

func (f *fakeInstance) DownloadExport(ctx context.Context, exportID string, w io.Writer) (int64, error) {
	if f.downloadErr != nil {
		return 0, f.downloadErr
	}
	n, err := io.WriteString(w, f.archive)
	return int64(n), err
}

func (f *fakeInstance) UserAPIKey(ctx context.Context, email string) (string, error) {
	return f.userKey, nil
}

func (f *fakeInstance) TriggerImport(ctx context.Context, userKey, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.importErr != nil {
		return "", f.importErr
	}
	if userKey != f.userKey {
		return "", errors.New("wrong user key")
	}
	f.imported = path
	return f.importJobID, nil
}

func (f *fakeInstance) GetJobState(ctx context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return next(&f.jobStates), nil
}

type push struct {
	nelsID  int64
	remote  string
	content string
}

type fakeArchive struct {
	mu      sync.Mutex
	pushes  []push
	pullErr error
	content string
}

func (a *fakeArchive) Push(ctx context.Context, nelsID int64, local, remote string) error {
	b, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushes = append(a.pushes, push{nelsID: nelsID, remote: remote, content: string(b)})
	return nil
}

func (a *fakeArchive) Pull(ctx context.Context, nelsID int64, remote, local string) error {
	if a.pullErr != nil {
		return a.pullErr
	}
	return os.WriteFile(local, []byte(a.content), 0o600)
}

type fixture struct {
	svc   *WorkerService
	local *tracking.Local
	q     *queue.MemoryQueue
	inst  *fakeInstance
	arch  *fakeArchive
	area  *staging.Area
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		ID:                "worker-1",
		Lanes:             2,
		LeaseTTL:          time.Minute,
		HeartbeatInterval: 20 * time.Second,
		PollInterval:      time.Millisecond,
		PollMaxAttempts:   5,
		PollMaxFailures:   1,
		MinFreeGB:         30,
		StuckAfter:        time.Hour,
		PostActions: map[string][]string{
			"finished": {"notify", "log"},
			"failed":   {"notify"},
		},
	}
}

func newFixture(t *testing.T, ackMode queue.AckMode) *fixture {
	t.Helper()
	store, err := badger.Open("")
	if err != nil {
		t.Fatalf("badger.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	codec, err := idcodec.New("test-secret")
	if err != nil {
		t.Fatalf("idcodec.New: %v", err)
	}
	area, err := staging.NewArea(t.TempDir())
	if err != nil {
		t.Fatalf("staging.NewArea: %v", err)
	}

	f := &fixture{
		local: tracking.NewLocal(store, codec),
		q:     queue.NewMemoryQueue(16),
		inst: &fakeInstance{
			freeGB:       120,
			exportID:     "a799d38679e985db",
			exportStates: []string{"new", "running", instance.RemoteOK},
			historyName:  "My Run",
			archive:      "history archive bytes",
			userKey:      "user-key",
			importJobID:  "5a1cff6882ddb5b2",
			jobStates:    []string{"queued", instance.RemoteOK},
		},
		arch: &fakeArchive{content: "archived history"},
		area: area,
	}

	f.svc, err = NewWorkerService(testWorkerConfig(), ackMode, Deps{
		Tracking:  f.local,
		Instances: instance.NewStaticRegistry(f.inst),
		Archive:   f.arch,
		Staging:   area,
		Publisher: f.q,
		Logger:    zap.NewNop().Sugar(),
	})
	if err != nil {
		t.Fatalf("NewWorkerService: %v", err)
	}
	return f
}

func (f *fixture) seed(t *testing.T, tr *database.Tracker) *tracking.Tracker {
	t.Helper()
	if tr.Instance == "" {
		tr.Instance = "galaxy-1"
	}
	if tr.UserEmail == "" {
		tr.UserEmail = "user@example.org"
	}
	if tr.HistoryID == "" {
		tr.HistoryID = "f2db41e1fa331b3e"
	}
	if tr.NelsID == 0 {
		tr.NelsID = 42
	}
	created, err := f.local.Store().CreateTracker(context.Background(), tr)
	if err != nil {
		t.Fatalf("CreateTracker: %v", err)
	}
	return tracking.FromModel(created, f.local.Codec())
}

func (f *fixture) get(t *testing.T, tr *tracking.Tracker) *tracking.Tracker {
	t.Helper()
	got, err := f.local.Get(context.Background(), tr.Kind, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return got
}

func (f *fixture) logs(t *testing.T, tr *tracking.Tracker) []string {
	t.Helper()
	entries, err := f.local.Logs(context.Background(), tr.Kind, tr.ID)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func (f *fixture) process(t *testing.T, tr *tracking.Tracker) {
	t.Helper()
	if err := f.svc.Process(context.Background(), queue.Message{TrackerID: tr.ID, Type: tr.Kind}); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func containsLog(logs []string, substr string) bool {
	for _, l := range logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func strptr(s string) *string { return &s }

var _ instance.Instance = (*fakeInstance)(nil)
