package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/cmd/api/middleware"
	"github.com/alphauslabs/ferry/internal/apiclient"
	"github.com/alphauslabs/ferry/internal/config"
	"github.com/alphauslabs/ferry/internal/galaxydb"
	"github.com/alphauslabs/ferry/internal/idcodec"
	"github.com/alphauslabs/ferry/internal/instance"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeGalaxy struct {
	exports  map[int64]*galaxydb.Export
	sessions map[string]*galaxydb.TOS
}

func (g *fakeGalaxy) GetExport(ctx context.Context, exportID int64) (*galaxydb.Export, error) {
	e, ok := g.exports[exportID]
	if !ok {
		return nil, galaxydb.ErrNotFound
	}
	return e, nil
}

func (g *fakeGalaxy) LatestExportForHistory(ctx context.Context, historyID int64) (*galaxydb.Export, error) {
	var latest *galaxydb.Export
	for _, e := range g.exports {
		if e.HistoryID == historyID && (latest == nil || e.ExportID > latest.ExportID) {
			latest = e
		}
	}
	if latest == nil {
		return nil, galaxydb.ErrNotFound
	}
	return latest, nil
}

func (g *fakeGalaxy) ListExports(ctx context.Context, state string) ([]*galaxydb.Export, error) {
	var out []*galaxydb.Export
	for _, e := range g.exports {
		if state == "" || e.State == state {
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *fakeGalaxy) SessionTOS(ctx context.Context, sessionKey string) (*galaxydb.TOS, error) {
	t, ok := g.sessions[sessionKey]
	if !ok {
		return nil, galaxydb.ErrInvalidSession
	}
	return t, nil
}

type instanceFixture struct {
	srv    *httptest.Server
	codec  *idcodec.Codec
	client *instance.Client
	dir    string
}

func newInstanceFixture(t *testing.T) *instanceFixture {
	t.Helper()
	codec, err := idcodec.New("galaxy-id-secret")
	if err != nil {
		t.Fatalf("idcodec.New: %v", err)
	}
	dir := t.TempDir()

	db := &fakeGalaxy{
		exports: map[int64]*galaxydb.Export{
			3: {ExportID: 3, DatasetID: 42, HistoryID: 9, Name: "My Run", State: "ok", JobID: 100, CreateTime: testNow.Add(-time.Hour)},
			4: {ExportID: 4, DatasetID: 43, HistoryID: 9, Name: "My Run", State: "running", JobID: 101, CreateTime: testNow},
			5: {ExportID: 5, DatasetID: 44, HistoryID: 10, Name: "Other", State: "ok", JobID: 102, CreateTime: testNow},
		},
		sessions: map[string]*galaxydb.TOS{
			"fresh-session":    {UserID: 1},
			"accepted-session": {UserID: 2, Status: galaxydb.TOSAccepted, TOSDate: testNow.Add(-48 * time.Hour), Found: true},
			"expired-session":  {UserID: 3, Status: galaxydb.TOSGrace, TOSDate: testNow.Add(-time.Hour), Found: true},
		},
	}

	logger := zap.NewNop().Sugar()
	svc := NewInstanceService(db, codec, InstanceConfig{Name: "usegalaxy.example.org", FileDir: dir, GracePeriod: 14}, logger)
	svc.now = func() time.Time { return testNow }

	mux := http.NewServeMux()
	svc.Register(mux, middleware.BearerAuth([]string{testKey}, logger))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := instance.NewClient(config.InstanceConfig{
		ID:     "galaxy-1",
		Name:   "usegalaxy.example.org",
		NgaURL: srv.URL,
		NgaKey: testKey,
	}, apiclient.Options{HTTPClient: srv.Client()})

	return &instanceFixture{srv: srv, codec: codec, client: client, dir: dir}
}

func TestInfoReportsDiskSpace(t *testing.T) {
	f := newInstanceFixture(t)
	info, err := f.client.GetInfo(context.Background())
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Name != "usegalaxy.example.org" {
		t.Errorf("Name = %q", info.Name)
	}
	if info.FreeGB < 0 || info.PercentFree < 0 || info.PercentFree > 100 {
		t.Errorf("implausible disk report %+v", info)
	}
}

func TestHistoryExportEndpoints(t *testing.T) {
	f := newInstanceFixture(t)
	ctx := context.Background()

	e, err := f.client.GetHistoryExport(ctx, f.codec.Encode(3))
	if err != nil {
		t.Fatalf("GetHistoryExport: %v", err)
	}
	if e.ExportID != f.codec.Encode(3) || e.DatasetID != f.codec.Encode(42) || e.HistoryID != f.codec.Encode(9) ||
		e.State != instance.RemoteOK || e.Name != "My Run" {
		t.Errorf("unexpected export %+v", e)
	}

	latest, err := f.client.LatestHistoryExport(ctx, f.codec.Encode(9))
	if err != nil {
		t.Fatalf("LatestHistoryExport: %v", err)
	}
	if latest.ExportID != f.codec.Encode(4) {
		t.Errorf("latest export = %q, want %q", latest.ExportID, f.codec.Encode(4))
	}

	state, err := f.client.PollExport(ctx, f.codec.Encode(4))
	if err != nil || state != "running" {
		t.Errorf("PollExport = %q, %v", state, err)
	}

	for _, id := range []string{f.codec.Encode(999), "zz"} {
		_, err := f.client.GetHistoryExport(ctx, id)
		if !apiclient.IsNotFound(err) {
			t.Errorf("GetHistoryExport(%q): got %v, want 404", id, err)
		}
	}
}

func TestListExportsByState(t *testing.T) {
	f := newInstanceFixture(t)

	var out []instance.HistoryExport
	api := apiclient.New(f.srv.URL, apiclient.Bearer(testKey), apiclient.Options{})
	if err := api.GetJSON(context.Background(), "/history/exports/", url.Values{"state": {"ok"}}, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("got %d ok exports, want 2", len(out))
	}
	for _, e := range out {
		if e.State != "ok" {
			t.Errorf("unexpected state %q", e.State)
		}
	}
}

func TestDownloadStreamsDataset(t *testing.T) {
	f := newInstanceFixture(t)

	content := bytes.Repeat([]byte("history-archive."), (3*downloadChunkSize)/16+5)
	dir := filepath.Join(f.dir, "000")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dataset_42.dat"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	n, err := f.client.DownloadExport(context.Background(), f.codec.Encode(3), &buf)
	if err != nil {
		t.Fatalf("DownloadExport: %v", err)
	}
	if n != int64(len(content)) || !bytes.Equal(buf.Bytes(), content) {
		t.Errorf("downloaded %d bytes, want %d identical bytes", n, len(content))
	}

	// Export 5's dataset was never written.
	_, err = f.client.DownloadExport(context.Background(), f.codec.Encode(5), &bytes.Buffer{})
	if !apiclient.IsNotFound(err) {
		t.Errorf("missing dataset: got %v, want 404", err)
	}
}

func TestTOS(t *testing.T) {
	f := newInstanceFixture(t)

	tests := []struct {
		name       string
		cookie     string
		wantCode   int
		wantStatus string
	}{
		{"no record starts grace", f.codec.EncodeString("fresh-session"), http.StatusOK, galaxydb.TOSGrace},
		{"accepted", f.codec.EncodeString("accepted-session"), http.StatusOK, galaxydb.TOSAccepted},
		{"grace ran out", f.codec.EncodeString("expired-session"), http.StatusOK, galaxydb.TOSExpired},
		{"unknown session", f.codec.EncodeString("who"), http.StatusForbidden, ""},
		{"undecodable cookie", "not-hex", http.StatusForbidden, ""},
		{"no cookie", "", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/tos", nil)
			if err != nil {
				t.Fatal(err)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: sessionCookie, Value: tt.cookie})
			}
			resp, err := f.srv.Client().Do(req)
			if err != nil {
				t.Fatalf("GET /tos: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.wantStatus == "" {
				return
			}
			var report galaxydb.TOSReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if report.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", report.Status, tt.wantStatus)
			}
			if tt.wantStatus == galaxydb.TOSGrace && report.GracePeriod == "" {
				t.Error("grace report has no grace period")
			}
		})
	}
}

func TestInstanceRoutesRequireToken(t *testing.T) {
	f := newInstanceFixture(t)
	anonymous := instance.NewClient(config.InstanceConfig{NgaURL: f.srv.URL, NgaKey: "wrong"}, apiclient.Options{})

	_, err := anonymous.GetInfo(context.Background())
	var se *apiclient.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Errorf("GetInfo with wrong key: got %v, want 401", err)
	}
}
