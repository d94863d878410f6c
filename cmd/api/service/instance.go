package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/alphauslabs/ferry/internal/galaxydb"
	"github.com/alphauslabs/ferry/internal/idcodec"
	"github.com/alphauslabs/ferry/internal/instance"
)

const (
	downloadChunkSize = 1 << 20
	sessionCookie     = "galaxysession"
)

// GalaxyDB is the part of the Galaxy database the instance API reads.
type GalaxyDB interface {
	GetExport(ctx context.Context, exportID int64) (*galaxydb.Export, error)
	LatestExportForHistory(ctx context.Context, historyID int64) (*galaxydb.Export, error)
	ListExports(ctx context.Context, state string) ([]*galaxydb.Export, error)
	SessionTOS(ctx context.Context, sessionKey string) (*galaxydb.TOS, error)
}

// InstanceConfig configures the instance API.
type InstanceConfig struct {
	// Name is reported by /info/.
	Name string

	// FileDir is the Galaxy dataset directory.
	FileDir string

	// GracePeriod is the terms-of-service grace period in days.
	GracePeriod int
}

// InstanceService runs next to a Galaxy instance and exposes its history
// exports, dataset files and disk usage.
type InstanceService struct {
	db     GalaxyDB
	codec  *idcodec.Codec
	cfg    InstanceConfig
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewInstanceService creates the instance service. codec must be keyed with
// the Galaxy instance's id secret.
func NewInstanceService(db GalaxyDB, codec *idcodec.Codec, cfg InstanceConfig, logger *zap.SugaredLogger) *InstanceService {
	return &InstanceService{db: db, codec: codec, cfg: cfg, logger: logger, now: time.Now}
}

// Register adds the instance routes to mux. /tos authenticates with the
// Galaxy session cookie instead of a bearer token.
func (s *InstanceService) Register(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	mux.Handle("GET /info/{$}", protect(http.HandlerFunc(s.info)))
	mux.Handle("GET /history/export", protect(http.HandlerFunc(s.latestExport)))
	mux.Handle("GET /history/export/{$}", protect(http.HandlerFunc(s.latestExport)))
	mux.Handle("GET /history/export/{id}", protect(http.HandlerFunc(s.getExport)))
	mux.Handle("GET /history/exports/{$}", protect(http.HandlerFunc(s.listExports)))
	mux.Handle("GET /history/download/{id}", protect(http.HandlerFunc(s.download)))
	mux.Handle("GET /history/download/{id}/{$}", protect(http.HandlerFunc(s.download)))
	mux.HandleFunc("GET /tos", s.tos)
}

func (s *InstanceService) info(w http.ResponseWriter, r *http.Request) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.cfg.FileDir, &st); err != nil {
		s.logger.Errorf("statfs %s failed: %v", s.cfg.FileDir, err)
		writeError(w, http.StatusInternalServerError, "could not read disk usage")
		return
	}
	bsize := uint64(st.Bsize)
	free := float64(st.Bavail * bsize)
	total := float64(st.Blocks * bsize)

	info := instance.Info{Name: s.cfg.Name, FreeGB: free / (1 << 30)}
	if total > 0 {
		info.PercentFree = 100 * free / total
	}
	writeJSON(w, http.StatusOK, info)
}

// toWire encodes every id of e.
func (s *InstanceService) toWire(e *galaxydb.Export) *instance.HistoryExport {
	return &instance.HistoryExport{
		ExportID:   s.codec.Encode(e.ExportID),
		DatasetID:  s.codec.Encode(e.DatasetID),
		HistoryID:  s.codec.Encode(e.HistoryID),
		Name:       e.Name,
		CreateTime: e.CreateTime,
		State:      e.State,
		JobID:      s.codec.Encode(e.JobID),
	}
}

func (s *InstanceService) decodeID(w http.ResponseWriter, encoded, what string) (int64, bool) {
	id, err := s.codec.Decode(encoded)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown %s %q", what, encoded))
		return 0, false
	}
	return id, true
}

func (s *InstanceService) getExport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeID(w, r.PathValue("id"), "export")
	if !ok {
		return
	}
	e, err := s.db.GetExport(r.Context(), id)
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toWire(e))
}

func (s *InstanceService) latestExport(w http.ResponseWriter, r *http.Request) {
	encoded := r.URL.Query().Get("history_id")
	if encoded == "" {
		writeError(w, http.StatusBadRequest, "history_id is required")
		return
	}
	historyID, ok := s.decodeID(w, encoded, "history")
	if !ok {
		return
	}
	e, err := s.db.LatestExportForHistory(r.Context(), historyID)
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toWire(e))
}

func (s *InstanceService) listExports(w http.ResponseWriter, r *http.Request) {
	exports, err := s.db.ListExports(r.Context(), r.URL.Query().Get("state"))
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	out := make([]*instance.HistoryExport, 0, len(exports))
	for _, e := range exports {
		out = append(out, s.toWire(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// download streams the dataset holding an export's archive.
func (s *InstanceService) download(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeID(w, r.PathValue("id"), "export")
	if !ok {
		return
	}
	e, err := s.db.GetExport(r.Context(), id)
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	path, err := galaxydb.DatasetPath(s.cfg.FileDir, e.DatasetID)
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", r.PathValue("id")+".tgz"))
	if st, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(st.Size(), 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.CopyBuffer(w, f, make([]byte, downloadChunkSize))
	if err != nil {
		s.logger.Warnf("Download of export %s stopped after %d bytes: %v", r.PathValue("id"), n, err)
		return
	}
	s.logger.Infof("Served export %s (%d bytes)", r.PathValue("id"), n)
}

// tos reports the terms-of-service status of the session's user. It never
// writes, so an expired grace period is reported but not recorded.
func (s *InstanceService) tos(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		writeError(w, http.StatusForbidden, "no galaxy session")
		return
	}
	key, err := s.codec.DecodeString(c.Value)
	if err != nil {
		writeError(w, http.StatusForbidden, "invalid galaxy session")
		return
	}
	t, err := s.db.SessionTOS(r.Context(), key)
	if err != nil {
		respondError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Report(s.now(), s.cfg.GracePeriod))
}
