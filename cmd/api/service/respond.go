// Package service holds the HTTP handlers of the tracking API, in its
// orchestrator and instance modes.
package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/alphauslabs/ferry/internal/galaxydb"
	"github.com/alphauslabs/ferry/internal/tracking"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusOf maps lookup and store errors to a response status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, tracking.ErrNotFound), errors.Is(err, galaxydb.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracking.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, galaxydb.ErrInvalidSession):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func respondError(w http.ResponseWriter, logger *zap.SugaredLogger, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}
