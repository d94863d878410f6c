package service

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/states"
	"github.com/alphauslabs/ferry/internal/tracking"
)

// register handles the storage portal's form POST that completes a browser
// export or import request. The state token in the path names the user and
// history; the form names the storage user and the selected files.
func (s *TrackingService) register(w http.ResponseWriter, r *http.Request, kind states.Kind) {
	instance := r.PathValue("instance")
	stateID := r.PathValue("state_id")

	tok, ok := s.tokens.Get(stateID)
	if !ok {
		writeError(w, http.StatusNotFound, "state not found or expired")
		return
	}
	if tok.Instance != instance {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("state %s belongs to another instance", stateID))
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}
	nelsID, err := strconv.ParseInt(strings.TrimSpace(r.PostForm.Get("nelsId")), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "nelsId must be a number")
		return
	}
	selected := strings.TrimSpace(r.PostForm.Get("selectedFiles"))
	if selected == "" {
		writeError(w, http.StatusBadRequest, "selectedFiles is required")
		return
	}

	records := s.newRecords(kind, tok, nelsID, selected)
	if len(records) == 0 {
		writeError(w, http.StatusBadRequest, "no files selected")
		return
	}

	for _, rec := range records {
		created, err := s.local.Store().CreateTracker(r.Context(), rec)
		if err != nil {
			respondError(w, s.logger, r, err)
			return
		}
		t := tracking.FromModel(created, s.local.Codec())
		if err := s.enqueue(r.Context(), t); err != nil {
			s.logger.Errorf("Registered %s tracker %s but could not enqueue it: %v", kind, t.ID, err)
			writeError(w, http.StatusBadGateway, "tracker registered but not queued")
			return
		}
		s.logger.Infof("Registered %s tracker %s for %s on %s", kind, t.ID, tok.UserEmail, instance)
	}
	s.tokens.Remove(stateID)

	http.Redirect(w, r, fmt.Sprintf("https://%s/", instance), http.StatusSeeOther)
}

// newRecords builds the trackers for one registration: a single export to
// the selected folder, or one import per selected file.
func (s *TrackingService) newRecords(kind states.Kind, tok tracking.StateToken, nelsID int64, selected string) []*database.Tracker {
	base := database.Tracker{
		Kind:      kind,
		Instance:  tok.Instance,
		UserEmail: tok.UserEmail,
		HistoryID: tok.HistoryID,
		NelsID:    nelsID,
		State:     states.Initial(kind),
	}

	if kind == states.KindExport {
		t := base
		t.Destination = selected
		return []*database.Tracker{&t}
	}

	var out []*database.Tracker
	for _, file := range strings.Split(selected, ",") {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		t := base
		t.Source = file
		out = append(out, &t)
	}
	return out
}
