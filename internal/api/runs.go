package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sluiceio/sluice/internal/history"
)

// runResponse is one history ledger record rendered as JSON.
type runResponse struct {
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	RunName    string    `json:"run_name"`
	Status     string    `json:"status"`
	Revision   string    `json:"revision,omitempty"`
	SessionID  string    `json:"session_id"`
	Command    string    `json:"command,omitempty"`
}

// listRunsResponse wraps a set of ledger records.
type listRunsResponse struct {
	Runs  []runResponse `json:"runs"`
	Total int           `json:"total"`
}

func toRunsResponse(records []history.Record) listRunsResponse {
	runs := make([]runResponse, len(records))
	for i, rec := range records {
		runs[i] = runResponse{
			Timestamp:  rec.Timestamp,
			DurationMS: rec.Duration.Milliseconds(),
			RunName:    rec.RunName,
			Status:     rec.Status,
			Revision:   rec.Revision,
			SessionID:  rec.SessionID,
			Command:    rec.Command,
		}
	}
	return listRunsResponse{Runs: runs, Total: len(runs)}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	records, err := s.ledger.All()
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	s.writeJSON(w, http.StatusOK, toRunsResponse(records))
}

// handleGetRun resolves a run by name or by session id prefix, the same two
// forms the history ledger accepts.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	records, err := s.ledger.FindByName(ref)
	if err != nil {
		s.logger.Error("find run by name", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to look up run")
		return
	}

	if len(records) == 0 {
		records, err = s.ledger.FindByID(ref)
		if errors.Is(err, history.ErrAmbiguousID) {
			s.writeError(w, http.StatusConflict, "session id prefix matches more than one run")
			return
		}
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			s.logger.Error("find run by session id", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to look up run")
			return
		}
	}

	s.writeJSON(w, http.StatusOK, toRunsResponse(records))
}
