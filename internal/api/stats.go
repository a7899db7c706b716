package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	Sessions      int            `json:"sessions"`
	ByStatus      map[string]int `json:"by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.runs.Stats(r.Context())
	if err != nil {
		s.logger.Error("get run cache stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		Sessions:      stats.Sessions,
		ByStatus:      stats.CountByStatus,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
