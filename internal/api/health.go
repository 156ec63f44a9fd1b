package api

import (
	"net/http"
)

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// handleHealthz reports 200 while every engine loop is healthy and 503 with
// the per-component status once any of them starts failing.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := s.engine.Health()
	if !health.OK() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:     "degraded",
			Components: health.Components(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
