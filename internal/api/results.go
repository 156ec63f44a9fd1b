package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/seantiz/hermes/internal/transport"
)

// handleSubmitResult ingests one result envelope from an agent. Delivery is
// at-least-once, so every well-formed envelope is acknowledged with 202 and
// the outcome tells the agent whether it was applied or discarded.
func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, transport.MaxResultSize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "result exceeds size limit")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	outcome, err := s.engine.Ingest(r.Context(), raw)
	if err != nil {
		s.writeDomainError(w, err, "failed to ingest result")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"outcome": string(outcome)})
}
