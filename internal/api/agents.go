package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/hermes/internal/agents"
	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/transport"
)

// listAgentsResponse is the JSON response for GET /v1/agents.
type listAgentsResponse struct {
	Agents []*model.Agent `json:"agents"`
	Total  int            `json:"total"`
}

// envelopesResponse carries the queued envelopes handed to a polling agent.
type envelopesResponse struct {
	Envelopes []transport.TaskEnvelope `json:"envelopes"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var info agents.HeartbeatInfo
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	agent, err := s.agents.Heartbeat(r.Context(), id, info)
	if err != nil {
		s.writeDomainError(w, err, "failed to record heartbeat")
		return
	}

	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	agent, err := s.agents.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "failed to get agent")
		return
	}

	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	all, err := s.agents.List(r.Context())
	if err != nil {
		s.logger.Error("list agents", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	if all == nil {
		all = []*model.Agent{}
	}

	s.writeJSON(w, http.StatusOK, listAgentsResponse{Agents: all, Total: len(all)})
}

// handleDrainEnvelopes hands an agent everything queued for it in the mailbox
// transport. Deployments on a push transport have no mailbox to poll.
func (s *Server) handleDrainEnvelopes(w http.ResponseWriter, r *http.Request) {
	if s.mailbox == nil {
		s.writeError(w, http.StatusNotImplemented, "envelope polling is not available on this transport")
		return
	}

	id := chi.URLParam(r, "id")
	s.writeJSON(w, http.StatusOK, envelopesResponse{Envelopes: s.mailbox.Drain(id)})
}
