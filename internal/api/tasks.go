package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/hermes/internal/engine"
	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	AgentID     string          `json:"agent_id"`
	CommandType string          `json:"command_type"`
	Parameters  json.RawMessage `json:"parameters"`
	TimeoutS    int             `json:"timeout_s"`
	MaxRetries  *int            `json:"max_retries"`
	CreatedBy   string          `json:"created_by"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// attemptsResponse is the JSON response for GET /v1/tasks/:id/attempts.
type attemptsResponse struct {
	TaskID   string              `json:"task_id"`
	Attempts []model.TaskAttempt `json:"attempts"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task, err := s.engine.Create(r.Context(), engine.NewTask{
		AgentID:     req.AgentID,
		CommandType: req.CommandType,
		CreatedBy:   req.CreatedBy,
		Parameters:  req.Parameters,
		TimeoutS:    req.TimeoutS,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		s.writeDomainError(w, err, "failed to create task")
		return
	}

	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	q := r.URL.Query()
	tasks, total, err := s.engine.List(r.Context(), store.TaskFilter{
		State:       q.Get("state"),
		AgentID:     q.Get("agent_id"),
		CommandType: q.Get("command_type"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "failed to cancel task")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	attempts, err := s.engine.Attempts(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "failed to list attempts")
		return
	}

	if attempts == nil {
		attempts = []model.TaskAttempt{}
	}

	s.writeJSON(w, http.StatusOK, attemptsResponse{TaskID: id, Attempts: attempts})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the model error taxonomy onto HTTP status codes.
// Errors outside the taxonomy are logged and reported as fallback with a 500.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(fallback, "error", err)
		s.writeError(w, http.StatusInternalServerError, fallback)
	}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
