package store

import (
	"context"
	"time"

	"github.com/seantiz/hermes/internal/model"
)

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	State       string
	AgentID     string
	CommandType string
	Limit       int
	Offset      int
}

// TaskStats holds aggregate tasking statistics.
type TaskStats struct {
	Total          int            `json:"total"`
	CountByState   map[string]int `json:"count_by_state"`
	CountByCommand map[string]int `json:"count_by_command"`
	AvgAttempts    float64        `json:"avg_attempts"`
}

// Store defines the persistence operations for tasks, attempts, result chunks
// and agents. It is the single source of truth for task state: every state
// change is a conditional update guarded on the current state (and, where an
// attempt is involved, the current attempt number), so concurrent dispatchers,
// correlators and supervisors can never double-apply a transition. A lost
// guard surfaces as model.ErrConflict; a missing record as model.ErrNotFound.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)

	// ClaimNextTask atomically selects the oldest queued task the agent may
	// run — matching target (or unassigned), capability, and not_before — and
	// moves it to DISPATCHED: attempt_count+1, deadline re-anchored to
	// now+timeout, and a new attempt row recorded for the claiming agent.
	// Returns nil when nothing is eligible.
	ClaimNextTask(ctx context.Context, agentID string, capabilities []string, now time.Time) (*model.Task, error)

	// RequeueTask returns a dispatched task to the queue for another attempt.
	// Guarded on state and attempt; the open attempt row is closed.
	RequeueTask(ctx context.Context, taskID string, attempt int, notBefore time.Time) error

	// FinishTask moves a dispatched task to COMPLETED or FAILED, recording the
	// assembled result and, for failures, a reason. Guarded on state and attempt.
	FinishTask(ctx context.Context, taskID string, attempt int, state string, result *model.TaskResult, failure string) error

	// TimeoutTask moves a dispatched task to TIMED_OUT. Guarded on state and attempt.
	TimeoutTask(ctx context.Context, taskID string, attempt int, reason string) error

	// CancelTask moves a queued or dispatched task to CANCELLED. Terminal
	// tasks conflict.
	CancelTask(ctx context.Context, taskID string) error

	ListAttempts(ctx context.Context, taskID string) ([]model.TaskAttempt, error)
	AckAttempt(ctx context.Context, taskID string, attempt int) error

	// ListExpiredTasks returns dispatched tasks whose deadline passed before cutoff.
	ListExpiredTasks(ctx context.Context, cutoff time.Time, limit int) ([]*model.Task, error)

	// ListTasksDispatchedTo returns tasks whose current open attempt belongs
	// to the given agent.
	ListTasksDispatchedTo(ctx context.Context, agentID string) ([]*model.Task, error)

	// InsertResultChunk stores one result fragment. Reports false when the
	// (task, attempt, sequence) key already exists — redelivery is a no-op.
	InsertResultChunk(ctx context.Context, c *model.ResultChunk) (bool, error)
	ListResultChunks(ctx context.Context, taskID string, attempt int) ([]model.ResultChunk, error)

	UpsertAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)

	// ListSilentAgents returns agents whose last heartbeat is older than cutoff.
	ListSilentAgents(ctx context.Context, cutoff time.Time) ([]*model.Agent, error)

	// CountInFlight counts the agent's open dispatch attempts.
	CountInFlight(ctx context.Context, agentID string) (int, error)

	Close() error
}
