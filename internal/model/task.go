package model

import (
	"encoding/json"
	"time"
)

// Task state constants.
const (
	StateQueued     = "QUEUED"
	StateDispatched = "DISPATCHED"
	StateCompleted  = "COMPLETED"
	StateFailed     = "FAILED"
	StateTimedOut   = "TIMED_OUT"
	StateCancelled  = "CANCELLED"
)

// Result status constants, as reported by the agent.
const (
	ResultStatusSuccess = "success"
	ResultStatusFailure = "failure"
)

// validTransitions maps each state to the set of states it may transition to.
// DISPATCHED→QUEUED is the retry edge, bounded by the task's max_retries.
var validTransitions = map[string]map[string]bool{
	StateQueued: {
		StateDispatched: true,
		StateCancelled:  true,
	},
	StateDispatched: {
		StateCompleted: true,
		StateFailed:    true,
		StateTimedOut:  true,
		StateQueued:    true,
		StateCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalState reports whether a task in the given state accepts no further
// transitions. Terminal tasks tolerate idempotent duplicate result delivery
// but never mutate again.
func TerminalState(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Task is a unit of work addressed to one agent (or to any capable agent when
// AgentID is empty). State only moves along the transition graph above, and
// every move is a conditional update guarded on the previous state.
type Task struct {
	ID           string          `json:"task_id"`
	AgentID      string          `json:"agent_id,omitempty"`
	CommandType  string          `json:"command_type"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	State        string          `json:"state"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	NotBefore    time.Time       `json:"not_before"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
	TimeoutS     int             `json:"timeout_s"`
	AttemptCount int             `json:"attempt_count"`
	MaxRetries   int             `json:"max_retries"`
	Result       *TaskResult     `json:"result,omitempty"`
	Failure      string          `json:"failure,omitempty"`
}

// TaskResult is the assembled outcome of the attempt that finished a task.
type TaskResult struct {
	AttemptNumber int       `json:"attempt_number"`
	Status        string    `json:"status"`
	Payload       []byte    `json:"payload,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// TaskAttempt records one dispatch attempt. The claiming agent is stored per
// attempt because unassigned tasks may be claimed by different agents across
// retries; the liveness sweep finds in-flight work for a silent agent through
// its open attempt, not through the task's target.
type TaskAttempt struct {
	TaskID        string     `json:"task_id"`
	AttemptNumber int        `json:"attempt_number"`
	AgentID       string     `json:"agent_id"`
	DispatchedAt  time.Time  `json:"dispatched_at"`
	TransportAck  bool       `json:"transport_ack"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// ResultChunk is one persisted fragment of a (possibly streamed) result,
// keyed by (task_id, attempt_number, sequence) so redelivery is a no-op.
type ResultChunk struct {
	TaskID        string    `json:"task_id"`
	AttemptNumber int       `json:"attempt_number"`
	Sequence      int       `json:"sequence"`
	Payload       []byte    `json:"payload,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}
