package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/hermes/internal/agents"
	"github.com/seantiz/hermes/internal/command"
	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/store"
	"github.com/seantiz/hermes/internal/transport"
)

// Options tunes the engine loops. Zero durations fall back to defaults;
// DefaultMaxRetries is used as given, so a zero value means tasks get no
// retries unless their request says otherwise.
type Options struct {
	DispatchInterval  time.Duration
	SweepInterval     time.Duration
	SendTimeout       time.Duration
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	SweepBatch        int
}

func (o Options) withDefaults() Options {
	if o.DispatchInterval <= 0 {
		o.DispatchInterval = 500 * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 60 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = time.Minute
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 100
	}
	return o
}

// Engine orchestrates task dispatch, result correlation, and recovery.
type Engine struct {
	store     store.Store
	agents    *agents.Registry
	commands  *command.Registry
	transport transport.Transport
	logger    *slog.Logger
	opts      Options
	broker    *ResultBroker
	health    *Health
	wg        sync.WaitGroup
}

// NewEngine creates an engine. Start must be called to run the loops.
func NewEngine(s store.Store, reg *agents.Registry, cmds *command.Registry, tr transport.Transport, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		store:     s,
		agents:    reg,
		commands:  cmds,
		transport: tr,
		logger:    logger,
		opts:      opts.withDefaults(),
		broker:    NewResultBroker(),
		health:    NewHealth(),
	}
}

// Broker returns the result broker for SSE subscription.
func (e *Engine) Broker() *ResultBroker {
	return e.broker
}

// Health returns the component health tracker.
func (e *Engine) Health() *Health {
	return e.health
}

// Commands returns the registry task parameters are validated against.
func (e *Engine) Commands() *command.Registry {
	return e.commands
}

// Start launches the dispatcher and supervisor loops bound to ctx.
func (e *Engine) Start(ctx context.Context) {
	e.health.SetOK("dispatcher")
	e.health.SetOK("supervisor")
	e.wg.Go(func() { e.runDispatcher(ctx) })
	e.wg.Go(func() { e.runSupervisor(ctx) })
	e.logger.Info("engine started",
		"dispatch_interval", e.opts.DispatchInterval,
		"sweep_interval", e.opts.SweepInterval)
}

// Wait blocks until the engine loops have stopped.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// NewTask describes a task creation request.
type NewTask struct {
	AgentID     string
	CommandType string
	CreatedBy   string
	Parameters  json.RawMessage
	TimeoutS    int
	MaxRetries  *int
}

// Create validates the request against the command registry and stores the
// task in QUEUED state. A targeted task may name an agent the registry has
// never seen; it stays queued until that agent first heartbeats.
func (e *Engine) Create(ctx context.Context, req NewTask) (*model.Task, error) {
	if req.CommandType == "" {
		return nil, fmt.Errorf("command_type is required: %w", model.ErrValidation)
	}
	if err := e.commands.Validate(req.CommandType, req.Parameters); err != nil {
		return nil, err
	}
	if req.TimeoutS < 0 {
		return nil, fmt.Errorf("timeout_s must not be negative: %w", model.ErrValidation)
	}

	timeoutS := req.TimeoutS
	if timeoutS == 0 {
		timeoutS = int(e.opts.DefaultTimeout.Seconds())
	}
	maxRetries := e.opts.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("max_retries must not be negative: %w", model.ErrValidation)
		}
		maxRetries = *req.MaxRetries
	}

	now := time.Now().UTC()
	t := &model.Task{
		ID:          model.NewID(),
		AgentID:     req.AgentID,
		CommandType: req.CommandType,
		Parameters:  req.Parameters,
		State:       model.StateQueued,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		NotBefore:   now,
		TimeoutS:    timeoutS,
		MaxRetries:  maxRetries,
	}
	if err := e.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	tasksCreated.Inc()
	e.logger.Info("task created",
		"task_id", t.ID, "command_type", t.CommandType, "agent_id", t.AgentID, "created_by", t.CreatedBy)
	return t, nil
}

// Get returns one task.
func (e *Engine) Get(ctx context.Context, id string) (*model.Task, error) {
	return e.store.GetTask(ctx, id)
}

// List returns tasks matching the filter and the total match count.
func (e *Engine) List(ctx context.Context, f store.TaskFilter) ([]*model.Task, int, error) {
	return e.store.ListTasks(ctx, f)
}

// Stats returns aggregate task counts.
func (e *Engine) Stats(ctx context.Context) (*store.TaskStats, error) {
	return e.store.GetTaskStats(ctx)
}

// Attempts returns the dispatch history of a task.
func (e *Engine) Attempts(ctx context.Context, taskID string) ([]model.TaskAttempt, error) {
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.store.ListAttempts(ctx, taskID)
}

// Cancel moves a non-terminal task to CANCELLED and returns the updated task.
func (e *Engine) Cancel(ctx context.Context, taskID string) (*model.Task, error) {
	prior, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.store.CancelTask(ctx, taskID); err != nil {
		return nil, err
	}

	taskTransitions.WithLabelValues(prior.State, model.StateCancelled).Inc()
	e.broker.Close(taskID)
	e.logger.Info("task cancelled", "task_id", taskID, "was", prior.State)
	return e.store.GetTask(ctx, taskID)
}

// backoff returns the retry delay after the given attempt number, doubling
// per attempt up to the cap.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.opts.BackoffCap {
			return e.opts.BackoffCap
		}
	}
	if d > e.opts.BackoffCap {
		return e.opts.BackoffCap
	}
	return d
}

const (
	retryRequeued  = "requeued"
	retryExhausted = "exhausted"
	retrySkipped   = "skipped"
	retryError     = "error"
)

// retryOrFail requeues the task's current attempt for notBefore while retries
// remain, otherwise finishes it in terminalState with the reason. Conflicts
// mean another actor already moved the task; those are reported as skipped.
func (e *Engine) retryOrFail(ctx context.Context, t *model.Task, notBefore time.Time, reason, terminalState string) string {
	if t.AttemptCount <= t.MaxRetries {
		if err := e.store.RequeueTask(ctx, t.ID, t.AttemptCount, notBefore); err != nil {
			if errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrNotFound) {
				e.logger.Debug("requeue skipped, task moved on", "task_id", t.ID, "error", err)
				return retrySkipped
			}
			e.logger.Error("requeue failed", "task_id", t.ID, "error", err)
			return retryError
		}
		taskTransitions.WithLabelValues(model.StateDispatched, model.StateQueued).Inc()
		e.logger.Info("task requeued",
			"task_id", t.ID, "attempt", t.AttemptCount, "not_before", notBefore, "reason", reason)
		return retryRequeued
	}

	var err error
	if terminalState == model.StateTimedOut {
		err = e.store.TimeoutTask(ctx, t.ID, t.AttemptCount, reason)
	} else {
		err = e.store.FinishTask(ctx, t.ID, t.AttemptCount, terminalState, nil, reason)
	}
	if err != nil {
		if errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrNotFound) {
			e.logger.Debug("terminal transition skipped, task moved on", "task_id", t.ID, "error", err)
			return retrySkipped
		}
		e.logger.Error("terminal transition failed", "task_id", t.ID, "state", terminalState, "error", err)
		return retryError
	}

	taskTransitions.WithLabelValues(model.StateDispatched, terminalState).Inc()
	e.broker.Close(t.ID)
	e.logger.Warn("task retries exhausted",
		"task_id", t.ID, "attempts", t.AttemptCount, "state", terminalState, "reason", reason)
	return retryExhausted
}
