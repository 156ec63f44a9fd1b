package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/transport"
)

// ApplyOutcome classifies what applying a result envelope did.
type ApplyOutcome string

const (
	// OutcomeApplied means a final envelope finished the task.
	OutcomeApplied ApplyOutcome = "applied"
	// OutcomeChunk means an intermediate fragment was stored.
	OutcomeChunk ApplyOutcome = "chunk"
	// OutcomeDuplicate means a redelivery of the consumed attempt; no effect.
	OutcomeDuplicate ApplyOutcome = "duplicate"
	// OutcomeStale means the envelope refers to a superseded attempt or a
	// task no longer accepting results; no effect.
	OutcomeStale ApplyOutcome = "stale"
	// OutcomeUnknown means no task with that ID exists.
	OutcomeUnknown ApplyOutcome = "unknown_task"
)

// Ingest decodes a raw result envelope and applies it.
func (e *Engine) Ingest(ctx context.Context, raw []byte) (ApplyOutcome, error) {
	env, err := transport.DecodeResult(raw)
	if err != nil {
		results.WithLabelValues("rejected").Inc()
		return "", err
	}
	return e.Apply(ctx, env)
}

// Apply folds one result envelope into task state. Redeliveries and
// out-of-date envelopes degrade to no-ops, so the transport only has to
// deliver at least once.
func (e *Engine) Apply(ctx context.Context, env *model.ResultEnvelope) (ApplyOutcome, error) {
	if err := env.Validate(); err != nil {
		results.WithLabelValues("rejected").Inc()
		return "", err
	}
	if env.EnvelopeID == "" {
		env.EnvelopeID = model.NewEnvelopeID()
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}

	t, err := e.store.GetTask(ctx, env.TaskID)
	if errors.Is(err, model.ErrNotFound) {
		results.WithLabelValues(string(OutcomeUnknown)).Inc()
		e.logger.Warn("result for unknown task", "task_id", env.TaskID, "envelope_id", env.EnvelopeID)
		return OutcomeUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("look up task %s: %w", env.TaskID, err)
	}

	if model.TerminalState(t.State) {
		outcome := OutcomeStale
		if t.Result != nil && env.AttemptNumber == t.Result.AttemptNumber {
			outcome = OutcomeDuplicate
		}
		results.WithLabelValues(string(outcome)).Inc()
		e.logger.Debug("result for settled task ignored",
			"task_id", env.TaskID, "state", t.State, "attempt", env.AttemptNumber, "outcome", outcome)
		return outcome, nil
	}

	// A queued task has no live attempt; anything arriving for it refers to
	// an attempt the supervisor already reclaimed.
	if t.State == model.StateQueued || env.AttemptNumber != t.AttemptCount {
		results.WithLabelValues(string(OutcomeStale)).Inc()
		e.logger.Debug("result for superseded attempt ignored",
			"task_id", env.TaskID, "envelope_attempt", env.AttemptNumber, "current_attempt", t.AttemptCount)
		return OutcomeStale, nil
	}

	inserted, err := e.store.InsertResultChunk(ctx, &model.ResultChunk{
		TaskID:        env.TaskID,
		AttemptNumber: env.AttemptNumber,
		Sequence:      env.Sequence,
		Payload:       env.Payload,
		ReceivedAt:    env.ReceivedAt,
	})
	if err != nil {
		return "", fmt.Errorf("store result chunk: %w", err)
	}

	if !env.Final {
		if !inserted {
			results.WithLabelValues(string(OutcomeDuplicate)).Inc()
			return OutcomeDuplicate, nil
		}
		e.broker.Publish(env.TaskID, env.Payload)
		results.WithLabelValues(string(OutcomeChunk)).Inc()
		return OutcomeChunk, nil
	}

	chunks, err := e.store.ListResultChunks(ctx, env.TaskID, env.AttemptNumber)
	if err != nil {
		return "", fmt.Errorf("assemble result chunks: %w", err)
	}
	var payload []byte
	for _, c := range chunks {
		payload = append(payload, c.Payload...)
	}

	state := model.StateCompleted
	failure := ""
	if env.StatusHint == model.ResultStatusFailure {
		state = model.StateFailed
		failure = "agent reported failure"
	}
	result := &model.TaskResult{
		AttemptNumber: env.AttemptNumber,
		Status:        env.StatusHint,
		Payload:       payload,
		ReceivedAt:    env.ReceivedAt,
	}

	if err := e.store.FinishTask(ctx, env.TaskID, env.AttemptNumber, state, result, failure); err != nil {
		// A concurrent cancel or sweep got there first.
		if errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrNotFound) {
			results.WithLabelValues(string(OutcomeStale)).Inc()
			e.logger.Debug("finish lost race, result dropped", "task_id", env.TaskID, "error", err)
			return OutcomeStale, nil
		}
		return "", fmt.Errorf("finish task %s: %w", env.TaskID, err)
	}

	taskTransitions.WithLabelValues(model.StateDispatched, state).Inc()
	results.WithLabelValues(string(OutcomeApplied)).Inc()
	if inserted {
		e.broker.Publish(env.TaskID, env.Payload)
	}
	e.broker.Close(env.TaskID)
	e.logger.Info("task finished",
		"task_id", env.TaskID, "state", state, "attempt", env.AttemptNumber, "payload_bytes", len(payload))
	return OutcomeApplied, nil
}
