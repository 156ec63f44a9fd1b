package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/transport"
)

// runDispatcher ticks the dispatch pass until ctx is canceled. A failed pass
// marks the component unhealthy but keeps ticking; the next clean pass clears
// the flag.
func (e *Engine) runDispatcher(ctx context.Context) {
	ticker := time.NewTicker(e.opts.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.dispatchOnce(ctx, time.Now().UTC()); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Error("dispatch pass failed", "error", err)
				e.health.SetError("dispatcher", err)
				continue
			}
			e.health.SetOK("dispatcher")
		}
	}
}

// dispatchOnce claims eligible queued tasks for every online agent, up to
// each agent's in-flight headroom, and hands them to the transport.
func (e *Engine) dispatchOnce(ctx context.Context, now time.Time) error {
	online, err := e.agents.Online(ctx)
	if err != nil {
		return fmt.Errorf("list online agents: %w", err)
	}
	agentsOnline.Set(float64(len(online)))

	for _, agent := range online {
		for headroom := agent.MaxInFlight - agent.InFlight; headroom > 0; headroom-- {
			task, err := e.store.ClaimNextTask(ctx, agent.ID, agent.Capabilities, now)
			if err != nil {
				return fmt.Errorf("claim task for agent %s: %w", agent.ID, err)
			}
			if task == nil {
				break
			}
			e.sendTask(ctx, agent.ID, task, now)
		}
	}
	return nil
}

// sendTask wraps the claimed task in an envelope and sends it. A send failure
// returns the attempt to the queue with backoff, or fails the task once
// retries run out.
func (e *Engine) sendTask(ctx context.Context, agentID string, t *model.Task, now time.Time) {
	env := transport.TaskEnvelope{
		EnvelopeID:    model.NewEnvelopeID(),
		TaskID:        t.ID,
		AttemptNumber: t.AttemptCount,
		CommandType:   t.CommandType,
		Parameters:    t.Parameters,
		IssuedAt:      now,
	}
	if t.Deadline != nil {
		env.Deadline = *t.Deadline
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()

	if err := e.transport.Send(sendCtx, agentID, env); err != nil {
		dispatches.WithLabelValues("send_failed").Inc()
		e.logger.Warn("task send failed",
			"task_id", t.ID, "agent_id", agentID, "attempt", t.AttemptCount, "error", err)
		reason := fmt.Sprintf("transport send to agent %s failed: %v", agentID, err)
		e.retryOrFail(ctx, t, now.Add(e.backoff(t.AttemptCount)), reason, model.StateFailed)
		return
	}

	if err := e.store.AckAttempt(ctx, t.ID, t.AttemptCount); err != nil {
		e.logger.Warn("attempt ack failed", "task_id", t.ID, "attempt", t.AttemptCount, "error", err)
	}
	dispatches.WithLabelValues("sent").Inc()
	taskTransitions.WithLabelValues(model.StateQueued, model.StateDispatched).Inc()
	e.logger.Info("task dispatched",
		"task_id", t.ID, "agent_id", agentID, "attempt", t.AttemptCount, "command_type", t.CommandType)
}
