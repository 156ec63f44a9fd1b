package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/hermes/internal/model"
)

// runSupervisor ticks the recovery sweep until ctx is canceled.
func (e *Engine) runSupervisor(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.sweepOnce(ctx, time.Now().UTC()); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Error("sweep pass failed", "error", err)
				e.health.SetError("supervisor", err)
				continue
			}
			e.health.SetOK("supervisor")
		}
	}
}

// sweepOnce recovers dispatched tasks in two passes: deadline-expired tasks
// are retried with backoff, and tasks open on silent agents are requeued
// immediately so another agent can pick them up.
func (e *Engine) sweepOnce(ctx context.Context, now time.Time) error {
	expired, err := e.store.ListExpiredTasks(ctx, now, e.opts.SweepBatch)
	if err != nil {
		return fmt.Errorf("list expired tasks: %w", err)
	}
	for _, t := range expired {
		reason := fmt.Sprintf("deadline exceeded on attempt %d", t.AttemptCount)
		switch e.retryOrFail(ctx, t, now.Add(e.backoff(t.AttemptCount)), reason, model.StateTimedOut) {
		case retryRequeued:
			sweepRequeued.WithLabelValues("deadline").Inc()
		case retryExhausted:
			sweepTimedOut.Inc()
		}
	}

	cutoff := now.Add(-e.agents.OfflineAfter())
	silent, err := e.store.ListSilentAgents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list silent agents: %w", err)
	}
	for _, agent := range silent {
		open, err := e.store.ListTasksDispatchedTo(ctx, agent.ID)
		if err != nil {
			return fmt.Errorf("list tasks on agent %s: %w", agent.ID, err)
		}
		for _, t := range open {
			reason := fmt.Sprintf("agent %s went silent on attempt %d", agent.ID, t.AttemptCount)
			// Agent-loss requeues carry no backoff.
			switch e.retryOrFail(ctx, t, now, reason, model.StateTimedOut) {
			case retryRequeued:
				sweepRequeued.WithLabelValues("agent_offline").Inc()
			case retryExhausted:
				sweepTimedOut.Inc()
			}
		}
	}
	return nil
}
