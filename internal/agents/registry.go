// Package agents tracks the fleet of connected agents and answers
// dispatch eligibility questions about them.
//
// Agent liveness is never stored. An agent is online when its last
// heartbeat is younger than the configured threshold, so status flips
// derive purely from the clock and need no background writer.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/store"
)

var (
	// ErrAgentOffline reports an agent whose heartbeat has gone stale.
	ErrAgentOffline = errors.New("agent offline")
	// ErrMissingCapability reports an agent that cannot run the command type.
	ErrMissingCapability = errors.New("agent missing capability")
)

const maxAgentIDLen = 128

// HeartbeatInfo is the agent-reported metadata carried on each heartbeat.
type HeartbeatInfo struct {
	Hostname     string   `json:"hostname"`
	Platform     string   `json:"platform"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	MaxInFlight  int      `json:"max_in_flight"`
}

// Registry exposes fleet state backed by the store.
type Registry struct {
	store        store.Store
	logger       *slog.Logger
	offlineAfter time.Duration

	// defaultMaxInFlight applies when an agent does not report a limit.
	defaultMaxInFlight int
}

// NewRegistry creates a registry. Agents silent for longer than offlineAfter
// are reported offline.
func NewRegistry(s store.Store, logger *slog.Logger, offlineAfter time.Duration, defaultMaxInFlight int) *Registry {
	return &Registry{
		store:              s,
		logger:             logger,
		offlineAfter:       offlineAfter,
		defaultMaxInFlight: defaultMaxInFlight,
	}
}

// OfflineAfter returns the heartbeat staleness threshold.
func (r *Registry) OfflineAfter() time.Duration {
	return r.offlineAfter
}

// Heartbeat registers or refreshes an agent. The first heartbeat fixes
// FirstSeen; later ones only advance LastHeartbeat and refresh metadata.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, info HeartbeatInfo) (*model.Agent, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required: %w", model.ErrValidation)
	}
	if len(agentID) > maxAgentIDLen {
		return nil, fmt.Errorf("agent id exceeds %d characters: %w", maxAgentIDLen, model.ErrValidation)
	}

	now := time.Now().UTC()
	agent := &model.Agent{
		ID:            agentID,
		Hostname:      info.Hostname,
		Platform:      info.Platform,
		Version:       info.Version,
		Capabilities:  info.Capabilities,
		MaxInFlight:   info.MaxInFlight,
		FirstSeen:     now,
		LastHeartbeat: now,
	}
	if agent.MaxInFlight <= 0 {
		agent.MaxInFlight = r.defaultMaxInFlight
	}
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}

	existing, err := r.store.GetAgent(ctx, agentID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		r.logger.Info("agent registered", "agent_id", agentID, "capabilities", agent.Capabilities)
	case err != nil:
		return nil, fmt.Errorf("look up agent: %w", err)
	default:
		agent.FirstSeen = existing.FirstSeen
	}

	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}
	return r.decorate(ctx, agent, now)
}

// Get returns one agent with derived status and in-flight count filled in.
func (r *Registry) Get(ctx context.Context, agentID string) (*model.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return r.decorate(ctx, agent, time.Now().UTC())
}

// List returns all known agents with derived fields filled in.
func (r *Registry) List(ctx context.Context) ([]*model.Agent, error) {
	all, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, agent := range all {
		if _, err := r.decorate(ctx, agent, now); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// Online returns only the agents currently considered online.
func (r *Registry) Online(ctx context.Context) ([]*model.Agent, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	online := all[:0]
	for _, agent := range all {
		if agent.Status == model.AgentOnline {
			online = append(online, agent)
		}
	}
	return online, nil
}

// Eligible reports whether the agent can accept a task of the given command
// type right now. The zero return means dispatchable.
func (r *Registry) Eligible(ctx context.Context, agentID, commandType string) error {
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status != model.AgentOnline {
		return fmt.Errorf("agent %s last seen %s: %w", agentID, agent.LastHeartbeat.Format(time.RFC3339), ErrAgentOffline)
	}
	if !agent.HasCapability(commandType) {
		return fmt.Errorf("agent %s cannot run %s: %w", agentID, commandType, ErrMissingCapability)
	}
	if agent.InFlight >= agent.MaxInFlight {
		return fmt.Errorf("agent %s at %d/%d in-flight tasks: %w", agentID, agent.InFlight, agent.MaxInFlight, model.ErrCapacity)
	}
	return nil
}

// decorate fills the derived Status and InFlight fields on agent.
func (r *Registry) decorate(ctx context.Context, agent *model.Agent, now time.Time) (*model.Agent, error) {
	if agent.OnlineAt(now, r.offlineAfter) {
		agent.Status = model.AgentOnline
	} else {
		agent.Status = model.AgentOffline
	}
	inFlight, err := r.store.CountInFlight(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("count in-flight: %w", err)
	}
	agent.InFlight = inFlight
	return agent, nil
}
