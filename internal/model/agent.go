package model

import (
	"slices"
	"time"
)

// Derived agent status values.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// Agent describes a remote endpoint capable of executing tasked commands.
// Status and InFlight are derived at read time — status from heartbeat age,
// in-flight from open dispatch attempts — and are never persisted, so they
// cannot drift from the underlying records.
type Agent struct {
	ID            string    `json:"agent_id"`
	Hostname      string    `json:"hostname,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	Version       string    `json:"version,omitempty"`
	Capabilities  []string  `json:"capabilities"`
	MaxInFlight   int       `json:"max_in_flight"`
	FirstSeen     time.Time `json:"first_seen"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Derived fields, populated on reads.
	Status   string `json:"status,omitempty"`
	InFlight int    `json:"in_flight"`
}

// HasCapability reports whether the agent supports the given command type.
func (a *Agent) HasCapability(commandType string) bool {
	return slices.Contains(a.Capabilities, commandType)
}

// OnlineAt reports whether the agent counts as online at the given instant,
// i.e. its last heartbeat is younger than the offline threshold.
func (a *Agent) OnlineAt(now time.Time, offlineAfter time.Duration) bool {
	return now.Sub(a.LastHeartbeat) < offlineAfter
}
