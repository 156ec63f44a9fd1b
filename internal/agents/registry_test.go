package agents

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/store"
)

func newTestRegistry(t *testing.T, offlineAfter time.Duration) (*Registry, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "hermes.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(s, logger, offlineAfter, 4), s
}

func TestHeartbeatRegistersAgent(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	got, err := r.Heartbeat(ctx, "agent-1", HeartbeatInfo{
		Hostname:     "edge-1.local",
		Platform:     "linux/arm64",
		Version:      "0.3.0",
		Capabilities: []string{"net.ping"},
	})
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if got.Status != model.AgentOnline {
		t.Errorf("Status = %q, want %q", got.Status, model.AgentOnline)
	}
	if got.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0", got.InFlight)
	}
	if got.MaxInFlight != 4 {
		t.Errorf("MaxInFlight = %d, want registry default 4", got.MaxInFlight)
	}
	if got.FirstSeen.IsZero() || !got.FirstSeen.Equal(got.LastHeartbeat) {
		t.Errorf("FirstSeen = %v, LastHeartbeat = %v", got.FirstSeen, got.LastHeartbeat)
	}

	// A later heartbeat refreshes metadata but keeps FirstSeen.
	again, err := r.Heartbeat(ctx, "agent-1", HeartbeatInfo{
		Hostname:     "edge-1.local",
		Capabilities: []string{"net.ping", "shell.execute"},
		MaxInFlight:  8,
	})
	if err != nil {
		t.Fatalf("second Heartbeat() error = %v", err)
	}
	if !again.FirstSeen.Equal(got.FirstSeen) {
		t.Errorf("FirstSeen = %v, want preserved %v", again.FirstSeen, got.FirstSeen)
	}
	if again.MaxInFlight != 8 {
		t.Errorf("MaxInFlight = %d, want reported 8", again.MaxInFlight)
	}
	if len(again.Capabilities) != 2 {
		t.Errorf("Capabilities = %v", again.Capabilities)
	}
}

func TestHeartbeatValidation(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if _, err := r.Heartbeat(ctx, "", HeartbeatInfo{}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("empty id error = %v, want ErrValidation", err)
	}

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := r.Heartbeat(ctx, string(long), HeartbeatInfo{}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("oversized id error = %v, want ErrValidation", err)
	}
}

func TestOnlineStatusDerivesFromHeartbeatAge(t *testing.T) {
	r, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	if _, err := r.Heartbeat(ctx, "agent-1", HeartbeatInfo{Capabilities: []string{"net.ping"}}); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	got, err := r.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.AgentOnline {
		t.Fatalf("Status = %q, want online right after heartbeat", got.Status)
	}

	online, err := r.Online(ctx)
	if err != nil {
		t.Fatalf("Online() error = %v", err)
	}
	if len(online) != 1 {
		t.Fatalf("len(Online()) = %d, want 1", len(online))
	}

	time.Sleep(80 * time.Millisecond)

	got, err = r.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get() after threshold error = %v", err)
	}
	if got.Status != model.AgentOffline {
		t.Errorf("Status = %q, want offline after threshold", got.Status)
	}

	online, err = r.Online(ctx)
	if err != nil {
		t.Fatalf("Online() error = %v", err)
	}
	if len(online) != 0 {
		t.Errorf("len(Online()) = %d, want 0", len(online))
	}
}

func TestEligible(t *testing.T) {
	r, s := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if err := r.Eligible(ctx, "ghost", "net.ping"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown agent error = %v, want ErrNotFound", err)
	}

	if _, err := r.Heartbeat(ctx, "agent-1", HeartbeatInfo{Capabilities: []string{"net.ping"}, MaxInFlight: 1}); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	if err := r.Eligible(ctx, "agent-1", "net.ping"); err != nil {
		t.Errorf("eligible agent error = %v, want nil", err)
	}
	if err := r.Eligible(ctx, "agent-1", "file.upload"); !errors.Is(err, ErrMissingCapability) {
		t.Errorf("missing capability error = %v, want ErrMissingCapability", err)
	}

	// Fill the agent's single slot with an open attempt.
	now := time.Now().UTC().Truncate(time.Second)
	task := &model.Task{
		ID:          model.NewID(),
		CommandType: "net.ping",
		Parameters:  json.RawMessage(`{}`),
		State:       model.StateQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		NotBefore:   now,
		TimeoutS:    300,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if _, err := s.ClaimNextTask(ctx, "agent-1", []string{"net.ping"}, now.Add(time.Minute)); err != nil {
		t.Fatalf("ClaimNextTask() error = %v", err)
	}

	if err := r.Eligible(ctx, "agent-1", "net.ping"); !errors.Is(err, model.ErrCapacity) {
		t.Errorf("saturated agent error = %v, want ErrCapacity", err)
	}
}

func TestEligibleOffline(t *testing.T) {
	r, _ := newTestRegistry(t, 30*time.Millisecond)
	ctx := context.Background()

	if _, err := r.Heartbeat(ctx, "agent-1", HeartbeatInfo{Capabilities: []string{"net.ping"}}); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := r.Eligible(ctx, "agent-1", "net.ping"); !errors.Is(err, ErrAgentOffline) {
		t.Errorf("stale agent error = %v, want ErrAgentOffline", err)
	}
}
