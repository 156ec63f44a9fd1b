package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/seantiz/hermes/internal/model"
)

const defaultMailboxCapacity = 256

// MailboxTransport holds envelopes in memory, one queue per agent, for
// delivery via HTTP polling. Suited to single-node deployments; envelopes do
// not survive a restart, which the dispatch deadline sweep recovers from.
type MailboxTransport struct {
	mu       sync.Mutex
	capacity int
	boxes    map[string][]TaskEnvelope
}

var _ Transport = (*MailboxTransport)(nil)
var _ Mailbox = (*MailboxTransport)(nil)

// NewMailbox creates a mailbox transport holding at most capacity envelopes
// per agent.
func NewMailbox(capacity int) *MailboxTransport {
	if capacity <= 0 {
		capacity = defaultMailboxCapacity
	}
	return &MailboxTransport{
		capacity: capacity,
		boxes:    make(map[string][]TaskEnvelope),
	}
}

// Send queues an envelope for the agent to pick up.
func (m *MailboxTransport) Send(ctx context.Context, agentID string, env TaskEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.boxes[agentID]) >= m.capacity {
		return fmt.Errorf("mailbox for agent %s full at %d envelopes: %w", agentID, m.capacity, model.ErrTransport)
	}
	m.boxes[agentID] = append(m.boxes[agentID], env)
	return nil
}

// Drain removes and returns all queued envelopes for the agent, oldest first.
func (m *MailboxTransport) Drain(agentID string) []TaskEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	box := m.boxes[agentID]
	if len(box) == 0 {
		return []TaskEnvelope{}
	}
	delete(m.boxes, agentID)
	return box
}

// Close discards all queued envelopes.
func (m *MailboxTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes = make(map[string][]TaskEnvelope)
	return nil
}
