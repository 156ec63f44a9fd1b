// Package transport moves task envelopes out to agents and result envelopes
// back to the server. Delivery is at-least-once on every implementation;
// deduplication happens upstream when results are applied.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seantiz/hermes/internal/model"
)

// MaxResultSize caps a single inbound result envelope.
const MaxResultSize = 16 << 20 // 16 MiB

// TaskEnvelope is the wire form of one dispatch attempt.
type TaskEnvelope struct {
	EnvelopeID    string          `json:"envelope_id"`
	TaskID        string          `json:"task_id"`
	AttemptNumber int             `json:"attempt_number"`
	CommandType   string          `json:"command_type"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	IssuedAt      time.Time       `json:"issued_at"`
	Deadline      time.Time       `json:"deadline"`
}

// Transport delivers task envelopes to agents.
type Transport interface {
	Send(ctx context.Context, agentID string, env TaskEnvelope) error
	Close() error
}

// Mailbox is implemented by transports that hold envelopes server-side until
// the agent polls for them.
type Mailbox interface {
	Drain(agentID string) []TaskEnvelope
}

// DecodeResult parses and validates a raw result envelope. Missing envelope
// IDs and receive timestamps are filled in so downstream code can rely on
// them.
func DecodeResult(raw []byte) (*model.ResultEnvelope, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty result envelope: %w", model.ErrValidation)
	}
	if len(raw) > MaxResultSize {
		return nil, fmt.Errorf("result envelope exceeds %d bytes: %w", MaxResultSize, model.ErrValidation)
	}

	var env model.ResultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode result envelope: %w: %w", err, model.ErrValidation)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	if env.EnvelopeID == "" {
		env.EnvelopeID = model.NewEnvelopeID()
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}
	return &env, nil
}

// EncodeResult serializes a result envelope for transport.
func EncodeResult(env *model.ResultEnvelope) ([]byte, error) {
	return json.Marshal(env)
}
