package model

import (
	"fmt"
	"time"
)

// ResultEnvelope is an inbound message carrying (part of) a task result.
// The channel that delivers envelopes is at-least-once: the same envelope may
// arrive more than once, arbitrarily late and out of order. Correlation is
// keyed by (task_id, attempt_number, sequence), never by delivery order.
type ResultEnvelope struct {
	EnvelopeID    string    `json:"envelope_id,omitempty"`
	TaskID        string    `json:"task_id"`
	AttemptNumber int       `json:"attempt_number"`
	Sequence      int       `json:"sequence"`
	Final         bool      `json:"final"`
	StatusHint    string    `json:"status_hint,omitempty"`
	Payload       []byte    `json:"payload,omitempty"`
	ReceivedAt    time.Time `json:"received_at,omitempty"`
}

// Validate checks the structural invariants of an inbound envelope.
// A final envelope must carry a status hint; intermediate chunks must not.
func (e *ResultEnvelope) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("envelope missing task_id: %w", ErrValidation)
	}
	if e.AttemptNumber < 1 {
		return fmt.Errorf("envelope attempt_number %d must be >= 1: %w", e.AttemptNumber, ErrValidation)
	}
	if e.Sequence < 0 {
		return fmt.Errorf("envelope sequence %d must be >= 0: %w", e.Sequence, ErrValidation)
	}
	if e.Final {
		if e.StatusHint != ResultStatusSuccess && e.StatusHint != ResultStatusFailure {
			return fmt.Errorf("final envelope status_hint %q must be %q or %q: %w",
				e.StatusHint, ResultStatusSuccess, ResultStatusFailure, ErrValidation)
		}
	} else if e.StatusHint != "" {
		return fmt.Errorf("non-final envelope must not carry a status_hint: %w", ErrValidation)
	}
	return nil
}
