package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a task identifier. ULIDs sort
// lexically in creation order, which keeps the FIFO tie-break on task_id
// deterministic without a secondary counter.
func NewID() string {
	return ulid.Make().String()
}

// NewEnvelopeID generates a random UUID for a transport envelope. Envelope
// ids only need uniqueness for tracing redeliveries, not ordering.
func NewEnvelopeID() string {
	return uuid.NewString()
}
