package model

import (
	"errors"
	"fmt"
)

// Error taxonomy for engine operations. Callers match with errors.Is; layers
// add context with %w wrapping so the kind survives to the HTTP boundary.
var (
	// ErrValidation marks a malformed task or result envelope. Surfaces
	// synchronously to the caller.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a reference to an unknown task or agent.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a lost conditional update: a claim race, a transition
	// attempted on a terminal task, or a duplicate identifier.
	ErrConflict = errors.New("conflict")

	// ErrTransport marks a retryable send or receive failure. Absorbed by the
	// retry policy, never surfaced directly to operators.
	ErrTransport = errors.New("transport failure")

	// ErrTimeout marks a dispatch deadline breach.
	ErrTimeout = errors.New("deadline exceeded")

	// ErrCapacity marks an agent at its concurrency cap. Tasks for a saturated
	// agent stay QUEUED; this is backpressure, not a failure.
	ErrCapacity = errors.New("capacity exhausted")
)

// ErrInvalidTransition is returned when a state change is not an edge of the
// task transition graph. It is a kind of conflict, so errors.Is(err,
// ErrConflict) also holds.
var ErrInvalidTransition = fmt.Errorf("invalid state transition: %w", ErrConflict)
