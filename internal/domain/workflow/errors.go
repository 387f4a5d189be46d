package workflow

import "errors"

// Workflow error taxonomy. Callers match with errors.Is; every failure is
// per-request and recoverable.
var (
	// ErrInvalidInput is returned for malformed creation parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrValidation is returned when a required human-provided field is missing
	ErrValidation = errors.New("validation error")

	// ErrConflict is returned when a transition targets a record that is no longer pending
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned for unknown approval ids
	ErrNotFound = errors.New("not found")
)

// State machine engine errors
var (
	// ErrInvalidTransition is returned when a state transition is not allowed
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidState is returned when a state is not valid
	ErrInvalidState = errors.New("invalid state")

	// ErrGuardFailed is returned when a guard condition fails
	ErrGuardFailed = errors.New("guard condition failed")
)
