package workflow

import (
	"context"

	"github.com/garyjia/invoice-approval/internal/domain/entity"
)

// StateMachine tracks the current state of one approval record and validates transitions
type StateMachine interface {
	// State returns the current state
	State() entity.Status

	// CanFire returns true if the trigger is permitted in the current state
	CanFire(trigger Trigger) bool

	// Fire attempts to execute the trigger with the given decision, transitioning to the new state if allowed
	Fire(ctx context.Context, trigger Trigger, d Decision) error

	// PermittedTriggers returns all triggers that can be fired in the current state
	PermittedTriggers() []Trigger
}
