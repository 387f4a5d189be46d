package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/garyjia/invoice-approval/internal/domain/entity"
)

// Decision carries a human approver's action on one approval record
type Decision struct {
	Trigger Trigger
	Actor   string
	// Detail holds approval comments or the rejection reason
	Detail string
	At     time.Time
}

// AuditAction returns the audit action recorded for the decision
func (d Decision) AuditAction() entity.AuditAction {
	if d.Trigger == TriggerReject {
		return entity.AuditActionRejected
	}
	return entity.AuditActionApproved
}

var approvalFlow = newApprovalBuilder()

// newApprovalBuilder wires the two-edge approval graph:
// pending -> approved and pending -> rejected. Terminal states have no edges.
func newApprovalBuilder() StateMachineBuilder {
	b := NewBuilder()
	b.Configure(entity.StatusPending).
		PermitIf(TriggerApprove, entity.StatusApproved, requireActor).
		PermitIf(TriggerReject, entity.StatusRejected, requireActorAndReason)
	b.Configure(entity.StatusApproved)
	b.Configure(entity.StatusRejected)
	return b
}

// Definition returns a fresh builder holding the approval graph
func Definition() StateMachineBuilder {
	return newApprovalBuilder()
}

// Validate checks the decision's required fields without looking at any record
func Validate(ctx context.Context, d Decision) error {
	m := approvalFlow.Build(entity.StatusPending)
	err := m.Fire(ctx, d.Trigger, d)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidTransition):
		return fmt.Errorf("%w: unknown action %q", ErrValidation, d.Trigger)
	default:
		return err
	}
}

// Apply fires d against a record currently in state current and returns the
// resulting state. Firing from a terminal state yields ErrConflict.
func Apply(ctx context.Context, current entity.Status, d Decision) (entity.Status, error) {
	if !current.IsValid() {
		return current, fmt.Errorf("%w: %q", ErrInvalidState, current)
	}

	m := approvalFlow.Build(current)
	if err := m.Fire(ctx, d.Trigger, d); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return current, fmt.Errorf("%w: approval is already %s: %w", ErrConflict, current, err)
		}
		return current, err
	}
	return m.State(), nil
}

func requireActor(_ context.Context, d Decision) error {
	if strings.TrimSpace(d.Actor) == "" {
		return fmt.Errorf("%w: approver name is required", ErrValidation)
	}
	return nil
}

func requireActorAndReason(ctx context.Context, d Decision) error {
	if strings.TrimSpace(d.Actor) == "" {
		return fmt.Errorf("%w: rejector name is required", ErrValidation)
	}
	if strings.TrimSpace(d.Detail) == "" {
		return fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}
	return nil
}
