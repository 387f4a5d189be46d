package port

import (
	"context"

	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/escalation"
	"github.com/garyjia/invoice-approval/internal/domain/event"
)

// Approver is the person responsible for one approval level
type Approver struct {
	Name  string
	Email string
}

// Notifier tells approvers about work waiting for them
type Notifier interface {
	// NotifyAssigned announces a new pending record to the level's approver.
	NotifyAssigned(ctx context.Context, approver Approver, rec *entity.ApprovalRecord) error

	// NotifyOverdue reminds the level's approver about an overdue record.
	NotifyOverdue(ctx context.Context, approver Approver, item escalation.OverdueItem) error
}

// ApproverDirectory resolves the approver for a level
type ApproverDirectory interface {
	ApproverFor(level entity.Level) (Approver, bool)
}

// EventPublisher fans workflow events out to subscribers. Publish must not block on slow subscribers.
type EventPublisher interface {
	Publish(e *event.Event)
}
