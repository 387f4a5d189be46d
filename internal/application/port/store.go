package port

import (
	"context"

	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/workflow"
)

// ApprovalStore is the single shared mutable resource of the workflow.
// Implementations must make UpdateDecision atomic with respect to its
// status == pending precondition.
type ApprovalStore interface {
	// Create persists a new pending record and its CREATED audit entry.
	Create(ctx context.Context, rec *entity.ApprovalRecord) error

	// Get returns a copy of the record or workflow.ErrNotFound.
	Get(ctx context.Context, id string) (*entity.ApprovalRecord, error)

	// GetByInvoiceID returns the most recently created record for the invoice.
	GetByInvoiceID(ctx context.Context, invoiceID string) (*entity.ApprovalRecord, error)

	// ListPending returns pending records, oldest first. A nil level lists all levels.
	ListPending(ctx context.Context, level *entity.Level) ([]*entity.ApprovalRecord, error)

	// List returns a consistent snapshot of every record.
	List(ctx context.Context) ([]*entity.ApprovalRecord, error)

	// UpdateDecision applies d to the record if and only if it is still
	// pending, appending one audit entry. Fails with workflow.ErrNotFound or
	// workflow.ErrConflict; never retries.
	UpdateDecision(ctx context.Context, id string, d workflow.Decision) (*entity.ApprovalRecord, error)

	// History returns the audit entries of a record in the order they were written.
	History(ctx context.Context, id string) ([]*entity.AuditEntry, error)

	Close() error
}
