// Package memory provides an in-process ApprovalStore guarded by a mutex.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/garyjia/invoice-approval/internal/domain/dashboard"
	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/workflow"
)

// Store keeps approval records in memory. Every read returns copies so
// callers can never observe a record mid-write.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*entity.ApprovalRecord
	byInvoice map[string][]string
	audit     map[string][]*entity.AuditEntry
}

// New creates an empty store
func New() *Store {
	return &Store{
		records:   make(map[string]*entity.ApprovalRecord),
		byInvoice: make(map[string][]string),
		audit:     make(map[string][]*entity.AuditEntry),
	}
}

// Create stores rec and its CREATED audit entry
func (s *Store) Create(ctx context.Context, rec *entity.ApprovalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("%w: approval %s already exists", workflow.ErrConflict, rec.ID)
	}

	s.records[rec.ID] = rec.Clone()
	s.byInvoice[rec.InvoiceID] = append(s.byInvoice[rec.InvoiceID], rec.ID)
	s.audit[rec.ID] = []*entity.AuditEntry{{
		ID:         uuid.NewString(),
		ApprovalID: rec.ID,
		Action:     entity.AuditActionCreated,
		NewStatus:  rec.Status,
		Timestamp:  rec.CreatedAt,
	}}
	return nil
}

// Get returns a copy of the record with the given id
func (s *Store) Get(ctx context.Context, id string) (*entity.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: approval %s", workflow.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// GetByInvoiceID returns the newest record for the invoice
func (s *Store) GetByInvoiceID(ctx context.Context, invoiceID string) (*entity.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *entity.ApprovalRecord
	for _, id := range s.byInvoice[invoiceID] {
		rec := s.records[id]
		if latest == nil || !rec.CreatedAt.Before(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no approval for invoice %s", workflow.ErrNotFound, invoiceID)
	}
	return latest.Clone(), nil
}

// ListPending returns pending records, oldest first
func (s *Store) ListPending(ctx context.Context, level *entity.Level) ([]*entity.ApprovalRecord, error) {
	s.mu.RLock()
	out := make([]*entity.ApprovalRecord, 0)
	for _, rec := range s.records {
		if rec.Status != entity.StatusPending {
			continue
		}
		if level != nil && rec.Level != *level {
			continue
		}
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	dashboard.SortOldestFirst(out)
	return out, nil
}

// List returns a snapshot of all records, oldest first
func (s *Store) List(ctx context.Context) ([]*entity.ApprovalRecord, error) {
	s.mu.RLock()
	out := make([]*entity.ApprovalRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	dashboard.SortOldestFirst(out)
	return out, nil
}

// UpdateDecision checks and writes the transition under one write lock
func (s *Store) UpdateDecision(ctx context.Context, id string, d workflow.Decision) (*entity.ApprovalRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: approval %s", workflow.ErrNotFound, id)
	}

	next, err := workflow.Apply(ctx, rec.Status, d)
	if err != nil {
		return nil, err
	}

	updated := rec.Clone()
	previous := updated.Status
	at := d.At
	updated.Status = next
	updated.DecidedBy = d.Actor
	updated.DecisionDetail = d.Detail
	updated.DecidedAt = &at
	s.records[id] = updated

	s.audit[id] = append(s.audit[id], &entity.AuditEntry{
		ID:             uuid.NewString(),
		ApprovalID:     id,
		Action:         d.AuditAction(),
		Actor:          d.Actor,
		PreviousStatus: previous,
		NewStatus:      next,
		Detail:         d.Detail,
		Timestamp:      at,
	})

	return updated.Clone(), nil
}

// History returns the audit trail of a record
func (s *Store) History(ctx context.Context, id string) ([]*entity.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.records[id]; !ok {
		return nil, fmt.Errorf("%w: approval %s", workflow.ErrNotFound, id)
	}

	entries := s.audit[id]
	out := make([]*entity.AuditEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}
