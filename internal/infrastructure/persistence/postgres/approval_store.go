// Package postgres implements the approval store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/workflow"
)

const approvalColumns = `id, invoice_id, vendor_name, country, total_amount, fraud_score,
	level, level_name, status, created_at, decided_by, decision_detail, decided_at`

// Open connects to PostgreSQL and applies the pool settings
func Open(ctx context.Context, url string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// ApprovalStore implements port.ApprovalStore on PostgreSQL
type ApprovalStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewApprovalStore creates a store over a migrated database
func NewApprovalStore(db *sql.DB, logger *zap.Logger) *ApprovalStore {
	return &ApprovalStore{db: db, logger: logger}
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *ApprovalStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Create inserts the record and its CREATED audit entry
func (s *ApprovalStore) Create(ctx context.Context, rec *entity.ApprovalRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var score sql.NullFloat64
		if rec.FraudScore != nil {
			score = sql.NullFloat64{Float64: *rec.FraudScore, Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (`+approvalColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '', '', NULL)`,
			rec.ID,
			rec.InvoiceID,
			rec.VendorName,
			rec.Country,
			rec.TotalAmount,
			score,
			int(rec.Level),
			rec.LevelName,
			rec.Status.String(),
			rec.CreatedAt,
		)
		if err != nil {
			s.logger.Error("Failed to create approval", zap.String("approval_id", rec.ID), zap.Error(err))
			return fmt.Errorf("failed to create approval: %w", err)
		}

		return appendAudit(ctx, tx, &entity.AuditEntry{
			ID:         uuid.NewString(),
			ApprovalID: rec.ID,
			Action:     entity.AuditActionCreated,
			NewStatus:  rec.Status,
			Timestamp:  rec.CreatedAt,
		})
	})
}

// Get retrieves an approval by ID
func (s *ApprovalStore) Get(ctx context.Context, id string) (*entity.ApprovalRecord, error) {
	return s.get(ctx, s.db, id)
}

func (s *ApprovalStore) get(ctx context.Context, exec executor, id string) (*entity.ApprovalRecord, error) {
	rec, err := scanApproval(exec.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: approval %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		s.logger.Error("Failed to get approval", zap.String("approval_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return rec, nil
}

// GetByInvoiceID retrieves the newest approval for an invoice. Records
// created in the same instant resolve to the one inserted last.
func (s *ApprovalStore) GetByInvoiceID(ctx context.Context, invoiceID string) (*entity.ApprovalRecord, error) {
	rec, err := scanApproval(s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE invoice_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1`, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no approval for invoice %s", workflow.ErrNotFound, invoiceID)
	}
	if err != nil {
		s.logger.Error("Failed to get approval by invoice", zap.String("invoice_id", invoiceID), zap.Error(err))
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return rec, nil
}

// ListPending returns pending approvals, oldest first
func (s *ApprovalStore) ListPending(ctx context.Context, level *entity.Level) ([]*entity.ApprovalRecord, error) {
	if level == nil {
		return s.query(ctx, `
			SELECT `+approvalColumns+` FROM approvals
			WHERE status = $1
			ORDER BY created_at ASC, id ASC`, entity.StatusPending.String())
	}
	return s.query(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = $1 AND level = $2
		ORDER BY created_at ASC, id ASC`, entity.StatusPending.String(), int(*level))
}

// List returns every approval, oldest first
func (s *ApprovalStore) List(ctx context.Context) ([]*entity.ApprovalRecord, error) {
	return s.query(ctx, `SELECT `+approvalColumns+` FROM approvals ORDER BY created_at ASC, id ASC`)
}

// UpdateDecision locks the row, checks the transition and writes it with a
// status-conditioned UPDATE in the same transaction
func (s *ApprovalStore) UpdateDecision(ctx context.Context, id string, d workflow.Decision) (*entity.ApprovalRecord, error) {
	var updated *entity.ApprovalRecord

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM approvals WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: approval %s", workflow.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock approval: %w", err)
		}

		previous := entity.Status(current)
		next, err := workflow.Apply(ctx, previous, d)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE approvals
			SET status = $1, decided_by = $2, decision_detail = $3, decided_at = $4
			WHERE id = $5 AND status = $6`,
			next.String(), d.Actor, d.Detail, d.At, id, previous.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to update approval: %w", err)
		}
		if affected, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		} else if affected != 1 {
			return fmt.Errorf("%w: approval %s changed concurrently", workflow.ErrConflict, id)
		}

		if err := appendAudit(ctx, tx, &entity.AuditEntry{
			ID:             uuid.NewString(),
			ApprovalID:     id,
			Action:         d.AuditAction(),
			Actor:          d.Actor,
			PreviousStatus: previous,
			NewStatus:      next,
			Detail:         d.Detail,
			Timestamp:      d.At,
		}); err != nil {
			return err
		}

		updated, err = s.get(ctx, tx, id)
		return err
	})
	if err != nil {
		if !errors.Is(err, workflow.ErrConflict) && !errors.Is(err, workflow.ErrNotFound) {
			s.logger.Error("Failed to record decision", zap.String("approval_id", id), zap.Error(err))
		}
		return nil, err
	}
	return updated, nil
}

// History returns the audit trail in write order
func (s *ApprovalStore) History(ctx context.Context, id string) ([]*entity.AuditEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, approval_id, action, actor, previous_status, new_status, detail, created_at
		FROM approval_audit
		WHERE approval_id = $1
		ORDER BY seq ASC`, id)
	if err != nil {
		s.logger.Error("Failed to query audit entries", zap.String("approval_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*entity.AuditEntry, 0)
	for rows.Next() {
		var (
			e                      entity.AuditEntry
			action, previous, next string
		)
		if err := rows.Scan(&e.ID, &e.ApprovalID, &action, &e.Actor, &previous, &next, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = entity.AuditAction(action)
		e.PreviousStatus = entity.Status(previous)
		e.NewStatus = entity.Status(next)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Close closes the connection pool
func (s *ApprovalStore) Close() error {
	return s.db.Close()
}

func appendAudit(ctx context.Context, exec executor, e *entity.AuditEntry) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO approval_audit (id, approval_id, action, actor, previous_status, new_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID,
		e.ApprovalID,
		string(e.Action),
		e.Actor,
		e.PreviousStatus.String(),
		e.NewStatus.String(),
		e.Detail,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *ApprovalStore) query(ctx context.Context, query string, args ...interface{}) ([]*entity.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Failed to query approvals", zap.Error(err))
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	records := make([]*entity.ApprovalRecord, 0)
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row scanner) (*entity.ApprovalRecord, error) {
	var (
		rec       entity.ApprovalRecord
		score     sql.NullFloat64
		level     int
		status    string
		decidedAt sql.NullTime
	)

	if err := row.Scan(
		&rec.ID,
		&rec.InvoiceID,
		&rec.VendorName,
		&rec.Country,
		&rec.TotalAmount,
		&score,
		&level,
		&rec.LevelName,
		&status,
		&rec.CreatedAt,
		&rec.DecidedBy,
		&rec.DecisionDetail,
		&decidedAt,
	); err != nil {
		return nil, err
	}

	rec.Level = entity.Level(level)
	rec.Status = entity.Status(status)
	if score.Valid {
		v := score.Float64
		rec.FraudScore = &v
	}
	if decidedAt.Valid {
		at := decidedAt.Time
		rec.DecidedAt = &at
	}
	return &rec, nil
}

var _ port.ApprovalStore = (*ApprovalStore)(nil)
