package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/workflow"
)

// timeLayout is fixed width so TEXT columns sort chronologically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const approvalColumns = `id, invoice_id, vendor_name, country, total_amount, fraud_score,
	level, level_name, status, created_at, decided_by, decision_detail, decided_at`

// ApprovalStore implements port.ApprovalStore on SQLite
type ApprovalStore struct {
	*DB
}

// NewApprovalStore creates a store over an opened, migrated database
func NewApprovalStore(sqlDB *sql.DB, logger *zap.Logger) *ApprovalStore {
	return &ApprovalStore{DB: NewDB(sqlDB, logger)}
}

// Create inserts the record and its CREATED audit entry in one transaction
func (s *ApprovalStore) Create(ctx context.Context, rec *entity.ApprovalRecord) error {
	return s.WithTransaction(ctx, func(ctx context.Context) error {
		var score sql.NullFloat64
		if rec.FraudScore != nil {
			score = sql.NullFloat64{Float64: *rec.FraudScore, Valid: true}
		}

		_, err := s.getExecutor(ctx).ExecContext(ctx, `
			INSERT INTO approvals (`+approvalColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL)`,
			rec.ID,
			rec.InvoiceID,
			rec.VendorName,
			rec.Country,
			rec.TotalAmount.String(),
			score,
			int(rec.Level),
			rec.LevelName,
			rec.Status.String(),
			formatTime(rec.CreatedAt),
		)
		if err != nil {
			s.logger.Error("Failed to create approval", zap.String("approval_id", rec.ID), zap.Error(err))
			return fmt.Errorf("failed to create approval: %w", err)
		}

		return s.appendAudit(ctx, &entity.AuditEntry{
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
	row := s.getExecutor(ctx).QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)

	rec, err := scanApproval(row)
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
	row := s.getExecutor(ctx).QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE invoice_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, invoiceID)

	rec, err := scanApproval(row)
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
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE status = ?`
	args := []interface{}{entity.StatusPending.String()}
	if level != nil {
		query += ` AND level = ?`
		args = append(args, int(*level))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	return s.query(ctx, query, args...)
}

// List returns every approval, oldest first
func (s *ApprovalStore) List(ctx context.Context) ([]*entity.ApprovalRecord, error) {
	return s.query(ctx, `SELECT `+approvalColumns+` FROM approvals ORDER BY created_at ASC, id ASC`)
}

// UpdateDecision runs check-and-write inside one immediate transaction. The
// UPDATE is additionally conditioned on the status read, so a concurrent
// writer that slipped in turns into a Conflict rather than an overwrite.
func (s *ApprovalStore) UpdateDecision(ctx context.Context, id string, d workflow.Decision) (*entity.ApprovalRecord, error) {
	var updated *entity.ApprovalRecord

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		exec := s.getExecutor(ctx)

		var current string
		err := exec.QueryRowContext(ctx, `SELECT status FROM approvals WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: approval %s", workflow.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read approval status: %w", err)
		}

		previous := entity.Status(current)
		next, err := workflow.Apply(ctx, previous, d)
		if err != nil {
			return err
		}

		result, err := exec.ExecContext(ctx, `
			UPDATE approvals
			SET status = ?, decided_by = ?, decision_detail = ?, decided_at = ?
			WHERE id = ? AND status = ?`,
			next.String(), d.Actor, d.Detail, formatTime(d.At), id, previous.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to update approval: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("%w: approval %s changed concurrently", workflow.ErrConflict, id)
		}

		if err := s.appendAudit(ctx, &entity.AuditEntry{
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

		updated, err = s.Get(ctx, id)
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

	rows, err := s.getExecutor(ctx).QueryContext(ctx, `
		SELECT id, approval_id, action, actor, previous_status, new_status, detail, created_at
		FROM approval_audit
		WHERE approval_id = ?
		ORDER BY seq ASC`, id)
	if err != nil {
		s.logger.Error("Failed to query audit entries", zap.String("approval_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*entity.AuditEntry, 0)
	for rows.Next() {
		var (
			e        entity.AuditEntry
			action   string
			previous string
			next     string
			at       string
		)
		if err := rows.Scan(&e.ID, &e.ApprovalID, &action, &e.Actor, &previous, &next, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = entity.AuditAction(action)
		e.PreviousStatus = entity.Status(previous)
		e.NewStatus = entity.Status(next)
		if e.Timestamp, err = parseTime(at); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *ApprovalStore) appendAudit(ctx context.Context, e *entity.AuditEntry) error {
	_, err := s.getExecutor(ctx).ExecContext(ctx, `
		INSERT INTO approval_audit (id, approval_id, action, actor, previous_status, new_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.ApprovalID,
		string(e.Action),
		e.Actor,
		e.PreviousStatus.String(),
		e.NewStatus.String(),
		e.Detail,
		formatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *ApprovalStore) query(ctx context.Context, query string, args ...interface{}) ([]*entity.ApprovalRecord, error) {
	rows, err := s.getExecutor(ctx).QueryContext(ctx, query, args...)
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
		createdAt string
		decidedAt sql.NullString
	)

	err := row.Scan(
		&rec.ID,
		&rec.InvoiceID,
		&rec.VendorName,
		&rec.Country,
		&rec.TotalAmount,
		&score,
		&level,
		&rec.LevelName,
		&status,
		&createdAt,
		&rec.DecidedBy,
		&rec.DecisionDetail,
		&decidedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Level = entity.Level(level)
	rec.Status = entity.Status(status)
	if score.Valid {
		v := score.Float64
		rec.FraudScore = &v
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		at, err := parseTime(decidedAt.String)
		if err != nil {
			return nil, err
		}
		rec.DecidedAt = &at
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// Close closes the underlying database
func (s *ApprovalStore) Close() error {
	return s.DB.Close()
}

var _ port.ApprovalStore = (*ApprovalStore)(nil)
