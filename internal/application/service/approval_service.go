package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/domain/dashboard"
	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/escalation"
	"github.com/garyjia/invoice-approval/internal/domain/event"
	"github.com/garyjia/invoice-approval/internal/domain/risk"
	"github.com/garyjia/invoice-approval/internal/domain/routing"
	"github.com/garyjia/invoice-approval/internal/domain/workflow"
	"github.com/garyjia/invoice-approval/internal/metrics"
	"github.com/garyjia/invoice-approval/internal/traces"
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// CreateApprovalInput carries the invoice attributes copied onto a new record
type CreateApprovalInput struct {
	InvoiceID   string
	VendorName  string
	Country     string
	TotalAmount decimal.Decimal
	FraudScore  *float64
}

// ApprovalService is the operation set of the approval workflow
type ApprovalService interface {
	CreateApproval(ctx context.Context, in CreateApprovalInput) (*entity.ApprovalRecord, error)
	GetApproval(ctx context.Context, id string) (*entity.ApprovalRecord, error)
	GetApprovalByInvoice(ctx context.Context, invoiceID string) (*entity.ApprovalRecord, error)
	ListPending(ctx context.Context, level *entity.Level) ([]*entity.ApprovalRecord, error)
	// ListOverdue uses the configured threshold when thresholdDays is nil
	ListOverdue(ctx context.Context, thresholdDays *int) ([]escalation.OverdueItem, error)
	ListAll(ctx context.Context) ([]*entity.ApprovalRecord, error)
	Approve(ctx context.Context, id, approverName, comments string) (*entity.ApprovalRecord, error)
	Reject(ctx context.Context, id, rejectorName, reason string) (*entity.ApprovalRecord, error)
	History(ctx context.Context, id string) ([]*entity.AuditEntry, error)
	Summarize(ctx context.Context) (dashboard.Summary, error)
	Dashboard(ctx context.Context) (dashboard.View, error)
	// Shutdown waits for in-flight approver notifications until ctx is done
	Shutdown(ctx context.Context) error
}

const (
	notifyTimeout = 10 * time.Second
	// maxPendingNotifications bounds notification goroutines; beyond it new
	// notifications are dropped and logged
	maxPendingNotifications = 64
)

type approvalServiceImpl struct {
	store         port.ApprovalStore
	logger        Logger
	notifier      port.Notifier
	approvers     port.ApproverDirectory
	events        port.EventPublisher
	now           func() time.Time
	thresholdDays int
	pendingLimit  int

	notifySlots chan struct{}
	inflight    sync.WaitGroup
}

// Option customizes an ApprovalService
type Option func(*approvalServiceImpl)

// WithNotifier sets the notifier and the directory used to find each level's approver
func WithNotifier(n port.Notifier, approvers port.ApproverDirectory) Option {
	return func(s *approvalServiceImpl) {
		s.notifier = n
		s.approvers = approvers
	}
}

// WithEvents sets the publisher that receives workflow events
func WithEvents(p port.EventPublisher) Option {
	return func(s *approvalServiceImpl) { s.events = p }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *approvalServiceImpl) { s.now = now }
}

// WithOverdueThreshold sets the default overdue threshold in days
func WithOverdueThreshold(days int) Option {
	return func(s *approvalServiceImpl) { s.thresholdDays = days }
}

// WithDashboardPendingLimit caps the pending list returned by Dashboard
func WithDashboardPendingLimit(limit int) Option {
	return func(s *approvalServiceImpl) { s.pendingLimit = limit }
}

// NewApprovalService creates a new ApprovalService
func NewApprovalService(store port.ApprovalStore, logger Logger, opts ...Option) ApprovalService {
	s := &approvalServiceImpl{
		store:         store,
		logger:        logger,
		now:           time.Now,
		thresholdDays: escalation.DefaultThresholdDays,
		pendingLimit:  20,
		notifySlots:   make(chan struct{}, maxPendingNotifications),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateApproval classifies risk, assigns the level and stores a pending record
func (s *approvalServiceImpl) CreateApproval(ctx context.Context, in CreateApprovalInput) (*entity.ApprovalRecord, error) {
	ctx, span := traces.StartSpan(ctx, "approval.create", traces.InvoiceID(in.InvoiceID))
	defer span.End()

	invoiceID := strings.TrimSpace(in.InvoiceID)
	if invoiceID == "" {
		return nil, fmt.Errorf("%w: invoice_id is required", workflow.ErrInvalidInput)
	}
	if in.TotalAmount.IsNegative() {
		return nil, fmt.Errorf("%w: total_amount must not be negative, got %s", workflow.ErrInvalidInput, in.TotalAmount)
	}
	if !in.TotalAmount.Equal(in.TotalAmount.Round(2)) {
		return nil, fmt.Errorf("%w: total_amount must have at most 2 decimal places, got %s", workflow.ErrInvalidInput, in.TotalAmount)
	}
	if !risk.ValidScore(in.FraudScore) {
		return nil, fmt.Errorf("%w: fraud_score must be between %.0f and %.0f", workflow.ErrInvalidInput, risk.MinScore, risk.MaxScore)
	}

	assignment := routing.Assign(in.TotalAmount, risk.Classify(in.FraudScore))

	rec := &entity.ApprovalRecord{
		ID:          uuid.NewString(),
		InvoiceID:   invoiceID,
		VendorName:  strings.TrimSpace(in.VendorName),
		Country:     strings.TrimSpace(in.Country),
		TotalAmount: in.TotalAmount,
		FraudScore:  in.FraudScore,
		Level:       assignment.Level,
		LevelName:   assignment.LevelName,
		Status:      entity.StatusPending,
		CreatedAt:   s.now().UTC(),
	}
	span.SetAttributes(traces.ApprovalID(rec.ID), traces.Level(int(rec.Level)))

	if err := s.store.Create(ctx, rec); err != nil {
		traces.RecordError(span, err)
		s.logger.Error("Failed to create approval", "error", err, "invoice_id", invoiceID)
		return nil, err
	}

	metrics.ApprovalsCreatedTotal.WithLabelValues(rec.LevelName).Inc()
	s.logger.Info("Approval created",
		"approval_id", rec.ID,
		"invoice_id", rec.InvoiceID,
		"level", rec.LevelName,
		"fraud_risk", risk.Classify(rec.FraudScore).String())

	s.publish(event.TypeApprovalCreated, rec)
	s.dispatchAssigned(ctx, rec)

	return rec, nil
}

// GetApproval retrieves a record by ID
func (s *approvalServiceImpl) GetApproval(ctx context.Context, id string) (*entity.ApprovalRecord, error) {
	return s.store.Get(ctx, id)
}

// GetApprovalByInvoice retrieves the newest record for an invoice
func (s *approvalServiceImpl) GetApprovalByInvoice(ctx context.Context, invoiceID string) (*entity.ApprovalRecord, error) {
	return s.store.GetByInvoiceID(ctx, strings.TrimSpace(invoiceID))
}

// ListPending returns pending records, oldest first
func (s *approvalServiceImpl) ListPending(ctx context.Context, level *entity.Level) ([]*entity.ApprovalRecord, error) {
	if level != nil && !level.IsValid() {
		return nil, fmt.Errorf("%w: unknown level %d", workflow.ErrInvalidInput, *level)
	}
	return s.store.ListPending(ctx, level)
}

// ListOverdue returns pending records past the threshold, most overdue first
func (s *approvalServiceImpl) ListOverdue(ctx context.Context, thresholdDays *int) ([]escalation.OverdueItem, error) {
	threshold := s.thresholdDays
	if thresholdDays != nil {
		if *thresholdDays < 0 {
			return nil, fmt.Errorf("%w: threshold_days must not be negative", workflow.ErrInvalidInput)
		}
		threshold = *thresholdDays
	}

	pending, err := s.store.ListPending(ctx, nil)
	if err != nil {
		return nil, err
	}
	return escalation.Overdue(pending, s.now(), threshold), nil
}

// ListAll returns every record, oldest first
func (s *approvalServiceImpl) ListAll(ctx context.Context) ([]*entity.ApprovalRecord, error) {
	return s.store.List(ctx)
}

// Approve moves a pending record to approved
func (s *approvalServiceImpl) Approve(ctx context.Context, id, approverName, comments string) (*entity.ApprovalRecord, error) {
	return s.decide(ctx, id, workflow.Decision{
		Trigger: workflow.TriggerApprove,
		Actor:   strings.TrimSpace(approverName),
		Detail:  strings.TrimSpace(comments),
	})
}

// Reject moves a pending record to rejected. Rejection is final.
func (s *approvalServiceImpl) Reject(ctx context.Context, id, rejectorName, reason string) (*entity.ApprovalRecord, error) {
	return s.decide(ctx, id, workflow.Decision{
		Trigger: workflow.TriggerReject,
		Actor:   strings.TrimSpace(rejectorName),
		Detail:  strings.TrimSpace(reason),
	})
}

func (s *approvalServiceImpl) decide(ctx context.Context, id string, d workflow.Decision) (*entity.ApprovalRecord, error) {
	action := strings.ToLower(d.Trigger.String())
	ctx, span := traces.StartSpan(ctx, "approval."+action, traces.ApprovalID(id), traces.Actor(d.Actor))
	defer span.End()

	if err := workflow.Validate(ctx, d); err != nil {
		metrics.DecisionsTotal.WithLabelValues(action, resultLabel(err)).Inc()
		traces.RecordError(span, err)
		return nil, err
	}

	d.At = s.now().UTC()
	rec, err := s.store.UpdateDecision(ctx, id, d)
	metrics.DecisionsTotal.WithLabelValues(action, resultLabel(err)).Inc()
	if err != nil {
		traces.RecordError(span, err)
		switch {
		case errors.Is(err, workflow.ErrConflict):
			s.logger.Info("Decision rejected by state machine", "approval_id", id, "action", action, "actor", d.Actor, "error", err)
		case errors.Is(err, workflow.ErrNotFound):
		default:
			s.logger.Error("Failed to record decision", "approval_id", id, "action", action, "error", err)
		}
		return nil, err
	}

	if rec.DecidedAt != nil {
		metrics.DecisionLatency.Observe(rec.DecidedAt.Sub(rec.CreatedAt).Seconds())
	}
	s.logger.Info("Approval decided",
		"approval_id", rec.ID,
		"status", rec.Status.String(),
		"decided_by", rec.DecidedBy,
		"level", rec.LevelName)

	s.publish(event.ForDecision(rec.Status), rec)
	return rec, nil
}

// History returns the audit trail of a record
func (s *approvalServiceImpl) History(ctx context.Context, id string) ([]*entity.AuditEntry, error) {
	return s.store.History(ctx, id)
}

// Summarize recomputes workflow counts from the current store contents
func (s *approvalServiceImpl) Summarize(ctx context.Context) (dashboard.Summary, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return dashboard.Summary{}, err
	}
	return dashboard.Summarize(records, s.now(), s.thresholdDays), nil
}

// Dashboard builds the full read model from a single snapshot
func (s *approvalServiceImpl) Dashboard(ctx context.Context) (dashboard.View, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return dashboard.View{}, err
	}
	return dashboard.Build(records, s.now(), s.thresholdDays, s.pendingLimit), nil
}

func (s *approvalServiceImpl) publish(t event.Type, rec *entity.ApprovalRecord) {
	if s.events == nil {
		return
	}
	s.events.Publish(event.NewEvent(t, rec, s.now().UTC()))
}

// dispatchAssigned hands the approver notification to a goroutine so the
// create returns once the record is stored
func (s *approvalServiceImpl) dispatchAssigned(ctx context.Context, rec *entity.ApprovalRecord) {
	if s.notifier == nil || s.approvers == nil {
		return
	}

	select {
	case s.notifySlots <- struct{}{}:
	default:
		metrics.NotificationsTotal.WithLabelValues("assigned", "dropped").Inc()
		s.logger.Error("Notification backlog full, dropping approver notification", "approval_id", rec.ID)
		return
	}

	s.inflight.Add(1)
	go func(ctx context.Context, rec *entity.ApprovalRecord) {
		defer s.inflight.Done()
		defer func() { <-s.notifySlots }()
		s.notifyAssigned(ctx, rec)
	}(context.WithoutCancel(ctx), rec.Clone())
}

// notifyAssigned never fails the create; delivery errors are only logged
func (s *approvalServiceImpl) notifyAssigned(ctx context.Context, rec *entity.ApprovalRecord) {
	approver, ok := s.approvers.ApproverFor(rec.Level)
	if !ok {
		s.logger.Info("No approver configured for level", "level", rec.LevelName, "approval_id", rec.ID)
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	if err := s.notifier.NotifyAssigned(notifyCtx, approver, rec); err != nil {
		metrics.NotificationsTotal.WithLabelValues("assigned", "error").Inc()
		s.logger.Error("Failed to notify approver", "error", err, "approval_id", rec.ID, "approver", approver.Name)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("assigned", "ok").Inc()
}

// Shutdown waits for in-flight notifications to finish
func (s *approvalServiceImpl) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for notifications: %w", ctx.Err())
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, workflow.ErrConflict):
		return "conflict"
	case errors.Is(err, workflow.ErrNotFound):
		return "not_found"
	case errors.Is(err, workflow.ErrValidation), errors.Is(err, workflow.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
