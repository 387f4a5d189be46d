package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/domain/escalation"
	"github.com/garyjia/invoice-approval/internal/domain/event"
	"github.com/garyjia/invoice-approval/internal/metrics"
)

// OverdueLister is the read side the sweeper needs; ApprovalService satisfies it
type OverdueLister interface {
	ListOverdue(ctx context.Context, thresholdDays *int) ([]escalation.OverdueItem, error)
}

// EscalationWorkerConfig holds configuration for the escalation sweeper
type EscalationWorkerConfig struct {
	Interval      time.Duration
	NotifyTimeout time.Duration
}

// DefaultEscalationWorkerConfig returns default configuration
func DefaultEscalationWorkerConfig() EscalationWorkerConfig {
	return EscalationWorkerConfig{
		Interval:      time.Hour,
		NotifyTimeout: 10 * time.Second,
	}
}

// EscalationWorker periodically runs the escalation monitor, publishes the
// overdue gauge and reminds approvers once per overdue record
type EscalationWorker struct {
	config    EscalationWorkerConfig
	approvals OverdueLister
	notifier  port.Notifier
	approvers port.ApproverDirectory
	events    port.EventPublisher
	logger    *zap.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	isRunning bool
	reminded  map[string]bool
	lastSweep time.Time
	lastError error
}

// NewEscalationWorker creates a new escalation sweeper. notifier, approvers
// and events may be nil.
func NewEscalationWorker(
	config EscalationWorkerConfig,
	approvals OverdueLister,
	notifier port.Notifier,
	approvers port.ApproverDirectory,
	events port.EventPublisher,
	logger *zap.Logger,
) *EscalationWorker {
	if config.Interval <= 0 {
		config.Interval = DefaultEscalationWorkerConfig().Interval
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = DefaultEscalationWorkerConfig().NotifyTimeout
	}
	return &EscalationWorker{
		config:    config,
		approvals: approvals,
		notifier:  notifier,
		approvers: approvers,
		events:    events,
		logger:    logger,
		reminded:  make(map[string]bool),
	}
}

// Start runs one sweep immediately and then every Interval
func (w *EscalationWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("escalation worker already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.isRunning = true

	w.logger.Info("EscalationWorker started", zap.Duration("interval", w.config.Interval))
	go w.loop(runCtx, w.done)
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to finish
func (w *EscalationWorker) Stop() error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.logger.Info("EscalationWorker stopped")
	return nil
}

// Name returns the worker name for identification
func (w *EscalationWorker) Name() string {
	return "EscalationWorker"
}

func (w *EscalationWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Escalation sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep evaluates overdue approvals once
func (w *EscalationWorker) Sweep(ctx context.Context) error {
	items, err := w.approvals.ListOverdue(ctx, nil)
	if err != nil {
		w.mu.Lock()
		w.lastError = err
		w.mu.Unlock()
		return fmt.Errorf("list overdue: %w", err)
	}
	metrics.ApprovalsOverdue.Set(float64(len(items)))

	w.mu.Lock()
	current := make(map[string]bool, len(items))
	var fresh []escalation.OverdueItem
	for _, item := range items {
		current[item.Record.ID] = true
		if !w.reminded[item.Record.ID] {
			fresh = append(fresh, item)
		}
	}
	// Records that left the overdue set were decided; forget them
	for id := range w.reminded {
		if !current[id] {
			delete(w.reminded, id)
		}
	}
	w.mu.Unlock()

	for _, item := range fresh {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.remind(ctx, item)
	}

	w.mu.Lock()
	w.lastSweep = time.Now()
	w.lastError = nil
	w.mu.Unlock()

	if len(items) > 0 {
		w.logger.Info("Escalation sweep completed",
			zap.Int("overdue", len(items)),
			zap.Int("reminders_sent", len(fresh)))
	}
	return nil
}

func (w *EscalationWorker) remind(ctx context.Context, item escalation.OverdueItem) {
	rec := item.Record

	if w.notifier != nil && w.approvers != nil {
		if approver, ok := w.approvers.ApproverFor(rec.Level); ok {
			notifyCtx, cancel := context.WithTimeout(ctx, w.config.NotifyTimeout)
			err := w.notifier.NotifyOverdue(notifyCtx, approver, item)
			cancel()
			if err != nil {
				metrics.NotificationsTotal.WithLabelValues("overdue", "error").Inc()
				w.logger.Error("Failed to send overdue reminder",
					zap.String("approval_id", rec.ID),
					zap.String("approver", approver.Name),
					zap.Error(err))
				// Retry on the next sweep
				return
			}
			metrics.NotificationsTotal.WithLabelValues("overdue", "ok").Inc()
		}
	}

	if w.events != nil {
		w.events.Publish(event.NewEvent(event.TypeApprovalOverdue, rec, time.Now().UTC()).
			WithPayload("waiting_days", item.WaitingDays))
	}

	w.mu.Lock()
	w.reminded[rec.ID] = true
	w.mu.Unlock()
}

// Stats reports the state of the sweeper
func (w *EscalationWorker) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := map[string]interface{}{
		"running":    w.isRunning,
		"reminded":   len(w.reminded),
		"last_sweep": w.lastSweep,
	}
	if w.lastError != nil {
		stats["last_error"] = w.lastError.Error()
	}
	return stats
}
