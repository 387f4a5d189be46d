// Package notify holds the notifier used when no IM channel is configured.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/escalation"
)

// LogNotifier records notifications in the log instead of delivering them
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyAssigned logs the assignment
func (n *LogNotifier) NotifyAssigned(ctx context.Context, approver port.Approver, rec *entity.ApprovalRecord) error {
	n.logger.Info("Notifications disabled, approver not contacted",
		zap.String("approver", approver.Name),
		zap.String("approval_id", rec.ID),
		zap.String("invoice_id", rec.InvoiceID),
		zap.String("level", rec.LevelName))
	return nil
}

// NotifyOverdue logs the reminder
func (n *LogNotifier) NotifyOverdue(ctx context.Context, approver port.Approver, item escalation.OverdueItem) error {
	n.logger.Info("Notifications disabled, overdue reminder not sent",
		zap.String("approver", approver.Name),
		zap.String("approval_id", item.Record.ID),
		zap.Int("waiting_days", item.WaitingDays))
	return nil
}

var _ port.Notifier = (*LogNotifier)(nil)
