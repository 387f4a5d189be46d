package lark

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/escalation"
	"github.com/garyjia/invoice-approval/internal/domain/risk"
)

// TextSender abstracts the IM transport so message formatting can be tested offline
type TextSender interface {
	SendText(ctx context.Context, email, text string) error
}

// Notifier implements port.Notifier over Lark IM
type Notifier struct {
	sender TextSender
	logger *zap.Logger
}

// NewNotifier creates a notifier that delivers through sender
func NewNotifier(sender TextSender, logger *zap.Logger) *Notifier {
	return &Notifier{sender: sender, logger: logger}
}

// NotifyAssigned tells the approver a new invoice is waiting at their level
func (n *Notifier) NotifyAssigned(ctx context.Context, approver port.Approver, rec *entity.ApprovalRecord) error {
	if approver.Email == "" {
		n.logger.Info("Approver has no email, skipping Lark notification",
			zap.String("approver", approver.Name),
			zap.String("approval_id", rec.ID))
		return nil
	}
	return n.sender.SendText(ctx, approver.Email, FormatAssigned(approver, rec))
}

// NotifyOverdue reminds the approver about an overdue invoice
func (n *Notifier) NotifyOverdue(ctx context.Context, approver port.Approver, item escalation.OverdueItem) error {
	if approver.Email == "" {
		return nil
	}
	return n.sender.SendText(ctx, approver.Email, FormatOverdue(approver, item))
}

// FormatAssigned renders the new-approval message
func FormatAssigned(approver port.Approver, rec *entity.ApprovalRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s, invoice %s needs your approval (%s level).\n", approver.Name, rec.InvoiceID, rec.LevelName)
	writeDetails(&b, rec)
	fmt.Fprintf(&b, "Approval ID: %s", rec.ID)
	return b.String()
}

// FormatOverdue renders the reminder message
func FormatOverdue(approver port.Approver, item escalation.OverdueItem) string {
	rec := item.Record
	var b strings.Builder
	fmt.Fprintf(&b, "Reminder for %s: invoice %s has been waiting %d days for %s approval.\n",
		approver.Name, rec.InvoiceID, item.WaitingDays, rec.LevelName)
	writeDetails(&b, rec)
	fmt.Fprintf(&b, "Approval ID: %s", rec.ID)
	return b.String()
}

func writeDetails(b *strings.Builder, rec *entity.ApprovalRecord) {
	fmt.Fprintf(b, "Vendor: %s (%s)\n", rec.VendorName, rec.Country)
	fmt.Fprintf(b, "Amount: %s\n", rec.TotalAmount.StringFixed(2))
	fmt.Fprintf(b, "Fraud risk: %s\n", risk.Classify(rec.FraudScore))
}

var _ port.Notifier = (*Notifier)(nil)
