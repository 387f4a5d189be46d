package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/garyjia/invoice-approval/internal/domain/entity"
)

// Event is a notification that an approval record changed or needs attention
type Event struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	ApprovalID string                 `json:"approval_id"`
	InvoiceID  string                 `json:"invoice_id"`
	Payload    map[string]interface{} `json:"payload"`
	Timestamp  time.Time              `json:"timestamp"`
}

// NewEvent creates an event for rec. The record's public fields are copied
// into the payload so subscribers never hold a reference to store state.
func NewEvent(eventType Type, rec *entity.ApprovalRecord, at time.Time) *Event {
	payload := map[string]interface{}{
		"status":     rec.Status.String(),
		"level":      int(rec.Level),
		"level_name": rec.LevelName,
		"vendor":     rec.VendorName,
		"amount":     rec.TotalAmount.String(),
	}
	if rec.DecidedBy != "" {
		payload["decided_by"] = rec.DecidedBy
	}

	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		ApprovalID: rec.ID,
		InvoiceID:  rec.InvoiceID,
		Payload:    payload,
		Timestamp:  at,
	}
}

// ForDecision returns the event type emitted after a record reaches status
func ForDecision(status entity.Status) Type {
	if status == entity.StatusRejected {
		return TypeApprovalRejected
	}
	return TypeApprovalApproved
}

// WithPayload returns a new Event with an added payload key-value pair
func (e *Event) WithPayload(key string, value interface{}) *Event {
	newPayload := make(map[string]interface{}, len(e.Payload)+1)
	for k, v := range e.Payload {
		newPayload[k] = v
	}
	newPayload[key] = value

	cp := *e
	cp.Payload = newPayload
	return &cp
}

// GetPayloadString retrieves a string value from the payload
func (e *Event) GetPayloadString(key string) string {
	if val, ok := e.Payload[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// GetPayloadInt retrieves an int64 value from the payload
func (e *Event) GetPayloadInt(key string) int64 {
	if val, ok := e.Payload[key]; ok {
		switch v := val.(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return 0
}
