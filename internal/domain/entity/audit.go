package entity

import "time"

// AuditAction identifies what happened to an approval record
type AuditAction string

const (
	AuditActionCreated  AuditAction = "CREATED"
	AuditActionApproved AuditAction = "APPROVED"
	AuditActionRejected AuditAction = "REJECTED"
)

// AuditEntry is an immutable line of an approval record's history
type AuditEntry struct {
	ID             string      `json:"id"`
	ApprovalID     string      `json:"approval_id"`
	Action         AuditAction `json:"action"`
	Actor          string      `json:"actor,omitempty"`
	PreviousStatus Status      `json:"previous_status,omitempty"`
	NewStatus      Status      `json:"new_status"`
	Detail         string      `json:"detail,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}
