package event

// Type identifies the type of workflow event
type Type string

const (
	TypeApprovalCreated  Type = "approval.created"
	TypeApprovalApproved Type = "approval.approved"
	TypeApprovalRejected Type = "approval.rejected"
	TypeApprovalOverdue  Type = "approval.overdue"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeApprovalCreated,
		TypeApprovalApproved,
		TypeApprovalRejected,
		TypeApprovalOverdue:
		return true
	default:
		return false
	}
}
