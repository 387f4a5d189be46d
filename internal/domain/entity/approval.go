package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an approval record
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

var validStatuses = map[Status]bool{
	StatusPending:  true,
	StatusApproved: true,
	StatusRejected: true,
}

// IsValid returns true if the status is a known workflow status
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal returns true once a decision has been recorded
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// Level is the approval tier an invoice is routed to
type Level int

const (
	LevelManager    Level = 1
	LevelFinance    Level = 2
	LevelCompliance Level = 3
)

var levelNames = map[Level]string{
	LevelManager:    "Manager",
	LevelFinance:    "Finance",
	LevelCompliance: "Compliance",
}

// AllLevels lists the approval tiers in ascending order
func AllLevels() []Level {
	return []Level{LevelManager, LevelFinance, LevelCompliance}
}

// IsValid returns true for levels 1 through 3
func (l Level) IsValid() bool {
	_, ok := levelNames[l]
	return ok
}

// Name returns the display label of the level
func (l Level) Name() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "Unknown"
}

// ApprovalRecord is the unit of workflow state for one invoice's approval decision.
// Vendor attributes are copied at creation so historical views stay stable.
type ApprovalRecord struct {
	ID          string          `json:"id"`
	InvoiceID   string          `json:"invoice_id"`
	VendorName  string          `json:"vendor_name"`
	Country     string          `json:"country"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	FraudScore  *float64        `json:"fraud_score,omitempty"`
	Level       Level           `json:"level"`
	LevelName   string          `json:"level_name"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`

	// Decision fields are set exactly once, on the transition out of pending
	DecidedBy      string     `json:"decided_by,omitempty"`
	DecisionDetail string     `json:"decision_detail,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
}

// Clone returns a deep copy of the record
func (r *ApprovalRecord) Clone() *ApprovalRecord {
	cp := *r
	if r.FraudScore != nil {
		score := *r.FraudScore
		cp.FraudScore = &score
	}
	if r.DecidedAt != nil {
		at := *r.DecidedAt
		cp.DecidedAt = &at
	}
	return &cp
}

// WaitingDays returns the number of whole days the record has existed at now
func (r *ApprovalRecord) WaitingDays(now time.Time) int {
	waited := now.Sub(r.CreatedAt)
	if waited < 0 {
		return 0
	}
	return int(waited / (24 * time.Hour))
}
