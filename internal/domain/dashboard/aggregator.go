// Package dashboard aggregates approval records into reporting views.
// Nothing here is persisted; every view is recomputed from the records passed in.
package dashboard

import (
	"sort"
	"time"

	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/escalation"
	"github.com/garyjia/invoice-approval/internal/domain/routing"
)

// Summary holds workflow counts over one snapshot of the store
type Summary struct {
	TotalPending   int            `json:"total_pending"`
	TotalApproved  int            `json:"total_approved"`
	TotalRejected  int            `json:"total_rejected"`
	OverdueCount   int            `json:"overdue_count"`
	PendingByLevel map[string]int `json:"pending_by_level"`
}

// View is the full dashboard read model
type View struct {
	Summary          Summary                  `json:"summary"`
	PendingApprovals []*entity.ApprovalRecord `json:"pending_approvals"`
	OverdueApprovals []escalation.OverdueItem `json:"overdue_approvals"`
	ApprovalLevels   []routing.LevelInfo      `json:"approval_levels"`
}

// Summarize counts records by status and pending records by level name.
// Levels without pending records are left out of PendingByLevel.
func Summarize(records []*entity.ApprovalRecord, now time.Time, thresholdDays int) Summary {
	s := Summary{PendingByLevel: make(map[string]int)}
	for _, rec := range records {
		if rec == nil {
			continue
		}
		switch rec.Status {
		case entity.StatusPending:
			s.TotalPending++
			s.PendingByLevel[rec.Level.Name()]++
		case entity.StatusApproved:
			s.TotalApproved++
		case entity.StatusRejected:
			s.TotalRejected++
		}
	}
	s.OverdueCount = len(escalation.Overdue(records, now, thresholdDays))
	return s
}

// Build assembles the dashboard from one snapshot. pendingLimit caps the
// pending list; zero or negative means no cap.
func Build(records []*entity.ApprovalRecord, now time.Time, thresholdDays, pendingLimit int) View {
	pending := make([]*entity.ApprovalRecord, 0)
	for _, rec := range records {
		if rec != nil && rec.Status == entity.StatusPending {
			pending = append(pending, rec)
		}
	}
	SortOldestFirst(pending)
	if pendingLimit > 0 && len(pending) > pendingLimit {
		pending = pending[:pendingLimit]
	}

	return View{
		Summary:          Summarize(records, now, thresholdDays),
		PendingApprovals: pending,
		OverdueApprovals: escalation.Overdue(records, now, thresholdDays),
		ApprovalLevels:   routing.Levels(),
	}
}

// SortOldestFirst orders records by created_at ascending, then id
func SortOldestFirst(records []*entity.ApprovalRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
