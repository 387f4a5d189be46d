// Package escalation detects pending approvals that have waited past a threshold.
package escalation

import (
	"sort"
	"time"

	"github.com/garyjia/invoice-approval/internal/domain/entity"
)

// DefaultThresholdDays is the waiting period after which a pending record is overdue
const DefaultThresholdDays = 3

// OverdueItem pairs a pending record with the whole days it has waited
type OverdueItem struct {
	Record      *entity.ApprovalRecord `json:"approval"`
	WaitingDays int                    `json:"waiting_days"`
}

// Overdue returns the pending records whose waiting days strictly exceed
// thresholdDays, most overdue first. Ties break on created_at then id.
func Overdue(records []*entity.ApprovalRecord, now time.Time, thresholdDays int) []OverdueItem {
	items := make([]OverdueItem, 0)
	for _, rec := range records {
		if rec == nil || rec.Status != entity.StatusPending {
			continue
		}
		days := rec.WaitingDays(now)
		if days > thresholdDays {
			items = append(items, OverdueItem{Record: rec, WaitingDays: days})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.WaitingDays != b.WaitingDays {
			return a.WaitingDays > b.WaitingDays
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.Before(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})

	return items
}
