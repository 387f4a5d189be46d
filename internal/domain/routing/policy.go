// Package routing decides which approval level an invoice needs.
package routing

import (
	"github.com/shopspring/decimal"

	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/risk"
)

var (
	// FinanceThreshold: totals strictly above this need Finance approval
	FinanceThreshold = decimal.NewFromInt(50_000)
	// ComplianceThreshold: totals strictly above this need Compliance approval
	ComplianceThreshold = decimal.NewFromInt(100_000)
)

// Assignment is the outcome of the level policy
type Assignment struct {
	Level     entity.Level `json:"level"`
	LevelName string       `json:"level_name"`
}

// LevelInfo describes one approval tier for display
type LevelInfo struct {
	Level     entity.Level    `json:"level"`
	Name      string          `json:"name"`
	Threshold decimal.Decimal `json:"threshold"`
}

// Assign computes the required approval level. Rules are evaluated from the
// highest level down so the highest applicable level wins.
func Assign(totalAmount decimal.Decimal, fraudRisk risk.Level) Assignment {
	level := entity.LevelManager
	switch {
	case totalAmount.GreaterThan(ComplianceThreshold) || fraudRisk == risk.LevelHigh:
		level = entity.LevelCompliance
	case totalAmount.GreaterThan(FinanceThreshold):
		level = entity.LevelFinance
	}
	return Assignment{Level: level, LevelName: level.Name()}
}

// Levels returns the tier catalog with the amount each one starts above
func Levels() []LevelInfo {
	return []LevelInfo{
		{Level: entity.LevelManager, Name: entity.LevelManager.Name(), Threshold: decimal.Zero},
		{Level: entity.LevelFinance, Name: entity.LevelFinance.Name(), Threshold: FinanceThreshold},
		{Level: entity.LevelCompliance, Name: entity.LevelCompliance.Name(), Threshold: ComplianceThreshold},
	}
}
