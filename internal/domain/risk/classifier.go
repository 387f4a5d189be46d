// Package risk bands numeric fraud scores into risk labels.
// Every consumer that routes or displays on risk goes through Classify so
// the thresholds live in one place.
package risk

import "math"

// Level is a three-tier risk label, plus UNKNOWN for unscored input
type Level string

const (
	LevelUnknown Level = "UNKNOWN"
	LevelLow     Level = "LOW"
	LevelMedium  Level = "MEDIUM"
	LevelHigh    Level = "HIGH"
)

const (
	// HighThreshold is the lowest score classified HIGH
	HighThreshold = 70.0
	// MediumThreshold is the lowest score classified MEDIUM
	MediumThreshold = 40.0

	MinScore = 0.0
	MaxScore = 100.0
)

// Classify maps a score in [0,100] to a risk level. A nil score is UNKNOWN.
func Classify(score *float64) Level {
	if score == nil || math.IsNaN(*score) {
		return LevelUnknown
	}
	switch s := *score; {
	case s >= HighThreshold:
		return LevelHigh
	case s >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ValidScore reports whether score is absent or inside [0,100]
func ValidScore(score *float64) bool {
	if score == nil {
		return true
	}
	s := *score
	return !math.IsNaN(s) && s >= MinScore && s <= MaxScore
}

// String returns the string representation of the level
func (l Level) String() string {
	return string(l)
}
