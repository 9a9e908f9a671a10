// Package risk scores accounts for money-muling behaviour.
//
// Scoring is an ordered chain of independent rules. Each rule looks at an
// account's features and either abstains or contributes an additive score
// and a human-readable reason. The Registry keeps one record per account
// whose total score exceeds the reportable threshold and drops it the moment
// the score falls back to or below it.
package risk

import (
	"fmt"
	"time"
)

// Level is the severity band derived from a score.
type Level string

const (
	LevelLow    Level = "Low"
	LevelMedium Level = "Medium"
	LevelHigh   Level = "High"
)

// Default policy values.
const (
	DefaultReportableThreshold = 10
	DefaultMediumScore         = 40
	DefaultHighScore           = 70
)

// Bands maps scores onto levels: score < Medium is Low, Medium <= score <
// High is Medium, score >= High is High.
type Bands struct {
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// DefaultBands returns LOW < 40 <= MEDIUM < 70 <= HIGH.
func DefaultBands() Bands {
	return Bands{Medium: DefaultMediumScore, High: DefaultHighScore}
}

// Validate checks that the bands are ordered.
func (b Bands) Validate() error {
	if b.Medium <= 0 || b.High <= b.Medium {
		return fmt.Errorf("risk: invalid bands: medium=%d high=%d", b.Medium, b.High)
	}
	return nil
}

// LevelFor returns the level of score.
func (b Bands) LevelFor(score int) Level {
	switch {
	case score >= b.High:
		return LevelHigh
	case score >= b.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Record is the current risk snapshot of a flagged account.
//
// VelocityHours is nil when the account had no activity in one of the two
// directions, which is not the same as a velocity of zero.
type Record struct {
	AccountID     string    `json:"accountId"`
	InDegree      int       `json:"inDegree"`
	OutDegree     int       `json:"outDegree"`
	VelocityHours *float64  `json:"velocityHours,omitempty"`
	Score         int       `json:"score"`
	Level         Level     `json:"level"`
	Reason        string    `json:"reason"`
	Triggered     []string  `json:"triggered"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r.VelocityHours != nil {
		v := *r.VelocityHours
		r.VelocityHours = &v
	}
	r.Triggered = append([]string(nil), r.Triggered...)
	return r
}
