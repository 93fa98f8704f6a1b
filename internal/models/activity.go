package models

import "time"

// ActivityLevel is the severity of an activity log entry.
type ActivityLevel string

const (
	// ActivityDebug is chatty per-cycle detail.
	ActivityDebug ActivityLevel = "debug"
	// ActivityInfo covers normal operation (trades, lifecycle changes).
	ActivityInfo ActivityLevel = "info"
	// ActivityWarning covers recoverable anomalies (risk blocks, transient broker failures).
	ActivityWarning ActivityLevel = "warning"
	// ActivityError covers failures needing attention.
	ActivityError ActivityLevel = "error"
)

// Rank orders levels for threshold filtering; unknown levels rank as info.
func (l ActivityLevel) Rank() int {
	switch l {
	case ActivityDebug:
		return 0
	case ActivityInfo:
		return 1
	case ActivityWarning:
		return 2
	case ActivityError:
		return 3
	default:
		return 1
	}
}

// ActivityCategory groups entries for filtering in the UI.
type ActivityCategory string

const (
	// CategoryTrade covers order submissions and fills.
	CategoryTrade ActivityCategory = "trade"
	// CategoryBot covers lifecycle events (start/stop/pause/error).
	CategoryBot ActivityCategory = "bot"
	// CategoryRisk covers blocked orders and limit breaches.
	CategoryRisk ActivityCategory = "risk"
	// CategorySystem covers engine-level events (startup, reconciliation).
	CategorySystem ActivityCategory = "system"
	// CategoryError covers uncategorized failures.
	CategoryError ActivityCategory = "error"
	// CategoryAuth covers credential and login events.
	CategoryAuth ActivityCategory = "auth"
)

// ActivityLog is a structured, persisted event record.
type ActivityLog struct {
	ID        string           `gorm:"primaryKey;size:36" json:"id"`
	Timestamp time.Time        `gorm:"not null;index" json:"timestamp"`
	Level     ActivityLevel    `gorm:"size:10;not null;index" json:"level"`
	Category  ActivityCategory `gorm:"size:30;not null;index" json:"category"`
	Message   string           `gorm:"type:text;not null" json:"message"`
	Details   JSON             `json:"details,omitempty"`
	BotID     *string          `gorm:"size:36;index" json:"bot_id,omitempty"`
	UserID    *string          `gorm:"size:36;index" json:"user_id,omitempty"`
}
