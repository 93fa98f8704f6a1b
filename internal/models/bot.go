// Package models defines the persisted entities shared across the service:
// users, bots, trades, positions, activity logs, and broker credentials.
package models

import (
	"fmt"
	"time"
)

// BotStatus is the persisted lifecycle state of a bot.
type BotStatus string

const (
	// BotStatusStopped means the bot exists but has no runner.
	BotStatusStopped BotStatus = "stopped"
	// BotStatusRunning means a runner is (or should be) executing cycles.
	BotStatusRunning BotStatus = "running"
	// BotStatusPaused means the runner is alive but skipping work.
	BotStatusPaused BotStatus = "paused"
	// BotStatusError means the runner auto-stopped after too many
	// consecutive cycle failures.
	BotStatusError BotStatus = "error"
)

// Valid returns true if the status is one of the defined constants.
func (s BotStatus) Valid() bool {
	switch s {
	case BotStatusStopped, BotStatusRunning, BotStatusPaused, BotStatusError:
		return true
	default:
		return false
	}
}

// Bot is a user-configured automated trading strategy. Indicator and risk
// configuration are stored as raw JSON and parsed by the indicator and risk
// packages when a runner is registered.
type Bot struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	UserID           string     `gorm:"size:36;not null;index" json:"user_id"`
	Name             string     `gorm:"size:255;not null" json:"name"`
	Status           BotStatus  `gorm:"size:20;not null;default:stopped;index" json:"status"`
	Capital          float64    `gorm:"not null" json:"capital"`
	TradingFrequency int        `gorm:"not null" json:"trading_frequency"`
	Indicators       JSON       `gorm:"not null" json:"indicators"`
	RiskManagement   JSON       `gorm:"not null" json:"risk_management"`
	Symbols          StringList `gorm:"not null" json:"symbols"`
	StartHour        int        `gorm:"not null;default:9" json:"start_hour"`
	StartMinute      int        `gorm:"not null;default:30" json:"start_minute"`
	EndHour          int        `gorm:"not null;default:12" json:"end_hour"`
	EndMinute        int        `gorm:"not null;default:0" json:"end_minute"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastRunAt        *time.Time `json:"last_run_at"`
	IsActive         bool       `gorm:"not null;default:false" json:"is_active"`
	ErrorCount       int        `gorm:"not null;default:0" json:"error_count"`
}

// Validate checks the fields every bot must have regardless of state.
func (b *Bot) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("bot name is required")
	}
	if b.UserID == "" {
		return fmt.Errorf("bot owner is required")
	}
	if b.Capital <= 0 {
		return fmt.Errorf("capital must be positive, got %.2f", b.Capital)
	}
	if b.TradingFrequency <= 0 {
		return fmt.Errorf("trading_frequency must be positive seconds, got %d", b.TradingFrequency)
	}
	if err := validateWindowPart(b.StartHour, b.StartMinute, "start"); err != nil {
		return err
	}
	if err := validateWindowPart(b.EndHour, b.EndMinute, "end"); err != nil {
		return err
	}
	return nil
}

// CanStart checks the additional requirements for spawning a runner.
func (b *Bot) CanStart() error {
	if err := b.Validate(); err != nil {
		return err
	}
	if len(b.Symbols) == 0 {
		return fmt.Errorf("bot has no symbols configured")
	}
	if len(b.Indicators) == 0 {
		return fmt.Errorf("bot has no indicators configured")
	}
	return nil
}

// WindowContains reports whether the given Eastern Time instant falls inside
// the bot's trading window. Both bounds are inclusive.
func (b *Bot) WindowContains(et time.Time) bool {
	cur := et.Hour()*60 + et.Minute()
	start := b.StartHour*60 + b.StartMinute
	end := b.EndHour*60 + b.EndMinute
	return cur >= start && cur <= end
}

// Period returns the cycle interval.
func (b *Bot) Period() time.Duration {
	return time.Duration(b.TradingFrequency) * time.Second
}

func validateWindowPart(hour, minute int, which string) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%s_hour must be 0-23, got %d", which, hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("%s_minute must be 0-59, got %d", which, minute)
	}
	return nil
}
