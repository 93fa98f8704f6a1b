// Package activity writes the persistent, user-visible event log. It is
// separate from process logging: entries here are rows the UI renders, not
// operator log lines.
package activity

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/store"
)

// Logger writes activity entries at or above a minimum level. Persistence
// failures are logged and swallowed: a broken activity log must never break
// a trading cycle.
type Logger struct {
	store    store.Interface
	logger   *log.Logger
	minLevel models.ActivityLevel
}

// NewLogger creates an activity logger filtering below minLevel.
func NewLogger(s store.Interface, logger *log.Logger, minLevel models.ActivityLevel) *Logger {
	return &Logger{store: s, logger: logger, minLevel: minLevel}
}

// Entry is one activity record before persistence. Details may be any
// JSON-encodable value.
type Entry struct {
	Level    models.ActivityLevel
	Category models.ActivityCategory
	Message  string
	Details  any
	BotID    string
	UserID   string
}

// Record persists an entry if it passes the level gate.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if e.Level.Rank() < l.minLevel.Rank() {
		return
	}

	row := &models.ActivityLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Level:     e.Level,
		Category:  e.Category,
		Message:   e.Message,
	}
	if e.BotID != "" {
		row.BotID = &e.BotID
	}
	if e.UserID != "" {
		row.UserID = &e.UserID
	}
	if e.Details != nil {
		data, err := json.Marshal(e.Details)
		if err != nil {
			if l.logger != nil {
				l.logger.Printf("Warning: encode activity details: %v", err)
			}
		} else {
			row.Details = models.JSON(data)
		}
	}

	if err := l.store.InsertActivityLog(ctx, row); err != nil && l.logger != nil {
		l.logger.Printf("Warning: insert activity log: %v", err)
	}
}

// Info records an info-level entry.
func (l *Logger) Info(ctx context.Context, category models.ActivityCategory, message string, e Entry) {
	e.Level = models.ActivityInfo
	e.Category = category
	e.Message = message
	l.Record(ctx, e)
}

// Warning records a warning-level entry.
func (l *Logger) Warning(ctx context.Context, category models.ActivityCategory, message string, e Entry) {
	e.Level = models.ActivityWarning
	e.Category = category
	e.Message = message
	l.Record(ctx, e)
}

// Error records an error-level entry.
func (l *Logger) Error(ctx context.Context, category models.ActivityCategory, message string, e Entry) {
	e.Level = models.ActivityError
	e.Category = category
	e.Message = message
	l.Record(ctx, e)
}
