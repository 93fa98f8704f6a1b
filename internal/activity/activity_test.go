package activity

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/store"
)

func TestRecordPersistsEntry(t *testing.T) {
	mock := store.NewMockStore()
	logger := NewLogger(mock, log.New(io.Discard, "", 0), models.ActivityInfo)
	ctx := context.Background()

	logger.Info(ctx, models.CategoryTrade, "BUY 3 AAPL @ 184.53", Entry{
		BotID:   "bot-1",
		UserID:  "user-1",
		Details: map[string]any{"quantity": 3, "price": 184.53},
	})

	rows, err := mock.ListActivityLogs(ctx, store.ActivityFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, models.ActivityInfo, row.Level)
	assert.Equal(t, models.CategoryTrade, row.Category)
	assert.Equal(t, "BUY 3 AAPL @ 184.53", row.Message)
	require.NotNil(t, row.BotID)
	assert.Equal(t, "bot-1", *row.BotID)
	require.NotNil(t, row.UserID)
	assert.Equal(t, "user-1", *row.UserID)
	assert.NotEmpty(t, row.ID)
	assert.False(t, row.Timestamp.IsZero())
	assert.JSONEq(t, `{"quantity":3,"price":184.53}`, string(row.Details))
}

func TestRecordLevelGate(t *testing.T) {
	mock := store.NewMockStore()
	logger := NewLogger(mock, log.New(io.Discard, "", 0), models.ActivityWarning)
	ctx := context.Background()

	logger.Info(ctx, models.CategoryBot, "below threshold", Entry{})
	logger.Record(ctx, Entry{Level: models.ActivityDebug, Category: models.CategorySystem, Message: "debug"})
	logger.Warning(ctx, models.CategoryRisk, "at threshold", Entry{})
	logger.Error(ctx, models.CategoryError, "above threshold", Entry{})

	rows, err := mock.ListActivityLogs(ctx, store.ActivityFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestRecordOmitsEmptyIDs(t *testing.T) {
	mock := store.NewMockStore()
	logger := NewLogger(mock, log.New(io.Discard, "", 0), models.ActivityDebug)

	logger.Info(context.Background(), models.CategorySystem, "engine started", Entry{})

	rows, err := mock.ListActivityLogs(context.Background(), store.ActivityFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].BotID)
	assert.Nil(t, rows[0].UserID)
}
