package engine

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/orders"
	"github.com/paperlane/paperlane/internal/store"
)

// 10:00 ET on a February weekday, inside the default trading window.
var testNow = time.Date(2026, 2, 2, 15, 0, 0, 0, time.UTC)

var fastFillWait = orders.Config{PollInterval: time.Millisecond, MaxAttempts: 3}

type fixture struct {
	engine *Engine
	store  *store.MockStore
	broker *broker.MockBroker
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	mockBroker := &broker.MockBroker{}
	registry := broker.NewRegistry("development", nil, logger).
		WithBuilder(func(apiKey, secret, baseURL string) broker.Broker { return mockBroker })
	require.NoError(t, registry.Register("user-1", models.BrokerCredentials{
		APIKey: "k", APISecret: "s", BaseURL: broker.PaperBaseURL,
	}))

	mockStore := store.NewMockStore()
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithFillWait(fastFillWait),
	}, opts...)
	e := New(mockStore, registry, nil, nil, nil, nil, logger, opts...)

	return &fixture{engine: e, store: mockStore, broker: mockBroker}
}

func (f *fixture) seedBot(t *testing.T, botID string, overrides func(*models.Bot)) *models.Bot {
	t.Helper()
	bot := &models.Bot{
		ID:               botID,
		UserID:           "user-1",
		Name:             "bot " + botID,
		Status:           models.BotStatusRunning,
		Capital:          10000,
		TradingFrequency: 60,
		Indicators:       models.JSON(`{"RSI":{}}`),
		RiskManagement:   models.JSON(`{"max_position_size": 10}`),
		Symbols:          models.StringList{"AAPL"},
		StartHour:        9, StartMinute: 30,
		EndHour: 16, EndMinute: 0,
	}
	if overrides != nil {
		overrides(bot)
	}
	require.NoError(t, f.store.CreateBot(context.Background(), bot))
	return bot
}

func (f *fixture) newRunner(t *testing.T, bot *models.Bot) *botRunner {
	t.Helper()
	runner, err := newBotRunner(f.engine, bot, f.broker)
	require.NoError(t, err)
	return runner
}

func filledOrder(price float64, qty int) func(ctx context.Context, orderID string) (*broker.Order, error) {
	return func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{
			ID: orderID, Status: broker.OrderStatusFilled,
			FilledQty: qty, FilledAvgPrice: price,
		}, nil
	}
}

func TestExecuteBuyRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bot := f.seedBot(t, "bot-1", nil)
	runner := f.newRunner(t, bot)

	// 10% of 10000 = 1000 at $100 -> 10 shares.
	f.broker.GetOrderFunc = filledOrder(101.5, 10)
	require.NoError(t, runner.executeBuy(ctx, "AAPL", 100, map[string]any{"k": "v"}, "RSI"))

	submitted := f.broker.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, broker.SideBuy, submitted[0].Side)
	assert.Equal(t, 10, submitted[0].Qty)
	assert.Contains(t, submitted[0].ClientOrderID, "bot-")

	trades, err := f.store.ListTradesByBot(ctx, "bot-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeStatusFilled, trades[0].Status)
	assert.Equal(t, "RSI buy signal", trades[0].Reason)
	// Preliminary price replaced by the fill.
	assert.InDelta(t, 101.5, trades[0].Price, 0.0001)
	assert.NotEmpty(t, trades[0].IndicatorsSnapshot)

	pos, err := f.store.GetOpenPosition(ctx, "bot-1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 10, pos.Quantity)
	assert.InDelta(t, 101.5, pos.EntryPrice, 0.0001)
	assert.Equal(t, "RSI", pos.EntryIndicator)
}

func TestExecuteBuyComputesStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bot := f.seedBot(t, "bot-1", func(b *models.Bot) {
		b.RiskManagement = models.JSON(`{"max_position_size": 10, "stop_loss": 5, "take_profit": 10}`)
	})
	runner := f.newRunner(t, bot)

	f.broker.GetOrderFunc = filledOrder(100, 10)
	require.NoError(t, runner.executeBuy(ctx, "AAPL", 99, nil, "RSI"))

	pos, err := f.store.GetOpenPosition(ctx, "bot-1", "AAPL")
	require.NoError(t, err)
	// Stops recomputed from the fill price, not the preliminary 99.
	require.NotNil(t, pos.StopLossPrice)
	require.NotNil(t, pos.TakeProfitPrice)
	assert.InDelta(t, 95, *pos.StopLossPrice, 0.0001)
	assert.InDelta(t, 110, *pos.TakeProfitPrice, 0.0001)
}

func TestExecuteBuyRejectedCleansPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bot := f.seedBot(t, "bot-1", nil)
	runner := f.newRunner(t, bot)

	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: broker.OrderStatusRejected}, nil
	}
	require.NoError(t, runner.executeBuy(ctx, "AAPL", 100, nil, "RSI"))

	trades, err := f.store.ListTradesByBot(ctx, "bot-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeStatusRejected, trades[0].Status)

	_, err = f.store.GetOpenPosition(ctx, "bot-1", "AAPL")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteBuyUnfilledKeepsPreliminaryRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bot := f.seedBot(t, "bot-1", nil)
	runner := f.newRunner(t, bot)

	// Broker never resolves the order inside the wait budget.
	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: broker.OrderStatusAccepted}, nil
	}
	require.NoError(t, runner.executeBuy(ctx, "AAPL", 100, nil, "RSI"))

	// The pending pair stays: it blocks re-buys until the reconciler
	// resolves the order.
	trades, err := f.store.ListTradesByBot(ctx, "bot-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeStatusNew, trades[0].Status)

	pos, err := f.store.GetOpenPosition(ctx, "bot-1", "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 100, pos.EntryPrice, 0.0001)
}

func TestExecuteBuyZeroSizeSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bot := f.seedBot(t, "bot-1", func(b *models.Bot) { b.Capital = 500 })
	runner := f.newRunner(t, bot)

	// 10% of 500 = 50, price 100 -> size 0.
	require.NoError(t, runner.executeBuy(ctx, "AAPL", 100, nil, "RSI"))
	assert.Empty(t, f.broker.Submitted())
}

func TestExecuteSellRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bot := f.seedBot(t, "bot-1", nil)
	runner := f.newRunner(t, bot)

	require.NoError(t, f.store.CreatePosition(ctx, &models.Position{
		ID: "p-1", BotID: "bot-1", Symbol: "AAPL", Quantity: 4,
		EntryPrice: 100, CurrentPrice: 100, OpenedAt: testNow.Add(-time.Hour),
		IsOpen: true, EntryIndicator: "RSI",
	}))

	f.broker.GetOrderFunc = filledOrder(110, 4)
	require.NoError(t, runner.executeSell(ctx, "AAPL", 109, nil, "RSI sell signal"))

	pos, err := f.store.GetPosition(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, pos.IsOpen)
	assert.InDelta(t, 40, pos.RealizedPnL, 0.0001)
	assert.Zero(t, pos.UnrealizedPnL)
	assert.InDelta(t, 110, pos.CurrentPrice, 0.0001)

	trades, err := f.store.ListTradesByBot(ctx, "bot-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeSideSell, trades[0].Side)
	assert.Equal(t, "RSI sell signal", trades[0].Reason)
	require.NotNil(t, trades[0].ProfitLoss)
	assert.InDelta(t, 40, *trades[0].ProfitLoss, 0.0001)
}

func TestExecuteSellUnfilledLeavesPositionOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bot := f.seedBot(t, "bot-1", nil)
	runner := f.newRunner(t, bot)

	require.NoError(t, f.store.CreatePosition(ctx, &models.Position{
		ID: "p-1", BotID: "bot-1", Symbol: "AAPL", Quantity: 4,
		EntryPrice: 100, CurrentPrice: 100, OpenedAt: testNow.Add(-time.Hour), IsOpen: true,
	}))

	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: broker.OrderStatusCanceled}, nil
	}
	require.NoError(t, runner.executeSell(ctx, "AAPL", 100, nil, "RSI sell signal"))

	pos, err := f.store.GetPosition(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, pos.IsOpen)

	trades, err := f.store.ListTradesByBot(ctx, "bot-1", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestExecuteSellWithoutPositionIsNoop(t *testing.T) {
	f := newFixture(t)
	bot := f.seedBot(t, "bot-1", nil)
	runner := f.newRunner(t, bot)

	require.NoError(t, runner.executeSell(context.Background(), "AAPL", 100, nil, "RSI sell signal"))
	assert.Empty(t, f.broker.Submitted())
}

func TestExecuteSellMissingFillPriceFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bot := f.seedBot(t, "bot-1", nil)
	runner := f.newRunner(t, bot)

	require.NoError(t, f.store.CreatePosition(ctx, &models.Position{
		ID: "p-1", BotID: "bot-1", Symbol: "AAPL", Quantity: 2,
		EntryPrice: 100, CurrentPrice: 100, OpenedAt: testNow.Add(-time.Hour), IsOpen: true,
	}))

	f.broker.GetOrderFunc = filledOrder(0, 2)
	require.NoError(t, runner.executeSell(ctx, "AAPL", 105, nil, "Manual close"))

	pos, err := f.store.GetPosition(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, pos.IsOpen)
	// Falls back to the caller's current price for P&L.
	assert.InDelta(t, 10, pos.RealizedPnL, 0.0001)
}
