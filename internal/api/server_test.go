package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/engine"
	"github.com/paperlane/paperlane/internal/events"
	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/orders"
	"github.com/paperlane/paperlane/internal/reconcile"
	"github.com/paperlane/paperlane/internal/store"
)

const testSecret = "test-secret"

type apiFixture struct {
	server *Server
	store  *store.MockStore
	broker *broker.MockBroker
	bus    *events.Bus
	token  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	stdLogger := log.New(io.Discard, "", 0)
	srvLogger := logrus.New()
	srvLogger.SetOutput(io.Discard)

	mockBroker := &broker.MockBroker{}
	registry := broker.NewRegistry("development", nil, stdLogger).
		WithBuilder(func(apiKey, secret, baseURL string) broker.Broker { return mockBroker })
	require.NoError(t, registry.Register("user-1", models.BrokerCredentials{
		APIKey: "k", APISecret: "s", BaseURL: broker.PaperBaseURL,
	}))

	mockStore := store.NewMockStore()
	bus := events.NewBus(stdLogger)
	t.Cleanup(func() { _ = bus.Close() })

	reconciler := reconcile.New(mockStore, registry, nil, nil, nil, stdLogger)
	eng := engine.New(mockStore, registry, bus, nil, nil, reconciler, stdLogger,
		engine.WithFillWait(orders.Config{PollInterval: time.Millisecond, MaxAttempts: 3}))

	server := NewServer(Config{JWTSecret: testSecret}, mockStore, registry, eng, bus, nil, nil, srvLogger)

	token, err := IssueToken(testSecret, "user-1", time.Hour)
	require.NoError(t, err)

	return &apiFixture{server: server, store: mockStore, broker: mockBroker, bus: bus, token: token}
}

func (f *apiFixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) seedBot(t *testing.T, botID, userID string) *models.Bot {
	t.Helper()
	bot := &models.Bot{
		ID:               botID,
		UserID:           userID,
		Name:             "bot " + botID,
		Status:           models.BotStatusStopped,
		Capital:          10000,
		TradingFrequency: 60,
		Indicators:       models.JSON(`{"RSI":{}}`),
		RiskManagement:   models.JSON(`{}`),
		Symbols:          models.StringList{"AAPL"},
		StartHour:        9, StartMinute: 30, EndHour: 16,
	}
	require.NoError(t, f.store.CreateBot(context.Background(), bot))
	return bot
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateBot(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/api/bots", map[string]any{
		"name":              "momentum",
		"capital":           5000,
		"trading_frequency": 60,
		"symbols":           []string{"AAPL", "MSFT"},
		"indicators":        map[string]any{"RSI": map[string]any{"period": 14}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.Bot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "user-1", created.UserID)
	assert.Equal(t, models.BotStatusStopped, created.Status)
	// Window defaults to the regular session.
	assert.Equal(t, 9, created.StartHour)
	assert.Equal(t, 30, created.StartMinute)
}

func TestCreateBotValidation(t *testing.T) {
	f := newAPIFixture(t)

	// Missing capital.
	rec := f.request(t, http.MethodPost, "/api/bots", map[string]any{
		"name":              "x",
		"trading_frequency": 60,
		"symbols":           []string{"AAPL"},
		"indicators":        map[string]any{"RSI": map[string]any{}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Indicators must be a JSON object.
	rec = f.request(t, http.MethodPost, "/api/bots", map[string]any{
		"name":              "x",
		"capital":           1000,
		"trading_frequency": 60,
		"symbols":           []string{"AAPL"},
		"indicators":        []string{"RSI"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBotsAreScopedToOwner(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBot(t, "bot-mine", "user-1")
	f.seedBot(t, "bot-theirs", "user-2")

	rec := f.request(t, http.MethodGet, "/api/bots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bots []models.Bot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bots))
	require.Len(t, bots, 1)
	assert.Equal(t, "bot-mine", bots[0].ID)

	// Someone else's bot reads as missing.
	rec = f.request(t, http.MethodGet, "/api/bots/bot-theirs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRunningBotRefused(t *testing.T) {
	f := newAPIFixture(t)
	bot := f.seedBot(t, "bot-1", "user-1")
	require.NoError(t, f.store.UpdateBotStatus(context.Background(), bot.ID, models.BotStatusRunning, true))

	rec := f.request(t, http.MethodDelete, "/api/bots/bot-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.store.UpdateBotStatus(context.Background(), bot.ID, models.BotStatusStopped, false))
	rec = f.request(t, http.MethodDelete, "/api/bots/bot-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStartStopBot(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBot(t, "bot-1", "user-1")

	rec := f.request(t, http.MethodPost, "/api/bots/bot-1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := f.store.GetBot(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Equal(t, models.BotStatusRunning, stored.Status)
	assert.True(t, stored.IsActive)

	// Starting again conflicts.
	rec = f.request(t, http.MethodPost, "/api/bots/bot-1/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.request(t, http.MethodPost, "/api/bots/bot-1/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, _ = f.store.GetBot(context.Background(), "bot-1")
	assert.Equal(t, models.BotStatusPaused, stored.Status)

	rec = f.request(t, http.MethodPost, "/api/bots/bot-1/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodPost, "/api/bots/bot-1/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, _ = f.store.GetBot(context.Background(), "bot-1")
	assert.Equal(t, models.BotStatusStopped, stored.Status)
	assert.False(t, stored.IsActive)
}

func TestStartBotWithoutCredentialsRollsBack(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBot(t, "bot-1", "user-1")

	// Re-issue the token for a user with no registered adapter.
	bot, err := f.store.GetBot(context.Background(), "bot-1")
	require.NoError(t, err)
	bot.UserID = "user-no-creds"
	require.NoError(t, f.store.UpdateBot(context.Background(), bot))
	f.token, err = IssueToken(testSecret, "user-no-creds", time.Hour)
	require.NoError(t, err)

	rec := f.request(t, http.MethodPost, "/api/bots/bot-1/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "no broker credentials")

	stored, err := f.store.GetBot(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Equal(t, models.BotStatusStopped, stored.Status)
}

func TestClosePositionManually(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBot(t, "bot-1", "user-1")
	ctx := context.Background()

	require.NoError(t, f.store.CreatePosition(ctx, &models.Position{
		ID: "p-1", BotID: "bot-1", Symbol: "AAPL", Quantity: 5,
		EntryPrice: 100, CurrentPrice: 104, OpenedAt: time.Now().UTC(), IsOpen: true,
	}))
	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: broker.OrderStatusFilled, FilledQty: 5, FilledAvgPrice: 105}, nil
	}

	rec := f.request(t, http.MethodPost, "/api/positions/p-1/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var closed models.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closed))
	assert.False(t, closed.IsOpen)

	trades, err := f.store.ListTradesByBot(ctx, "bot-1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "Manual close", trades[0].Reason)
}

func TestListTradesAndActivity(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBot(t, "bot-1", "user-1")
	ctx := context.Background()

	require.NoError(t, f.store.CreateTrade(ctx, &models.Trade{
		ID: "t-1", BotID: "bot-1", Symbol: "AAPL", Side: models.TradeSideBuy,
		Quantity: 1, Price: 100, Timestamp: time.Now().UTC(), Status: models.TradeStatusFilled,
	}))

	rec := f.request(t, http.MethodGet, "/api/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []models.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	assert.Len(t, trades, 1)

	rec = f.request(t, http.MethodGet, "/api/activity?limit=10", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMarketStatus(t *testing.T) {
	f := newAPIFixture(t)
	f.broker.GetClockFunc = func(ctx context.Context) (*broker.Clock, error) {
		return &broker.Clock{IsOpen: true}, nil
	}

	rec := f.request(t, http.MethodGet, "/api/market/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["is_open"])
}

func TestAccountSnapshot(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodGet, "/api/account", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var account broker.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.InDelta(t, 100000, account.Equity, 0.0001)
}

func TestCredentialsLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodGet, "/api/credentials", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.request(t, http.MethodPut, "/api/credentials", map[string]string{
		"api_key":    "PKTESTKEY1234",
		"api_secret": "supersecret",
		"base_url":   broker.PaperBaseURL,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "****1234")
	assert.NotContains(t, rec.Body.String(), "supersecret")

	rec = f.request(t, http.MethodGet, "/api/credentials", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "****1234", view["api_key"])
}

func TestCredentialsRejectedByBroker(t *testing.T) {
	f := newAPIFixture(t)
	f.broker.GetAccountFunc = func(ctx context.Context) (*broker.Account, error) {
		return nil, &broker.APIError{Status: http.StatusUnauthorized, Body: "invalid key"}
	}

	rec := f.request(t, http.MethodPut, "/api/credentials", map[string]string{
		"api_key":    "PKBADKEY",
		"api_secret": "bad",
		"base_url":   broker.PaperBaseURL,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "rejected by broker")

	// Nothing persisted.
	rec = f.request(t, http.MethodGet, "/api/credentials", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodGet, "/api/settings/dashboard", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.request(t, http.MethodPut, "/api/settings/dashboard", map[string]any{
		"settings": map[string]any{"theme": "dark", "refresh_seconds": 5},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.request(t, http.MethodGet, "/api/settings/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var setting models.AppSetting
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &setting))
	assert.Equal(t, "user-1", setting.UserID)
	assert.Equal(t, "dashboard", setting.Category)
	assert.Contains(t, string(setting.Settings), "dark")

	// Categories are independent documents.
	rec = f.request(t, http.MethodGet, "/api/settings/alerts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsRejectNonObject(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPut, "/api/settings/dashboard", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodPut, "/api/settings/dashboard", map[string]any{
		"settings": []string{"dark"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "JSON object")
}

func TestReconcileTrigger(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/api/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary reconcile.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.UsersChecked)
}
