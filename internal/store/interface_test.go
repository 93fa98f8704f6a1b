package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paperlane/paperlane/internal/models"
)

// The mock is what the engine and reconciler tests run against, so its query
// semantics are pinned here.

func seedUserAndBot(t *testing.T, s Interface, userID, botID string) {
	t.Helper()
	ctx := context.Background()
	err := s.CreateUser(ctx, &models.User{
		ID: userID, Email: userID + "@example.com", Name: "Test", Subject: "sub-" + userID,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	err = s.CreateBot(ctx, &models.Bot{
		ID: botID, UserID: userID, Name: "bot", Status: models.BotStatusStopped,
		Capital: 1000, TradingFrequency: 60,
		Indicators: models.JSON(`{"RSI":{"period":14}}`), RiskManagement: models.JSON(`{}`),
		Symbols: models.StringList{"AAPL"}, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
}

func TestMockStoreOpenPositions(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	seedUserAndBot(t, s, "u1", "b1")

	if _, err := s.GetOpenPosition(ctx, "b1", "AAPL"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	now := time.Now().UTC()
	open := &models.Position{
		ID: "p1", BotID: "b1", Symbol: "AAPL", Quantity: 10,
		EntryPrice: 100, CurrentPrice: 100, OpenedAt: now, IsOpen: true,
	}
	if err := s.CreatePosition(ctx, open); err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}
	closed := &models.Position{
		ID: "p2", BotID: "b1", Symbol: "AAPL", Quantity: 5,
		EntryPrice: 90, CurrentPrice: 95, OpenedAt: now.Add(-time.Hour), IsOpen: false,
	}
	if err := s.CreatePosition(ctx, closed); err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}

	t.Run("get open skips closed", func(t *testing.T) {
		got, err := s.GetOpenPosition(ctx, "b1", "AAPL")
		if err != nil {
			t.Fatalf("GetOpenPosition: %v", err)
		}
		if got.ID != "p1" {
			t.Errorf("got position %s, want p1", got.ID)
		}
	})

	t.Run("count ignores closed", func(t *testing.T) {
		n, err := s.CountOpenPositions(ctx, "b1")
		if err != nil {
			t.Fatalf("CountOpenPositions: %v", err)
		}
		if n != 1 {
			t.Errorf("count = %d, want 1", n)
		}
	})

	t.Run("quantities aggregate per symbol", func(t *testing.T) {
		err := s.CreatePosition(ctx, &models.Position{
			ID: "p3", BotID: "b1", Symbol: "AAPL", Quantity: 3,
			EntryPrice: 101, CurrentPrice: 101, OpenedAt: now, IsOpen: true,
		})
		if err != nil {
			t.Fatalf("CreatePosition: %v", err)
		}
		qty, err := s.OpenPositionQuantities(ctx, "u1")
		if err != nil {
			t.Fatalf("OpenPositionQuantities: %v", err)
		}
		if qty["AAPL"] != 13 {
			t.Errorf("AAPL qty = %d, want 13", qty["AAPL"])
		}
	})

	t.Run("returned positions are copies", func(t *testing.T) {
		got, err := s.GetPosition(ctx, "p1")
		if err != nil {
			t.Fatalf("GetPosition: %v", err)
		}
		got.Quantity = 999
		again, err := s.GetPosition(ctx, "p1")
		if err != nil {
			t.Fatalf("GetPosition: %v", err)
		}
		if again.Quantity == 999 {
			t.Error("mutating a returned position leaked into the store")
		}
	})
}

func TestMockStorePendingTrades(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	seedUserAndBot(t, s, "u1", "b1")

	now := time.Now().UTC()
	statuses := []models.TradeStatus{
		models.TradeStatusNew,
		models.TradeStatusPartiallyFilled,
		models.TradeStatusFilled,
		models.TradeStatusCanceled,
	}
	for i, st := range statuses {
		err := s.CreateTrade(ctx, &models.Trade{
			ID: string(rune('a' + i)), BotID: "b1", Symbol: "AAPL",
			Side: models.TradeSideBuy, Quantity: 1, Price: 100,
			Timestamp: now.Add(time.Duration(i) * time.Minute), Status: st,
		})
		if err != nil {
			t.Fatalf("CreateTrade: %v", err)
		}
	}

	pending, err := s.ListPendingTradesByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListPendingTradesByUser: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending count = %d, want 2", len(pending))
	}
	if pending[0].Status != models.TradeStatusNew {
		t.Errorf("pending trades should be oldest first, got %s", pending[0].Status)
	}
}

func TestMockStoreRealizedPnLSince(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	seedUserAndBot(t, s, "u1", "b1")

	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	pnl := func(v float64) *float64 { return &v }

	trades := []models.Trade{
		{ID: "t1", BotID: "b1", Symbol: "AAPL", Side: models.TradeSideSell, Quantity: 1,
			Price: 10, Timestamp: midnight.Add(2 * time.Hour), Status: models.TradeStatusFilled, ProfitLoss: pnl(-12.5)},
		{ID: "t2", BotID: "b1", Symbol: "AAPL", Side: models.TradeSideSell, Quantity: 1,
			Price: 10, Timestamp: midnight.Add(3 * time.Hour), Status: models.TradeStatusFilled, ProfitLoss: pnl(4.0)},
		// Yesterday, excluded.
		{ID: "t3", BotID: "b1", Symbol: "AAPL", Side: models.TradeSideSell, Quantity: 1,
			Price: 10, Timestamp: midnight.Add(-2 * time.Hour), Status: models.TradeStatusFilled, ProfitLoss: pnl(100)},
		// No P&L recorded, excluded.
		{ID: "t4", BotID: "b1", Symbol: "AAPL", Side: models.TradeSideBuy, Quantity: 1,
			Price: 10, Timestamp: midnight.Add(4 * time.Hour), Status: models.TradeStatusFilled},
	}
	for i := range trades {
		if err := s.CreateTrade(ctx, &trades[i]); err != nil {
			t.Fatalf("CreateTrade: %v", err)
		}
	}

	total, err := s.RealizedPnLSince(ctx, "b1", midnight)
	if err != nil {
		t.Fatalf("RealizedPnLSince: %v", err)
	}
	if total != -8.5 {
		t.Errorf("total = %v, want -8.5", total)
	}
}

func TestMockStoreActivityFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	botID := "b1"
	now := time.Now().UTC()
	entries := []models.ActivityLog{
		{ID: "1", Timestamp: now, Level: models.ActivityInfo, Category: models.CategoryTrade, Message: "buy", BotID: &botID},
		{ID: "2", Timestamp: now.Add(time.Second), Level: models.ActivityWarning, Category: models.CategoryRisk, Message: "blocked", BotID: &botID},
		{ID: "3", Timestamp: now.Add(2 * time.Second), Level: models.ActivityError, Category: models.CategoryError, Message: "boom"},
	}
	for i := range entries {
		if err := s.InsertActivityLog(ctx, &entries[i]); err != nil {
			t.Fatalf("InsertActivityLog: %v", err)
		}
	}

	got, err := s.ListActivityLogs(ctx, ActivityFilter{Category: models.CategoryRisk})
	if err != nil {
		t.Fatalf("ListActivityLogs: %v", err)
	}
	if len(got) != 1 || got[0].Message != "blocked" {
		t.Errorf("category filter returned %+v", got)
	}

	got, err = s.ListActivityLogs(ctx, ActivityFilter{BotID: botID})
	if err != nil {
		t.Fatalf("ListActivityLogs: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("bot filter returned %d entries, want 2", len(got))
	}
	if len(got) == 2 && got[0].ID != "2" {
		t.Errorf("entries should be newest first, got %s", got[0].ID)
	}
}

func TestMockStoreBotStatusUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	seedUserAndBot(t, s, "u1", "b1")

	if err := s.UpdateBotStatus(ctx, "b1", models.BotStatusRunning, true); err != nil {
		t.Fatalf("UpdateBotStatus: %v", err)
	}
	b, err := s.GetBot(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	if b.Status != models.BotStatusRunning || !b.IsActive {
		t.Errorf("bot = %s/active=%v, want running/true", b.Status, b.IsActive)
	}

	if err := s.SetBotError(ctx, "b1", 5); err != nil {
		t.Fatalf("SetBotError: %v", err)
	}
	b, _ = s.GetBot(ctx, "b1")
	if b.Status != models.BotStatusError || b.IsActive || b.ErrorCount != 5 {
		t.Errorf("after SetBotError: %s active=%v errors=%d", b.Status, b.IsActive, b.ErrorCount)
	}

	if err := s.UpdateBotStatus(ctx, "missing", models.BotStatusRunning, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown bot, got %v", err)
	}
}

func TestMockStoreCredentialsUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	creds := &models.BrokerCredentials{
		ID: "c1", UserID: "u1", APIKey: "k1", APISecret: "s1",
		BaseURL: "https://paper-api.example.com", CreatedAt: time.Now().UTC(),
	}
	if err := s.UpsertBrokerCredentials(ctx, creds); err != nil {
		t.Fatalf("UpsertBrokerCredentials: %v", err)
	}

	creds.APIKey = "k2"
	if err := s.UpsertBrokerCredentials(ctx, creds); err != nil {
		t.Fatalf("UpsertBrokerCredentials update: %v", err)
	}

	got, err := s.GetBrokerCredentials(ctx, "u1")
	if err != nil {
		t.Fatalf("GetBrokerCredentials: %v", err)
	}
	if got.APIKey != "k2" {
		t.Errorf("APIKey = %s, want k2", got.APIKey)
	}

	all, err := s.ListBrokerCredentials(ctx)
	if err != nil {
		t.Fatalf("ListBrokerCredentials: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("credentials count = %d, want 1 after upsert", len(all))
	}
}
