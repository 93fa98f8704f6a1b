package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/paperlane/paperlane/internal/models"
)

// MockStore is an in-memory Interface implementation for tests. It mirrors
// the query semantics of the Postgres store closely enough for engine and
// reconciler tests to run without a database. WithTransaction applies
// mutations directly; there is no rollback.
type MockStore struct {
	mu sync.RWMutex

	users       map[string]models.User
	bots        map[string]models.Bot
	positions   map[string]models.Position
	trades      map[string]models.Trade
	activity    []models.ActivityLog
	credentials map[string]models.BrokerCredentials
	settings    map[string]models.AppSetting
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		users:       make(map[string]models.User),
		bots:        make(map[string]models.Bot),
		positions:   make(map[string]models.Position),
		trades:      make(map[string]models.Trade),
		credentials: make(map[string]models.BrokerCredentials),
		settings:    make(map[string]models.AppSetting),
	}
}

func clonePosition(p models.Position) models.Position {
	out := p
	if p.StopLossPrice != nil {
		v := *p.StopLossPrice
		out.StopLossPrice = &v
	}
	if p.TakeProfitPrice != nil {
		v := *p.TakeProfitPrice
		out.TakeProfitPrice = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		out.ClosedAt = &v
	}
	return out
}

func cloneTrade(t models.Trade) models.Trade {
	out := t
	if t.ProfitLoss != nil {
		v := *t.ProfitLoss
		out.ProfitLoss = &v
	}
	if t.IndicatorsSnapshot != nil {
		out.IndicatorsSnapshot = append(models.JSON(nil), t.IndicatorsSnapshot...)
	}
	return out
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (m *MockStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := u
	return &out, nil
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			out := u
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; ok {
		return ErrDuplicate
	}
	m.users[user.ID] = *user
	return nil
}

// ---------------------------------------------------------------------------
// Bots
// ---------------------------------------------------------------------------

func (m *MockStore) CreateBot(_ context.Context, bot *models.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[bot.ID]; ok {
		return ErrDuplicate
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now().UTC()
	}
	m.bots[bot.ID] = *bot
	return nil
}

func (m *MockStore) GetBot(_ context.Context, id string) (*models.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := b
	return &out, nil
}

func (m *MockStore) ListBotsByUser(_ context.Context, userID string) ([]models.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bots []models.Bot
	for _, b := range m.bots {
		if b.UserID == userID {
			bots = append(bots, b)
		}
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].CreatedAt.After(bots[j].CreatedAt) })
	return bots, nil
}

func (m *MockStore) ListBotsByStatus(_ context.Context, status models.BotStatus) ([]models.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bots []models.Bot
	for _, b := range m.bots {
		if b.Status == status {
			bots = append(bots, b)
		}
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].CreatedAt.Before(bots[j].CreatedAt) })
	return bots, nil
}

func (m *MockStore) UpdateBot(_ context.Context, bot *models.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[bot.ID]; !ok {
		return ErrNotFound
	}
	m.bots[bot.ID] = *bot
	return nil
}

func (m *MockStore) UpdateBotStatus(_ context.Context, botID string, status models.BotStatus, isActive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	b.IsActive = isActive
	b.UpdatedAt = time.Now().UTC()
	m.bots[botID] = b
	return nil
}

func (m *MockStore) SetBotError(_ context.Context, botID string, errorCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok {
		return ErrNotFound
	}
	b.Status = models.BotStatusError
	b.IsActive = false
	b.ErrorCount = errorCount
	b.UpdatedAt = time.Now().UTC()
	m.bots[botID] = b
	return nil
}

func (m *MockStore) SetBotLastRun(_ context.Context, botID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok {
		return ErrNotFound
	}
	t := at
	b.LastRunAt = &t
	m.bots[botID] = b
	return nil
}

func (m *MockStore) DeleteBot(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[id]; !ok {
		return ErrNotFound
	}
	delete(m.bots, id)
	for tid, t := range m.trades {
		if t.BotID == id {
			delete(m.trades, tid)
		}
	}
	for pid, p := range m.positions {
		if p.BotID == id {
			delete(m.positions, pid)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

func (m *MockStore) CreatePosition(_ context.Context, pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[pos.ID]; ok {
		return ErrDuplicate
	}
	m.positions[pos.ID] = clonePosition(*pos)
	return nil
}

func (m *MockStore) GetPosition(_ context.Context, id string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clonePosition(p)
	return &out, nil
}

func (m *MockStore) GetOpenPosition(_ context.Context, botID, symbol string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest *models.Position
	for _, p := range m.positions {
		if p.BotID == botID && p.Symbol == symbol && p.IsOpen {
			c := clonePosition(p)
			if oldest == nil || c.OpenedAt.Before(oldest.OpenedAt) {
				oldest = &c
			}
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	return oldest, nil
}

func (m *MockStore) ListOpenPositionsByBot(_ context.Context, botID string) ([]models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Position
	for _, p := range m.positions {
		if p.BotID == botID && p.IsOpen {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MockStore) ListPositionsByUser(_ context.Context, userID string, includeClosed bool) ([]models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Position
	for _, p := range m.positions {
		b, ok := m.bots[p.BotID]
		if !ok || b.UserID != userID {
			continue
		}
		if !includeClosed && !p.IsOpen {
			continue
		}
		out = append(out, clonePosition(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (m *MockStore) ListOpenPositionsByUserSymbol(_ context.Context, userID, symbol string) ([]models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Position
	for _, p := range m.positions {
		b, ok := m.bots[p.BotID]
		if !ok || b.UserID != userID {
			continue
		}
		if p.Symbol == symbol && p.IsOpen {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MockStore) OpenPositionQuantities(_ context.Context, userID string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, p := range m.positions {
		b, ok := m.bots[p.BotID]
		if !ok || b.UserID != userID || !p.IsOpen {
			continue
		}
		out[p.Symbol] += p.Quantity
	}
	return out, nil
}

func (m *MockStore) CountOpenPositions(_ context.Context, botID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, p := range m.positions {
		if p.BotID == botID && p.IsOpen {
			count++
		}
	}
	return count, nil
}

func (m *MockStore) UpdatePosition(_ context.Context, pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[pos.ID]; !ok {
		return ErrNotFound
	}
	m.positions[pos.ID] = clonePosition(*pos)
	return nil
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

func (m *MockStore) CreateTrade(_ context.Context, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[trade.ID]; ok {
		return ErrDuplicate
	}
	m.trades[trade.ID] = cloneTrade(*trade)
	return nil
}

func (m *MockStore) UpdateTrade(_ context.Context, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[trade.ID]; !ok {
		return ErrNotFound
	}
	m.trades[trade.ID] = cloneTrade(*trade)
	return nil
}

func (m *MockStore) ListTradesByBot(_ context.Context, botID string, limit int) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trade
	for _, t := range m.trades {
		if t.BotID == botID {
			out = append(out, cloneTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) ListTradesByUser(_ context.Context, userID string, limit int) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trade
	for _, t := range m.trades {
		b, ok := m.bots[t.BotID]
		if ok && b.UserID == userID {
			out = append(out, cloneTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) ListPendingTradesByUser(_ context.Context, userID string) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trade
	for _, t := range m.trades {
		b, ok := m.bots[t.BotID]
		if !ok || b.UserID != userID {
			continue
		}
		if t.Status == models.TradeStatusNew || t.Status == models.TradeStatusPartiallyFilled {
			out = append(out, cloneTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MockStore) RealizedPnLSince(_ context.Context, botID string, since time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, t := range m.trades {
		if t.BotID == botID && t.ProfitLoss != nil && !t.Timestamp.Before(since) {
			total += *t.ProfitLoss
		}
	}
	return total, nil
}

// ---------------------------------------------------------------------------
// Activity log
// ---------------------------------------------------------------------------

func (m *MockStore) InsertActivityLog(_ context.Context, entry *models.ActivityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, *entry)
	return nil
}

func (m *MockStore) ListActivityLogs(_ context.Context, filter ActivityFilter) ([]models.ActivityLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ActivityLog
	for _, e := range m.activity {
		if filter.UserID != "" && (e.UserID == nil || *e.UserID != filter.UserID) {
			continue
		}
		if filter.BotID != "" && (e.BotID == nil || *e.BotID != filter.BotID) {
			continue
		}
		if filter.Level != "" && e.Level != filter.Level {
			continue
		}
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Broker credentials
// ---------------------------------------------------------------------------

func (m *MockStore) GetBrokerCredentials(_ context.Context, userID string) (*models.BrokerCredentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := c
	return &out, nil
}

func (m *MockStore) UpsertBrokerCredentials(_ context.Context, creds *models.BrokerCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	creds.UpdatedAt = time.Now().UTC()
	m.credentials[creds.UserID] = *creds
	return nil
}

func (m *MockStore) ListBrokerCredentials(_ context.Context) ([]models.BrokerCredentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.BrokerCredentials
	for _, c := range m.credentials {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Per-user settings
// ---------------------------------------------------------------------------

func (m *MockStore) GetAppSetting(_ context.Context, userID, category string) (*models.AppSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[userID+"/"+category]
	if !ok {
		return nil, ErrNotFound
	}
	out := s
	return &out, nil
}

func (m *MockStore) UpsertAppSetting(_ context.Context, setting *models.AppSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	setting.UpdatedAt = time.Now().UTC()
	m.settings[setting.UserID+"/"+setting.Category] = *setting
	return nil
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

func (m *MockStore) WithTransaction(ctx context.Context, fn func(tx Interface) error) error {
	return fn(m)
}
