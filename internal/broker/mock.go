package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockBroker is a configurable in-memory Broker for tests. Behavior is
// overridden per-call via the function fields; unset fields return benign
// defaults. Submitted orders are recorded so tests can assert exactly what
// reached the broker.
type MockBroker struct {
	mu sync.Mutex

	GetAccountFunc        func(ctx context.Context) (*Account, error)
	GetClockFunc          func(ctx context.Context) (*Clock, error)
	GetLatestQuoteFunc    func(ctx context.Context, symbol string) (*Quote, error)
	GetLatestPriceFunc    func(ctx context.Context, symbol string) (float64, error)
	GetBarsFunc           func(ctx context.Context, symbol, timeframe string, limit int, start time.Time) ([]Bar, error)
	SubmitMarketOrderFunc func(ctx context.Context, symbol string, qty int, side, tif, clientOrderID string) (*Order, error)
	GetOrderFunc          func(ctx context.Context, orderID string) (*Order, error)
	CancelOrderFunc       func(ctx context.Context, orderID string) error
	GetPositionsFunc      func(ctx context.Context) ([]Position, error)
	ClosePositionFunc     func(ctx context.Context, symbol string) (*Order, error)

	submitted []Order
	canceled  []string
}

var _ Broker = (*MockBroker)(nil)

// Submitted returns a copy of every order passed to SubmitMarketOrder.
func (m *MockBroker) Submitted() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// Canceled returns the order ids passed to CancelOrder.
func (m *MockBroker) Canceled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.canceled))
	copy(out, m.canceled)
	return out
}

func (m *MockBroker) GetAccount(ctx context.Context) (*Account, error) {
	if m.GetAccountFunc != nil {
		return m.GetAccountFunc(ctx)
	}
	return &Account{Equity: 100000, BuyingPower: 200000, Cash: 100000, Currency: "USD"}, nil
}

func (m *MockBroker) GetClock(ctx context.Context) (*Clock, error) {
	if m.GetClockFunc != nil {
		return m.GetClockFunc(ctx)
	}
	return &Clock{IsOpen: true, Timestamp: time.Now().UTC()}, nil
}

func (m *MockBroker) GetLatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	if m.GetLatestQuoteFunc != nil {
		return m.GetLatestQuoteFunc(ctx, symbol)
	}
	return &Quote{Symbol: symbol, BidPrice: 99.99, AskPrice: 100.01, Timestamp: time.Now().UTC()}, nil
}

func (m *MockBroker) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	if m.GetLatestPriceFunc != nil {
		return m.GetLatestPriceFunc(ctx, symbol)
	}
	return 100.0, nil
}

func (m *MockBroker) GetBars(ctx context.Context, symbol, timeframe string, limit int, start time.Time) ([]Bar, error) {
	if m.GetBarsFunc != nil {
		return m.GetBarsFunc(ctx, symbol, timeframe, limit, start)
	}
	return nil, nil
}

func (m *MockBroker) SubmitMarketOrder(ctx context.Context, symbol string, qty int, side, tif, clientOrderID string) (*Order, error) {
	if m.SubmitMarketOrderFunc != nil {
		order, err := m.SubmitMarketOrderFunc(ctx, symbol, qty, side, tif, clientOrderID)
		if err == nil && order != nil {
			m.record(*order)
		}
		return order, err
	}
	order := Order{
		ID:            fmt.Sprintf("mock-order-%d", m.submittedCount()+1),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          "market",
		TimeInForce:   tif,
		Status:        OrderStatusNew,
		Qty:           qty,
		SubmittedAt:   time.Now().UTC(),
	}
	m.record(order)
	return &order, nil
}

func (m *MockBroker) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if m.GetOrderFunc != nil {
		return m.GetOrderFunc(ctx, orderID)
	}
	return &Order{ID: orderID, Status: OrderStatusFilled}, nil
}

func (m *MockBroker) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	m.canceled = append(m.canceled, orderID)
	m.mu.Unlock()
	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, orderID)
	}
	return nil
}

func (m *MockBroker) GetPositions(ctx context.Context) ([]Position, error) {
	if m.GetPositionsFunc != nil {
		return m.GetPositionsFunc(ctx)
	}
	return nil, nil
}

func (m *MockBroker) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	if m.ClosePositionFunc != nil {
		return m.ClosePositionFunc(ctx, symbol)
	}
	return &Order{ID: "mock-close-" + symbol, Symbol: symbol, Side: SideSell, Status: OrderStatusFilled}, nil
}

func (m *MockBroker) record(order Order) {
	m.mu.Lock()
	m.submitted = append(m.submitted, order)
	m.mu.Unlock()
}

func (m *MockBroker) submittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}
