// Package broker provides the brokerage adapter: the Broker interface the
// engine trades through, an Alpaca REST implementation, a circuit breaker
// decorator, and the per-user adapter registry.
package broker

import (
	"context"
	"fmt"
	"time"
)

// Broker is the brokerage surface the engine depends on. Implementations
// must be safe for concurrent use; every call respects its context.
type Broker interface {
	// Account
	GetAccount(ctx context.Context) (*Account, error)

	// Market data
	GetClock(ctx context.Context) (*Clock, error)
	GetLatestQuote(ctx context.Context, symbol string) (*Quote, error)
	// GetLatestPrice returns the bid/ask midpoint rounded to 4 decimals,
	// falling back to whichever side of the book is populated. Returns 0
	// with an error when no price is available.
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
	GetBars(ctx context.Context, symbol, timeframe string, limit int, start time.Time) ([]Bar, error)

	// Orders
	SubmitMarketOrder(ctx context.Context, symbol string, qty int, side, timeInForce, clientOrderID string) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Positions
	GetPositions(ctx context.Context) ([]Position, error)
	ClosePosition(ctx context.Context, symbol string) (*Order, error)
}

// Account is a snapshot of the brokerage account.
type Account struct {
	ID          string  `json:"id"`
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
	Cash        float64 `json:"cash"`
	Currency    string  `json:"currency"`
}

// Clock is the broker's market clock.
type Clock struct {
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
	Timestamp time.Time `json:"timestamp"`
}

// Quote is the latest top-of-book snapshot for a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	BidSize   int       `json:"bid_size"`
	AskSize   int       `json:"ask_size"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is one OHLCV bar.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Order is a broker order as last observed.
type Order struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Type           string     `json:"type"`
	TimeInForce    string     `json:"time_in_force"`
	Status         string     `json:"status"`
	Qty            int        `json:"qty"`
	FilledQty      int        `json:"filled_qty"`
	FilledAvgPrice float64    `json:"filled_avg_price"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
}

// Position is an open holding as reported by the broker.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           int     `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPL  float64 `json:"unrealized_pl"`
}

// Order side and time-in-force values accepted by SubmitMarketOrder.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TimeInForceDay = "day"
	TimeInForceGTC = "gtc"
)

// Broker order statuses. Anything not terminal is still working.
const (
	OrderStatusNew             = "new"
	OrderStatusAccepted        = "accepted"
	OrderStatusPendingNew      = "pending_new"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
	OrderStatusExpired         = "expired"
	OrderStatusRejected        = "rejected"
)

// IsTerminalStatus reports whether a broker order status is final.
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCanceled, "cancelled", OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// APIError is a non-2xx response from the broker API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// StatusCode exposes the HTTP status for transient/permanent classification.
func (e *APIError) StatusCode() int { return e.Status }
