package models

import "time"

// TradeSide is the direction of an order.
type TradeSide string

const (
	// TradeSideBuy opens or adds to a position.
	TradeSideBuy TradeSide = "buy"
	// TradeSideSell closes a position.
	TradeSideSell TradeSide = "sell"
)

// Valid returns true if the side is one of the defined constants.
func (s TradeSide) Valid() bool {
	return s == TradeSideBuy || s == TradeSideSell
}

// TradeStatus tracks an order from submission to its terminal broker state.
type TradeStatus string

const (
	// TradeStatusNew is the pending record written before the fill arrives.
	TradeStatusNew TradeStatus = "new"
	// TradeStatusPartiallyFilled means the broker reported a partial fill.
	TradeStatusPartiallyFilled TradeStatus = "partially_filled"
	// TradeStatusFilled is the happy terminal state.
	TradeStatusFilled TradeStatus = "filled"
	// TradeStatusCanceled covers both local stale-order cancels and broker cancels.
	TradeStatusCanceled TradeStatus = "canceled"
	// TradeStatusExpired means the order aged out at the broker.
	TradeStatusExpired TradeStatus = "expired"
	// TradeStatusRejected means the broker refused the order.
	TradeStatusRejected TradeStatus = "rejected"
)

// Terminal reports whether the status is final; non-terminal trades are the
// reconciler's pending set.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeStatusFilled, TradeStatusCanceled, TradeStatusExpired, TradeStatusRejected:
		return true
	default:
		return false
	}
}

// Trade is the immutable record of one order submission and its outcome.
// ClientOrderID is globally unique, encodes the owning bot, and is the
// idempotency key when correlating local records with broker state.
type Trade struct {
	ID                 string      `gorm:"primaryKey;size:36" json:"id"`
	BotID              string      `gorm:"size:36;not null;index" json:"bot_id"`
	Symbol             string      `gorm:"size:20;not null;index" json:"symbol"`
	Side               TradeSide   `gorm:"column:type;size:10;not null" json:"type"`
	Quantity           int         `gorm:"not null" json:"quantity"`
	Price              float64     `gorm:"not null" json:"price"`
	Timestamp          time.Time   `gorm:"not null;index" json:"timestamp"`
	IndicatorsSnapshot JSON        `json:"indicators_snapshot,omitempty"`
	ProfitLoss         *float64    `json:"profit_loss"`
	OrderID            string      `gorm:"size:255" json:"order_id"`
	Status             TradeStatus `gorm:"size:20;not null;default:new;index" json:"status"`
	ClientOrderID      string      `gorm:"size:100;index" json:"client_order_id"`
	Reason             string      `gorm:"size:255" json:"reason,omitempty"`
}
