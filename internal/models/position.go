package models

import "time"

// Position is an open or closed holding owned by a bot. At most one open
// position exists per (bot, symbol) pair; the pending BUY record inserted
// before the fill arrives is what enforces that across cycles.
type Position struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	BotID           string     `gorm:"size:36;not null;index" json:"bot_id"`
	Symbol          string     `gorm:"size:20;not null;index" json:"symbol"`
	Quantity        int        `gorm:"not null" json:"quantity"`
	EntryPrice      float64    `gorm:"not null" json:"entry_price"`
	CurrentPrice    float64    `gorm:"not null" json:"current_price"`
	StopLossPrice   *float64   `json:"stop_loss_price"`
	TakeProfitPrice *float64   `json:"take_profit_price"`
	UnrealizedPnL   float64    `gorm:"column:unrealized_pnl;not null;default:0" json:"unrealized_pnl"`
	RealizedPnL     float64    `gorm:"column:realized_pnl;not null;default:0" json:"realized_pnl"`
	OpenedAt        time.Time  `gorm:"not null" json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at"`
	IsOpen          bool       `gorm:"not null;default:true;index" json:"is_open"`
	EntryIndicator  string     `gorm:"size:50" json:"entry_indicator,omitempty"`
}

// MarkClosed flips the open flag and stamps the close time. Realized P&L is
// set by the caller, which knows the fill price.
func (p *Position) MarkClosed(at time.Time) {
	p.IsOpen = false
	t := at
	p.ClosedAt = &t
}
