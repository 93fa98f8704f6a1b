// Package risk holds the pure pre-trade checks and sizing helpers. Nothing
// here touches the broker or the store; callers gather today's P&L and the
// open position count and pass them in.
package risk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/paperlane/paperlane/internal/signal"
	"github.com/paperlane/paperlane/internal/util"
)

// DefaultMaxPositionSizePct caps a single purchase at this percentage of
// capital when the bot does not configure one.
const DefaultMaxPositionSizePct = 10.0

// Config is a bot's parsed risk_management JSON. Percent fields are whole
// percentages (stop_loss 2 means 2%). Zero disables the respective limit,
// except MaxPositionSize which falls back to the default.
type Config struct {
	MaxPositionSize        float64 `json:"max_position_size"`
	StopLoss               float64 `json:"stop_loss"`
	TakeProfit             float64 `json:"take_profit"`
	MaxDailyLoss           float64 `json:"max_daily_loss"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
}

// ParseConfig decodes a bot's risk_management JSON. An empty document yields
// the defaults.
func ParseConfig(raw []byte) (Config, error) {
	cfg := Config{MaxPositionSize: DefaultMaxPositionSizePct}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse risk config: %w", err)
	}
	if cfg.MaxPositionSize <= 0 {
		cfg.MaxPositionSize = DefaultMaxPositionSizePct
	}
	return cfg, nil
}

// Check validates a proposed action. SELL is always allowed so positions can
// always be closed. For BUY, every rule must pass; the returned reason names
// the first rule that failed.
func Check(action signal.Action, cfg Config, capital, currentPrice, todayPnL float64, openCount int) (bool, string) {
	if action == signal.Sell {
		return true, ""
	}
	if action != signal.Buy {
		return false, "signal_is_hold"
	}

	if capital <= 0 {
		return false, "no_capital"
	}
	if currentPrice <= 0 {
		return false, "invalid_price"
	}
	if currentPrice > capital {
		return false, fmt.Sprintf("price_exceeds_capital (%.2f > %.2f)", currentPrice, capital)
	}

	maxAllocation := capital * (cfg.MaxPositionSize / 100)
	if currentPrice > maxAllocation {
		return false, fmt.Sprintf(
			"single_share_exceeds_position_limit (price=%.2f > max_alloc=%.2f = %g%% of %.2f)",
			currentPrice, maxAllocation, cfg.MaxPositionSize, capital)
	}

	if cfg.MaxDailyLoss > 0 {
		maxLoss := capital * (cfg.MaxDailyLoss / 100)
		if todayPnL < -maxLoss {
			return false, fmt.Sprintf(
				"daily_loss_limit_exceeded (today_pnl=%.2f < max_loss=-%.2f = %g%% of %.2f)",
				todayPnL, maxLoss, cfg.MaxDailyLoss, capital)
		}
	}

	if cfg.MaxConcurrentPositions > 0 && openCount >= cfg.MaxConcurrentPositions {
		return false, fmt.Sprintf(
			"max_concurrent_positions_reached (open=%d, max=%d)",
			openCount, cfg.MaxConcurrentPositions)
	}

	return true, ""
}

// PositionSize returns the whole-share quantity for a buy: the configured
// percentage of capital divided by price, floored. Zero when the allocation
// cannot cover one share or the inputs are invalid.
func PositionSize(cfg Config, capital, currentPrice float64) int {
	if currentPrice <= 0 || capital <= 0 {
		return 0
	}
	allocation := capital * (cfg.MaxPositionSize / 100)
	qty := int(math.Floor(allocation / currentPrice))
	if qty < 0 {
		return 0
	}
	return qty
}

// StopLossPrice returns the stop price below entry, or nil when stop_loss is
// not configured.
func StopLossPrice(cfg Config, entryPrice float64) *float64 {
	if cfg.StopLoss <= 0 {
		return nil
	}
	p := util.Round2(entryPrice * (1 - cfg.StopLoss/100))
	return &p
}

// TakeProfitPrice returns the target price above entry, or nil when
// take_profit is not configured.
func TakeProfitPrice(cfg Config, entryPrice float64) *float64 {
	if cfg.TakeProfit <= 0 {
		return nil
	}
	p := util.Round2(entryPrice * (1 + cfg.TakeProfit/100))
	return &p
}
