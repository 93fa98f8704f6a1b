// Package orders turns broker order plumbing into the pieces the engine
// needs: idempotent client order ids, fill polling, and the mapping from
// broker order states to local trade statuses.
package orders

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/util"
)

// NewClientOrderID builds the globally unique idempotency key for one order:
// "bot-<bot id prefix>-<random suffix>". The bot prefix lets the reconciler
// attribute broker orders back to the bot that placed them.
func NewClientOrderID(botID string) string {
	return fmt.Sprintf("bot-%s-%s", util.ShortID(botID), uuid.NewString()[:8])
}

// StatusFromBroker maps a broker order status onto the local trade status.
// Unknown non-terminal states stay "new" so the reconciler keeps watching.
func StatusFromBroker(status string) models.TradeStatus {
	switch status {
	case broker.OrderStatusFilled:
		return models.TradeStatusFilled
	case broker.OrderStatusPartiallyFilled:
		return models.TradeStatusPartiallyFilled
	case broker.OrderStatusCanceled, "cancelled":
		return models.TradeStatusCanceled
	case broker.OrderStatusExpired:
		return models.TradeStatusExpired
	case broker.OrderStatusRejected:
		return models.TradeStatusRejected
	default:
		return models.TradeStatusNew
	}
}

// Config controls fill polling.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// DefaultConfig polls once a second for up to 30 seconds, the longest a
// market order plausibly takes during regular hours.
var DefaultConfig = Config{
	PollInterval: time.Second,
	MaxAttempts:  30,
}

// Waiter polls the broker for an order's terminal state.
type Waiter struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

// NewWaiter creates a fill waiter. A nil logger falls back to stderr.
func NewWaiter(b broker.Broker, logger *log.Logger, config ...Config) *Waiter {
	if b == nil {
		panic("orders.NewWaiter: broker must not be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	return &Waiter{broker: b, logger: logger, config: cfg}
}

// WaitForTerminal polls the order until it reaches a terminal broker state
// or the attempt budget runs out. On exhaustion it returns the last observed
// order together with an error; the caller decides whether a still-working
// order is a problem.
func (w *Waiter) WaitForTerminal(ctx context.Context, orderID string) (*broker.Order, error) {
	var last *broker.Order
	for attempt := 1; attempt <= w.config.MaxAttempts; attempt++ {
		order, err := w.broker.GetOrder(ctx, orderID)
		if err != nil {
			w.logger.Printf("Warning: poll order %s attempt %d/%d: %v",
				orderID, attempt, w.config.MaxAttempts, err)
		} else {
			last = order
			if broker.IsTerminalStatus(order.Status) {
				return order, nil
			}
		}

		if attempt == w.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(w.config.PollInterval):
		}
	}
	return last, fmt.Errorf("order %s did not reach a terminal state after %d attempts", orderID, w.config.MaxAttempts)
}
