// Package events is the in-process pub/sub channel between the engine and
// outward-facing consumers (the WebSocket fan-out). Payloads are JSON so a
// frame can be forwarded to a client without re-encoding.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/paperlane/paperlane/internal/models"
)

// Topics published by the engine and reconciler.
const (
	TopicTradeExecuted       = "trade_executed"
	TopicPositionUpdated     = "position_updated"
	TopicBotStatusChanged    = "bot_status_changed"
	TopicMarketStatusChanged = "market_status_changed"
	TopicReconciliationAlert = "reconciliation_alert"
	TopicPriceUpdate         = "price_update"
)

// Topics lists every topic, in the order the WebSocket fan-out subscribes.
func Topics() []string {
	return []string{
		TopicTradeExecuted,
		TopicPositionUpdated,
		TopicBotStatusChanged,
		TopicMarketStatusChanged,
		TopicReconciliationAlert,
		TopicPriceUpdate,
	}
}

// BotStatusChanged announces a bot lifecycle transition.
type BotStatusChanged struct {
	ID         string           `json:"id"`
	Status     models.BotStatus `json:"status"`
	IsActive   bool             `json:"is_active"`
	ErrorCount int              `json:"error_count,omitempty"`
}

// MarketStatusChanged announces a market open/close transition.
type MarketStatusChanged struct {
	IsOpen bool `json:"is_open"`
}

// Discrepancy is one broker-vs-ledger mismatch found by the reconciler.
type Discrepancy struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	LocalQty  int    `json:"local_qty"`
	BrokerQty int    `json:"broker_qty"`
	Detail    string `json:"detail,omitempty"`
}

// ReconciliationAlert reports the discrepancies of one user's pass.
type ReconciliationAlert struct {
	UserID        string        `json:"user_id"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Timestamp     time.Time     `json:"timestamp"`
}

// PriceUpdate is a refreshed market price observed during the SL/TP sweep.
type PriceUpdate struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus wraps a watermill gochannel pub/sub. Messages from a single publisher
// goroutine are delivered in publish order.
type Bus struct {
	pubSub *gochannel.GoChannel
	logger *log.Logger
}

// NewBus creates the bus. The buffer keeps slow WebSocket consumers from
// stalling the engine.
func NewBus(logger *log.Logger) *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, watermill.NopLogger{}),
		logger: logger,
	}
}

// Subscribe returns a channel of raw messages for one topic. The channel
// closes when ctx is done or the bus closes.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubSub.Subscribe(ctx, topic)
}

// Close shuts down the pub/sub; pending deliveries are dropped.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}

// PublishTradeExecuted publishes a completed (or terminal) trade record.
func (b *Bus) PublishTradeExecuted(trade *models.Trade) error {
	return b.publish(TopicTradeExecuted, trade)
}

// PublishPositionUpdated publishes a position after any mutation.
func (b *Bus) PublishPositionUpdated(pos *models.Position) error {
	return b.publish(TopicPositionUpdated, pos)
}

// PublishBotStatusChanged publishes a bot lifecycle transition.
func (b *Bus) PublishBotStatusChanged(change BotStatusChanged) error {
	return b.publish(TopicBotStatusChanged, change)
}

// PublishMarketStatusChanged publishes a market open/close transition.
func (b *Bus) PublishMarketStatusChanged(isOpen bool) error {
	return b.publish(TopicMarketStatusChanged, MarketStatusChanged{IsOpen: isOpen})
}

// PublishReconciliationAlert publishes one user's reconciliation findings.
func (b *Bus) PublishReconciliationAlert(alert ReconciliationAlert) error {
	return b.publish(TopicReconciliationAlert, alert)
}

// PublishPriceUpdate publishes a refreshed symbol price.
func (b *Bus) PublishPriceUpdate(symbol string, price float64) error {
	return b.publish(TopicPriceUpdate, PriceUpdate{
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now().UTC(),
	})
}

func (b *Bus) publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubSub.Publish(topic, msg); err != nil {
		if b.logger != nil {
			b.logger.Printf("Warning: publish %s: %v", topic, err)
		}
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
