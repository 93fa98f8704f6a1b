package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/paperlane/paperlane/internal/activity"
	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/events"
	"github.com/paperlane/paperlane/internal/metrics"
	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/orders"
	"github.com/paperlane/paperlane/internal/risk"
	"github.com/paperlane/paperlane/internal/store"
	"github.com/paperlane/paperlane/internal/util"
)

// executor submits orders for one bot and keeps the ledger in step with the
// broker's answer. BUY and SELL deliberately differ in when they write:
// a BUY records a pending Trade and an open Position before the fill arrives
// so the next cycle cannot double-buy; a SELL mutates nothing until the
// outcome is known, because a failed sell leaves the position open.
type executor struct {
	bot      *models.Bot
	broker   broker.Broker
	store    store.Interface
	bus      *events.Bus
	activity *activity.Logger
	metrics  *metrics.Metrics
	logger   *log.Logger
	riskCfg  risk.Config
	waiter   *orders.Waiter
	now      func() time.Time
}

func newExecutor(bot *models.Bot, b broker.Broker, s store.Interface, bus *events.Bus,
	act *activity.Logger, m *metrics.Metrics, logger *log.Logger, riskCfg risk.Config,
	waiterCfg orders.Config, now func() time.Time) *executor {
	return &executor{
		bot:      bot,
		broker:   b,
		store:    s,
		bus:      bus,
		activity: act,
		metrics:  m,
		logger:   logger,
		riskCfg:  riskCfg,
		waiter:   orders.NewWaiter(b, logger, waiterCfg),
		now:      now,
	}
}

// encodeSnapshot serializes the indicator snapshot for the trade record.
func encodeSnapshot(snapshot map[string]any) models.JSON {
	if snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil
	}
	return models.JSON(data)
}

// executeBuy opens a position: submit, record pending pair, await fill,
// then overwrite the preliminary numbers with fill data.
func (e *executor) executeBuy(ctx context.Context, symbol string, currentPrice float64,
	snapshot map[string]any, entryIndicator string) error {

	qty := risk.PositionSize(e.riskCfg, e.bot.Capital, currentPrice)
	if qty <= 0 {
		e.logger.Printf("Position size 0 for %s, skipping buy", symbol)
		return nil
	}

	coid := orders.NewClientOrderID(e.bot.ID)
	order, err := e.broker.SubmitMarketOrder(ctx, symbol, qty, broker.SideBuy, broker.TimeInForceDay, coid)
	if err != nil {
		e.recordError(ctx, fmt.Sprintf("Failed to execute BUY for %s: %v", symbol, err), symbol)
		return fmt.Errorf("submit buy order for %s: %w", symbol, err)
	}

	reason := "Buy signal"
	if entryIndicator != "" {
		reason = entryIndicator + " buy signal"
	}

	now := e.now()
	trade := &models.Trade{
		ID:                 uuid.NewString(),
		BotID:              e.bot.ID,
		Symbol:             symbol,
		Side:               models.TradeSideBuy,
		Quantity:           qty,
		Price:              currentPrice,
		Timestamp:          now,
		IndicatorsSnapshot: encodeSnapshot(snapshot),
		OrderID:            order.ID,
		Status:             models.TradeStatusNew,
		ClientOrderID:      coid,
		Reason:             reason,
	}
	position := &models.Position{
		ID:              uuid.NewString(),
		BotID:           e.bot.ID,
		Symbol:          symbol,
		Quantity:        qty,
		EntryPrice:      currentPrice,
		CurrentPrice:    currentPrice,
		StopLossPrice:   risk.StopLossPrice(e.riskCfg, currentPrice),
		TakeProfitPrice: risk.TakeProfitPrice(e.riskCfg, currentPrice),
		OpenedAt:        now,
		IsOpen:          true,
		EntryIndicator:  entryIndicator,
	}

	// The pending pair must land before the fill wait: it is what stops the
	// next cycle from buying the same symbol again.
	err = e.store.WithTransaction(ctx, func(tx store.Interface) error {
		if err := tx.CreateTrade(ctx, trade); err != nil {
			return err
		}
		return tx.CreatePosition(ctx, position)
	})
	if err != nil {
		e.recordError(ctx, fmt.Sprintf("Failed to record pending BUY for %s: %v", symbol, err), symbol)
		return fmt.Errorf("record pending buy for %s: %w", symbol, err)
	}
	e.logger.Printf("BUY order submitted & pending records created: %s x%d (order=%s, bot=%s)",
		symbol, qty, util.ShortID(order.ID), util.ShortID(e.bot.ID))

	final, waitErr := e.waiter.WaitForTerminal(ctx, order.ID)
	status := broker.OrderStatusNew
	if final != nil {
		status = final.Status
	}
	if waitErr != nil && final == nil {
		// Never observed the order at all; the reconciler resolves it.
		e.logger.Printf("Warning: BUY order %s status unknown: %v", util.ShortID(order.ID), waitErr)
		return nil
	}

	if broker.IsTerminalStatus(status) && status != broker.OrderStatusFilled {
		err := e.store.WithTransaction(ctx, func(tx store.Interface) error {
			trade.Status = orders.StatusFromBroker(status)
			if err := tx.UpdateTrade(ctx, trade); err != nil {
				return err
			}
			position.MarkClosed(e.now())
			return tx.UpdatePosition(ctx, position)
		})
		if err != nil {
			return fmt.Errorf("clean up unfilled buy for %s: %w", symbol, err)
		}
		e.logger.Printf("Warning: BUY order for %s was %s, cleaned up pending records", symbol, status)
		if e.metrics != nil {
			e.metrics.OrdersSubmittedTotal.WithLabelValues(broker.SideBuy, status).Inc()
		}
		return nil
	}

	fillPrice := 0.0
	fillQty := qty
	if final != nil {
		fillPrice = final.FilledAvgPrice
		if final.FilledQty > 0 {
			fillQty = final.FilledQty
		}
	}

	err = e.store.WithTransaction(ctx, func(tx store.Interface) error {
		trade.Status = orders.StatusFromBroker(status)
		trade.Quantity = fillQty
		if fillPrice > 0 {
			trade.Price = fillPrice
		}
		if err := tx.UpdateTrade(ctx, trade); err != nil {
			return err
		}

		position.Quantity = fillQty
		if fillPrice > 0 {
			position.EntryPrice = fillPrice
			position.CurrentPrice = fillPrice
			position.StopLossPrice = risk.StopLossPrice(e.riskCfg, fillPrice)
			position.TakeProfitPrice = risk.TakeProfitPrice(e.riskCfg, fillPrice)
		}
		return tx.UpdatePosition(ctx, position)
	})
	if err != nil {
		return fmt.Errorf("record buy fill for %s: %w", symbol, err)
	}

	e.publishTradeAndPosition(trade, position)
	if e.metrics != nil {
		e.metrics.OrdersSubmittedTotal.WithLabelValues(broker.SideBuy, status).Inc()
	}

	finalPrice := fillPrice
	if finalPrice <= 0 {
		finalPrice = currentPrice
	}
	e.logger.Printf("BUY executed: %s x%d @ %.2f via %s (order=%s, bot=%s)",
		symbol, fillQty, finalPrice, entryIndicator, util.ShortID(order.ID), util.ShortID(e.bot.ID))
	if e.activity != nil {
		e.activity.Info(ctx, models.CategoryTrade,
			fmt.Sprintf("BUY %s x%d @ $%.2f", symbol, fillQty, finalPrice),
			activity.Entry{BotID: e.bot.ID, UserID: e.bot.UserID, Details: map[string]any{
				"symbol": symbol, "quantity": fillQty, "price": finalPrice,
				"reason": reason, "order_id": order.ID,
			}})
	}

	if fillPrice <= 0 {
		e.logger.Printf("Warning: BUY order %s fill not confirmed (status=%s). "+
			"Position recorded with preliminary price %.2f to prevent re-buys.",
			util.ShortID(order.ID), status, currentPrice)
	}
	return nil
}

// executeSell closes the open position for symbol, if any. The ledger is
// only touched after the order outcome is known.
func (e *executor) executeSell(ctx context.Context, symbol string, currentPrice float64,
	snapshot map[string]any, reason string) error {

	position, err := e.store.GetOpenPosition(ctx, e.bot.ID, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load open position for %s: %w", symbol, err)
	}

	coid := orders.NewClientOrderID(e.bot.ID)
	order, err := e.broker.SubmitMarketOrder(ctx, symbol, position.Quantity, broker.SideSell, broker.TimeInForceDay, coid)
	if err != nil {
		e.recordError(ctx, fmt.Sprintf("Failed to execute SELL for %s: %v", symbol, err), symbol)
		return fmt.Errorf("submit sell order for %s: %w", symbol, err)
	}

	final, _ := e.waiter.WaitForTerminal(ctx, order.ID)
	status := broker.OrderStatusNew
	if final != nil {
		status = final.Status
	}

	if broker.IsTerminalStatus(status) && status != broker.OrderStatusFilled {
		e.logger.Printf("Warning: SELL order for %s was %s, position remains open", symbol, status)
		if e.metrics != nil {
			e.metrics.OrdersSubmittedTotal.WithLabelValues(broker.SideSell, status).Inc()
		}
		return nil
	}

	fillPrice := 0.0
	if final != nil {
		fillPrice = final.FilledAvgPrice
	}
	if fillPrice <= 0 {
		e.logger.Printf("SELL order %s has no fill price (status=%s). Using current price %.2f for P&L calc.",
			util.ShortID(order.ID), status, currentPrice)
		fillPrice = currentPrice
	}

	profitLoss := util.Round2((fillPrice - position.EntryPrice) * float64(position.Quantity))
	now := e.now()

	trade := &models.Trade{
		ID:                 uuid.NewString(),
		BotID:              e.bot.ID,
		Symbol:             symbol,
		Side:               models.TradeSideSell,
		Quantity:           position.Quantity,
		Price:              fillPrice,
		Timestamp:          now,
		IndicatorsSnapshot: encodeSnapshot(snapshot),
		ProfitLoss:         &profitLoss,
		OrderID:            order.ID,
		Status:             orders.StatusFromBroker(status),
		ClientOrderID:      coid,
		Reason:             reason,
	}

	err = e.store.WithTransaction(ctx, func(tx store.Interface) error {
		position.MarkClosed(now)
		position.CurrentPrice = fillPrice
		position.RealizedPnL = profitLoss
		position.UnrealizedPnL = 0
		if err := tx.UpdatePosition(ctx, position); err != nil {
			return err
		}
		return tx.CreateTrade(ctx, trade)
	})
	if err != nil {
		return fmt.Errorf("record sell for %s: %w", symbol, err)
	}

	e.publishTradeAndPosition(trade, position)
	if e.metrics != nil {
		e.metrics.OrdersSubmittedTotal.WithLabelValues(broker.SideSell, status).Inc()
	}

	e.logger.Printf("SELL executed: %s x%d @ %.2f P&L=%.2f (order=%s, bot=%s)",
		symbol, position.Quantity, fillPrice, profitLoss, util.ShortID(order.ID), util.ShortID(e.bot.ID))
	if e.activity != nil {
		e.activity.Info(ctx, models.CategoryTrade,
			fmt.Sprintf("SELL %s x%d @ $%.2f, P&L: $%+.2f", symbol, position.Quantity, fillPrice, profitLoss),
			activity.Entry{BotID: e.bot.ID, UserID: e.bot.UserID, Details: map[string]any{
				"symbol": symbol, "quantity": position.Quantity, "price": fillPrice,
				"profit_loss": profitLoss, "reason": reason, "order_id": order.ID,
			}})
	}
	return nil
}

func (e *executor) publishTradeAndPosition(trade *models.Trade, position *models.Position) {
	if e.bus == nil {
		return
	}
	if err := e.bus.PublishTradeExecuted(trade); err != nil {
		e.logger.Printf("Warning: publish trade_executed: %v", err)
	}
	if err := e.bus.PublishPositionUpdated(position); err != nil {
		e.logger.Printf("Warning: publish position_updated: %v", err)
	}
}

func (e *executor) recordError(ctx context.Context, message, symbol string) {
	e.logger.Printf("%s", message)
	if e.activity != nil {
		e.activity.Error(ctx, models.CategoryError, message,
			activity.Entry{BotID: e.bot.ID, UserID: e.bot.UserID, Details: map[string]any{"symbol": symbol}})
	}
}
