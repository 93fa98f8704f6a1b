// Package reconcile repairs drift between the broker's authoritative state
// and the local ledger: pending trades the broker has since resolved, local
// positions the broker no longer holds, and stale prices.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/paperlane/paperlane/internal/activity"
	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/events"
	"github.com/paperlane/paperlane/internal/metrics"
	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/orders"
	"github.com/paperlane/paperlane/internal/store"
	"github.com/paperlane/paperlane/internal/util"
)

const (
	// DefaultInterval is the periodic pass cadence.
	DefaultInterval = 5 * time.Minute
	// StaleOrderThreshold is how long a broker order may stay non-terminal
	// before the reconciler cancels it.
	StaleOrderThreshold = 5 * time.Minute
)

// Discrepancy types reported in reconciliation alerts.
const (
	ExcessInBroker = "excess_in_broker"
	ExcessInLocal  = "excess_in_local"
)

// Summary is the outcome of one full pass.
type Summary struct {
	UsersChecked    int                  `json:"users_checked"`
	PendingResolved int                  `json:"pending_resolved"`
	Discrepancies   []events.Discrepancy `json:"discrepancies"`
}

// Reconciler runs per-user repair passes against every registered broker
// adapter. Each user's repairs commit in a single store transaction.
type Reconciler struct {
	store    store.Interface
	registry *broker.Registry
	bus      *events.Bus
	activity *activity.Logger
	metrics  *metrics.Metrics
	logger   *log.Logger
	interval time.Duration
	now      func() time.Time
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithInterval overrides the periodic cadence.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a reconciler. bus, activityLog and m may be nil (no-op).
func New(s store.Interface, registry *broker.Registry, bus *events.Bus,
	activityLog *activity.Logger, m *metrics.Metrics, logger *log.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "reconcile: ", log.LstdFlags)
	}
	r := &Reconciler{
		store:    s,
		registry: registry,
		bus:      bus,
		activity: activityLog,
		metrics:  m,
		logger:   logger,
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunLoop runs one pass every interval until ctx is canceled. The startup
// pass is the caller's explicit RunOnce.
func (r *Reconciler) RunLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles every user with a registered adapter and returns the
// pass summary. A failing user never aborts the pass for the others.
func (r *Reconciler) RunOnce(ctx context.Context) Summary {
	userIDs := r.registry.UserIDs()
	sort.Strings(userIDs)

	summary := Summary{UsersChecked: len(userIDs)}
	if len(userIDs) == 0 {
		return summary
	}

	for _, userID := range userIDs {
		adapter := r.registry.Get(userID)
		if adapter == nil {
			continue
		}
		resolved, discrepancies, err := r.reconcileUser(ctx, userID, adapter)
		if err != nil {
			r.logger.Printf("Warning: reconciliation failed for user %s: %v", util.ShortID(userID), err)
			continue
		}
		summary.PendingResolved += resolved
		summary.Discrepancies = append(summary.Discrepancies, discrepancies...)

		if len(discrepancies) > 0 {
			r.alert(ctx, userID, discrepancies)
		}
	}

	if r.metrics != nil {
		r.metrics.ReconcilePassesTotal.Inc()
		r.metrics.ReconcilePendingResolved.Add(float64(summary.PendingResolved))
		r.metrics.ReconcileDiscrepanciesTotal.Add(float64(len(summary.Discrepancies)))
	}
	if summary.PendingResolved > 0 || len(summary.Discrepancies) > 0 {
		r.logger.Printf("Reconciliation complete: users=%d pending_resolved=%d discrepancies=%d",
			summary.UsersChecked, summary.PendingResolved, len(summary.Discrepancies))
	}
	return summary
}

// reconcileUser runs both repair phases for one user inside one transaction.
func (r *Reconciler) reconcileUser(ctx context.Context, userID string, adapter broker.Broker) (int, []events.Discrepancy, error) {
	var resolved int
	var discrepancies []events.Discrepancy

	err := r.store.WithTransaction(ctx, func(tx store.Interface) error {
		var err error
		resolved, err = r.resolvePendingTrades(ctx, tx, userID, adapter)
		if err != nil {
			return err
		}
		discrepancies, err = r.reconcilePositions(ctx, tx, userID, adapter)
		return err
	})
	if err != nil {
		return 0, nil, fmt.Errorf("reconcile user %s: %w", util.ShortID(userID), err)
	}
	return resolved, discrepancies, nil
}

// resolvePendingTrades resolves trades stuck in a non-terminal status
// against the broker's actual order state.
func (r *Reconciler) resolvePendingTrades(ctx context.Context, tx store.Interface, userID string, adapter broker.Broker) (int, error) {
	pending, err := tx.ListPendingTradesByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list pending trades: %w", err)
	}

	resolved := 0
	for i := range pending {
		trade := &pending[i]
		if trade.OrderID == "" {
			continue
		}
		order, err := adapter.GetOrder(ctx, trade.OrderID)
		if err != nil {
			r.logger.Printf("Warning: fetch order %s for pending trade %s: %v", trade.OrderID, trade.ID, err)
			continue
		}

		switch {
		case order.Status == broker.OrderStatusFilled:
			if err := r.resolveFilled(ctx, tx, trade, order); err != nil {
				return resolved, err
			}
			resolved++
		case broker.IsTerminalStatus(order.Status):
			if err := r.resolveTerminal(ctx, tx, trade, order.Status); err != nil {
				return resolved, err
			}
			resolved++
		default:
			if r.now().Sub(trade.Timestamp) > StaleOrderThreshold {
				if err := r.cancelStale(ctx, tx, trade, adapter); err != nil {
					return resolved, err
				}
				resolved++
			}
		}
	}
	return resolved, nil
}

func (r *Reconciler) resolveFilled(ctx context.Context, tx store.Interface, trade *models.Trade, order *broker.Order) error {
	fillPrice := order.FilledAvgPrice
	if fillPrice <= 0 {
		fillPrice = trade.Price
	}
	fillQty := order.FilledQty
	if fillQty <= 0 {
		fillQty = trade.Quantity
	}

	trade.Status = models.TradeStatusFilled
	trade.Price = fillPrice
	trade.Quantity = fillQty
	if err := tx.UpdateTrade(ctx, trade); err != nil {
		return fmt.Errorf("update filled trade %s: %w", trade.ID, err)
	}

	pos, err := tx.GetOpenPosition(ctx, trade.BotID, trade.Symbol)
	if err == nil {
		pos.EntryPrice = fillPrice
		pos.Quantity = fillQty
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("update position for trade %s: %w", trade.ID, err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load position for trade %s: %w", trade.ID, err)
	}

	r.logger.Printf("Pending trade %s resolved as filled: %s x%d @ %.2f", trade.ID, trade.Symbol, fillQty, fillPrice)
	if r.activity != nil {
		r.activity.Info(ctx, models.CategorySystem,
			fmt.Sprintf("Pending trade resolved as FILLED: %s x%d @ $%.2f", trade.Symbol, fillQty, fillPrice),
			activity.Entry{BotID: trade.BotID})
	}
	return nil
}

func (r *Reconciler) resolveTerminal(ctx context.Context, tx store.Interface, trade *models.Trade, brokerStatus string) error {
	trade.Status = orders.StatusFromBroker(brokerStatus)
	if err := tx.UpdateTrade(ctx, trade); err != nil {
		return fmt.Errorf("update terminal trade %s: %w", trade.ID, err)
	}
	if err := r.closeOpenPosition(ctx, tx, trade.BotID, trade.Symbol); err != nil {
		return err
	}

	r.logger.Printf("Pending trade %s resolved as %s: %s", trade.ID, brokerStatus, trade.Symbol)
	if r.activity != nil {
		r.activity.Warning(ctx, models.CategorySystem,
			fmt.Sprintf("Pending trade resolved as %s: %s", trade.Status, trade.Symbol),
			activity.Entry{BotID: trade.BotID})
	}
	return nil
}

func (r *Reconciler) cancelStale(ctx context.Context, tx store.Interface, trade *models.Trade, adapter broker.Broker) error {
	// Best effort: the order may fill or cancel on its own between the
	// staleness check and this call.
	if err := adapter.CancelOrder(ctx, trade.OrderID); err != nil {
		r.logger.Printf("Warning: cancel stale order %s: %v", trade.OrderID, err)
	}

	trade.Status = models.TradeStatusCanceled
	if err := tx.UpdateTrade(ctx, trade); err != nil {
		return fmt.Errorf("update stale trade %s: %w", trade.ID, err)
	}
	if err := r.closeOpenPosition(ctx, tx, trade.BotID, trade.Symbol); err != nil {
		return err
	}

	r.logger.Printf("Stale pending order auto-canceled: %s (order %s)", trade.Symbol, trade.OrderID)
	if r.activity != nil {
		r.activity.Warning(ctx, models.CategorySystem,
			fmt.Sprintf("Stale pending order auto-canceled: %s (order %s)", trade.Symbol, trade.OrderID),
			activity.Entry{BotID: trade.BotID})
	}
	return nil
}

func (r *Reconciler) closeOpenPosition(ctx context.Context, tx store.Interface, botID, symbol string) error {
	pos, err := tx.GetOpenPosition(ctx, botID, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load open position %s/%s: %w", util.ShortID(botID), symbol, err)
	}
	pos.MarkClosed(r.now())
	if err := tx.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("close position %s: %w", pos.ID, err)
	}
	return nil
}

// reconcilePositions compares the broker's holdings with the local ledger
// for one user and repairs what is safe to repair.
func (r *Reconciler) reconcilePositions(ctx context.Context, tx store.Interface, userID string, adapter broker.Broker) ([]events.Discrepancy, error) {
	brokerPositions, err := adapter.GetPositions(ctx)
	if err != nil {
		// Broker unavailable: skip the drift phase, keep the pending-trade
		// repairs from this transaction.
		r.logger.Printf("Warning: fetch broker positions for user %s: %v", util.ShortID(userID), err)
		return nil, nil
	}

	brokerQty := make(map[string]int, len(brokerPositions))
	brokerPrice := make(map[string]float64, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerQty[p.Symbol] = p.Qty
		brokerPrice[p.Symbol] = p.CurrentPrice
	}

	localQty, err := tx.OpenPositionQuantities(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sum open positions: %w", err)
	}

	symbols := make([]string, 0, len(brokerQty)+len(localQty))
	seen := make(map[string]bool)
	for sym := range brokerQty {
		symbols = append(symbols, sym)
		seen[sym] = true
	}
	for sym := range localQty {
		if !seen[sym] {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	var discrepancies []events.Discrepancy
	for _, symbol := range symbols {
		bq := brokerQty[symbol]
		lq := localQty[symbol]

		switch {
		case bq > lq:
			// Untracked broker shares are never sold automatically.
			d := events.Discrepancy{
				Type:      ExcessInBroker,
				Symbol:    symbol,
				LocalQty:  lq,
				BrokerQty: bq,
				Detail:    fmt.Sprintf("broker holds %d untracked share(s) of %s", bq-lq, symbol),
			}
			discrepancies = append(discrepancies, d)
			r.logger.Printf("Warning: DRIFT %s: %s", d.Type, d.Detail)

		case lq > bq:
			d := events.Discrepancy{
				Type:      ExcessInLocal,
				Symbol:    symbol,
				LocalQty:  lq,
				BrokerQty: bq,
				Detail:    fmt.Sprintf("ledger has %d stale share(s) of %s, auto-closing oldest", lq-bq, symbol),
			}
			discrepancies = append(discrepancies, d)
			r.logger.Printf("Warning: DRIFT %s: %s", d.Type, d.Detail)
			if err := r.autoCloseStale(ctx, tx, userID, symbol, lq-bq); err != nil {
				return discrepancies, err
			}
		}
	}

	if err := r.refreshPrices(ctx, tx, userID, brokerPrice); err != nil {
		return discrepancies, err
	}
	return discrepancies, nil
}

// autoCloseStale closes the oldest open positions for the symbol until the
// excess is absorbed.
func (r *Reconciler) autoCloseStale(ctx context.Context, tx store.Interface, userID, symbol string, excess int) error {
	positions, err := tx.ListOpenPositionsByUserSymbol(ctx, userID, symbol)
	if err != nil {
		return fmt.Errorf("list open positions for %s: %w", symbol, err)
	}

	remaining := excess
	for i := range positions {
		if remaining <= 0 {
			break
		}
		pos := &positions[i]
		pos.MarkClosed(r.now())
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("auto-close position %s: %w", pos.ID, err)
		}
		remaining -= pos.Quantity
		r.logger.Printf("Auto-closed stale position %s: %s x%d", pos.ID, symbol, pos.Quantity)
	}

	if r.activity != nil {
		r.activity.Warning(ctx, models.CategorySystem,
			fmt.Sprintf("Auto-closed stale position(s): %s (%d share(s) not held at broker)", symbol, excess),
			activity.Entry{UserID: userID})
	}
	return nil
}

// refreshPrices updates current_price and unrealized_pnl on every open
// position from the broker snapshot.
func (r *Reconciler) refreshPrices(ctx context.Context, tx store.Interface, userID string, prices map[string]float64) error {
	if len(prices) == 0 {
		return nil
	}
	positions, err := tx.ListPositionsByUser(ctx, userID, false)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	for i := range positions {
		pos := &positions[i]
		live, ok := prices[pos.Symbol]
		if !ok {
			continue
		}
		pos.CurrentPrice = live
		pos.UnrealizedPnL = util.Round2((live - pos.EntryPrice) * float64(pos.Quantity))
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("refresh position %s: %w", pos.ID, err)
		}
	}
	return nil
}

func (r *Reconciler) alert(ctx context.Context, userID string, discrepancies []events.Discrepancy) {
	if r.bus != nil {
		if err := r.bus.PublishReconciliationAlert(events.ReconciliationAlert{
			UserID:        userID,
			Discrepancies: discrepancies,
			Timestamp:     r.now(),
		}); err != nil {
			r.logger.Printf("Warning: publish reconciliation alert: %v", err)
		}
	}
	if r.activity != nil {
		r.activity.Warning(ctx, models.CategorySystem,
			fmt.Sprintf("Position reconciliation found %d discrepancy(ies)", len(discrepancies)),
			activity.Entry{UserID: userID, Details: discrepancies})
	}
}
