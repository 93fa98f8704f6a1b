package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paperlane/paperlane/internal/activity"
	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/events"
	"github.com/paperlane/paperlane/internal/indicator"
	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/risk"
	"github.com/paperlane/paperlane/internal/signal"
	"github.com/paperlane/paperlane/internal/store"
	"github.com/paperlane/paperlane/internal/util"
)

// MaxErrorCount is the number of consecutive failed cycles after which a
// runner stops itself and flags the bot as errored.
const MaxErrorCount = 5

// botRunner executes the trading loop for one bot. It owns no shared state
// beyond its bot row; everything else is reached through the engine.
type botRunner struct {
	*executor

	engine     *Engine
	indicators []indicator.Config
	symbols    []string
	period     time.Duration

	paused chan bool // true pauses, false resumes
	done   chan struct{}
	cancel context.CancelFunc

	consecutiveErrors int
}

func newBotRunner(e *Engine, bot *models.Bot, b broker.Broker) (*botRunner, error) {
	configs, err := indicator.ParseConfig(bot.Indicators)
	if err != nil {
		return nil, fmt.Errorf("parse indicator config: %w", err)
	}
	riskCfg, err := risk.ParseConfig(bot.RiskManagement)
	if err != nil {
		return nil, fmt.Errorf("parse risk config: %w", err)
	}
	return &botRunner{
		executor: newExecutor(bot, b, e.store, e.bus, e.activity, e.metrics,
			e.logger, riskCfg, e.waiterCfg, e.now),
		engine:     e,
		indicators: configs,
		symbols:    bot.Symbols,
		period:     bot.Period(),
		paused:     make(chan bool, 1),
		done:       make(chan struct{}),
	}, nil
}

// run is the runner goroutine. The first cycle happens one full period after
// start; a bot is never allowed to trade the instant it is registered.
func (r *botRunner) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	isPaused := false
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-r.paused:
			isPaused = p
		case <-ticker.C:
			if isPaused {
				continue
			}
			// Drain a pause that raced with the tick.
			select {
			case p := <-r.paused:
				isPaused = p
				if isPaused {
					continue
				}
			default:
			}
			if !r.shouldTrade() {
				continue
			}
			if err := r.cycle(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.consecutiveErrors++
				r.logger.Printf("Bot %s cycle error (%d/%d): %v",
					util.ShortID(r.bot.ID), r.consecutiveErrors, MaxErrorCount, err)
				if r.metrics != nil {
					r.metrics.CyclesTotal.WithLabelValues("error").Inc()
					r.metrics.CycleErrorsTotal.WithLabelValues(r.bot.ID).Inc()
				}
				if r.consecutiveErrors >= MaxErrorCount {
					r.autoStop(err)
					return
				}
			} else {
				r.consecutiveErrors = 0
				if r.metrics != nil {
					r.metrics.CyclesTotal.WithLabelValues("ok").Inc()
				}
			}
		}
	}
}

// shouldTrade gates a cycle on the trading window and market hours.
func (r *botRunner) shouldTrade() bool {
	if !r.bot.WindowContains(r.now().In(r.engine.eastern)) {
		return false
	}
	return r.engine.MarketOpen()
}

// cycle runs one full pass: exit sweep, per-symbol signal pipeline, last-run
// stamp. Per-symbol failures are collected rather than aborting the pass, but
// the first one is still returned so persistent broker trouble counts toward
// the auto-stop limit.
func (r *botRunner) cycle(ctx context.Context) error {
	var firstErr error

	if err := r.sweepExits(ctx); err != nil {
		firstErr = err
	}

	for _, symbol := range r.symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.processSymbol(ctx, symbol); err != nil {
			r.logger.Printf("Bot %s: symbol %s: %v", util.ShortID(r.bot.ID), symbol, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := r.store.SetBotLastRun(ctx, r.bot.ID, r.now()); err != nil {
		r.logger.Printf("Warning: update last_run for bot %s: %v", util.ShortID(r.bot.ID), err)
	}
	return firstErr
}

// sweepExits checks every open position against its stop-loss and take-profit
// levels before any new signal work. Stop-loss wins when both trigger.
func (r *botRunner) sweepExits(ctx context.Context) error {
	positions, err := r.store.ListOpenPositionsByBot(ctx, r.bot.ID)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	for i := range positions {
		position := &positions[i]
		price, err := r.broker.GetLatestPrice(ctx, position.Symbol)
		if err != nil || price <= 0 {
			if err != nil {
				r.logger.Printf("Warning: price for %s: %v", position.Symbol, err)
			}
			continue
		}
		if r.bus != nil {
			if err := r.bus.PublishPriceUpdate(position.Symbol, price); err != nil {
				r.logger.Printf("Warning: publish price_update: %v", err)
			}
		}

		reason := ""
		if position.StopLossPrice != nil && price <= *position.StopLossPrice {
			reason = fmt.Sprintf("Stop-loss triggered (price <= $%.2f)", *position.StopLossPrice)
		} else if position.TakeProfitPrice != nil && price >= *position.TakeProfitPrice {
			reason = fmt.Sprintf("Take-profit triggered (price >= $%.2f)", *position.TakeProfitPrice)
		}

		if reason != "" {
			if err := r.executeSell(ctx, position.Symbol, price, nil, reason); err != nil {
				r.logger.Printf("Bot %s: exit %s: %v", util.ShortID(r.bot.ID), position.Symbol, err)
			}
			continue
		}

		position.CurrentPrice = price
		position.UnrealizedPnL = util.Round2((price - position.EntryPrice) * float64(position.Quantity))
		if err := r.store.UpdatePosition(ctx, position); err != nil {
			r.logger.Printf("Warning: refresh position %s: %v", util.ShortID(position.ID), err)
		}
	}
	return nil
}

// processSymbol runs the indicator pipeline for one symbol and acts on the
// outcome. An open position is only exited by its own entry indicator; a
// position without one falls back to the majority vote.
func (r *botRunner) processSymbol(ctx context.Context, symbol string) error {
	bars, err := r.broker.GetBars(ctx, symbol, r.engine.barTimeframe, r.engine.barLimit, time.Time{})
	if err != nil {
		return fmt.Errorf("fetch bars: %w", err)
	}
	if len(bars) == 0 {
		r.logger.Printf("No bars for %s, skipping", symbol)
		return nil
	}

	values := indicator.Compute(r.logger, indicator.NewSeries(bars), r.indicators)
	perSignals := signal.PerIndicator(r.indicators, values)
	snapshot := map[string]any{
		"indicators":            values,
		"per_indicator_signals": perSignals,
	}

	position, err := r.store.GetOpenPosition(ctx, r.bot.ID, symbol)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load open position: %w", err)
	}

	if position != nil {
		return r.maybeExit(ctx, symbol, position, values, perSignals, snapshot)
	}
	return r.maybeEnter(ctx, symbol, perSignals, snapshot)
}

func (r *botRunner) maybeExit(ctx context.Context, symbol string, position *models.Position,
	values map[string]indicator.Values, perSignals map[string]signal.Action, snapshot map[string]any) error {

	var reason string
	if position.EntryIndicator == "" {
		vote := signal.MajorityVote(r.indicators, values)
		if vote.Final != signal.Sell {
			return nil
		}
		snapshot["signal_details"] = vote
		reason = "Majority vote sell signal"
	} else {
		if perSignals[position.EntryIndicator] != signal.Sell {
			return nil
		}
		snapshot["exit_indicator"] = position.EntryIndicator
		snapshot["exit_signal"] = signal.Sell
		reason = position.EntryIndicator + " sell signal"
	}

	price, err := r.broker.GetLatestPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch price: %w", err)
	}
	if price <= 0 {
		return nil
	}
	return r.executeSell(ctx, symbol, price, snapshot, reason)
}

func (r *botRunner) maybeEnter(ctx context.Context, symbol string,
	perSignals map[string]signal.Action, snapshot map[string]any) error {

	// First BUY in configuration order wins.
	entryIndicator := ""
	for _, cfg := range r.indicators {
		if perSignals[cfg.Name] == signal.Buy {
			entryIndicator = cfg.Name
			break
		}
	}
	if entryIndicator == "" {
		return nil
	}

	price, err := r.broker.GetLatestPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch price: %w", err)
	}
	if price <= 0 {
		return nil
	}

	todayPnL := r.engine.BotTodayPnL(ctx, r.bot.ID)
	openCount := r.engine.BotOpenPositionCount(ctx, r.bot.ID)

	allowed, blockReason := risk.Check(signal.Buy, r.riskCfg, r.bot.Capital, price, todayPnL, openCount)
	if !allowed {
		r.logger.Printf("Bot %s: BUY %s blocked: %s", util.ShortID(r.bot.ID), symbol, blockReason)
		if r.metrics != nil {
			r.metrics.RiskBlockedTotal.Inc()
		}
		if r.activity != nil {
			r.activity.Info(ctx, models.CategoryRisk,
				fmt.Sprintf("BUY %s blocked: %s", symbol, blockReason),
				activityEntry(r.bot, map[string]any{"symbol": symbol, "price": price, "reason": blockReason}))
		}
		return nil
	}

	snapshot["entry_indicator"] = entryIndicator
	snapshot["entry_signal"] = signal.Buy
	return r.executeBuy(ctx, symbol, price, snapshot, entryIndicator)
}

// autoStop persists the error state, announces it, and deregisters the
// runner. Called from the runner goroutine itself, so it must not wait on
// its own done channel.
func (r *botRunner) autoStop(cause error) {
	// The loop context is gone or going; use a fresh one for persistence.
	ctx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPersist()

	r.logger.Printf("Bot %s exceeded %d consecutive errors, stopping: %v",
		util.ShortID(r.bot.ID), MaxErrorCount, cause)

	if err := r.store.UpdateBotStatus(ctx, r.bot.ID, models.BotStatusError, false); err != nil {
		r.logger.Printf("Warning: persist error status for bot %s: %v", util.ShortID(r.bot.ID), err)
	}
	if err := r.store.SetBotError(ctx, r.bot.ID, r.consecutiveErrors); err != nil {
		r.logger.Printf("Warning: persist error count for bot %s: %v", util.ShortID(r.bot.ID), err)
	}

	if r.bus != nil {
		if err := r.bus.PublishBotStatusChanged(events.BotStatusChanged{
			ID:         r.bot.ID,
			Status:     models.BotStatusError,
			IsActive:   false,
			ErrorCount: r.consecutiveErrors,
		}); err != nil {
			r.logger.Printf("Warning: publish bot_status_changed: %v", err)
		}
	}
	if r.activity != nil {
		r.activity.Error(ctx, models.CategoryBot,
			fmt.Sprintf("Bot stopped after %d consecutive errors: %v", r.consecutiveErrors, cause),
			activityEntry(r.bot, nil))
	}

	r.engine.removeRunner(r.bot.ID)
}

// setPaused signals the loop without blocking the caller.
func (r *botRunner) setPaused(paused bool) {
	select {
	case r.paused <- paused:
	default:
		// Replace a not-yet-consumed signal.
		select {
		case <-r.paused:
		default:
		}
		r.paused <- paused
	}
}

func (r *botRunner) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func activityEntry(bot *models.Bot, details map[string]any) activity.Entry {
	return activity.Entry{BotID: bot.ID, UserID: bot.UserID, Details: details}
}
