// Package engine runs the trading service: a supervisor that owns one runner
// goroutine per active bot, a market-hours monitor, and the hooks the HTTP
// layer uses to start, stop, pause, and resume bots.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paperlane/paperlane/internal/activity"
	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/events"
	"github.com/paperlane/paperlane/internal/metrics"
	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/orders"
	"github.com/paperlane/paperlane/internal/reconcile"
	"github.com/paperlane/paperlane/internal/risk"
	"github.com/paperlane/paperlane/internal/store"
	"github.com/paperlane/paperlane/internal/util"
)

const (
	// DefaultMonitorInterval is how often the market clock is polled.
	DefaultMonitorInterval = 60 * time.Second
	// monitorErrorBackoff is the minimum wait after a failed clock poll.
	monitorErrorBackoff = 10 * time.Second

	// DefaultBarTimeframe and DefaultBarLimit shape the history window fed
	// to the indicator pipeline each cycle.
	DefaultBarTimeframe = "1Min"
	DefaultBarLimit     = 50
)

// Engine supervises bot runners and shared background loops.
type Engine struct {
	store      store.Interface
	registry   *broker.Registry
	bus        *events.Bus
	activity   *activity.Logger
	metrics    *metrics.Metrics
	reconciler *reconcile.Reconciler
	logger     *log.Logger

	mu      sync.Mutex
	running bool
	runners map[string]*botRunner

	marketOpen atomic.Bool
	eastern    *time.Location
	now        func() time.Time

	monitorInterval time.Duration
	barTimeframe    string
	barLimit        int
	waiterCfg       orders.Config

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithMonitorInterval overrides the market clock poll interval.
func WithMonitorInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.monitorInterval = d
		}
	}
}

// WithBars overrides the history window fetched per symbol per cycle.
func WithBars(timeframe string, limit int) Option {
	return func(e *Engine) {
		if timeframe != "" {
			e.barTimeframe = timeframe
		}
		if limit > 0 {
			e.barLimit = limit
		}
	}
}

// WithFillWait overrides the order fill polling behaviour.
func WithFillWait(cfg orders.Config) Option {
	return func(e *Engine) { e.waiterCfg = cfg }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine. bus, activityLog, m, and reconciler may be nil.
func New(s store.Interface, registry *broker.Registry, bus *events.Bus,
	activityLog *activity.Logger, m *metrics.Metrics, reconciler *reconcile.Reconciler,
	logger *log.Logger, opts ...Option) *Engine {

	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		logger.Printf("Warning: load America/New_York tzdata: %v, using fixed offset", err)
		eastern = time.FixedZone("ET", -5*3600)
	}

	e := &Engine{
		store:           s,
		registry:        registry,
		bus:             bus,
		activity:        activityLog,
		metrics:         m,
		reconciler:      reconciler,
		logger:          logger,
		runners:         make(map[string]*botRunner),
		eastern:         eastern,
		now:             time.Now,
		monitorInterval: DefaultMonitorInterval,
		barTimeframe:    DefaultBarTimeframe,
		barLimit:        DefaultBarLimit,
		waiterCfg:       orders.DefaultConfig,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start brings the engine up: resolve the current market state, spawn the
// monitor loop, run one blocking reconciliation pass, and only then resurrect
// every bot that was running when the process last stopped. Starting a
// running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.group, ctx = errgroup.WithContext(ctx)

	if err := e.updateMarketStatus(ctx); err != nil {
		e.logger.Printf("Warning: initial market status check: %v", err)
	}
	e.group.Go(func() error {
		e.monitorLoop(ctx)
		return nil
	})

	if e.reconciler != nil {
		// Runners must not act on pending state the reconciler is about to
		// repair, so the startup pass completes before any bot resumes.
		e.reconciler.RunOnce(ctx)
		e.group.Go(func() error {
			e.reconciler.RunLoop(ctx)
			return nil
		})
	}

	e.resumeRunningBots(ctx)

	e.logger.Printf("Engine started (%d runners)", e.runnerCount())
	if e.activity != nil {
		e.activity.Info(ctx, models.CategorySystem, "Trading engine started", activity.Entry{})
	}
	return nil
}

// Stop cancels the background loops and waits for every runner to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	e.running = false
	runners := make([]*botRunner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.runners = make(map[string]*botRunner)
	e.mu.Unlock()

	for _, r := range runners {
		r.stop()
	}
	if e.metrics != nil {
		e.metrics.ActiveRunners.Set(0)
	}
	if e.group != nil {
		_ = e.group.Wait()
	}
	e.logger.Printf("Engine stopped")
}

// resumeRunningBots restores runners for bots persisted as running. A bot
// whose user has no broker adapter is skipped without touching its status;
// registering credentials later and restarting the bot recovers it.
func (e *Engine) resumeRunningBots(ctx context.Context) {
	bots, err := e.store.ListBotsByStatus(ctx, models.BotStatusRunning)
	if err != nil {
		e.logger.Printf("Warning: list running bots: %v", err)
		return
	}
	for i := range bots {
		bot := bots[i]
		if err := e.RegisterBot(ctx, &bot); err != nil {
			e.logger.Printf("Warning: resume bot %s: %v", util.ShortID(bot.ID), err)
		}
	}
}

// RegisterBot validates the bot, resolves its user's broker adapter, and
// spawns its runner goroutine. The caller persists the status transition.
func (e *Engine) RegisterBot(ctx context.Context, bot *models.Bot) error {
	if err := bot.CanStart(); err != nil {
		return err
	}
	adapter := e.registry.Get(bot.UserID)
	if adapter == nil {
		return fmt.Errorf("no broker credentials registered for user %s", util.ShortID(bot.UserID))
	}

	e.mu.Lock()
	if _, exists := e.runners[bot.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("bot %s is already running", util.ShortID(bot.ID))
	}

	runner, err := newBotRunner(e, bot, adapter)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runner.cancel = cancel
	e.runners[bot.ID] = runner
	count := len(e.runners)
	e.mu.Unlock()

	go runner.run(runCtx)

	if e.metrics != nil {
		e.metrics.ActiveRunners.Set(float64(count))
	}
	e.logger.Printf("Bot %s registered (%s, every %s)", util.ShortID(bot.ID), bot.Name, bot.Period())
	return nil
}

// UnregisterBot stops and removes a bot's runner. Missing runners are fine:
// stopping a stopped bot is a no-op.
func (e *Engine) UnregisterBot(botID string) {
	e.mu.Lock()
	runner, ok := e.runners[botID]
	if ok {
		delete(e.runners, botID)
	}
	count := len(e.runners)
	e.mu.Unlock()

	if !ok {
		return
	}
	runner.stop()
	if e.metrics != nil {
		e.metrics.ActiveRunners.Set(float64(count))
	}
	e.logger.Printf("Bot %s unregistered", util.ShortID(botID))
}

// removeRunner drops a runner entry without stopping it. Used by a runner
// deregistering itself after an auto-stop.
func (e *Engine) removeRunner(botID string) {
	e.mu.Lock()
	delete(e.runners, botID)
	count := len(e.runners)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ActiveRunners.Set(float64(count))
	}
}

// PauseBot makes a running bot skip its cycles.
func (e *Engine) PauseBot(botID string) error {
	return e.setRunnerPaused(botID, true)
}

// ResumeBot lifts a pause.
func (e *Engine) ResumeBot(botID string) error {
	return e.setRunnerPaused(botID, false)
}

func (e *Engine) setRunnerPaused(botID string, paused bool) error {
	e.mu.Lock()
	runner, ok := e.runners[botID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("bot %s has no active runner", util.ShortID(botID))
	}
	runner.setPaused(paused)
	return nil
}

// IsRegistered reports whether the bot has a live runner.
func (e *Engine) IsRegistered(botID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runners[botID]
	return ok
}

func (e *Engine) runnerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runners)
}

// MarketOpen returns the last observed market state.
func (e *Engine) MarketOpen() bool {
	return e.marketOpen.Load()
}

// BotTodayPnL sums realized P&L since UTC midnight. Errors count as zero so
// a read failure never blocks the daily-loss check in the optimistic
// direction; the limit comparison treats zero as "no losses yet".
func (e *Engine) BotTodayPnL(ctx context.Context, botID string) float64 {
	midnight := e.now().UTC().Truncate(24 * time.Hour)
	pnl, err := e.store.RealizedPnLSince(ctx, botID, midnight)
	if err != nil {
		e.logger.Printf("Warning: today's P&L for bot %s: %v", util.ShortID(botID), err)
		return 0
	}
	return pnl
}

// BotOpenPositionCount counts the bot's open positions, zero on error.
func (e *Engine) BotOpenPositionCount(ctx context.Context, botID string) int {
	count, err := e.store.CountOpenPositions(ctx, botID)
	if err != nil {
		e.logger.Printf("Warning: open position count for bot %s: %v", util.ShortID(botID), err)
		return 0
	}
	return count
}

// TriggerReconciliation runs one on-demand reconciliation pass.
func (e *Engine) TriggerReconciliation(ctx context.Context) (reconcile.Summary, error) {
	if e.reconciler == nil {
		return reconcile.Summary{}, fmt.Errorf("reconciler not configured")
	}
	return e.reconciler.RunOnce(ctx), nil
}

// ClosePosition sells out an open position on demand, independent of whether
// the owning bot has a runner.
func (e *Engine) ClosePosition(ctx context.Context, positionID, reason string) error {
	position, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if !position.IsOpen {
		return fmt.Errorf("position %s is already closed", util.ShortID(positionID))
	}
	bot, err := e.store.GetBot(ctx, position.BotID)
	if err != nil {
		return err
	}
	adapter := e.registry.Get(bot.UserID)
	if adapter == nil {
		return fmt.Errorf("no broker credentials registered for user %s", util.ShortID(bot.UserID))
	}

	price, err := adapter.GetLatestPrice(ctx, position.Symbol)
	if err != nil || price <= 0 {
		if err != nil {
			e.logger.Printf("Warning: price for %s: %v, using last known", position.Symbol, err)
		}
		price = position.CurrentPrice
	}

	riskCfg, err := risk.ParseConfig(bot.RiskManagement)
	if err != nil {
		riskCfg = risk.Config{MaxPositionSize: risk.DefaultMaxPositionSizePct}
	}
	exec := newExecutor(bot, adapter, e.store, e.bus, e.activity, e.metrics,
		e.logger, riskCfg, e.waiterCfg, e.now)
	return exec.executeSell(ctx, position.Symbol, price, nil, reason)
}

// monitorLoop keeps marketOpen current and announces transitions.
func (e *Engine) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(e.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.updateMarketStatus(ctx); err != nil {
				e.logger.Printf("Warning: market status check: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(monitorErrorBackoff):
				}
			}
		}
	}
}

// updateMarketStatus polls the default adapter's clock and records the state.
func (e *Engine) updateMarketStatus(ctx context.Context) error {
	adapter := e.registry.Default()
	if adapter == nil {
		// No adapter yet: any registered one serves, the clock is global.
		for _, userID := range e.registry.UserIDs() {
			if a := e.registry.Get(userID); a != nil {
				adapter = a
				break
			}
		}
	}
	if adapter == nil {
		e.setMarketOpen(false)
		return nil
	}

	clock, err := adapter.GetClock(ctx)
	if err != nil {
		return fmt.Errorf("fetch market clock: %w", err)
	}
	e.setMarketOpen(clock.IsOpen)
	return nil
}

func (e *Engine) setMarketOpen(open bool) {
	previous := e.marketOpen.Swap(open)
	if e.metrics != nil {
		if open {
			e.metrics.MarketOpen.Set(1)
		} else {
			e.metrics.MarketOpen.Set(0)
		}
	}
	if previous == open {
		return
	}

	if open {
		e.logger.Printf("Market OPENED")
	} else {
		e.logger.Printf("Market CLOSED")
	}
	if e.bus != nil {
		if err := e.bus.PublishMarketStatusChanged(open); err != nil {
			e.logger.Printf("Warning: publish market_status_changed: %v", err)
		}
	}
}
