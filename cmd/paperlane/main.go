package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/paperlane/paperlane/internal/activity"
	"github.com/paperlane/paperlane/internal/api"
	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/config"
	"github.com/paperlane/paperlane/internal/engine"
	"github.com/paperlane/paperlane/internal/events"
	"github.com/paperlane/paperlane/internal/metrics"
	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/orders"
	"github.com/paperlane/paperlane/internal/reconcile"
	"github.com/paperlane/paperlane/internal/store"
	"github.com/paperlane/paperlane/internal/util"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	logger.Printf("Starting paperlane in %s mode", cfg.Environment.Mode)
	if cfg.IsProduction() {
		logger.Printf("PRODUCTION MODE - live trading URLs permitted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("Fatal: %v", err)
	}
	logger.Printf("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	var dbLogger *log.Logger
	if cfg.Database.LogQueries {
		dbLogger = logger
	}
	db, err := store.New(cfg.Database.DSN, dbLogger)
	if err != nil {
		return err
	}

	m := metrics.New()
	bus := events.NewBus(logger)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Printf("Warning: close event bus: %v", err)
		}
	}()

	registry := broker.NewRegistry(cfg.Environment.Mode, defaultBroker(cfg, logger), logger)
	registerStoredCredentials(ctx, db, registry, logger)

	activityLog := activity.NewLogger(db, logger, models.ActivityLevel(cfg.Activity.MinLevel))

	reconciler := reconcile.New(db, registry, bus, activityLog, m, logger,
		reconcile.WithInterval(cfg.ReconcileInterval()))

	eng := engine.New(db, registry, bus, activityLog, m, reconciler, logger,
		engine.WithMonitorInterval(cfg.MonitorInterval()),
		engine.WithBars(cfg.Engine.BarTimeframe, cfg.Engine.BarLimit),
		engine.WithFillWait(orders.Config{
			PollInterval: cfg.FillPollInterval(),
			MaxAttempts:  cfg.Engine.FillPollAttempts,
		}))

	server := api.NewServer(api.Config{
		Port:           cfg.Server.Port,
		JWTSecret:      cfg.Server.JWTSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout(),
	}, db, registry, eng, bus, m, activityLog, serverLogger(cfg))

	if err := eng.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Warning: server shutdown: %v", err)
		}
		eng.Stop()
		return nil
	})
	return g.Wait()
}

// defaultBroker builds the service-level adapter, used for the market clock
// until per-user credentials exist. Nil when not configured.
func defaultBroker(cfg *config.Config, logger *log.Logger) broker.Broker {
	if !cfg.HasDefaultBroker() {
		return nil
	}
	opts := []broker.AlpacaOption{broker.WithRateLimit(cfg.Broker.RateLimitPerMinute)}
	if cfg.Broker.DataURL != "" {
		opts = append(opts, broker.WithDataURL(cfg.Broker.DataURL))
	}
	client := broker.NewAlpacaClient(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.BaseURL, logger, opts...)
	return broker.NewCircuitBreakerBroker(client, logger)
}

// registerStoredCredentials resurrects per-user adapters from the database.
// Failures are logged per user so one bad row doesn't block startup.
func registerStoredCredentials(ctx context.Context, db store.Interface, registry *broker.Registry, logger *log.Logger) {
	credentials, err := db.ListBrokerCredentials(ctx)
	if err != nil {
		logger.Printf("Warning: list broker credentials: %v", err)
		return
	}
	for _, creds := range credentials {
		if err := registry.Register(creds.UserID, creds); err != nil {
			logger.Printf("Warning: register broker adapter for user %s: %v", util.ShortID(creds.UserID), err)
		}
	}
	logger.Printf("Registered %d broker adapter(s) from stored credentials", len(credentials))
}

func serverLogger(cfg *config.Config) *logrus.Logger {
	l := logrus.New()
	level, err := logrus.ParseLevel(cfg.Environment.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return l
}
