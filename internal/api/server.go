// Package api exposes the HTTP surface: REST endpoints for bots, positions,
// trades, activity, market data and credentials, a Prometheus metrics
// endpoint, and a WebSocket fan-out of the event bus.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/paperlane/paperlane/internal/activity"
	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/engine"
	"github.com/paperlane/paperlane/internal/events"
	"github.com/paperlane/paperlane/internal/metrics"
	"github.com/paperlane/paperlane/internal/store"
)

// Config holds the server's own settings.
type Config struct {
	Port           int
	JWTSecret      string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server wires the REST and WebSocket surface over the service internals.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	store    store.Interface
	registry *broker.Registry
	engine   *engine.Engine
	bus      *events.Bus
	metrics  *metrics.Metrics
	activity *activity.Logger
	logger   *logrus.Logger
	validate *validator.Validate
	cfg      Config
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, s store.Interface, registry *broker.Registry, eng *engine.Engine,
	bus *events.Bus, m *metrics.Metrics, activityLog *activity.Logger, logger *logrus.Logger) *Server {

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		registry: registry,
		engine:   eng,
		bus:      bus,
		metrics:  m,
		activity: activityLog,
		logger:   logger,
		validate: validator.New(),
		cfg:      cfg,
	}
	srv.setupRoutes()
	return srv
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.corsMiddleware)

	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	// The WebSocket route authenticates but must not carry the request
	// timeout: the connection is long-lived.
	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/ws", s.handleWebSocket)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		r.Use(s.authMiddleware)

		r.Route("/bots", func(r chi.Router) {
			r.Get("/", s.handleListBots)
			r.Post("/", s.handleCreateBot)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetBot)
				r.Put("/", s.handleUpdateBot)
				r.Delete("/", s.handleDeleteBot)
				r.Post("/start", s.handleStartBot)
				r.Post("/stop", s.handleStopBot)
				r.Post("/pause", s.handlePauseBot)
				r.Post("/resume", s.handleResumeBot)
				r.Get("/trades", s.handleBotTrades)
			})
		})

		r.Get("/positions", s.handleListPositions)
		r.Post("/positions/{id}/close", s.handleClosePosition)
		r.Get("/trades", s.handleListTrades)
		r.Get("/activity", s.handleListActivity)

		r.Get("/market/status", s.handleMarketStatus)
		r.Get("/market/quote/{symbol}", s.handleQuote)
		r.Get("/market/bars/{symbol}", s.handleBars)
		r.Get("/account", s.handleAccount)

		r.Get("/credentials", s.handleGetCredentials)
		r.Put("/credentials", s.handlePutCredentials)

		r.Get("/settings/{category}", s.handleGetSettings)
		r.Put("/settings/{category}", s.handlePutSettings)

		r.Post("/reconcile", s.handleReconcile)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("API server listening on port %d", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	allowAll := false
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, format string, args ...any) {
	s.respondJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// decodeAndValidate parses a JSON body into v and runs struct validation.
func (s *Server) decodeAndValidate(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
