package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/paperlane/paperlane/internal/activity"
	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/store"
)

// userBroker resolves the caller's adapter, falling back to the service
// default. Returns nil after writing the error response.
func (s *Server) userBroker(w http.ResponseWriter, r *http.Request) broker.Broker {
	adapter := s.registry.Get(requestUserID(r.Context()))
	if adapter == nil {
		adapter = s.registry.Default()
	}
	if adapter == nil {
		s.respondError(w, http.StatusFailedDependency, "no broker credentials configured")
		return nil
	}
	return adapter
}

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{"is_open": s.engine.MarketOpen()}

	if adapter := s.registry.Get(requestUserID(r.Context())); adapter != nil {
		if clock, err := adapter.GetClock(r.Context()); err == nil {
			response["is_open"] = clock.IsOpen
			response["next_open"] = clock.NextOpen
			response["next_close"] = clock.NextClose
		}
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	adapter := s.userBroker(w, r)
	if adapter == nil {
		return
	}
	quote, err := adapter.GetLatestQuote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.respondError(w, http.StatusBadGateway, "quote unavailable: %v", err)
		return
	}
	s.respondJSON(w, http.StatusOK, quote)
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	adapter := s.userBroker(w, r)
	if adapter == nil {
		return
	}
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "1Min"
	}
	limit := queryLimit(r, 50, 1000)

	bars, err := adapter.GetBars(r.Context(), chi.URLParam(r, "symbol"), timeframe, limit, time.Time{})
	if err != nil {
		s.respondError(w, http.StatusBadGateway, "bars unavailable: %v", err)
		return
	}
	s.respondJSON(w, http.StatusOK, bars)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	adapter := s.userBroker(w, r)
	if adapter == nil {
		return
	}
	account, err := adapter.GetAccount(r.Context())
	if err != nil {
		s.respondError(w, http.StatusBadGateway, "account unavailable: %v", err)
		return
	}
	s.respondJSON(w, http.StatusOK, account)
}

// maskKey keeps the last four characters visible.
func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func (s *Server) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.GetBrokerCredentials(r.Context(), requestUserID(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "no credentials on file")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to load credentials")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"api_key":    maskKey(creds.APIKey),
		"base_url":   creds.BaseURL,
		"updated_at": creds.UpdatedAt,
	})
}

type credentialsPayload struct {
	APIKey    string `json:"api_key" validate:"required"`
	APISecret string `json:"api_secret" validate:"required"`
	BaseURL   string `json:"base_url" validate:"required,url"`
}

func (s *Server) handlePutCredentials(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if err := s.decodeAndValidate(r, &payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	userID := requestUserID(r.Context())

	previous, prevErr := s.store.GetBrokerCredentials(r.Context(), userID)

	candidate := models.BrokerCredentials{
		UserID:    userID,
		APIKey:    payload.APIKey,
		APISecret: payload.APISecret,
		BaseURL:   payload.BaseURL,
	}
	// Register first: the registry owns the live-URL policy.
	if err := s.registry.Register(userID, candidate); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}

	// Prove the keys against the broker before persisting them.
	adapter := s.registry.Get(userID)
	if _, err := adapter.GetAccount(r.Context()); err != nil {
		s.restorePreviousAdapter(userID, previous, prevErr)
		s.respondError(w, http.StatusBadRequest, "credentials rejected by broker: %v", err)
		return
	}

	candidate.ID = uuid.NewString()
	if prevErr == nil {
		candidate.ID = previous.ID
		candidate.CreatedAt = previous.CreatedAt
	}
	candidate.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertBrokerCredentials(r.Context(), &candidate); err != nil {
		s.logger.WithError(err).Error("Failed to persist credentials")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.activity != nil {
		s.activity.Info(r.Context(), models.CategoryAuth, "Broker credentials updated",
			activityForUser(userID))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"api_key":  maskKey(candidate.APIKey),
		"base_url": candidate.BaseURL,
	})
}

func (s *Server) restorePreviousAdapter(userID string, previous *models.BrokerCredentials, prevErr error) {
	if prevErr != nil || previous == nil {
		s.registry.Unregister(userID)
		return
	}
	if err := s.registry.Register(userID, *previous); err != nil {
		s.logger.WithError(err).Warn("Failed to restore previous broker adapter")
		s.registry.Unregister(userID)
	}
}

func activityForUser(userID string) activity.Entry {
	return activity.Entry{UserID: userID}
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.TriggerReconciliation(r.Context())
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}
