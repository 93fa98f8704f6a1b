package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/store"
)

const defaultListLimit = 100

func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	includeClosed := r.URL.Query().Get("include_closed") == "true"
	positions, err := s.store.ListPositionsByUser(r.Context(), requestUserID(r.Context()), includeClosed)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list positions")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, positions)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "id")

	position, err := s.store.GetPosition(r.Context(), positionID)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "position not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to load position")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	bot, err := s.store.GetBot(r.Context(), position.BotID)
	if err != nil || bot.UserID != requestUserID(r.Context()) {
		s.respondError(w, http.StatusNotFound, "position not found")
		return
	}

	if err := s.engine.ClosePosition(r.Context(), positionID, "Manual close"); err != nil {
		s.respondError(w, http.StatusConflict, "%v", err)
		return
	}

	closed, err := s.store.GetPosition(r.Context(), positionID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to reload position")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, closed)
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultListLimit, 1000)
	trades, err := s.store.ListTradesByUser(r.Context(), requestUserID(r.Context()), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list trades")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleBotTrades(w http.ResponseWriter, r *http.Request) {
	bot := s.loadOwnedBot(w, r)
	if bot == nil {
		return
	}
	limit := queryLimit(r, defaultListLimit, 1000)
	trades, err := s.store.ListTradesByBot(r.Context(), bot.ID, limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list bot trades")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	filter := store.ActivityFilter{
		UserID:   requestUserID(r.Context()),
		BotID:    r.URL.Query().Get("bot_id"),
		Level:    models.ActivityLevel(r.URL.Query().Get("level")),
		Category: models.ActivityCategory(r.URL.Query().Get("category")),
		Limit:    queryLimit(r, defaultListLimit, 1000),
	}
	logs, err := s.store.ListActivityLogs(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list activity")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, logs)
}
