package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/store"
)

// Per-user UI settings, one opaque JSON document per category (dashboard
// layout, alert preferences, and so on). The server never interprets the
// contents beyond requiring an object.

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	setting, err := s.store.GetAppSetting(r.Context(), requestUserID(r.Context()), category)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "no settings for category %s", category)
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to load settings")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, setting)
}

type settingsPayload struct {
	Settings models.JSON `json:"settings" validate:"required"`
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var payload settingsPayload
	if err := s.decodeAndValidate(r, &payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(payload.Settings, &object); err != nil {
		s.respondError(w, http.StatusBadRequest, "settings must be a JSON object")
		return
	}

	setting := models.AppSetting{
		ID:       uuid.NewString(),
		UserID:   requestUserID(r.Context()),
		Category: chi.URLParam(r, "category"),
		Settings: payload.Settings,
	}
	if err := s.store.UpsertAppSetting(r.Context(), &setting); err != nil {
		s.logger.WithError(err).Error("Failed to persist settings")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, setting)
}
