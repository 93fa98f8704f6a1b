package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/paperlane/paperlane/internal/events"
	"github.com/paperlane/paperlane/internal/indicator"
	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/risk"
	"github.com/paperlane/paperlane/internal/store"
)

// botPayload is the create/update request body. Indicator and risk blocks
// stay raw JSON; their packages own the semantics.
type botPayload struct {
	Name             string      `json:"name" validate:"required,max=255"`
	Capital          float64     `json:"capital" validate:"required,gt=0"`
	TradingFrequency int         `json:"trading_frequency" validate:"required,gte=10"`
	Symbols          []string    `json:"symbols" validate:"required,min=1,dive,required"`
	Indicators       models.JSON `json:"indicators" validate:"required"`
	RiskManagement   models.JSON `json:"risk_management"`
	StartHour        *int        `json:"start_hour" validate:"omitempty,min=0,max=23"`
	StartMinute      *int        `json:"start_minute" validate:"omitempty,min=0,max=59"`
	EndHour          *int        `json:"end_hour" validate:"omitempty,min=0,max=23"`
	EndMinute        *int        `json:"end_minute" validate:"omitempty,min=0,max=59"`
}

func (p *botPayload) apply(bot *models.Bot) {
	bot.Name = p.Name
	bot.Capital = p.Capital
	bot.TradingFrequency = p.TradingFrequency
	bot.Symbols = models.StringList(p.Symbols)
	bot.Indicators = p.Indicators
	bot.RiskManagement = p.RiskManagement
	if bot.RiskManagement == nil {
		bot.RiskManagement = models.JSON(`{}`)
	}
	if p.StartHour != nil {
		bot.StartHour = *p.StartHour
	}
	if p.StartMinute != nil {
		bot.StartMinute = *p.StartMinute
	}
	if p.EndHour != nil {
		bot.EndHour = *p.EndHour
	}
	if p.EndMinute != nil {
		bot.EndMinute = *p.EndMinute
	}
}

// checkConfigs rejects indicator/risk blocks their packages cannot parse.
func (p *botPayload) checkConfigs() error {
	if _, err := indicator.ParseConfig(p.Indicators); err != nil {
		return err
	}
	if len(p.RiskManagement) > 0 {
		if _, err := risk.ParseConfig(p.RiskManagement); err != nil {
			return err
		}
	}
	return nil
}

// loadOwnedBot fetches a bot and enforces ownership. Bots of other users are
// indistinguishable from missing ones.
func (s *Server) loadOwnedBot(w http.ResponseWriter, r *http.Request) *models.Bot {
	bot, err := s.store.GetBot(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "bot not found")
		return nil
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to load bot")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if bot.UserID != requestUserID(r.Context()) {
		s.respondError(w, http.StatusNotFound, "bot not found")
		return nil
	}
	return bot
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBotsByUser(r.Context(), requestUserID(r.Context()))
	if err != nil {
		s.logger.WithError(err).Error("Failed to list bots")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, bots)
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var payload botPayload
	if err := s.decodeAndValidate(r, &payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := payload.checkConfigs(); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}

	bot := &models.Bot{
		ID:     uuid.NewString(),
		UserID: requestUserID(r.Context()),
		Status: models.BotStatusStopped,
		// Defaults matching the regular session; payload may override.
		StartHour: 9, StartMinute: 30, EndHour: 16, EndMinute: 0,
	}
	payload.apply(bot)
	if err := bot.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := s.store.CreateBot(r.Context(), bot); err != nil {
		s.logger.WithError(err).Error("Failed to create bot")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusCreated, bot)
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	bot := s.loadOwnedBot(w, r)
	if bot == nil {
		return
	}
	s.respondJSON(w, http.StatusOK, bot)
}

func (s *Server) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	bot := s.loadOwnedBot(w, r)
	if bot == nil {
		return
	}
	if bot.Status == models.BotStatusRunning || bot.Status == models.BotStatusPaused {
		s.respondError(w, http.StatusConflict, "stop the bot before editing it")
		return
	}

	var payload botPayload
	if err := s.decodeAndValidate(r, &payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := payload.checkConfigs(); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}

	payload.apply(bot)
	if err := bot.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := s.store.UpdateBot(r.Context(), bot); err != nil {
		s.logger.WithError(err).Error("Failed to update bot")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, bot)
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	bot := s.loadOwnedBot(w, r)
	if bot == nil {
		return
	}
	if bot.Status == models.BotStatusRunning || bot.Status == models.BotStatusPaused {
		s.respondError(w, http.StatusConflict, "stop the bot before deleting it")
		return
	}
	if err := s.store.DeleteBot(r.Context(), bot.ID); err != nil {
		s.logger.WithError(err).Error("Failed to delete bot")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	bot := s.loadOwnedBot(w, r)
	if bot == nil {
		return
	}
	if s.engine.IsRegistered(bot.ID) {
		s.respondError(w, http.StatusConflict, "bot is already running")
		return
	}
	if err := bot.CanStart(); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := s.store.UpdateBotStatus(r.Context(), bot.ID, models.BotStatusRunning, true); err != nil {
		s.logger.WithError(err).Error("Failed to persist bot status")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.SetBotError(r.Context(), bot.ID, 0); err != nil {
		s.logger.WithError(err).Warn("Failed to reset bot error count")
	}
	bot.Status = models.BotStatusRunning
	bot.IsActive = true
	bot.ErrorCount = 0

	if err := s.engine.RegisterBot(r.Context(), bot); err != nil {
		// Roll the status back so the bot doesn't claim to run.
		if rbErr := s.store.UpdateBotStatus(r.Context(), bot.ID, models.BotStatusStopped, false); rbErr != nil {
			s.logger.WithError(rbErr).Error("Failed to roll back bot status")
		}
		s.respondError(w, http.StatusConflict, "%v", err)
		return
	}

	s.publishBotStatus(bot.ID, models.BotStatusRunning, true, 0)
	s.respondJSON(w, http.StatusOK, bot)
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	s.transitionBot(w, r, models.BotStatusStopped, false)
}

func (s *Server) handlePauseBot(w http.ResponseWriter, r *http.Request) {
	bot := s.loadOwnedBot(w, r)
	if bot == nil {
		return
	}
	if err := s.engine.PauseBot(bot.ID); err != nil {
		s.respondError(w, http.StatusConflict, "%v", err)
		return
	}
	if err := s.store.UpdateBotStatus(r.Context(), bot.ID, models.BotStatusPaused, true); err != nil {
		s.logger.WithError(err).Error("Failed to persist bot status")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	bot.Status = models.BotStatusPaused
	s.publishBotStatus(bot.ID, models.BotStatusPaused, true, bot.ErrorCount)
	s.respondJSON(w, http.StatusOK, bot)
}

func (s *Server) handleResumeBot(w http.ResponseWriter, r *http.Request) {
	bot := s.loadOwnedBot(w, r)
	if bot == nil {
		return
	}
	if err := s.engine.ResumeBot(bot.ID); err != nil {
		s.respondError(w, http.StatusConflict, "%v", err)
		return
	}
	if err := s.store.UpdateBotStatus(r.Context(), bot.ID, models.BotStatusRunning, true); err != nil {
		s.logger.WithError(err).Error("Failed to persist bot status")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	bot.Status = models.BotStatusRunning
	s.publishBotStatus(bot.ID, models.BotStatusRunning, true, bot.ErrorCount)
	s.respondJSON(w, http.StatusOK, bot)
}

func (s *Server) transitionBot(w http.ResponseWriter, r *http.Request, status models.BotStatus, active bool) {
	bot := s.loadOwnedBot(w, r)
	if bot == nil {
		return
	}

	s.engine.UnregisterBot(bot.ID)
	if err := s.store.UpdateBotStatus(r.Context(), bot.ID, status, active); err != nil {
		s.logger.WithError(err).Error("Failed to persist bot status")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	bot.Status = status
	bot.IsActive = active
	s.publishBotStatus(bot.ID, status, active, bot.ErrorCount)
	s.respondJSON(w, http.StatusOK, bot)
}

func (s *Server) publishBotStatus(botID string, status models.BotStatus, active bool, errorCount int) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishBotStatusChanged(events.BotStatusChanged{
		ID:         botID,
		Status:     status,
		IsActive:   active,
		ErrorCount: errorCount,
	}); err != nil {
		s.logger.WithError(err).Warn("Failed to publish bot status change")
	}
}
