package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/paperlane/paperlane/internal/models"
)

// Store is the Postgres-backed implementation of Interface.
type Store struct {
	db *gorm.DB
}

// New opens a Postgres connection, runs migrations, and returns the store.
func New(dsn string, logger *log.Logger) (*Store, error) {
	gormLog := gormlogger.Discard
	if logger != nil {
		gormLog = gormlogger.New(logger, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Bot{},
		&models.Position{},
		&models.Trade{},
		&models.ActivityLog{},
		&models.BrokerCredentials{},
		&models.AppSetting{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	return translate(s.db.WithContext(ctx).Create(user).Error)
}

// ---------------------------------------------------------------------------
// Bots
// ---------------------------------------------------------------------------

func (s *Store) CreateBot(ctx context.Context, bot *models.Bot) error {
	return translate(s.db.WithContext(ctx).Create(bot).Error)
}

func (s *Store) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	var bot models.Bot
	if err := s.db.WithContext(ctx).First(&bot, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &bot, nil
}

func (s *Store) ListBotsByUser(ctx context.Context, userID string) ([]models.Bot, error) {
	var bots []models.Bot
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&bots).Error
	return bots, translate(err)
}

func (s *Store) ListBotsByStatus(ctx context.Context, status models.BotStatus) ([]models.Bot, error) {
	var bots []models.Bot
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&bots).Error
	return bots, translate(err)
}

func (s *Store) UpdateBot(ctx context.Context, bot *models.Bot) error {
	res := s.db.WithContext(ctx).Model(&models.Bot{}).Where("id = ?", bot.ID).
		Select("*").Omit("id", "created_at").Updates(bot)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateBotStatus(ctx context.Context, botID string, status models.BotStatus, isActive bool) error {
	res := s.db.WithContext(ctx).Model(&models.Bot{}).Where("id = ?", botID).
		Updates(map[string]any{
			"status":     status,
			"is_active":  isActive,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetBotError(ctx context.Context, botID string, errorCount int) error {
	res := s.db.WithContext(ctx).Model(&models.Bot{}).Where("id = ?", botID).
		Updates(map[string]any{
			"status":      models.BotStatusError,
			"is_active":   false,
			"error_count": errorCount,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetBotLastRun(ctx context.Context, botID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Bot{}).Where("id = ?", botID).
		UpdateColumn("last_run_at", at)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBot removes the bot and everything it owns. The caller enforces the
// not-running rule.
func (s *Store) DeleteBot(ctx context.Context, id string) error {
	return s.WithTransaction(ctx, func(tx Interface) error {
		g := tx.(*Store).db
		if err := g.Where("bot_id = ?", id).Delete(&models.Trade{}).Error; err != nil {
			return translate(err)
		}
		if err := g.Where("bot_id = ?", id).Delete(&models.Position{}).Error; err != nil {
			return translate(err)
		}
		res := g.Where("id = ?", id).Delete(&models.Bot{})
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

func (s *Store) CreatePosition(ctx context.Context, pos *models.Position) error {
	return translate(s.db.WithContext(ctx).Create(pos).Error)
}

func (s *Store) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	var pos models.Position
	if err := s.db.WithContext(ctx).First(&pos, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &pos, nil
}

func (s *Store) GetOpenPosition(ctx context.Context, botID, symbol string) (*models.Position, error) {
	var pos models.Position
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND symbol = ? AND is_open = ?", botID, symbol, true).
		Order("opened_at ASC").
		First(&pos).Error
	if err != nil {
		return nil, translate(err)
	}
	return &pos, nil
}

func (s *Store) ListOpenPositionsByBot(ctx context.Context, botID string) ([]models.Position, error) {
	var positions []models.Position
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND is_open = ?", botID, true).
		Order("opened_at ASC").
		Find(&positions).Error
	return positions, translate(err)
}

func (s *Store) ListPositionsByUser(ctx context.Context, userID string, includeClosed bool) ([]models.Position, error) {
	q := s.db.WithContext(ctx).Model(&models.Position{}).
		Joins("JOIN bots ON bots.id = positions.bot_id").
		Where("bots.user_id = ?", userID)
	if !includeClosed {
		q = q.Where("positions.is_open = ?", true)
	}
	var positions []models.Position
	err := q.Order("positions.opened_at DESC").Find(&positions).Error
	return positions, translate(err)
}

func (s *Store) ListOpenPositionsByUserSymbol(ctx context.Context, userID, symbol string) ([]models.Position, error) {
	var positions []models.Position
	err := s.db.WithContext(ctx).Model(&models.Position{}).
		Joins("JOIN bots ON bots.id = positions.bot_id").
		Where("bots.user_id = ? AND positions.symbol = ? AND positions.is_open = ?", userID, symbol, true).
		Order("positions.opened_at ASC").
		Find(&positions).Error
	return positions, translate(err)
}

func (s *Store) OpenPositionQuantities(ctx context.Context, userID string) (map[string]int, error) {
	var rows []struct {
		Symbol string
		Total  int
	}
	err := s.db.WithContext(ctx).Model(&models.Position{}).
		Select("positions.symbol AS symbol, SUM(positions.quantity) AS total").
		Joins("JOIN bots ON bots.id = positions.bot_id").
		Where("bots.user_id = ? AND positions.is_open = ?", userID, true).
		Group("positions.symbol").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Symbol] = r.Total
	}
	return out, nil
}

func (s *Store) CountOpenPositions(ctx context.Context, botID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Position{}).
		Where("bot_id = ? AND is_open = ?", botID, true).
		Count(&count).Error
	return int(count), translate(err)
}

func (s *Store) UpdatePosition(ctx context.Context, pos *models.Position) error {
	res := s.db.WithContext(ctx).Model(&models.Position{}).Where("id = ?", pos.ID).
		Select("*").Omit("id", "bot_id", "opened_at").Updates(pos)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

func (s *Store) CreateTrade(ctx context.Context, trade *models.Trade) error {
	return translate(s.db.WithContext(ctx).Create(trade).Error)
}

func (s *Store) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	res := s.db.WithContext(ctx).Model(&models.Trade{}).Where("id = ?", trade.ID).
		Select("*").Omit("id", "bot_id", "timestamp").Updates(trade)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListTradesByBot(ctx context.Context, botID string, limit int) ([]models.Trade, error) {
	q := s.db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var trades []models.Trade
	err := q.Find(&trades).Error
	return trades, translate(err)
}

func (s *Store) ListTradesByUser(ctx context.Context, userID string, limit int) ([]models.Trade, error) {
	q := s.db.WithContext(ctx).Model(&models.Trade{}).
		Joins("JOIN bots ON bots.id = trades.bot_id").
		Where("bots.user_id = ?", userID).
		Order("trades.timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var trades []models.Trade
	err := q.Find(&trades).Error
	return trades, translate(err)
}

func (s *Store) ListPendingTradesByUser(ctx context.Context, userID string) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Joins("JOIN bots ON bots.id = trades.bot_id").
		Where("bots.user_id = ? AND trades.status IN ?", userID,
			[]models.TradeStatus{models.TradeStatusNew, models.TradeStatusPartiallyFilled}).
		Order("trades.timestamp ASC").
		Find(&trades).Error
	return trades, translate(err)
}

func (s *Store) RealizedPnLSince(ctx context.Context, botID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Select("COALESCE(SUM(profit_loss), 0)").
		Where("bot_id = ? AND timestamp >= ? AND profit_loss IS NOT NULL", botID, since).
		Scan(&total).Error
	return total, translate(err)
}

// ---------------------------------------------------------------------------
// Activity log
// ---------------------------------------------------------------------------

func (s *Store) InsertActivityLog(ctx context.Context, entry *models.ActivityLog) error {
	return translate(s.db.WithContext(ctx).Create(entry).Error)
}

func (s *Store) ListActivityLogs(ctx context.Context, filter ActivityFilter) ([]models.ActivityLog, error) {
	q := s.db.WithContext(ctx).Model(&models.ActivityLog{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.BotID != "" {
		q = q.Where("bot_id = ?", filter.BotID)
	}
	if filter.Level != "" {
		q = q.Where("level = ?", filter.Level)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var entries []models.ActivityLog
	err := q.Order("timestamp DESC").Limit(limit).Find(&entries).Error
	return entries, translate(err)
}

// ---------------------------------------------------------------------------
// Broker credentials
// ---------------------------------------------------------------------------

func (s *Store) GetBrokerCredentials(ctx context.Context, userID string) (*models.BrokerCredentials, error) {
	var creds models.BrokerCredentials
	if err := s.db.WithContext(ctx).First(&creds, "user_id = ?", userID).Error; err != nil {
		return nil, translate(err)
	}
	return &creds, nil
}

func (s *Store) UpsertBrokerCredentials(ctx context.Context, creds *models.BrokerCredentials) error {
	creds.UpdatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "api_secret", "base_url", "updated_at"}),
	}).Create(creds).Error
	return translate(err)
}

func (s *Store) ListBrokerCredentials(ctx context.Context) ([]models.BrokerCredentials, error) {
	var creds []models.BrokerCredentials
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&creds).Error
	return creds, translate(err)
}

// ---------------------------------------------------------------------------
// Per-user settings
// ---------------------------------------------------------------------------

func (s *Store) GetAppSetting(ctx context.Context, userID, category string) (*models.AppSetting, error) {
	var setting models.AppSetting
	err := s.db.WithContext(ctx).
		First(&setting, "user_id = ? AND category = ?", userID, category).Error
	if err != nil {
		return nil, translate(err)
	}
	return &setting, nil
}

func (s *Store) UpsertAppSetting(ctx context.Context, setting *models.AppSetting) error {
	setting.UpdatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{"settings", "updated_at"}),
	}).Create(setting).Error
	return translate(err)
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

func (s *Store) WithTransaction(ctx context.Context, fn func(tx Interface) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}
