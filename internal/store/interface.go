// Package store persists users, bots, trades, positions, activity logs, and
// broker credentials.
package store

import (
	"context"
	"time"

	"github.com/paperlane/paperlane/internal/models"
)

// ActivityFilter narrows ListActivityLogs. Zero values match everything.
type ActivityFilter struct {
	UserID   string
	BotID    string
	Level    models.ActivityLevel
	Category models.ActivityCategory
	Limit    int
}

// Interface is the contract for the persistence layer.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe. Methods returning a single row return
// ErrNotFound when no row matches.
//
// WithTransaction runs fn against a transactional view of the store; every
// mutation made through fn's argument commits or rolls back atomically. The
// BUY pending-record pair (Trade + Position) and the reconciler's per-user
// repairs rely on this.
type Interface interface {
	// Users
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error

	// Bots
	CreateBot(ctx context.Context, bot *models.Bot) error
	GetBot(ctx context.Context, id string) (*models.Bot, error)
	ListBotsByUser(ctx context.Context, userID string) ([]models.Bot, error)
	ListBotsByStatus(ctx context.Context, status models.BotStatus) ([]models.Bot, error)
	UpdateBot(ctx context.Context, bot *models.Bot) error
	UpdateBotStatus(ctx context.Context, botID string, status models.BotStatus, isActive bool) error
	SetBotError(ctx context.Context, botID string, errorCount int) error
	SetBotLastRun(ctx context.Context, botID string, at time.Time) error
	DeleteBot(ctx context.Context, id string) error

	// Positions
	CreatePosition(ctx context.Context, pos *models.Position) error
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	GetOpenPosition(ctx context.Context, botID, symbol string) (*models.Position, error)
	ListOpenPositionsByBot(ctx context.Context, botID string) ([]models.Position, error)
	ListPositionsByUser(ctx context.Context, userID string, includeClosed bool) ([]models.Position, error)
	ListOpenPositionsByUserSymbol(ctx context.Context, userID, symbol string) ([]models.Position, error)
	OpenPositionQuantities(ctx context.Context, userID string) (map[string]int, error)
	CountOpenPositions(ctx context.Context, botID string) (int, error)
	UpdatePosition(ctx context.Context, pos *models.Position) error

	// Trades
	CreateTrade(ctx context.Context, trade *models.Trade) error
	UpdateTrade(ctx context.Context, trade *models.Trade) error
	ListTradesByBot(ctx context.Context, botID string, limit int) ([]models.Trade, error)
	ListTradesByUser(ctx context.Context, userID string, limit int) ([]models.Trade, error)
	ListPendingTradesByUser(ctx context.Context, userID string) ([]models.Trade, error)
	RealizedPnLSince(ctx context.Context, botID string, since time.Time) (float64, error)

	// Activity log
	InsertActivityLog(ctx context.Context, entry *models.ActivityLog) error
	ListActivityLogs(ctx context.Context, filter ActivityFilter) ([]models.ActivityLog, error)

	// Broker credentials
	GetBrokerCredentials(ctx context.Context, userID string) (*models.BrokerCredentials, error)
	UpsertBrokerCredentials(ctx context.Context, creds *models.BrokerCredentials) error
	ListBrokerCredentials(ctx context.Context) ([]models.BrokerCredentials, error)

	// Per-user settings
	GetAppSetting(ctx context.Context, userID, category string) (*models.AppSetting, error)
	UpsertAppSetting(ctx context.Context, setting *models.AppSetting) error

	// Atomic multi-row mutations
	WithTransaction(ctx context.Context, fn func(tx Interface) error) error
}

// Ensure both implementations satisfy the contract.
var (
	_ Interface = (*Store)(nil)
	_ Interface = (*MockStore)(nil)
)
