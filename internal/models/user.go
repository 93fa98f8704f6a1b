package models

import "time"

// User owns bots and broker credentials. Identity is established by the
// auth layer; the engine treats user IDs as opaque.
type User struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Email       string    `gorm:"size:255;not null;uniqueIndex" json:"email"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	AvatarURL   string    `gorm:"size:500" json:"avatar_url,omitempty"`
	Subject     string    `gorm:"size:255;not null;uniqueIndex" json:"-"`
	Provider    string    `gorm:"size:50;not null;default:google" json:"provider"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// BrokerCredentials holds one user's brokerage API keys. Each row drives a
// dedicated broker adapter instance in the registry.
type BrokerCredentials struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:36;not null;uniqueIndex" json:"user_id"`
	APIKey    string    `gorm:"size:255;not null" json:"-"`
	APISecret string    `gorm:"size:255;not null" json:"-"`
	BaseURL   string    `gorm:"size:255;not null" json:"base_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppSetting stores one category of per-user UI settings as opaque JSON.
type AppSetting struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:36;not null;index;uniqueIndex:uq_user_category" json:"user_id"`
	Category  string    `gorm:"size:50;not null;uniqueIndex:uq_user_category" json:"category"`
	Settings  JSON      `gorm:"not null" json:"settings"`
	UpdatedAt time.Time `json:"updated_at"`
}
