// Package config loads and validates the service configuration from YAML,
// with environment variable expansion and optional .env loading.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Broker      BrokerConfig      `yaml:"broker"`
	Engine      EngineConfig      `yaml:"engine"`
	Activity    ActivityConfig    `yaml:"activity"`
}

// EnvironmentConfig gates live trading and tunes logging.
type EnvironmentConfig struct {
	// Mode is "development" or "production". Live trading URLs are refused
	// outside production.
	Mode     string `yaml:"mode"`
	LogLevel string `yaml:"log_level"` // debug | info | warning | error
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Port                  int      `yaml:"port"`
	JWTSecret             string   `yaml:"jwt_secret"`
	AllowedOrigins        []string `yaml:"allowed_origins"`
	RequestTimeoutSeconds int      `yaml:"request_timeout_seconds"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	DSN        string `yaml:"dsn"`
	LogQueries bool   `yaml:"log_queries"`
}

// BrokerConfig holds the service-level default brokerage credentials. They
// are optional: per-user credentials from the database drive most adapters,
// the default only serves the market clock before any user registers.
type BrokerConfig struct {
	APIKey             string `yaml:"api_key"`
	APISecret          string `yaml:"api_secret"`
	BaseURL            string `yaml:"base_url"`
	DataURL            string `yaml:"data_url"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

// EngineConfig tunes the trading engine loops.
type EngineConfig struct {
	MonitorIntervalSeconds   int    `yaml:"monitor_interval_seconds"`
	ReconcileIntervalSeconds int    `yaml:"reconcile_interval_seconds"`
	BarTimeframe             string `yaml:"bar_timeframe"`
	BarLimit                 int    `yaml:"bar_limit"`
	FillPollSeconds          int    `yaml:"fill_poll_seconds"`
	FillPollAttempts         int    `yaml:"fill_poll_attempts"`
}

// ActivityConfig tunes the persistent activity log.
type ActivityConfig struct {
	MinLevel string `yaml:"min_level"` // debug | info | warning | error
}

// Load reads the YAML file at configPath, expanding ${VAR} references from
// the environment first. A .env file next to the working directory is loaded
// beforehand when present.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Best effort: absent .env files are the normal production case.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	config := defaults()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func defaults() *Config {
	return &Config{
		Environment: EnvironmentConfig{
			Mode:     "development",
			LogLevel: "info",
		},
		Server: ServerConfig{
			Port:                  8080,
			AllowedOrigins:        []string{"*"},
			RequestTimeoutSeconds: 60,
		},
		Broker: BrokerConfig{
			RateLimitPerMinute: 200,
		},
		Engine: EngineConfig{
			MonitorIntervalSeconds:   60,
			ReconcileIntervalSeconds: 300,
			BarTimeframe:             "1Min",
			BarLimit:                 50,
			FillPollSeconds:          1,
			FillPollAttempts:         30,
		},
		Activity: ActivityConfig{
			MinLevel: "info",
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warning": true, "error": true}

// Validate checks every section and names the offending field.
func (c *Config) Validate() error {
	if c.Environment.Mode != "development" && c.Environment.Mode != "production" {
		return fmt.Errorf("environment.mode must be 'development' or 'production'")
	}
	if !validLogLevels[c.Environment.LogLevel] {
		return fmt.Errorf("environment.log_level must be one of debug, info, warning, error")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Default broker credentials are optional but must come as a pair.
	if (c.Broker.APIKey == "") != (c.Broker.APISecret == "") {
		return fmt.Errorf("broker.api_key and broker.api_secret must both be set or both empty")
	}
	if c.Broker.APIKey != "" && c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required when default credentials are set")
	}
	if c.Broker.RateLimitPerMinute <= 0 {
		return fmt.Errorf("broker.rate_limit_per_minute must be > 0")
	}

	if c.Engine.MonitorIntervalSeconds <= 0 {
		return fmt.Errorf("engine.monitor_interval_seconds must be > 0")
	}
	if c.Engine.ReconcileIntervalSeconds <= 0 {
		return fmt.Errorf("engine.reconcile_interval_seconds must be > 0")
	}
	if c.Engine.BarTimeframe == "" {
		return fmt.Errorf("engine.bar_timeframe is required")
	}
	if c.Engine.BarLimit <= 0 {
		return fmt.Errorf("engine.bar_limit must be > 0")
	}
	if c.Engine.FillPollSeconds <= 0 {
		return fmt.Errorf("engine.fill_poll_seconds must be > 0")
	}
	if c.Engine.FillPollAttempts <= 0 {
		return fmt.Errorf("engine.fill_poll_attempts must be > 0")
	}

	if !validLogLevels[c.Activity.MinLevel] {
		return fmt.Errorf("activity.min_level must be one of debug, info, warning, error")
	}
	return nil
}

// IsProduction reports whether live trading URLs are permitted.
func (c *Config) IsProduction() bool {
	return c.Environment.Mode == "production"
}

// HasDefaultBroker reports whether service-level credentials are configured.
func (c *Config) HasDefaultBroker() bool {
	return c.Broker.APIKey != "" && c.Broker.APISecret != ""
}

// RequestTimeout returns the HTTP request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// MonitorInterval returns the market clock poll interval.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Engine.MonitorIntervalSeconds) * time.Second
}

// ReconcileInterval returns the periodic reconciliation interval.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Engine.ReconcileIntervalSeconds) * time.Second
}

// FillPollInterval returns the order fill polling interval.
func (c *Config) FillPollInterval() time.Duration {
	return time.Duration(c.Engine.FillPollSeconds) * time.Second
}
