package broker

import (
	"fmt"
	"log"
	"sync"

	"github.com/paperlane/paperlane/internal/models"
	"github.com/paperlane/paperlane/internal/util"
)

// Registry holds one Broker per user plus an optional default adapter
// resolved from the service environment. Every adapter built here is wrapped
// in a circuit breaker.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]Broker
	def         Broker
	environment string
	logger      *log.Logger
	build       func(apiKey, secret, baseURL string) Broker
}

// NewRegistry creates a registry. environment gates live trading: a live
// base URL is refused unless environment is "production". def may be nil
// when the service has no default credentials.
func NewRegistry(environment string, def Broker, logger *log.Logger) *Registry {
	r := &Registry{
		adapters:    make(map[string]Broker),
		def:         def,
		environment: environment,
		logger:      logger,
	}
	r.build = func(apiKey, secret, baseURL string) Broker {
		return NewCircuitBreakerBroker(NewAlpacaClient(apiKey, secret, baseURL, logger), logger)
	}
	return r
}

// WithBuilder overrides adapter construction (tests).
func (r *Registry) WithBuilder(build func(apiKey, secret, baseURL string) Broker) *Registry {
	r.build = build
	return r
}

// Register creates (or replaces) the adapter for a user from credentials.
func (r *Registry) Register(userID string, creds models.BrokerCredentials) error {
	if creds.APIKey == "" || creds.APISecret == "" {
		return fmt.Errorf("incomplete credentials for user %s", util.ShortID(userID))
	}
	if IsLiveURL(creds.BaseURL) && r.environment != "production" {
		return fmt.Errorf("refusing live trading URL for user %s: environment is %q, set environment=production to allow",
			util.ShortID(userID), r.environment)
	}

	adapter := r.build(creds.APIKey, creds.APISecret, creds.BaseURL)

	r.mu.Lock()
	r.adapters[userID] = adapter
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Printf("Registered broker adapter for user %s", util.ShortID(userID))
	}
	return nil
}

// Unregister drops a user's adapter.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	delete(r.adapters, userID)
	r.mu.Unlock()
}

// Get returns the adapter for a user, or nil when none is registered.
func (r *Registry) Get(userID string) Broker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[userID]
}

// Default returns the environment-level adapter, or nil.
func (r *Registry) Default() Broker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// UserIDs returns every user with a registered adapter, for the
// reconciler's per-user passes.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
