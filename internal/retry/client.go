// Package retry classifies broker errors as transient or permanent and
// re-runs transient failures with jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
)

// Config controls the retry schedule.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig retries three times, backing off 1s -> 30s with a 1.5x
// multiplier plus jitter.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// statusCoder is implemented by broker API errors carrying an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// IsTransient reports whether an error is worth retrying: network-level
// failures, timeouts, rate limits, and 5xx responses. 4xx responses (other
// than 429) are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == 429 || code >= 500
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// Do runs fn, retrying transient errors per cfg. The context bounds the whole
// attempt sequence including backoff sleeps.
func Do[T any](ctx context.Context, logger *log.Logger, cfg Config, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxRetries < 0 {
		cfg = DefaultConfig
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, ctx.Err())
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == cfg.MaxRetries {
			break
		}

		if logger != nil {
			logger.Printf("Transient error on %s (attempt %d/%d), retrying in %v: %v",
				op, attempt+1, cfg.MaxRetries+1, backoff, err)
		}
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return zero, lastErr
}

func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}
