package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker so a failing brokerage API trips fast
// instead of stalling every bot cycle behind timeouts.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures trip behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker wraps broker with sensible defaults: trip at a 60%
// failure rate over at least 5 requests, stay open for 30 seconds.
func NewCircuitBreakerBroker(broker Broker, logger *log.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *log.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger != nil {
				logger.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
			}
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for the wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, broker Broker, fn func(Broker) (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerBroker) GetAccount(ctx context.Context) (*Account, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*Account, error) { return b.GetAccount(ctx) })
}

func (c *CircuitBreakerBroker) GetClock(ctx context.Context) (*Clock, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*Clock, error) { return b.GetClock(ctx) })
}

func (c *CircuitBreakerBroker) GetLatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) { return b.GetLatestQuote(ctx, symbol) })
}

func (c *CircuitBreakerBroker) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetLatestPrice(ctx, symbol) })
}

func (c *CircuitBreakerBroker) GetBars(ctx context.Context, symbol, timeframe string, limit int, start time.Time) ([]Bar, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]Bar, error) {
		return b.GetBars(ctx, symbol, timeframe, limit, start)
	})
}

func (c *CircuitBreakerBroker) SubmitMarketOrder(ctx context.Context, symbol string, qty int, side, timeInForce, clientOrderID string) (*Order, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.SubmitMarketOrder(ctx, symbol, qty, side, timeInForce, clientOrderID)
	})
}

func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) { return b.GetOrder(ctx, orderID) })
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) { return b.GetPositions(ctx) })
}

func (c *CircuitBreakerBroker) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) { return b.ClosePosition(ctx, symbol) })
}
