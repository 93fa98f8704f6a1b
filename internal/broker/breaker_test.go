package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerPassesThroughSuccess(t *testing.T) {
	mock := &MockBroker{}
	cb := NewCircuitBreakerBroker(mock, testLogger())

	account, err := cb.GetAccount(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100000, account.Equity, 0.001)

	price, err := cb.GetLatestPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, price, 0.001)
}

func TestCircuitBreakerTripsAfterRepeatedFailures(t *testing.T) {
	brokerErr := errors.New("connection refused")
	mock := &MockBroker{
		GetLatestPriceFunc: func(ctx context.Context, symbol string) (float64, error) {
			return 0, brokerErr
		},
	}
	cb := NewCircuitBreakerBrokerWithSettings(mock, testLogger(), CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.6,
	})

	for i := 0; i < 3; i++ {
		_, err := cb.GetLatestPrice(context.Background(), "AAPL")
		require.ErrorIs(t, err, brokerErr)
	}

	// Breaker is now open; the underlying broker must not be reached.
	calls := 0
	mock.GetLatestPriceFunc = func(ctx context.Context, symbol string) (float64, error) {
		calls++
		return 100, nil
	}
	_, err := cb.GetLatestPrice(context.Background(), "AAPL")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Zero(t, calls)
}

func TestCircuitBreakerCancelOrderPropagatesError(t *testing.T) {
	wantErr := errors.New("order not found")
	mock := &MockBroker{
		CancelOrderFunc: func(ctx context.Context, orderID string) error { return wantErr },
	}
	cb := NewCircuitBreakerBroker(mock, testLogger())

	err := cb.CancelOrder(context.Background(), "ord-1")
	require.ErrorIs(t, err, wantErr)
}
