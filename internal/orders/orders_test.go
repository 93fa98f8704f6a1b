package orders

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperlane/paperlane/internal/broker"
	"github.com/paperlane/paperlane/internal/models"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestNewClientOrderID(t *testing.T) {
	botID := "3f2b1c9a-77aa-4d2e-b1a1-000011112222"
	id := NewClientOrderID(botID)

	parts := strings.Split(id, "-")
	require.Len(t, parts, 3)
	assert.Equal(t, "bot", parts[0])
	assert.Equal(t, "3f2b1c9a", parts[1])
	assert.Len(t, parts[2], 8)

	// Random suffix makes ids unique even for the same bot.
	assert.NotEqual(t, id, NewClientOrderID(botID))
}

func TestNewClientOrderIDShortBotID(t *testing.T) {
	id := NewClientOrderID("b1")
	assert.True(t, strings.HasPrefix(id, "bot-b1-"))
}

func TestStatusFromBroker(t *testing.T) {
	cases := map[string]models.TradeStatus{
		broker.OrderStatusFilled:          models.TradeStatusFilled,
		broker.OrderStatusPartiallyFilled: models.TradeStatusPartiallyFilled,
		broker.OrderStatusCanceled:        models.TradeStatusCanceled,
		"cancelled":                       models.TradeStatusCanceled,
		broker.OrderStatusExpired:         models.TradeStatusExpired,
		broker.OrderStatusRejected:        models.TradeStatusRejected,
		broker.OrderStatusNew:             models.TradeStatusNew,
		broker.OrderStatusAccepted:        models.TradeStatusNew,
		"pending_cancel":                  models.TradeStatusNew,
	}
	for in, want := range cases {
		assert.Equal(t, want, StatusFromBroker(in), in)
	}
}

func TestWaitForTerminalReturnsOnFill(t *testing.T) {
	calls := 0
	mock := &broker.MockBroker{
		GetOrderFunc: func(ctx context.Context, orderID string) (*broker.Order, error) {
			calls++
			status := broker.OrderStatusNew
			if calls >= 3 {
				status = broker.OrderStatusFilled
			}
			return &broker.Order{ID: orderID, Status: status, FilledAvgPrice: 101.5}, nil
		},
	}
	waiter := NewWaiter(mock, discardLogger(), Config{PollInterval: time.Millisecond, MaxAttempts: 10})

	order, err := waiter.WaitForTerminal(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusFilled, order.Status)
	assert.Equal(t, 3, calls)
}

func TestWaitForTerminalExhaustsAttempts(t *testing.T) {
	mock := &broker.MockBroker{
		GetOrderFunc: func(ctx context.Context, orderID string) (*broker.Order, error) {
			return &broker.Order{ID: orderID, Status: broker.OrderStatusAccepted}, nil
		},
	}
	waiter := NewWaiter(mock, discardLogger(), Config{PollInterval: time.Millisecond, MaxAttempts: 3})

	order, err := waiter.WaitForTerminal(context.Background(), "ord-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not reach a terminal state")
	// Last observed order comes back so the caller can record what it saw.
	require.NotNil(t, order)
	assert.Equal(t, broker.OrderStatusAccepted, order.Status)
}

func TestWaitForTerminalToleratesPollErrors(t *testing.T) {
	calls := 0
	mock := &broker.MockBroker{
		GetOrderFunc: func(ctx context.Context, orderID string) (*broker.Order, error) {
			calls++
			if calls < 2 {
				return nil, errors.New("502 bad gateway")
			}
			return &broker.Order{ID: orderID, Status: broker.OrderStatusFilled}, nil
		},
	}
	waiter := NewWaiter(mock, discardLogger(), Config{PollInterval: time.Millisecond, MaxAttempts: 5})

	order, err := waiter.WaitForTerminal(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStatusFilled, order.Status)
}

func TestWaitForTerminalStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mock := &broker.MockBroker{
		GetOrderFunc: func(ctx context.Context, orderID string) (*broker.Order, error) {
			cancel()
			return &broker.Order{ID: orderID, Status: broker.OrderStatusNew}, nil
		},
	}
	waiter := NewWaiter(mock, discardLogger(), Config{PollInterval: time.Hour, MaxAttempts: 30})

	_, err := waiter.WaitForTerminal(ctx, "ord-1")
	require.ErrorIs(t, err, context.Canceled)
}
