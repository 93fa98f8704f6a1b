package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperlane/paperlane/internal/events"
	"github.com/paperlane/paperlane/internal/models"
)

func TestWebSocketStreamsBusEvents(t *testing.T) {
	f := newAPIFixture(t)

	httpServer := httptest.NewServer(f.server.Handler())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws?token=" + f.token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// Give the topic subscribers a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, f.bus.PublishMarketStatusChanged(true))
	require.NoError(t, f.bus.PublishTradeExecuted(&models.Trade{
		ID: "t-1", BotID: "bot-1", Symbol: "AAPL",
		Side: models.TradeSideBuy, Quantity: 1, Price: 100,
	}))

	received := make(map[string]json.RawMessage)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(received) < 2 {
		var frame wsFrame
		require.NoError(t, conn.ReadJSON(&frame))
		received[frame.Event] = frame.Data
	}

	require.Contains(t, received, events.TopicMarketStatusChanged)
	require.Contains(t, received, events.TopicTradeExecuted)

	var market events.MarketStatusChanged
	require.NoError(t, json.Unmarshal(received[events.TopicMarketStatusChanged], &market))
	assert.True(t, market.IsOpen)

	var trade models.Trade
	require.NoError(t, json.Unmarshal(received[events.TopicTradeExecuted], &trade))
	assert.Equal(t, "t-1", trade.ID)
}

func TestWebSocketRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	httpServer := httptest.NewServer(f.server.Handler())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if conn != nil {
		conn.Close()
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}
