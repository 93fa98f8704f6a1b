package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paperlane/paperlane/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 64
)

// wsFrame is the wire format for every event pushed to clients.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleWebSocket streams every bus topic to the client as JSON frames.
// Slow clients get dropped rather than backing up the bus.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkWSOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	frames := make(chan wsFrame, wsSendBuffer)

	for _, topic := range events.Topics() {
		messages, err := s.bus.Subscribe(ctx, topic)
		if err != nil {
			s.logger.WithError(err).Errorf("Failed to subscribe to %s", topic)
			return
		}
		topic := topic
		go func() {
			for msg := range messages {
				msg.Ack()
				select {
				case frames <- wsFrame{Event: topic, Data: json.RawMessage(msg.Payload)}:
				default:
					// Client can't keep up; drop the frame.
				}
			}
		}()
	}

	// Reader goroutine: we never expect client frames, but reading is what
	// detects the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
