package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/outcome-exchange/pkg/observability"
)

const (
	// Server pings every heartbeatInterval; a session silent for longer than
	// clientTimeout is disconnected.
	heartbeatInterval = 30 * time.Second
	clientTimeout     = 60 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Session bridges one websocket connection to the hub: the read pump turns
// client frames into hub commands, the write pump drains the subscription's
// send channel and keeps the heartbeat.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	sub    *Subscription
	logger *observability.Logger
}

// Upgrader upgrades HTTP connections for the subscription server
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin policy is enforced by the CORS layer in front
		return true
	},
}

// NewSession registers a connection with the hub and starts its pumps.
// userID is nil for unauthenticated connections.
func NewSession(hub *Hub, conn *websocket.Conn, userID *int64, logger *observability.Logger) *Session {
	s := &Session{
		hub:    hub,
		conn:   conn,
		sub:    hub.Register(userID),
		logger: logger,
	}
	go s.writePump()
	go s.readPump()
	return s
}

func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s.sub)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(clientTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(clientTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn(context.Background(), "WebSocket closed unexpectedly", map[string]interface{}{
					"session": s.sub.ID, "error": err.Error(),
				})
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(clientTimeout))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(ErrorFrame("malformed frame"))
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame ClientFrame) {
	switch frame.Type {
	case "subscribe":
		channel, err := ParseChannel(frame.Channel)
		if err != nil {
			s.reply(ErrorFrame(err.Error()))
			return
		}
		s.hub.Subscribe(s.sub, channel, frame.Params)
	case "unsubscribe":
		channel, err := ParseChannel(frame.Channel)
		if err != nil {
			s.reply(ErrorFrame(err.Error()))
			return
		}
		s.hub.Unsubscribe(s.sub, channel)
	case "ping":
		s.reply(SuccessFrame(map[string]string{"type": "pong"}))
	case "pong":
		// Application-level pong; the read deadline was already refreshed
	default:
		s.reply(ErrorFrame("unknown frame type: " + frame.Type))
	}
}

func (s *Session) reply(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	defer func() { recover() }()
	select {
	case s.sub.Send <- data:
	default:
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.sub.Send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
