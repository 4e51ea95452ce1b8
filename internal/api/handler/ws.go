package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/notifier"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a peer may stay silent before the connection
	// is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// subscribeMessage is the observer subscription protocol. An empty or "*"
// deviceId subscribes to all devices.
type subscribeMessage struct {
	Action   string `json:"action"`
	DeviceID string `json:"deviceId,omitempty"`
}

// WSHandler handles the realtime observer endpoint.
type WSHandler struct {
	hub      *notifier.Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *notifier.Hub, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub: hub,
		log: log.With().Str("component", "ws_handler").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve handles GET /v1/ws - upgrades to a websocket observer connection.
// The observer manages its interest set with subscribe/unsubscribe
// messages; matching events are pushed as JSON. Subscriber state lives on
// the connection and is discarded synchronously when it closes.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := h.hub.Subscribe()
	h.log.Debug().Msg("observer connected")

	go h.writePump(conn, sub)
	h.readPump(conn, sub)
}

// readPump consumes subscription messages until the connection drops,
// then tears the subscription down.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *notifier.Subscription) {
	defer func() {
		sub.Close()
		_ = conn.Close()
		h.log.Debug().Msg("observer disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Msg("observer read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn().Err(err).Msg("malformed observer message")
			continue
		}

		switch msg.Action {
		case "subscribe":
			if msg.DeviceID == "" || msg.DeviceID == "*" {
				sub.WatchAll()
			} else {
				sub.Watch(msg.DeviceID)
			}
		case "unsubscribe":
			sub.Unwatch(msg.DeviceID)
		default:
			h.log.Warn().Str("action", msg.Action).Msg("unknown observer action")
		}
	}
}

// writePump pushes matched events to the observer and keeps the
// connection alive with pings.
func (h *WSHandler) writePump(conn *websocket.Conn, sub *notifier.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
