package broadcast

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fleet-telemetry/backend/internal/security"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// TokenValidator validates a subscriber access token.
type TokenValidator interface {
	Validate(token string) (*security.SubscriberClaims, error)
}

// WSHandler upgrades subscribers to websockets and streams hub messages to them.
type WSHandler struct {
	hub      *Hub
	hubName  string
	tokens   TokenValidator
	upgrader websocket.Upgrader
}

// NewWSHandler returns a handler for hubName. With a nil validator every subscriber is accepted.
func NewWSHandler(hub *Hub, hubName string, tokens TokenValidator) *WSHandler {
	return &WSHandler{
		hub:     hub,
		hubName: hubName,
		tokens:  tokens,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates the access_token query parameter (or bearer header) and then streams.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject := "anon"
	if h.tokens != nil {
		token := r.URL.Query().Get("access_token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" {
			http.Error(w, "missing access token", http.StatusUnauthorized)
			return
		}
		claims, err := h.tokens.Validate(token)
		if err != nil || claims.Hub != h.hubName {
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}
		subject = claims.Subject
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("broadcast: websocket upgrade: %v", err)
		return
	}
	id := subject + "/" + uuid.NewString()
	messages := h.hub.Register(id)
	log.Printf("broadcast: subscriber %s connected", id)

	go h.readPump(conn, id)
	h.writePump(conn, messages)
	log.Printf("broadcast: subscriber %s disconnected", id)
}

// readPump drains control frames and unregisters the subscriber when the peer goes away.
func (h *WSHandler) readPump(conn *websocket.Conn, id string) {
	defer h.hub.Unregister(id)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("broadcast: subscriber %s read: %v", id, err)
			}
			return
		}
	}
}

// writePump is the only writer on conn.
func (h *WSHandler) writePump(conn *websocket.Conn, messages <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-messages:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
