// Package realtime pushes notification events to connected browsers over
// WebSocket. Connections join a per-user room after a register event that
// matches their token.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/darkden-lab/notifier/internal/auth"
	"github.com/darkden-lab/notifier/internal/notifications"
)

// Event names carried in the envelope.
const (
	EventRegister           = "register"
	EventRegistered         = "registered"
	EventError              = "error"
	EventNotificationNew    = "notification:new"
	EventNotificationDelete = "notification:delete"
)

// ErrSlowClient is returned by a push when at least one connection in the
// room had a full send buffer.
var ErrSlowClient = errors.New("client send buffer full")

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var _ notifications.Pusher = (*Gateway)(nil)

// TokenValidator verifies bearer tokens. *auth.JWTService implements it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Gateway manages WebSocket connections grouped into per-user rooms. It is
// safe for concurrent use.
type Gateway struct {
	tokens   TokenValidator
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{} // userID -> connections
	clients map[*client]struct{}
	closed  bool
}

// NewGateway creates a Gateway accepting browser connections from
// allowedOrigins.
func NewGateway(tokens TokenValidator, allowedOrigins []string, log *slog.Logger) *Gateway {
	return &Gateway{
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewOriginChecker(allowedOrigins),
		},
		log:     log.With(slog.String("component", "realtime")),
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

// RegisterRoutes wires the notifications WebSocket endpoint.
func (g *Gateway) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws/notifications", g.ServeWS).Methods(http.MethodGet)
}

// ServeWS authenticates the request and upgrades it. The token comes from
// the "token" query parameter or an Authorization bearer header.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			token = parts[1]
		}
	}
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := g.tokens.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(g, conn, claims.UserID)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return
	}
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	g.log.Info("client connected", "client_id", c.id, "user_id", claims.UserID)
	go c.writePump()
	go c.readPump()
}

// PushNew sends a notification:new event to every connection of userID.
// An empty room is not an error.
func (g *Gateway) PushNew(userID string, n notifications.Notification) error {
	return g.push(userID, EventNotificationNew, n)
}

// PushDeleted sends a notification:delete event to every connection of
// userID.
func (g *Gateway) PushDeleted(userID string, id int64) error {
	return g.push(userID, EventNotificationDelete, map[string]int64{"id": id})
}

// RoomSize returns the number of registered connections of userID.
func (g *Gateway) RoomSize(userID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[userID])
}

// Close disconnects every client and refuses new connections.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	g.log.Info("gateway closed", "clients", len(clients))
}

func (g *Gateway) push(userID, event string, data interface{}) error {
	msg, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	slow := 0
	for c := range g.rooms[userID] {
		if !c.enqueue(msg) {
			slow++
		}
	}
	if slow > 0 {
		return fmt.Errorf("%d of %d connections: %w", slow, len(g.rooms[userID]), ErrSlowClient)
	}
	return nil
}

func (g *Gateway) join(userID string, c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[c]; !ok {
		return
	}
	if g.rooms[userID] == nil {
		g.rooms[userID] = make(map[*client]struct{})
	}
	g.rooms[userID][c] = struct{}{}
	c.room = userID
	g.log.Info("client registered", "client_id", c.id, "user_id", userID)
}

func (g *Gateway) leave(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, c)
	if c.room == "" {
		return
	}
	if conns, ok := g.rooms[c.room]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(g.rooms, c.room)
		}
	}
	g.log.Info("client disconnected", "client_id", c.id, "user_id", c.room)
}
