package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 4096
	// sendBuffer is the number of outbound frames queued per connection.
	sendBuffer = 64
)

// client is one WebSocket connection. subject is the verified token subject;
// room is set once a matching register event has been accepted.
type client struct {
	id      string
	subject string
	conn    *websocket.Conn
	gateway *Gateway

	mu     sync.Mutex
	send   chan []byte
	closed bool
	room   string
}

func newClient(g *Gateway, conn *websocket.Conn, subject string) *client {
	return &client{
		id:      uuid.New().String(),
		subject: subject,
		conn:    conn,
		gateway: g,
		send:    make(chan []byte, sendBuffer),
	}
}

// enqueue queues msg without blocking. It reports false when the buffer is
// full or the client is closed.
func (c *client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) emit(event string, data interface{}) {
	msg, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return
	}
	if !c.enqueue(msg) {
		c.gateway.log.Warn("dropping frame for slow client", "client_id", c.id, "event", event)
	}
}

// close stops the write pump, which closes the connection.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump handles client events until the connection fails. It runs in its
// own goroutine per client.
func (c *client) readPump() {
	defer func() {
		c.gateway.leave(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gateway.log.Warn("read error", "client_id", c.id, "error", err)
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			c.emit(EventError, "invalid message")
			continue
		}

		switch in.Event {
		case EventRegister:
			var userID string
			if err := json.Unmarshal(in.Data, &userID); err != nil || userID == "" {
				c.emit(EventError, "register expects a user id")
				continue
			}
			if userID != c.subject {
				c.gateway.log.Warn("register refused", "client_id", c.id, "subject", c.subject, "requested", userID)
				c.emit(EventError, "cannot register for another user")
				continue
			}
			c.gateway.join(userID, c)
			c.emit(EventRegistered, userID)
		default:
			c.emit(EventError, "unknown event")
		}
	}
}

// writePump drains send to the connection and keeps it alive with pings. It
// runs in its own goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Gateway closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
