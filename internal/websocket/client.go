package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// Conn is the part of a websocket connection the gateway uses.
// *websocket.Conn from gofiber/contrib satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client represents a WebSocket client connection
type Client struct {
	UserID string

	conn Conn
	hub  *Hub
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	writeDone chan struct{}
}

// NewClient creates a new WebSocket client bound to userID.
func NewClient(userID string, conn Conn, hub *Hub) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		UserID:    userID,
		conn:      conn,
		hub:       hub,
		send:      make(chan []byte, hub.cfg.SendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		writeDone: make(chan struct{}),
	}
}

// ReadPump handles incoming messages from the client. Events are handled one at
// a time, so a slow store call only delays this connection.
func (c *Client) ReadPump() {
	defer func() {
		c.cancel()
		c.hub.Unregister(c)
		c.close()
		c.conn.Close()
	}()

	pongWait := c.hub.cfg.PongWait
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error", zap.String("user_id", c.UserID), zap.Error(err))
			}
			return
		}

		var incoming IncomingMessage
		if err := json.Unmarshal(message, &incoming); err != nil {
			c.sendError(ErrCodeBadPayload, "Malformed event", "", "")
			continue
		}

		c.hub.handleEvent(c.ctx, c, incoming)
	}
}

// WritePump handles outgoing messages to the client
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Debug("websocket write error", zap.String("user_id", c.UserID), zap.Error(err))
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

// SendMessage queues msg for delivery. It reports false when the connection is
// closed or its buffer is full; the event is dropped in both cases.
func (c *Client) SendMessage(msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.log.Error("failed to marshal event", zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.log.Warn("send buffer full, dropping event", zap.String("user_id", c.UserID))
		return false
	}
}

// close stops outbound delivery; WritePump then sends a close frame and exits.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendError(code, message string, event EventType, clientMessageID string) {
	c.SendMessage(newEvent(EventError, ErrorPayload{
		Code:            code,
		Message:         message,
		Event:           event,
		ClientMessageID: clientMessageID,
	}))
}
