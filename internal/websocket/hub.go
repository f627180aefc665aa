package websocket

import (
	"context"
	"encoding/json"
	"time"

	"homigo/server/internal/logger"
	"homigo/server/internal/models"
	"homigo/server/internal/presence"
	"homigo/server/internal/store"

	"go.uber.org/zap"
)

const (
	directoryTimeout = 2 * time.Second
	directoryQueue   = 256
)

// Config tunes connection heartbeats and buffering.
type Config struct {
	PingInterval time.Duration
	PongWait     time.Duration
	SendBuffer   int
}

func (c Config) withDefaults() Config {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Hub owns the connection lifecycle: it is the only writer of the presence
// registry, and it relays chat events between connected users.
type Hub struct {
	registry  *presence.Registry[*Client]
	directory presence.Directory
	store     store.MessageStore
	log       *logger.Logger
	cfg       Config

	register   chan *Client
	unregister chan *Client
	mirror     chan directoryOp
	done       chan struct{}
}

// directoryOp is a pending presence change for the shared directory.
type directoryOp struct {
	userID string
	online bool
}

// NewHub creates a new WebSocket hub. directory may be nil.
func NewHub(registry *presence.Registry[*Client], messages store.MessageStore, directory presence.Directory, log *logger.Logger, cfg Config) *Hub {
	return &Hub{
		registry:   registry,
		directory:  directory,
		store:      messages,
		log:        log.Named("gateway"),
		cfg:        cfg.withDefaults(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		mirror:     make(chan directoryOp, directoryQueue),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.directory != nil {
		go h.runMirror()
	}

	defer func() {
		close(h.done)
		h.registry.Range(func(_ string, c *Client) bool {
			c.close()
			return true
		})
	}()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case <-ctx.Done():
			return
		}
	}
}

// Register hands a freshly authenticated client to the hub. It returns false
// once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client whose transport closed.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Serve runs an authenticated connection until it closes.
func (h *Hub) Serve(userID string, conn Conn) {
	client := NewClient(userID, conn, h)
	if !h.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
	<-client.writeDone
}

// registerClient adds a client to the hub
func (h *Hub) registerClient(client *Client) {
	previous, replaced := h.registry.Register(client.UserID, client)
	if replaced && previous != client {
		// Last connection wins.
		previous.close()
	}

	h.mirrorPresence(client.UserID, true)

	client.SendMessage(newEvent(EventOnlineUsers, OnlineUsersPayload{UserIDs: h.registry.ListOnline()}))

	if !replaced {
		h.broadcastExcept(client.UserID, newEvent(EventUserOnline, PresencePayload{UserID: client.UserID}))
	}

	h.log.Info("client connected", zap.String("user_id", client.UserID), zap.Bool("replaced", replaced))
}

// unregisterClient removes a client from the hub
func (h *Hub) unregisterClient(client *Client) {
	client.close()

	if !h.registry.UnregisterIf(client.UserID, client) {
		return
	}

	h.mirrorPresence(client.UserID, false)

	h.broadcastExcept(client.UserID, newEvent(EventUserOffline, PresencePayload{UserID: client.UserID}))

	h.log.Info("client disconnected", zap.String("user_id", client.UserID))
}

// mirrorPresence queues a directory update. The lifecycle loop never waits on
// the directory; when the queue is full the update is dropped.
func (h *Hub) mirrorPresence(userID string, online bool) {
	if h.directory == nil {
		return
	}
	select {
	case h.mirror <- directoryOp{userID: userID, online: online}:
	default:
		h.log.Warn("presence mirror queue full, dropping update", zap.String("user_id", userID), zap.Bool("online", online))
	}
}

// runMirror applies directory updates in order, each bounded by directoryTimeout.
func (h *Hub) runMirror() {
	for {
		select {
		case op := <-h.mirror:
			ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
			var err error
			if op.online {
				err = h.directory.Add(ctx, op.userID)
			} else {
				err = h.directory.Remove(ctx, op.userID)
			}
			cancel()
			if err != nil {
				h.log.Warn("failed to mirror presence", zap.String("user_id", op.userID), zap.Bool("online", op.online), zap.Error(err))
			}
		case <-h.done:
			return
		}
	}
}

func (h *Hub) broadcastExcept(userID string, message WSMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("failed to marshal broadcast", zap.Error(err))
		return
	}

	h.registry.Range(func(id string, c *Client) bool {
		if id != userID {
			c.enqueue(data)
		}
		return true
	})
}

// SendToUser delivers message to userID if connected and reports whether it was queued.
func (h *Hub) SendToUser(userID string, message WSMessage) bool {
	client, ok := h.registry.Lookup(userID)
	if !ok {
		return false
	}
	return client.SendMessage(message)
}

// DeliverMessage relays a persisted message to its receiver.
func (h *Hub) DeliverMessage(msg models.Message) bool {
	return h.SendToUser(msg.ReceiverID, newEvent(EventReceiveMessage, msg))
}

// NotifyRead tells peerID that readerID read count messages of conversationID.
func (h *Hub) NotifyRead(peerID string, payload MessagesReadPayload) bool {
	return h.SendToUser(peerID, newEvent(EventMessagesRead, payload))
}

// IsUserOnline checks if a user is currently connected
func (h *Hub) IsUserOnline(userID string) bool {
	_, ok := h.registry.Lookup(userID)
	return ok
}

// GetOnlineUsers returns a list of currently online user IDs
func (h *Hub) GetOnlineUsers() []string {
	return h.registry.ListOnline()
}

// GetOnlineCount returns the number of currently connected clients
func (h *Hub) GetOnlineCount() int {
	return h.registry.Count()
}

// Directory returns the shared presence directory, or nil.
func (h *Hub) Directory() presence.Directory {
	return h.directory
}
