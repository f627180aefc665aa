package handlers

import (
	"context"
	"time"

	"homigo/server/internal/identity"
	"homigo/server/internal/logger"
	"homigo/server/internal/metrics"
	"homigo/server/internal/middleware"
	"homigo/server/internal/store"
	ws "homigo/server/internal/websocket"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// WebSocketHandler attaches authenticated websocket connections to the hub.
type WebSocketHandler struct {
	hub      *ws.Hub
	verifier identity.Verifier
	log      *logger.Logger
}

// NewWebSocketHandler creates a WebSocketHandler.
func NewWebSocketHandler(hub *ws.Hub, verifier identity.Verifier, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, verifier: verifier, log: log.Named("ws")}
}

// Upgrade checks that the request is a websocket upgrade carrying a valid
// token. Unauthenticated handshakes are rejected before any socket exists.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"success": false,
			"error":   "WebSocket upgrade required",
		})
	}

	token := middleware.TokenFromRequest(c)
	userID, err := h.verifier.Verify(c.UserContext(), token)
	if token == "" || err != nil {
		metrics.WSAuthFailuresTotal.Inc()
		h.log.Debug("rejected websocket handshake", zap.String("ip", c.IP()), zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "Unauthorized - Invalid token",
		})
	}

	c.Locals("userID", userID)
	return c.Next()
}

// Handle runs one connection until it closes.
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		c.Close()
		return
	}

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	h.hub.Serve(userID, c)
}

// Stats returns WebSocket connection statistics
func (h *WebSocketHandler) Stats(c *fiber.Ctx) error {
	data := fiber.Map{
		"onlineUsers": h.hub.GetOnlineCount(),
		"userIds":     h.hub.GetOnlineUsers(),
	}

	if dir := h.hub.Directory(); dir != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		members, err := dir.Members(ctx)
		if err != nil {
			h.log.Warn("failed to read presence directory", zap.Error(err))
		} else {
			data["clusterUserIds"] = members
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

// Health reports whether the service and its store are reachable.
func Health(messages store.MessageStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		if err := messages.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":  "degraded",
				"message": "Message store unreachable",
			})
		}
		return c.JSON(fiber.Map{
			"status":  "ok",
			"message": "HomiGo API is running",
		})
	}
}
