package routes

import (
	"time"

	"homigo/server/internal/handlers"
	"homigo/server/internal/identity"
	"homigo/server/internal/logger"
	"homigo/server/internal/middleware"
	"homigo/server/internal/store"
	ws "homigo/server/internal/websocket"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the components the route table is built from.
type Dependencies struct {
	Store    store.MessageStore
	Hub      *ws.Hub
	Verifier identity.Verifier
	Logger   *logger.Logger

	RateLimitMax    int
	RateLimitWindow time.Duration
}

// SetupRoutes configures all application routes
func SetupRoutes(app *fiber.App, deps Dependencies) {
	messages := handlers.NewMessageHandler(deps.Store, deps.Hub, deps.Logger)
	sockets := handlers.NewWebSocketHandler(deps.Hub, deps.Verifier, deps.Logger)
	auth := middleware.Auth(deps.Verifier)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API v1 group
	api := app.Group("/api/v1")

	// Health check (public)
	api.Get("/health", handlers.Health(deps.Store))

	// Message routes (protected)
	msgs := api.Group("/messages", auth)
	if deps.RateLimitMax > 0 {
		msgs.Use(middleware.RateLimiter(deps.RateLimitMax, deps.RateLimitWindow))
	}
	msgs.Get("/conversations", messages.Conversations)
	msgs.Get("/conversation/:userId", messages.Conversation)
	msgs.Get("/unread-count", messages.UnreadCount)
	if deps.RateLimitMax > 0 {
		msgs.Post("/send", middleware.SendRateLimiter(deps.RateLimitMax, deps.RateLimitWindow), messages.Send)
	} else {
		msgs.Post("/send", messages.Send)
	}
	msgs.Patch("/read/:conversationId", messages.MarkRead)
	msgs.Delete("/:messageId", messages.Delete)

	// WebSocket route, authenticated during the handshake
	api.Get("/ws", sockets.Upgrade, websocket.New(sockets.Handle))

	// WebSocket stats (protected)
	api.Get("/ws/stats", auth, sockets.Stats)
}
