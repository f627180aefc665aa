package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homigo/server/internal/config"
	"homigo/server/internal/database"
	"homigo/server/internal/identity"
	"homigo/server/internal/logger"
	"homigo/server/internal/models"
	"homigo/server/internal/presence"
	"homigo/server/internal/routes"
	"homigo/server/internal/store"
	ws "homigo/server/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load environment variables
	envErr := godotenv.Load()

	cfg := config.Load()

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if envErr != nil {
		log.Debug("no .env file found")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Message store
	var messages store.MessageStore
	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool); err != nil {
			log.Fatal("failed to migrate database", zap.Error(err))
		}
		messages = store.NewPostgresStore(pool)
		log.Info("connected to database")
	} else {
		messages = store.NewMemoryStore()
		log.Warn("DATABASE_URL not set, messages are kept in memory and lost on restart")
	}

	verifier := identity.NewJWTVerifier(cfg.JWTSecret, cfg.JWTExpiration)
	seedUsers(ctx, cfg, messages, verifier, log)

	// Optional shared presence directory
	var directory presence.Directory
	if cfg.RedisURL != "" {
		rdb, err := presence.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, presence stays process-local", zap.Error(err))
		} else {
			defer rdb.Close()
			directory = presence.NewRedisDirectory(rdb, presence.DefaultDirectoryKey)
			log.Info("presence directory enabled")
		}
	}

	hub := ws.NewHub(presence.NewRegistry[*ws.Client](), messages, directory, log, ws.Config{
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
		SendBuffer:   cfg.WSSendBuffer,
	})
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "HomiGo Messaging v1.0",
		DisableStartupMessage: !cfg.IsDevelopment(),
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
	}))

	// Setup routes
	routes.SetupRoutes(app, routes.Dependencies{
		Store:           messages,
		Hub:             hub,
		Verifier:        verifier,
		Logger:          log,
		RateLimitMax:    cfg.RateLimitRequests,
		RateLimitWindow: cfg.RateLimitWindow,
	})

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("port", cfg.Port))
		serverErr <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Error("server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("shutting down server")
	}

	// Closing the hub first sends close frames to every socket so Fiber's
	// shutdown does not wait on long-lived connections.
	stopHub()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.IsDevelopment() {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.LogLevel)
}

// seedUsers upserts SEED_USERS and, in development, logs a token for each so
// local clients can connect without the auth service.
func seedUsers(ctx context.Context, cfg *config.Config, messages store.MessageStore, verifier *identity.JWTVerifier, log *logger.Logger) {
	if len(cfg.SeedUsers) == 0 {
		return
	}
	writer, ok := messages.(store.UserWriter)
	if !ok {
		return
	}

	for _, id := range cfg.SeedUsers {
		u := models.UserSummary{ID: id, Name: id, Handle: "@" + id}
		if err := writer.UpsertUser(ctx, u); err != nil {
			log.Warn("failed to seed user", zap.String("user_id", id), zap.Error(err))
			continue
		}
		if !cfg.IsDevelopment() {
			continue
		}
		token, err := verifier.Issue(id)
		if err != nil {
			log.Warn("failed to issue token", zap.String("user_id", id), zap.Error(err))
			continue
		}
		log.Info("seeded user", zap.String("user_id", id), zap.String("token", token))
	}
}
