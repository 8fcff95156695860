package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"greenconnect/internal/cache"
	"greenconnect/internal/config"
	"greenconnect/internal/database"
	"greenconnect/internal/middleware"
	"greenconnect/internal/models"
	"greenconnect/internal/notifications"
	"greenconnect/internal/observability"
	"greenconnect/internal/repository"
	"greenconnect/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers.
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	userRepo repository.UserRepository
	chatRepo repository.ChatRepository

	chatService *service.ChatService

	notifier *notifications.Notifier
	registry *notifications.Registry
	presence *notifications.PresenceManager
}

// NewServer creates a server and establishes its own database and Redis
// connections.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	cache.InitRedis(cfg.RedisURL)
	return NewServerWithDeps(cfg, db, cache.GetClient())
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Used by tests and by bootstrap layers that establish DB/Redis themselves.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	userRepo := repository.NewUserRepository(db)
	chatRepo := repository.NewChatRepository(db)

	prom := middleware.InitMetrics("greenconnect-api")

	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: prom,
		userRepo:       userRepo,
		chatRepo:       chatRepo,
		registry:       notifications.NewRegistry(),
	}
	s.chatService = service.NewChatService(chatRepo, userRepo)
	s.notifier = notifications.NewNotifier(redisClient)
	s.presence = notifications.NewPresenceManager(redisClient, notifications.PresenceConfig{
		OnUserOnline:  func(userID uint) { s.registry.BroadcastStatus(userID, "online") },
		OnUserOffline: func(userID uint) { s.registry.BroadcastStatus(userID, "offline") },
	})

	return s, nil
}

// SetupMiddleware configures middleware for the Fiber app.
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())

	// Propagates request ID and user ID into the request context.
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(s.promMiddleware.Middleware)
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before middlewares that can short-circuit (e.g. limiter)
	// so browser clients still receive CORS headers on error responses.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Global rate limiting, per IP.
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")

	chat := api.Group("/chat", middleware.AuthRequired)
	conversations := chat.Group("/conversations")
	conversations.Post("/", s.CreateConversation)
	conversations.Get("/", s.GetConversations)
	// Specific /:id/:resource routes before the generic /:id route.
	conversations.Get("/:id/messages", s.GetMessages)
	conversations.Delete("/:id", s.DeleteConversation)
	conversations.Get("/:id", s.GetConversation)

	messages := chat.Group("/messages")
	messages.Post("/", middleware.RateLimit(
		s.redis, 15, time.Minute, "send_chat"), s.SendMessage)
	messages.Post("/:id/read", s.MarkMessageRead)

	// Websocket endpoint, protected by handshake auth.
	ws := api.Group("/ws", middleware.WebSocketAuthRequired, s.UpgradeRequired)
	ws.Get("/chat", s.WebSocketChatHandler())
}

// UpgradeRequired rejects plain HTTP requests to websocket routes.
func (s *Server) UpgradeRequired(c *fiber.Ctx) error {
	if !wsUpgradeRequested(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error": "WebSocket upgrade required",
		})
	}
	return c.Next()
}

// LivenessCheck handles liveness probe requests.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports database and Redis health.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "healthy"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	} else {
		// Redis is optional; single-instance deployments run without it.
		redisStatus = "unavailable"
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}

// Start starts the server and blocks until it stops listening.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	app := fiber.New(fiber.Config{
		AppName: "GreenConnect Chat API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			slog.Error("unhandled request error", "error", err)
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.app = app

	s.SetupMiddleware(app)
	s.SetupRoutes(app)

	// Route Redis pub/sub traffic into this instance's clients.
	if s.notifier.Enabled() {
		if err := s.registry.StartWiring(s.shutdownCtx, s.notifier); err != nil {
			slog.Error("failed to start registry wiring", "error", err)
		}
	}

	observability.GlobalLogger.Info("server starting", "port", s.config.Port)
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			slog.Error("error shutting down HTTP server", "error", err)
		}
	}

	if err := s.registry.Shutdown(ctx); err != nil {
		slog.Error("error shutting down registry", "error", err)
	}
	if s.presence != nil {
		s.presence.Stop()
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			slog.Error("error closing sql DB", "error", cerr)
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			slog.Error("error closing redis", "error", rerr)
		}
	}

	observability.GlobalLogger.Info("server shutdown complete")
	return nil
}
