// Package server exposes the websocket control channel and the admin REST
// surface over a Fiber application.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/and161185/collabhub/internal/conflict"
	"github.com/and161185/collabhub/internal/progress"
	"github.com/and161185/collabhub/internal/registry"
)

// Config tunes the HTTP surface; zero values take defaults.
type Config struct {
	Addr            string        // listen address (default :8080)
	ShutdownTimeout time.Duration // grace for in-flight requests on stop (default 5s)
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Server wires the registry, resolver and progress emitter into HTTP routes.
type Server struct {
	cfg      Config
	log      *zap.Logger
	reg      *registry.Registry
	resolver *conflict.Resolver
	emitter  *progress.Emitter
	app      *fiber.App
}

// New constructs the server and registers all routes.
func New(cfg Config, reg *registry.Registry, resolver *conflict.Resolver, emitter *progress.Emitter, log *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		log:      log,
		reg:      reg,
		resolver: resolver,
		emitter:  emitter,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "collabhub",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recoverPanics(log))
	s.app.Use(requestLogger(log))
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "service": "collabhub"})
	})

	ws := s.app.Group("/ws")
	ws.Use("/connect", upgradeRequired)
	ws.Get("/connect", websocket.New(s.handleWebsocket))

	ws.Get("/connections/stats", s.handleStats)
	ws.Get("/connections/:user_id", s.handleUserConnections)
	ws.Delete("/connections/:client_id", s.handleDisconnect)
	ws.Post("/broadcast", s.handleBroadcast)
	ws.Post("/rooms/:room_id/broadcast", s.handleRoomBroadcast)
	ws.Get("/rooms/:room_id/members", s.handleRoomMembers)

	jobs := s.app.Group("/jobs")
	jobs.Get("/", s.handleActiveJobs)
	jobs.Get("/:job_id", s.handleJobStatus)
	jobs.Post("/:job_id/cancel", s.handleJobCancel)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.cfg.Addr)
	}()
	s.log.Info("http server listening", zap.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	if err := s.app.ShutdownWithTimeout(s.cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}
	s.log.Error("http error",
		zap.Int("status", code),
		zap.String("path", c.Path()),
		zap.Error(err),
	)
	return c.Status(code).JSON(fiber.Map{"error": message})
}

func upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
