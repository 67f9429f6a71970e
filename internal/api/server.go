// Package api exposes the agent over HTTP: health, Prometheus metrics and a
// JWT-protected admin surface for chats and tools.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	"github.com/therenovatio/teleton-agent-sub000/internal/metrics"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

// Version is reported by /api/health
const Version = "0.3.0"

// Deps are the collaborators the server needs
type Deps struct {
	Agent   ChatAgent
	Queue   ChatQueue
	Tools   ToolAdmin
	KV      tools.ConfigStore
	Metrics *metrics.Metrics
}

// Server handles the HTTP API
type Server struct {
	app          *fiber.App
	addr         string
	secret       string
	allowOrigins []string
	accessLog    bool
	replyTimeout time.Duration

	agent   ChatAgent
	queue   ChatQueue
	tools   ToolAdmin
	kv      tools.ConfigStore
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates the API server. The JWT secret must be set.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if cfg.Security.JWTSecret == "" {
		return nil, fmt.Errorf("api: security.jwt_secret is required")
	}
	if deps.Agent == nil || deps.Queue == nil || deps.Tools == nil {
		return nil, fmt.Errorf("api: agent, queue and tools are required")
	}

	readTimeout := time.Duration(cfg.Server.ReadTimeout) * time.Second
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := time.Duration(cfg.Server.WriteTimeout) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Minute
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           readTimeout,
		WriteTimeout:          writeTimeout,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:          app,
		addr:         fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		secret:       cfg.Security.JWTSecret,
		allowOrigins: cfg.Security.AllowOrigins,
		accessLog:    cfg.Log.Level == "debug",
		replyTimeout: writeTimeout,
		agent:        deps.Agent,
		queue:        deps.Queue,
		tools:        deps.Tools,
		kv:           deps.KV,
		metrics:      deps.Metrics,
		logger:       logger.Named("api"),
	}

	s.setupRoutes()
	return s, nil
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.addr))
	return s.app.Listen(s.addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
