package api

import (
	"strings"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	if s.accessLog {
		s.app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	if len(s.allowOrigins) > 0 {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(s.allowOrigins, ","),
			AllowHeaders: "Origin, Content-Type, Accept, Authorization",
			AllowMethods: "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		}))
	}

	s.app.Get("/api/health", s.handleHealth)
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	api := s.app.Group("/api")
	protected := api.Use(s.authMiddleware())

	protected.Get("/stats", s.handleStats)

	protected.Get("/chats", s.handleListChats)
	protected.Post("/chats/:key/messages", s.handleSendMessage)
	protected.Delete("/chats/:key/history", s.handleClearHistory)
	protected.Put("/chats/:key/modules/:module", s.handleSetModulePermission)

	protected.Get("/tools", s.handleListTools)
	protected.Patch("/tools/:name", s.handlePatchTool)
}
