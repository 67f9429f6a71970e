package api

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/agent"
	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	keys, pending := s.queue.Stats()
	return c.JSON(fiber.Map{
		"status":       "healthy",
		"version":      Version,
		"timestamp":    time.Now().Unix(),
		"active_chats": keys,
		"queued_tasks": pending,
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	if s.metrics == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "metrics disabled"})
	}
	return c.JSON(s.metrics.Snapshot())
}

func (s *Server) handleListChats(c *fiber.Ctx) error {
	keys, err := s.agent.ActiveChatIDs()
	if err != nil {
		s.logger.Error("Failed to list chats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list chats"})
	}
	sort.Strings(keys)

	chats := make([]ChatSummary, len(keys))
	for i, k := range keys {
		chats[i] = ChatSummary{Key: k, QueueDepth: s.queue.Depth(k)}
	}
	return c.JSON(chats)
}

// handleSendMessage runs one message through the chat's queue lane and
// waits for the reply.
func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	key, err := chatKeyParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid chat key"})
	}

	var req SendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "text is required"})
	}

	msg := agent.Message{
		ChatKey:        key,
		Text:           req.Text,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		SenderUsername: req.Username,
		IsGroup:        req.IsGroup,
		ChatTitle:      req.ChatTitle,
		IsAdmin:        req.IsAdmin,
		Timestamp:      time.Now(),
	}

	var resp *agent.Response
	handle, err := s.queue.Enqueue(key, func(ctx context.Context) error {
		var runErr error
		resp, runErr = s.agent.ProcessMessage(ctx, msg)
		return runErr
	})
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.replyTimeout)
	defer cancel()
	if err := handle.Wait(ctx); err != nil {
		return c.Status(statusFor(err)).JSON(fiber.Map{
			"error": err.Error(),
			"code":  apperrors.GetCode(err),
		})
	}

	return c.JSON(SendResponse{
		Content:    resp.Content,
		SessionID:  resp.SessionID,
		Iterations: resp.Iterations,
		ToolCalls:  resp.ToolCalls,
		Tokens:     resp.Usage.TotalTokens,
	})
}

func (s *Server) handleClearHistory(c *fiber.Ctx) error {
	key, err := chatKeyParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid chat key"})
	}

	handle, err := s.queue.Enqueue(key, func(ctx context.Context) error {
		return s.agent.ClearHistory(ctx, key)
	})
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	}
	if err := handle.Wait(c.UserContext()); err != nil {
		s.logger.Error("Failed to clear history", zap.String("chat", key), zap.Error(err))
		return c.Status(statusFor(err)).JSON(fiber.Map{"error": "failed to clear history"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleSetModulePermission(c *fiber.Ctx) error {
	key, err := chatKeyParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid chat key"})
	}
	var req PermissionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}

	level := tools.PermissionLevel(req.Level)
	if !level.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "level must be open, admin or disabled"})
	}
	if err := s.tools.SetModulePermission(s.kv, key, c.Params("module"), level); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListTools(c *fiber.Ctx) error {
	all := s.tools.All()
	out := make([]ToolInfo, len(all))
	for i, t := range all {
		scope, _ := s.tools.EffectiveScope(t.Name)
		out[i] = ToolInfo{Tool: t, Enabled: s.tools.IsEnabled(t.Name), EffectiveScope: scope}
	}
	return c.JSON(out)
}

func (s *Server) handlePatchTool(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, ok := s.tools.EffectiveScope(name); !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tool not found"})
	}

	var req ToolPatch
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}

	if req.Scope != nil {
		if err := s.tools.SetScopeOverride(s.kv, name, tools.Scope(*req.Scope)); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}
	if req.Enabled != nil {
		if err := s.tools.SetEnabled(s.kv, name, *req.Enabled); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
	}

	scope, _ := s.tools.EffectiveScope(name)
	return c.JSON(fiber.Map{
		"name":            name,
		"enabled":         s.tools.IsEnabled(name),
		"effective_scope": scope,
	})
}

// chatKeyParam unescapes the :key param (keys carry a colon)
func chatKeyParam(c *fiber.Ctx) (string, error) {
	key, err := url.PathUnescape(c.Params("key"))
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.New("empty chat key")
	}
	return key, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrBadRequest):
		return fiber.StatusBadRequest
	case errors.Is(err, apperrors.ErrQueueClosed):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrRateLimitExhausted):
		return fiber.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrContextOverflowRepeated):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrProviderFailed):
		return fiber.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusInternalServerError
}
