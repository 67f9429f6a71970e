package api

import (
	"context"

	"github.com/therenovatio/teleton-agent-sub000/internal/agent"
	"github.com/therenovatio/teleton-agent-sub000/internal/queue"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

// ChatAgent is the agent surface the API drives
type ChatAgent interface {
	ProcessMessage(ctx context.Context, msg agent.Message) (*agent.Response, error)
	ClearHistory(ctx context.Context, chatKey string) error
	ActiveChatIDs() ([]string, error)
}

// ChatQueue serializes work per chat
type ChatQueue interface {
	Enqueue(key string, task queue.Task) (*queue.Handle, error)
	Depth(key string) int
	Stats() (keys, pending int)
}

// ToolAdmin lists tools and edits their runtime overrides
type ToolAdmin interface {
	All() []tools.Tool
	IsEnabled(name string) bool
	EffectiveScope(name string) (tools.Scope, bool)
	SetEnabled(store tools.ConfigStore, name string, enabled bool) error
	SetScopeOverride(store tools.ConfigStore, name string, scope tools.Scope) error
	SetModulePermission(store tools.ConfigStore, chatKey, module string, level tools.PermissionLevel) error
}

// SendRequest is the body of POST /api/chats/:key/messages
type SendRequest struct {
	Text       string `json:"text"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Username   string `json:"username"`
	IsGroup    bool   `json:"is_group"`
	ChatTitle  string `json:"chat_title"`
	IsAdmin    bool   `json:"is_admin"`
}

// SendResponse mirrors agent.Response
type SendResponse struct {
	Content    string                 `json:"content"`
	SessionID  string                 `json:"session_id"`
	Iterations int                    `json:"iterations"`
	ToolCalls  []agent.ToolCallRecord `json:"tool_calls"`
	Tokens     int                    `json:"tokens"`
}

// ChatSummary is one entry of GET /api/chats
type ChatSummary struct {
	Key        string `json:"key"`
	QueueDepth int    `json:"queue_depth"`
}

// ToolInfo is one entry of GET /api/tools
type ToolInfo struct {
	tools.Tool
	Enabled        bool        `json:"enabled"`
	EffectiveScope tools.Scope `json:"effective_scope"`
}

// ToolPatch is the body of PATCH /api/tools/:name
type ToolPatch struct {
	Enabled *bool   `json:"enabled"`
	Scope   *string `json:"scope"`
}

// PermissionRequest is the body of PUT /api/chats/:key/modules/:module
type PermissionRequest struct {
	Level string `json:"level"`
}
