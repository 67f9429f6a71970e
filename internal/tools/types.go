// Package tools is the dispatch table for everything the model can call:
// registration, scope and permission enforcement, per-request selection
// and hot reload of plugin-owned tools.
package tools

import (
	"context"
	"encoding/json"
	"strings"
)

// Scope is a tool's visibility constraint
type Scope string

const (
	ScopeAlways    Scope = "always"
	ScopeDMOnly    Scope = "dm-only"
	ScopeGroupOnly Scope = "group-only"
	ScopeAdminOnly Scope = "admin-only"
)

// Valid reports whether s is a known scope
func (s Scope) Valid() bool {
	switch s {
	case ScopeAlways, ScopeDMOnly, ScopeGroupOnly, ScopeAdminOnly:
		return true
	}
	return false
}

// PermissionLevel gates a whole module inside one chat
type PermissionLevel string

const (
	PermissionOpen     PermissionLevel = "open"
	PermissionAdmin    PermissionLevel = "admin"
	PermissionDisabled PermissionLevel = "disabled"
)

// Valid reports whether l is a known level
func (l PermissionLevel) Valid() bool {
	switch l {
	case PermissionOpen, PermissionAdmin, PermissionDisabled:
		return true
	}
	return false
}

// Tool is a registered tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Category    string                 `json:"category,omitempty"`
	Scope       Scope                  `json:"scope"`
	// Owner is set for plugin tools; it doubles as their module tag.
	Owner  string `json:"owner,omitempty"`
	Module string `json:"module"`
	// AlwaysInclude keeps the tool in relevance-narrowed lists.
	AlwaysInclude bool `json:"always_include,omitempty"`
	// DeliversReply marks tools that send the user-facing reply themselves.
	DeliversReply bool `json:"delivers_reply,omitempty"`
}

// Executor runs a tool with validated arguments
type Executor func(ctx context.Context, args map[string]interface{}, ec *ExecContext) (*Result, error)

// Result is the well-formed outcome of every tool call
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Fail builds a failed Result
func Fail(msg string) *Result {
	return &Result{Success: false, Error: msg}
}

// OK builds a successful Result
func OK(data interface{}) *Result {
	return &Result{Success: true, Data: data}
}

// Call is a model-requested invocation
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Platform is the chat-platform handle tools use to act on the conversation
type Platform interface {
	SendMessage(ctx context.Context, chatKey, text string, replyTo int) (int, error)
}

// ExecContext carries the caller and conversation a call runs on behalf of
type ExecContext struct {
	ChatKey    string
	SessionID  string
	IsGroup    bool
	SenderID   int64
	SenderName string
	IsAdmin    bool
	Admins     []int64
	MessageID  int
	Platform   Platform
}

// PluginTool pairs a plugin-supplied definition with its executor
type PluginTool struct {
	Tool     Tool
	Executor Executor
}

// Change describes one hot-reload mutation
type Change struct {
	Owner   string
	Removed []string
	Added   []Tool
}

// Match is one relevance-search hit
type Match struct {
	Name  string
	Score float32
}

// Searcher narrows tool lists by relevance to the current message
type Searcher interface {
	Search(ctx context.Context, query string, embedding []float32) ([]Match, error)
	IsAlwaysIncluded(name string) bool
}

// ModuleOf derives a module tag from a tool name prefix: "ton_get_price" -> "ton".
func ModuleOf(name string) string {
	if i := strings.IndexByte(name, '_'); i > 0 {
		return name[:i]
	}
	return name
}
