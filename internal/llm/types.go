// Package llm defines the model provider contract and its OpenAI-compatible implementation.
package llm

import (
	"context"
)

// Roles used in conversation turns
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Stop reasons reported by providers
const (
	StopReasonStop    = "stop"
	StopReasonToolUse = "tool_use"
	StopReasonLength  = "length"
	StopReasonError   = "error"
)

// Message represents a chat message
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall represents a tool call from the model
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool represents a tool definition offered to the model
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Context is the ordered turn list plus system prompt sent on each call
type Context struct {
	SystemPrompt string
	Messages     []Message
}

// CallOptions carries per-call settings
type CallOptions struct {
	Model       string
	MaxTokens   int
	Temperature float32
	SessionID   string
}

// Usage reports token accounting for one call
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the outcome of a provider call. A StopReason of "error"
// carries the provider's error text in ErrorMessage.
type Response struct {
	Message      Message
	Text         string
	Usage        Usage
	StopReason   string
	ErrorMessage string
	StatusCode   int
	Provider     string
	Model        string
}

// Failed reports whether the provider signalled an error.
func (r *Response) Failed() bool {
	return r != nil && r.StopReason == StopReasonError
}

// Provider is a model backend
type Provider interface {
	Name() string
	Model() string
	Call(ctx context.Context, c Context, tools []Tool, opts CallOptions) (*Response, error)
}

// ErrorResponse builds a failed Response from a transport error.
func ErrorResponse(provider string, status int, err error) *Response {
	return &Response{
		StopReason:   StopReasonError,
		ErrorMessage: err.Error(),
		StatusCode:   status,
		Provider:     provider,
	}
}
