// Package agent runs the per-message orchestration: session resolution,
// context assembly, the model/tool loop and session bookkeeping.
package agent

import (
	"context"
	"time"

	"github.com/therenovatio/teleton-agent-sub000/internal/llm"
	"github.com/therenovatio/teleton-agent-sub000/internal/store"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

// Message is one incoming chat message
type Message struct {
	ChatKey        string
	Text           string
	SenderID       int64
	SenderName     string
	SenderUsername string
	IsGroup        bool
	ChatTitle      string
	IsAdmin        bool
	// MediaType is set for photos, voice notes, documents...
	MediaType string
	Timestamp time.Time
	MessageID int
	// Platform overrides the agent-wide platform handle for this message.
	Platform tools.Platform
}

// ToolCallRecord describes one executed tool call
type ToolCallRecord struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Response is the outcome of ProcessMessage
type Response struct {
	Content    string           `json:"content"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	SessionID  string           `json:"session_id"`
	Iterations int              `json:"iterations"`
	Usage      llm.Usage        `json:"usage"`
}

// MemorySearcher retrieves stored memories relevant to a message
type MemorySearcher interface {
	Search(ctx context.Context, chatKey, query string, limit int) ([]store.Memory, error)
}

// OverflowLogger keeps a durable record of turns lost to an overflow reset
type OverflowLogger interface {
	LogOverflow(ctx context.Context, chatKey, sessionID string, turns []store.Turn) error
}

// Compactor condenses an oversized transcript into a new session. It
// returns "" when nothing was compacted.
type Compactor interface {
	CheckAndCompact(ctx context.Context, sessionID, chatKey string, turns []store.Turn) (string, error)
}

// Observer receives loop events, typically for metrics
type Observer interface {
	ObserveModelCall(outcome string, elapsed time.Duration)
	ObserveOverflowReset()
	ObserveRateLimitRetry()
	ObserveLoop(iterations int, toolCalls int)
}

// Model call outcomes reported to the Observer
const (
	CallSuccess   = "success"
	CallOverflow  = "overflow"
	CallRateLimit = "rate_limit"
	CallError     = "error"
)
