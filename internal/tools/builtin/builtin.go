// Package builtin registers the core tools every deployment carries.
package builtin

import (
	"context"
	"net/http"
	"time"

	"github.com/therenovatio/teleton-agent-sub000/internal/store"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

// MemoryStore is what the memory tools need
type MemoryStore interface {
	Search(ctx context.Context, chatKey, query string, limit int) ([]store.Memory, error)
	Save(ctx context.Context, chatKey, content, memType string, importance int, source string) (*store.Memory, error)
}

// SessionInfo reads the chat's active session
type SessionInfo interface {
	Current(chatKey string) (*store.Session, error)
}

// ResetRequester schedules a session reset once the current message is done
type ResetRequester interface {
	RequestReset(chatKey string)
}

// Deps are the collaborators the built-in tools call into. Nil members
// skip the tools that need them.
type Deps struct {
	Memory           MemoryStore
	Sessions         SessionInfo
	Resets           ResetRequester
	HTTPClient       *http.Client
	WebFetchMaxBytes int
}

// Register adds every built-in tool whose dependencies are present
func Register(r *tools.Registry, deps Deps) error {
	defs := []struct {
		tool tools.Tool
		exec tools.Executor
		ok   bool
	}{
		{sendMessageTool, sendMessage, true},
		{memorySearchTool, memorySearch(deps.Memory), deps.Memory != nil},
		{memorySaveTool, memorySave(deps.Memory), deps.Memory != nil},
		{webFetchTool, webFetch(httpClient(deps), deps.WebFetchMaxBytes), true},
		{sessionInfoTool, sessionInfo(deps.Sessions), deps.Sessions != nil},
		{sessionResetTool, sessionReset(deps.Resets), deps.Resets != nil},
	}

	for _, d := range defs {
		if !d.ok {
			continue
		}
		if err := r.Register(d.tool, d.exec); err != nil {
			return err
		}
	}
	return nil
}

func httpClient(deps Deps) *http.Client {
	if deps.HTTPClient != nil {
		return deps.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
