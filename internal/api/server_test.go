package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/agent"
	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
	"github.com/therenovatio/teleton-agent-sub000/internal/metrics"
	"github.com/therenovatio/teleton-agent-sub000/internal/queue"
	"github.com/therenovatio/teleton-agent-sub000/internal/store"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

const testSecret = "test-secret"

type stubAgent struct {
	mu       sync.Mutex
	messages []agent.Message
	cleared  []string
	chats    []string
	err      error
}

func (a *stubAgent) ProcessMessage(_ context.Context, msg agent.Message) (*agent.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
	if a.err != nil {
		return nil, a.err
	}
	return &agent.Response{Content: "echo: " + msg.Text, SessionID: "s1", Iterations: 1}, nil
}

func (a *stubAgent) ClearHistory(_ context.Context, chatKey string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cleared = append(a.cleared, chatKey)
	return nil
}

func (a *stubAgent) ActiveChatIDs() ([]string, error) {
	return a.chats, nil
}

type fixture struct {
	server *Server
	agent  *stubAgent
	tools  *tools.Registry
	store  *store.Store
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := tools.NewRegistry(time.Second, zap.NewNop())
	require.NoError(t, reg.Register(tools.Tool{
		Name: "ton_get_price", Description: "TON price", Scope: tools.ScopeAlways, Module: "ton",
	}, func(context.Context, map[string]interface{}, *tools.ExecContext) (*tools.Result, error) {
		return tools.OK("5.21"), nil
	}))

	ag := &stubAgent{chats: []string{"tg:2", "tg:1"}}
	q := queue.New(0, zap.NewNop())
	t.Cleanup(func() { q.Drain(context.Background()) })

	cfg := &config.Config{}
	cfg.Security.JWTSecret = testSecret

	srv, err := New(cfg, Deps{Agent: ag, Queue: q, Tools: reg, KV: st, Metrics: metrics.New()}, zap.NewNop())
	require.NoError(t, err)

	token, err := IssueToken(testSecret, "admin", time.Hour)
	require.NoError(t, err)

	return &fixture{server: srv, agent: ag, tools: reg, store: st, token: token}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(&config.Config{}, Deps{}, zap.NewNop())
	assert.Error(t, err)
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	f.token = ""
	status, body := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"status":"healthy"`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.token = ""
	status, body := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	f.token = ""
	status, _ := f.do(t, http.MethodGet, "/api/chats", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	f.token = "garbage"
	status, _ = f.do(t, http.MethodGet, "/api/chats", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	expired, err := IssueToken(testSecret, "admin", -time.Minute)
	require.NoError(t, err)
	f.token = expired
	status, _ = f.do(t, http.MethodGet, "/api/chats", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	wrongKey, err := IssueToken("other", "admin", time.Hour)
	require.NoError(t, err)
	f.token = wrongKey
	status, _ = f.do(t, http.MethodGet, "/api/chats", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestListChats(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, status)

	var chats []ChatSummary
	require.NoError(t, json.Unmarshal(body, &chats))
	require.Len(t, chats, 2)
	assert.Equal(t, "tg:1", chats[0].Key)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/chats/tg%3A42/messages", SendRequest{Text: "hi", SenderID: 42})
	require.Equal(t, http.StatusOK, status, string(body))

	var resp SendResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "echo: hi", resp.Content)
	assert.Equal(t, "s1", resp.SessionID)

	require.Len(t, f.agent.messages, 1)
	assert.Equal(t, "tg:42", f.agent.messages[0].ChatKey)

	status, _ = f.do(t, http.MethodPost, "/api/chats/tg:42/messages", SendRequest{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSendMessage_FatalErrorStatus(t *testing.T) {
	f := newFixture(t)
	f.agent.err = apperrors.WithCause(apperrors.ErrRateLimitExhausted, nil)

	status, body := f.do(t, http.MethodPost, "/api/chats/tg:1/messages", SendRequest{Text: "hi"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, string(body), apperrors.ErrRateLimitExhausted.Code)
}

func TestClearHistory(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodDelete, "/api/chats/tg:-100/history", nil)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, []string{"tg:-100"}, f.agent.cleared)
}

func TestToolsListAndPatch(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/tools", nil)
	require.Equal(t, http.StatusOK, status)
	var list []ToolInfo
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].Enabled)
	assert.Equal(t, tools.ScopeAlways, list[0].EffectiveScope)

	disabled, scope := false, string(tools.ScopeDMOnly)
	status, _ = f.do(t, http.MethodPatch, "/api/tools/ton_get_price", ToolPatch{Enabled: &disabled, Scope: &scope})
	require.Equal(t, http.StatusOK, status)
	assert.False(t, f.tools.IsEnabled("ton_get_price"))
	eff, _ := f.tools.EffectiveScope("ton_get_price")
	assert.Equal(t, tools.ScopeDMOnly, eff)

	// persisted for the next start
	raw, err := f.store.GetKV("tools:enabled:ton_get_price")
	require.NoError(t, err)
	assert.Equal(t, "false", string(raw))

	bad := "everywhere"
	status, _ = f.do(t, http.MethodPatch, "/api/tools/ton_get_price", ToolPatch{Scope: &bad})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPatch, "/api/tools/nope", ToolPatch{Enabled: &disabled})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestModulePermission(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPut, "/api/chats/tg:-100/modules/ton", PermissionRequest{Level: "admin"})
	require.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, tools.PermissionAdmin, f.tools.ModulePermission("tg:-100", "ton"))

	status, body := f.do(t, http.MethodPut, "/api/chats/tg:-100/modules/ton", PermissionRequest{Level: "root"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.True(t, strings.Contains(string(body), "level"))
}
