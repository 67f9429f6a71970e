package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
	"github.com/therenovatio/teleton-agent-sub000/internal/llm"
	"github.com/therenovatio/teleton-agent-sub000/internal/queue"
	"github.com/therenovatio/teleton-agent-sub000/internal/session"
	"github.com/therenovatio/teleton-agent-sub000/internal/store"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

type step func(c llm.Context) (*llm.Response, error)

type scriptedProvider struct {
	mu       sync.Mutex
	steps    []step
	fallback step
	calls    []llm.Context
	tools    [][]llm.Tool
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-1" }

func (p *scriptedProvider) Call(ctx context.Context, c llm.Context, defs []llm.Tool, opts llm.CallOptions) (*llm.Response, error) {
	p.mu.Lock()
	idx := len(p.calls)
	p.calls = append(p.calls, c)
	p.tools = append(p.tools, defs)
	next := p.fallback
	if idx < len(p.steps) {
		next = p.steps[idx]
	}
	p.mu.Unlock()
	if next == nil {
		return nil, errors.New("script exhausted")
	}
	return next(c)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func textReply(text string) step {
	return func(llm.Context) (*llm.Response, error) {
		return &llm.Response{
			Message:    llm.Message{Role: llm.RoleAssistant, Content: text},
			Text:       text,
			StopReason: llm.StopReasonStop,
			Usage:      llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func toolReply(id, name, args string) step {
	return func(llm.Context) (*llm.Response, error) {
		return &llm.Response{
			Message: llm.Message{
				Role:      llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
			},
			StopReason: llm.StopReasonToolUse,
			Usage:      llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func errReply(status int, msg string) step {
	return func(llm.Context) (*llm.Response, error) {
		return &llm.Response{StopReason: llm.StopReasonError, ErrorMessage: msg, StatusCode: status}, nil
	}
}

type overflowLog struct {
	mu      sync.Mutex
	session string
	turns   []store.Turn
}

func (o *overflowLog) LogOverflow(ctx context.Context, chatKey, sessionID string, turns []store.Turn) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = sessionID
	o.turns = turns
	return nil
}

type fakeMemory struct {
	queries []string
}

func (m *fakeMemory) Search(ctx context.Context, chatKey, query string, limit int) ([]store.Memory, error) {
	m.queries = append(m.queries, query)
	return []store.Memory{{Type: store.MemoryTypePreference, Content: "prefers answers in TON"}}, nil
}

type harness struct {
	agent    *Agent
	store    *store.Store
	sessions *session.Manager
	registry *tools.Registry
	provider *scriptedProvider
	overflow *overflowLog
	sleeps   []time.Duration
}

func testConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxIterations:        5,
		RateLimitMaxRetries:  3,
		RateLimitBaseDelay:   time.Second,
		ToolResultMaxBytes:   50000,
		MaskKeepRecent:       10,
		OverflowSummaryTurns: 15,
		PendingMaxMessages:   50,
		PendingMaxAge:        2 * time.Hour,
		ShortMessageChars:    8,
		MemoryResults:        5,
	}
}

func newHarness(t *testing.T, cfg config.AgentConfig, steps ...step) *harness {
	return newHarnessWith(t, cfg, func(*Deps) {}, steps...)
}

func newHarnessWith(t *testing.T, cfg config.AgentConfig, mutate func(*Deps), steps ...step) *harness {
	t.Helper()
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zap.NewNop()
	h := &harness{
		store:    st,
		sessions: session.NewManager(st, session.Policy{Mode: session.ResetModeNever}, logger),
		registry: tools.NewRegistry(time.Second, logger),
		provider: &scriptedProvider{steps: steps},
		overflow: &overflowLog{},
	}
	deps := Deps{
		Store:       st,
		Sessions:    h.sessions,
		Registry:    h.registry,
		Provider:    h.provider,
		Overflow:    h.overflow,
		Location:    time.UTC,
		DataBearing: []string{"memory"},
	}
	mutate(&deps)

	h.agent, err = New(cfg, deps, logger)
	require.NoError(t, err)
	h.agent.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func dm(text string) Message {
	return Message{ChatKey: "tg:42", Text: text, SenderID: 42, SenderName: "Alice", SenderUsername: "alice"}
}

func (h *harness) registerCounting(t *testing.T, tool tools.Tool, res *tools.Result) *int32 {
	t.Helper()
	var calls int32
	require.NoError(t, h.registry.Register(tool, func(ctx context.Context, args map[string]interface{}, ec *tools.ExecContext) (*tools.Result, error) {
		atomic.AddInt32(&calls, 1)
		return res, nil
	}))
	return &calls
}

func TestProcessMessage_DirectReply(t *testing.T) {
	h := newHarness(t, testConfig(), textReply("Hello!"))

	resp, err := h.agent.ProcessMessage(context.Background(), dm("hi"))
	require.NoError(t, err)

	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, 1, resp.Iterations)
	assert.Equal(t, 1, h.provider.callCount())
	assert.Empty(t, resp.ToolCalls)

	turns, err := h.store.ReadTurns(resp.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, llm.RoleUser, turns[0].Role)
	assert.True(t, strings.HasPrefix(turns[0].Content, "[Telegram Alice (@alice, 42) "))
	assert.True(t, strings.HasSuffix(turns[0].Content, "] hi"))
	assert.Equal(t, llm.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hello!", turns[1].Content)

	sess, err := h.sessions.Current("tg:42")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.MessageCount)
	assert.Equal(t, int64(15), sess.TokensUsed)
	assert.Equal(t, "scripted-1", sess.Model)
}

func TestProcessMessage_ToolThenAnswer(t *testing.T) {
	h := newHarness(t, testConfig(),
		toolReply("call_1", "get_price", `{"symbol":"TON"}`),
		textReply("TON is $5.21"),
	)
	calls := h.registerCounting(t, tools.Tool{
		Name: "get_price",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"symbol": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"symbol"},
		},
	}, tools.OK(map[string]interface{}{"price": 5.21}))

	resp, err := h.agent.ProcessMessage(context.Background(), dm("what's the TON price?"))
	require.NoError(t, err)

	assert.Equal(t, "TON is $5.21", resp.Content)
	assert.Equal(t, 2, h.provider.callCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_price", resp.ToolCalls[0].Name)
	assert.True(t, resp.ToolCalls[0].Success)
	assert.Equal(t, 30, resp.Usage.TotalTokens)

	second := h.provider.calls[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, llm.RoleAssistant, second[1].Role)
	require.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)
	assert.Contains(t, second[2].Content, `"price":5.21`)

	turns, err := h.store.ReadTurns(resp.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, "get_price", turns[2].ToolName)
	require.NotNil(t, turns[2].Success)
	assert.True(t, *turns[2].Success)
}

func TestProcessMessage_OverflowResetsOnce(t *testing.T) {
	h := newHarness(t, testConfig(),
		textReply("earlier answer"),
		errReply(400, "This model's maximum context length is 128000 tokens"),
		textReply("fresh start"),
	)

	first, err := h.agent.ProcessMessage(context.Background(), dm("first message"))
	require.NoError(t, err)
	oldID := first.SessionID

	resp, err := h.agent.ProcessMessage(context.Background(), dm("second message"))
	require.NoError(t, err)

	assert.Equal(t, "fresh start", resp.Content)
	assert.NotEqual(t, oldID, resp.SessionID)
	assert.Equal(t, 1, resp.Iterations)

	retried := h.provider.calls[2].Messages
	require.Len(t, retried, 1)
	assert.Contains(t, retried[0].Content, "second message")

	archived, err := h.store.ReadArchivedTurns(oldID)
	require.NoError(t, err)
	require.Len(t, archived, 3)
	assert.Contains(t, archived[2].Content, "second message")

	live, err := h.store.ReadTurns(resp.SessionID)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Contains(t, live[0].Content, "second message")

	next, err := h.store.GetSessionByID(resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.ReasonOverflow, next.Reason)
	assert.Equal(t, oldID, h.overflow.session)
	assert.Len(t, h.overflow.turns, 3)
}

func TestProcessMessage_SecondOverflowIsFatal(t *testing.T) {
	overflow := errReply(400, "context_length_exceeded")
	h := newHarness(t, testConfig(), overflow, overflow, textReply("never reached"))

	_, err := h.agent.ProcessMessage(context.Background(), dm("hello there"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrContextOverflowRepeated))
	assert.True(t, IsFatal(err))
	assert.Equal(t, 2, h.provider.callCount())

	// the user turn survives in the reset session
	sess, err := h.sessions.Current("tg:42")
	require.NoError(t, err)
	turns, err := h.store.ReadTurns(sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, llm.RoleUser, turns[0].Role)
}

func TestProcessMessage_RateLimitBackoff(t *testing.T) {
	limited := errReply(429, "Too Many Requests")
	h := newHarness(t, testConfig(), limited, limited, limited, textReply("finally"))

	resp, err := h.agent.ProcessMessage(context.Background(), dm("hello there"))
	require.NoError(t, err)
	assert.Equal(t, "finally", resp.Content)
	assert.Equal(t, 4, h.provider.callCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeps)
	assert.Equal(t, 1, resp.Iterations)
}

func TestProcessMessage_RateLimitExhausted(t *testing.T) {
	h := newHarness(t, testConfig())
	h.provider.fallback = errReply(0, "rate limit reached for requests")

	_, err := h.agent.ProcessMessage(context.Background(), dm("hello there"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRateLimitExhausted))
	assert.Equal(t, 4, h.provider.callCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeps)
}

func TestProcessMessage_RateLimitStormThroughManager(t *testing.T) {
	upstream := &scriptedProvider{fallback: errReply(429, "Too Many Requests")}
	pm := llm.NewProviderManager(llm.ManagerOptions{}, zap.NewNop())
	pm.AddProvider(upstream, 0, llm.ManagerOptions{BreakerFailures: 2})

	h := newHarnessWith(t, testConfig(), func(d *Deps) { d.Provider = pm })

	for i := 1; i <= 3; i++ {
		h.sleeps = nil
		_, err := h.agent.ProcessMessage(context.Background(), dm("hello there"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrRateLimitExhausted), err.Error())
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeps)
		assert.Equal(t, 4*i, upstream.callCount())
	}
}

func TestProcessMessage_ProviderErrorIsFatal(t *testing.T) {
	h := newHarness(t, testConfig(), errReply(401, "invalid api key"))

	_, err := h.agent.ProcessMessage(context.Background(), dm("hello there"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrProviderFailed))
	assert.Equal(t, 1, h.provider.callCount())
	assert.Empty(t, h.sleeps)
}

func TestProcessMessage_ProviderGoErrorIsClassified(t *testing.T) {
	h := newHarness(t, testConfig(),
		func(llm.Context) (*llm.Response, error) { return nil, errors.New("status 429: too many requests") },
		textReply("ok now"),
	)

	resp, err := h.agent.ProcessMessage(context.Background(), dm("hello there"))
	require.NoError(t, err)
	assert.Equal(t, "ok now", resp.Content)
	assert.Equal(t, []time.Duration{time.Second}, h.sleeps)
}

func TestRunLoop_MissingExecContextIsFatal(t *testing.T) {
	h := newHarness(t, testConfig(), toolReply("c1", "memory_search", `{}`), textReply("unreachable"))
	sess, _, err := h.store.GetOrCreateSession("tg:42", false, "")
	require.NoError(t, err)

	run := &loopRun{msg: dm("look this up"), sess: sess}
	err = h.agent.runLoop(context.Background(), run)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrToolContextMissing))
	assert.Contains(t, err.Error(), "memory_search")
	assert.Equal(t, 1, h.provider.callCount())
	assert.Empty(t, run.records)
}

func TestProcessMessage_IterationCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 3
	h := newHarness(t, cfg)
	n := 0
	h.provider.fallback = func(c llm.Context) (*llm.Response, error) {
		n++
		return toolReply(fmt.Sprintf("call_%d", n), "get_price", `{}`)(c)
	}
	calls := h.registerCounting(t, tools.Tool{Name: "get_price"}, tools.OK("5.21"))

	resp, err := h.agent.ProcessMessage(context.Background(), dm("loop forever please"))
	require.NoError(t, err)

	assert.Equal(t, 3, h.provider.callCount())
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Equal(t, 3, resp.Iterations)
	assert.Len(t, resp.ToolCalls, 3)
	assert.Equal(t, fallbackDone, resp.Content)
}

func TestProcessMessage_DMOnlyToolInGroup(t *testing.T) {
	h := newHarness(t, testConfig(),
		toolReply("call_1", "wallet_send", `{}`),
		textReply("I can't do that here"),
	)
	calls := h.registerCounting(t, tools.Tool{Name: "wallet_send", Scope: tools.ScopeDMOnly}, tools.OK("sent"))

	msg := dm("send 5 TON to bob")
	msg.ChatKey = "tg:-100"
	msg.IsGroup = true
	msg.ChatTitle = "Traders"

	resp, err := h.agent.ProcessMessage(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
	require.Len(t, resp.ToolCalls, 1)
	assert.False(t, resp.ToolCalls[0].Success)
	assert.Contains(t, resp.ToolCalls[0].Error, "only available in direct messages")

	// hidden from the model in the first place
	for _, def := range h.provider.tools[0] {
		assert.NotEqual(t, "wallet_send", def.Name)
	}
}

func TestProcessMessage_OversizedResultKeepsSummary(t *testing.T) {
	h := newHarness(t, testConfig(),
		toolReply("call_1", "ton_history", `{}`),
		textReply("here you go"),
	)
	h.registerCounting(t, tools.Tool{Name: "ton_history"}, tools.OK(map[string]interface{}{
		"summary": "ok",
		"rows":    strings.Repeat("x", 60000),
	}))

	resp, err := h.agent.ProcessMessage(context.Background(), dm("show my history"))
	require.NoError(t, err)

	turns, err := h.store.ReadTurns(resp.SessionID)
	require.NoError(t, err)
	toolTurn := turns[2]
	require.Equal(t, llm.RoleTool, toolTurn.Role)
	assert.Less(t, len(toolTurn.Content), 50000)
	assert.Contains(t, toolTurn.Content, `"summary":"ok"`)
	assert.Contains(t, toolTurn.Content, `"_truncated":true`)
}

func TestProcessMessage_ToolOutputIsRedacted(t *testing.T) {
	h := newHarness(t, testConfig(),
		toolReply("call_1", "env_dump", `{}`),
		textReply("done"),
	)
	h.registerCounting(t, tools.Tool{Name: "env_dump"}, tools.OK("OPENAI=sk-abcdefghijklmnopqrstuvwxyz0123456789"))

	resp, err := h.agent.ProcessMessage(context.Background(), dm("dump the env"))
	require.NoError(t, err)

	turns, err := h.store.ReadTurns(resp.SessionID)
	require.NoError(t, err)
	assert.NotContains(t, turns[2].Content, "abcdefghijklmnopqrstuvwxyz0123456789")
	assert.Contains(t, turns[2].Content, "sk-****")
}

func TestProcessMessage_Finalize(t *testing.T) {
	t.Run("reply delivered by tool", func(t *testing.T) {
		h := newHarness(t, testConfig(), toolReply("c1", "telegram_send_message", `{}`), textReply(""))
		h.registerCounting(t, tools.Tool{Name: "telegram_send_message", DeliversReply: true}, tools.OK("sent"))

		resp, err := h.agent.ProcessMessage(context.Background(), dm("say hi to me"))
		require.NoError(t, err)
		assert.Equal(t, "", resp.Content)
	})

	t.Run("tools ran without text", func(t *testing.T) {
		h := newHarness(t, testConfig(), toolReply("c1", "memory_save", `{}`), textReply(""))
		h.registerCounting(t, tools.Tool{Name: "memory_save"}, tools.OK("saved"))

		resp, err := h.agent.ProcessMessage(context.Background(), dm("remember this"))
		require.NoError(t, err)
		assert.Equal(t, fallbackDone, resp.Content)
	})

	t.Run("nothing came back", func(t *testing.T) {
		h := newHarness(t, testConfig(), func(llm.Context) (*llm.Response, error) {
			return &llm.Response{StopReason: llm.StopReasonStop}, nil
		})

		resp, err := h.agent.ProcessMessage(context.Background(), dm("hello there"))
		require.NoError(t, err)
		assert.Equal(t, fallbackEmpty, resp.Content)
	})
}

func TestProcessMessage_GroupPendingIsReplayed(t *testing.T) {
	h := newHarness(t, testConfig(), textReply("caught up"))
	base := time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)

	for i, text := range []string{"gm all", "TON pumping?"} {
		h.agent.RecordPending(Message{
			ChatKey: "tg:-100", IsGroup: true, ChatTitle: "Traders",
			SenderName: "Bob", Text: text, Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	h.agent.pending.now = func() time.Time { return base.Add(5 * time.Minute) }

	msg := dm("@bot what did I miss?")
	msg.ChatKey = "tg:-100"
	msg.IsGroup = true
	msg.ChatTitle = "Traders"
	msg.Timestamp = base.Add(5 * time.Minute)

	_, err := h.agent.ProcessMessage(context.Background(), msg)
	require.NoError(t, err)

	sent := h.provider.calls[0].Messages
	require.Len(t, sent, 1)
	content := sent[0].Content
	assert.True(t, strings.HasPrefix(content, pendingHeader))
	assert.Contains(t, content, "gm all")
	assert.Contains(t, content, "Traders: Bob +1m")
	assert.Contains(t, content, currentHeader)
	assert.Less(t, strings.Index(content, "TON pumping?"), strings.Index(content, "what did I miss?"))
	assert.Equal(t, 0, h.agent.pending.Len("tg:-100"))
}

func TestProcessMessage_MemoryEnrichment(t *testing.T) {
	mem := &fakeMemory{}
	h := newHarnessWith(t, testConfig(), func(d *Deps) { d.Memory = mem },
		textReply("one"), textReply("two"))

	_, err := h.agent.ProcessMessage(context.Background(), dm("ok"))
	require.NoError(t, err)
	assert.Empty(t, mem.queries)
	assert.NotContains(t, h.provider.calls[0].SystemPrompt, "Relevant memories")

	_, err = h.agent.ProcessMessage(context.Background(), dm("how much TON do I hold?"))
	require.NoError(t, err)
	assert.Equal(t, []string{"how much TON do I hold?"}, mem.queries)
	assert.Contains(t, h.provider.calls[1].SystemPrompt, "prefers answers in TON")
}

type armedCompactor struct {
	st    *store.Store
	armed bool
	calls int
}

func (c *armedCompactor) CheckAndCompact(ctx context.Context, sessionID, chatKey string, turns []store.Turn) (string, error) {
	c.calls++
	if !c.armed || len(turns) < 2 {
		return "", nil
	}
	c.armed = false
	next := &store.Session{ChatKey: chatKey, Reason: session.ReasonCompaction, ParentID: sessionID}
	seed := []store.Turn{{Role: llm.RoleUser, Content: "[Conversation summary]\nearlier chat"}}
	if err := c.st.CompactSession(sessionID, next, seed); err != nil {
		return "", err
	}
	return next.ID, nil
}

func TestProcessMessage_PreemptiveCompaction(t *testing.T) {
	var comp *armedCompactor
	h := newHarnessWith(t, testConfig(), func(d *Deps) {
		comp = &armedCompactor{st: d.Store}
		d.Compactor = comp
	}, textReply("first"), textReply("second"))

	first, err := h.agent.ProcessMessage(context.Background(), dm("hello there"))
	require.NoError(t, err)
	// checked before the model call and again on the final transcript
	assert.Equal(t, 2, comp.calls)

	comp.armed = true
	resp, err := h.agent.ProcessMessage(context.Background(), dm("and again"))
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, resp.SessionID)

	sent := h.provider.calls[1].Messages
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0].Content, "[Conversation summary]")
	assert.Contains(t, sent[1].Content, "and again")

	turns, err := h.store.ReadTurns(resp.SessionID)
	require.NoError(t, err)
	assert.Len(t, turns, 3)

	archived, err := h.store.ReadArchivedTurns(first.SessionID)
	require.NoError(t, err)
	assert.Len(t, archived, 2)

	cur, err := h.sessions.Current("tg:42")
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, cur.ID)
}

func TestProcessMessage_RequestedResetAppliesAfterReply(t *testing.T) {
	h := newHarness(t, testConfig(), toolReply("c1", "session_reset", `{}`), textReply("starting fresh"))
	require.NoError(t, h.registry.Register(tools.Tool{Name: "session_reset"},
		func(ctx context.Context, args map[string]interface{}, ec *tools.ExecContext) (*tools.Result, error) {
			h.agent.RequestReset(ec.ChatKey)
			return tools.OK("scheduled"), nil
		}))

	resp, err := h.agent.ProcessMessage(context.Background(), dm("reset please"))
	require.NoError(t, err)
	assert.Equal(t, "starting fresh", resp.Content)

	cur, err := h.sessions.Current("tg:42")
	require.NoError(t, err)
	assert.NotEqual(t, resp.SessionID, cur.ID)
	assert.Equal(t, session.ReasonManual, cur.Reason)

	archived, err := h.store.ReadArchivedTurns(resp.SessionID)
	require.NoError(t, err)
	assert.Len(t, archived, 4)
}

func TestClearHistoryAndActiveChats(t *testing.T) {
	h := newHarness(t, testConfig(), textReply("a"), textReply("b"))
	ctx := context.Background()

	first, err := h.agent.ProcessMessage(ctx, dm("hello there"))
	require.NoError(t, err)
	other := dm("hello there")
	other.ChatKey = "tg:7"
	_, err = h.agent.ProcessMessage(ctx, other)
	require.NoError(t, err)

	ids, err := h.agent.ActiveChatIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tg:42", "tg:7"}, ids)

	require.NoError(t, h.agent.ClearHistory(ctx, "tg:42"))
	cur, err := h.sessions.Current("tg:42")
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, cur.ID)

	live, err := h.store.ReadTurns(first.SessionID)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestProcessMessage_SameChatNeverOverlaps(t *testing.T) {
	h := newHarness(t, testConfig())
	h.provider.fallback = func(c llm.Context) (*llm.Response, error) {
		last := c.Messages[len(c.Messages)-1]
		if last.Role == llm.RoleUser {
			return toolReply("c1", "slow_write", `{}`)(c)
		}
		return textReply("written")(c)
	}

	var inflight, maxInflight int32
	require.NoError(t, h.registry.Register(tools.Tool{Name: "slow_write"},
		func(ctx context.Context, args map[string]interface{}, ec *tools.ExecContext) (*tools.Result, error) {
			n := atomic.AddInt32(&inflight, 1)
			for {
				m := atomic.LoadInt32(&maxInflight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInflight, m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inflight, -1)
			return tools.OK("ok"), nil
		}))

	q := queue.New(0, zap.NewNop())
	var handles []*queue.Handle
	for i := 0; i < 4; i++ {
		msg := dm(fmt.Sprintf("write entry %d", i))
		hd, err := q.Enqueue(msg.ChatKey, func(ctx context.Context) error {
			_, err := h.agent.ProcessMessage(ctx, msg)
			return err
		})
		require.NoError(t, err)
		handles = append(handles, hd)
	}
	for _, hd := range handles {
		require.NoError(t, hd.Wait(context.Background()))
	}
	require.NoError(t, q.Drain(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInflight))

	sess, err := h.sessions.Current("tg:42")
	require.NoError(t, err)
	turns, err := h.store.ReadTurns(sess.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 16)
	for i := 0; i < 4; i++ {
		assert.Contains(t, turns[i*4].Content, fmt.Sprintf("write entry %d", i))
	}
}

func TestToolCallsPersistAsJSON(t *testing.T) {
	h := newHarness(t, testConfig(), toolReply("c9", "get_price", `{"symbol":"TON"}`), textReply("done"))
	h.registerCounting(t, tools.Tool{Name: "get_price"}, tools.OK(1))

	resp, err := h.agent.ProcessMessage(context.Background(), dm("price please"))
	require.NoError(t, err)

	turns, err := h.store.ReadTurns(resp.SessionID)
	require.NoError(t, err)
	var calls []llm.ToolCall
	require.NoError(t, json.Unmarshal(turns[1].ToolCalls, &calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "c9", calls[0].ID)
	assert.Equal(t, `{"symbol":"TON"}`, calls[0].Arguments)
}
