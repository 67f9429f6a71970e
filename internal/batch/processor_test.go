package batch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/agent"
	"github.com/therenovatio/teleton-agent-sub000/internal/llm"
	"github.com/therenovatio/teleton-agent-sub000/internal/queue"
)

type echoAgent struct {
	mu     sync.Mutex
	seen   map[string][]string
	active int
	peak   int
}

func (e *echoAgent) ProcessMessage(_ context.Context, msg agent.Message) (*agent.Response, error) {
	e.mu.Lock()
	if e.seen == nil {
		e.seen = make(map[string][]string)
	}
	e.seen[msg.ChatKey] = append(e.seen[msg.ChatKey], msg.Text)
	e.active++
	if e.active > e.peak {
		e.peak = e.active
	}
	e.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	e.mu.Lock()
	e.active--
	e.mu.Unlock()

	if msg.Text == "fail" {
		return nil, errors.New("provider down")
	}
	return &agent.Response{
		Content:    "echo: " + msg.Text,
		Iterations: 1,
		Usage:      llm.Usage{TotalTokens: 7},
	}, nil
}

func newProcessor(t *testing.T, cfg Config) (*Processor, *echoAgent) {
	t.Helper()
	q := queue.New(0, zap.NewNop())
	t.Cleanup(func() { q.Drain(context.Background()) })
	a := &echoAgent{}
	return NewProcessor(a, q, cfg, zap.NewNop()), a
}

func TestNewProcessor_Defaults(t *testing.T) {
	p, _ := newProcessor(t, Config{})
	def := DefaultConfig()
	assert.Equal(t, def.MaxInFlight, p.config.MaxInFlight)
	assert.Equal(t, def.Timeout, p.config.Timeout)
	assert.Equal(t, "batch:default", p.config.DefaultChatKey)
}

func TestRun_PreservesPerChatOrder(t *testing.T) {
	p, a := newProcessor(t, DefaultConfig())

	var items []InputItem
	for i := 0; i < 5; i++ {
		items = append(items,
			InputItem{ID: "a", ChatKey: "tg:1", Text: string(rune('a' + i))},
			InputItem{ID: "b", ChatKey: "tg:2", Text: string(rune('A' + i))},
		)
	}

	result, err := p.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 10, result.Total)
	assert.Equal(t, 10, result.Success)

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, a.seen["tg:1"])
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, a.seen["tg:2"])
	// one lane per chat, so never more than two at once
	assert.LessOrEqual(t, a.peak, 2)

	assert.Equal(t, "echo: a", result.Items[0].Response)
	assert.Equal(t, 7, result.Items[0].TokensUsed)
}

func TestRun_FailuresAndSkips(t *testing.T) {
	p, _ := newProcessor(t, DefaultConfig())

	result, err := p.Run(context.Background(), []InputItem{
		{ID: "1", Text: "hello"},
		{ID: "2", Text: "   "},
		{ID: "3", Text: "fail"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Success)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, "batch:default", result.Items[0].ChatKey)
	assert.True(t, result.Items[1].Skipped)
	assert.Equal(t, "provider down", result.Items[2].Error)
}

func TestRun_MaxInFlight(t *testing.T) {
	p, a := newProcessor(t, Config{MaxInFlight: 1})

	items := make([]InputItem, 0, 6)
	for i := 0; i < 6; i++ {
		items = append(items, InputItem{ChatKey: "tg:" + string(rune('0'+i)), Text: "hi"})
	}
	result, err := p.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Success)
	assert.Equal(t, 1, a.peak)
}

func TestRun_CancelledContext(t *testing.T) {
	p, _ := newProcessor(t, Config{MaxInFlight: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, []InputItem{{Text: "one"}, {Text: "two"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadText(t *testing.T) {
	p, _ := newProcessor(t, DefaultConfig())
	items, err := p.loadText(strings.NewReader("# comment\nfirst\n\n  second  \n"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "line-2", items[0].ID)
	assert.Equal(t, "second", items[1].Text)
}

func TestLoadJSON(t *testing.T) {
	p, _ := newProcessor(t, DefaultConfig())

	items, err := p.loadJSON(strings.NewReader(`[{"chat_key":"tg:-100","text":"gm","is_group":true},{"text":"hi"}]`))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "item-1", items[0].ID)
	assert.True(t, items[0].IsGroup)

	items, err = p.loadJSON(strings.NewReader("{\"id\":\"x\",\"text\":\"one\"}\n{\"text\":\"two\"}\n"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "x", items[0].ID)
	assert.Equal(t, "item-2", items[1].ID)

	items, err = p.loadJSON(strings.NewReader("  "))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestProcessFile(t *testing.T) {
	p, _ := newProcessor(t, DefaultConfig())
	dir := t.TempDir()

	in := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(in, []byte("hello\nworld\n"), 0644))

	jsonOut := filepath.Join(dir, "out.json")
	result, err := p.ProcessFile(context.Background(), in, jsonOut)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Success)

	data, err := os.ReadFile(jsonOut)
	require.NoError(t, err)
	var saved Result
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, 2, saved.Total)
	assert.Equal(t, "echo: world", saved.Items[1].Response)

	textOut := filepath.Join(dir, "out.txt")
	_, err = p.ProcessFile(context.Background(), in, textOut)
	require.NoError(t, err)
	data, err = os.ReadFile(textOut)
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== line-1 (batch:default) ===")

	_, err = p.ProcessFile(context.Background(), filepath.Join(dir, "missing.txt"), "")
	assert.Error(t, err)
}

func TestResult_Summary(t *testing.T) {
	r := &Result{Total: 3, Success: 1, Failed: 1, Skipped: 1, Duration: time.Second}
	s := r.Summary()
	assert.Contains(t, s, "Total:     3")
	assert.Contains(t, s, "Skipped:   1")

	js, err := r.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, js, `"total": 3`)
}
