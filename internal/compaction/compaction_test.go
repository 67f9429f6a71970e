package compaction

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	"github.com/therenovatio/teleton-agent-sub000/internal/llm"
	"github.com/therenovatio/teleton-agent-sub000/internal/store"
)

type summaryProvider struct {
	calls int
	fail  bool
}

func (p *summaryProvider) Name() string  { return "fake" }
func (p *summaryProvider) Model() string { return "fake-1" }

func (p *summaryProvider) Call(ctx context.Context, c llm.Context, tools []llm.Tool, opts llm.CallOptions) (*llm.Response, error) {
	p.calls++
	if p.fail {
		return &llm.Response{StopReason: llm.StopReasonError, ErrorMessage: "boom"}, nil
	}
	return &llm.Response{Text: "User discussed staking.", StopReason: llm.StopReasonStop}, nil
}

func setup(t *testing.T, cfg config.CompactionConfig) (*Manager, *store.Store, *summaryProvider) {
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	p := &summaryProvider{}
	return New(st, p, cfg, zap.NewNop()), st, p
}

func seedSession(t *testing.T, st *store.Store, chatKey string, n int) (*store.Session, []store.Turn) {
	sess, _, err := st.GetOrCreateSession(chatKey, false, "2026-10-19")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		require.NoError(t, st.AppendTurn(sess.ID, &store.Turn{Role: role, Content: strings.Repeat("staking pools and validators ", 20)}))
	}
	turns, err := st.ReadTurns(sess.ID)
	require.NoError(t, err)
	return sess, turns
}

func TestCheckAndCompact_BelowThreshold(t *testing.T) {
	m, st, p := setup(t, config.CompactionConfig{Enabled: true, MaxTokens: 1000000, ThresholdRatio: 0.75, KeepRecent: 2})
	sess, turns := seedSession(t, st, "tg:1", 6)

	id, err := m.CheckAndCompact(context.Background(), sess.ID, "tg:1", turns)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Zero(t, p.calls)
}

func TestCheckAndCompact_Disabled(t *testing.T) {
	m, st, _ := setup(t, config.CompactionConfig{Enabled: false, MaxTokens: 10, ThresholdRatio: 0.5, KeepRecent: 2})
	sess, turns := seedSession(t, st, "tg:1", 6)

	id, err := m.CheckAndCompact(context.Background(), sess.ID, "tg:1", turns)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestCheckAndCompact_CreatesSummarizedSession(t *testing.T) {
	m, st, p := setup(t, config.CompactionConfig{Enabled: true, MaxTokens: 200, ThresholdRatio: 0.5, KeepRecent: 2})
	sess, turns := seedSession(t, st, "tg:1", 6)

	id, err := m.CheckAndCompact(context.Background(), sess.ID, "tg:1", turns)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.NotEqual(t, sess.ID, id)
	assert.Equal(t, 1, p.calls)

	fresh, err := st.ReadTurns(id)
	require.NoError(t, err)
	require.Len(t, fresh, 3)
	assert.True(t, strings.HasPrefix(fresh[0].Content, summaryPrefix))
	assert.Contains(t, fresh[0].Content, "User discussed staking.")
	assert.Equal(t, []int{1, 2, 3}, []int{fresh[0].Seq, fresh[1].Seq, fresh[2].Seq})

	live, err := st.TranscriptExists(sess.ID)
	require.NoError(t, err)
	assert.False(t, live)
	archived, err := st.ReadArchivedTurns(sess.ID)
	require.NoError(t, err)
	assert.Len(t, archived, 6)

	next, err := st.GetSessionByID(id)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, next.ParentID)
	assert.Equal(t, "compaction", next.Reason)

	// the chat key still points at the old session until the caller switches
	active, err := st.GetActiveSession("tg:1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, active.ID)
}

func TestCheckAndCompact_SummaryFailureLeavesSessionAlone(t *testing.T) {
	m, st, p := setup(t, config.CompactionConfig{Enabled: true, MaxTokens: 200, ThresholdRatio: 0.5, KeepRecent: 2})
	p.fail = true
	sess, turns := seedSession(t, st, "tg:1", 6)

	id, err := m.CheckAndCompact(context.Background(), sess.ID, "tg:1", turns)
	assert.Error(t, err)
	assert.Empty(t, id)

	live, err := st.TranscriptExists(sess.ID)
	require.NoError(t, err)
	assert.True(t, live)
}

func TestSplitPoint_DoesNotOrphanToolResults(t *testing.T) {
	turns := []store.Turn{
		{Role: llm.RoleUser},
		{Role: llm.RoleAssistant},
		{Role: llm.RoleTool},
		{Role: llm.RoleTool},
		{Role: llm.RoleAssistant},
	}
	assert.Equal(t, 1, splitPoint(turns, 2))
	assert.Equal(t, 4, splitPoint(turns, 1))
	assert.Equal(t, 0, splitPoint(turns, 10))
}

func TestUpdateConfig_Persists(t *testing.T) {
	m, st, p := setup(t, config.CompactionConfig{Enabled: true, MaxTokens: 1000, ThresholdRatio: 0.75, KeepRecent: 10})

	assert.Error(t, m.UpdateConfig(Config{Enabled: true, MaxTokens: 0, ThresholdRatio: 0.5, KeepRecent: 1}))
	assert.Error(t, m.UpdateConfig(Config{Enabled: true, MaxTokens: 10, ThresholdRatio: 1.5, KeepRecent: 1}))

	want := Config{Enabled: true, MaxTokens: 64000, ThresholdRatio: 0.6, KeepRecent: 4}
	require.NoError(t, m.UpdateConfig(want))
	assert.Equal(t, want, m.Config())
	assert.Equal(t, 38400, want.Threshold())

	reloaded := New(st, p, config.CompactionConfig{Enabled: false, MaxTokens: 1, ThresholdRatio: 1, KeepRecent: 1}, zap.NewNop())
	assert.Equal(t, want, reloaded.Config())
}
