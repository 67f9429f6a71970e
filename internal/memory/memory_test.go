package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/store"
)

func setupService(t *testing.T) (*Service, *store.Store) {
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, zap.NewNop()), st
}

type stubSummarizer struct {
	out string
	err error
}

func (s stubSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	return s.out, s.err
}

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"what", "wallet", "address"}, Keywords("What is my wallet address? wallet"))
	assert.Empty(t, Keywords("ok"))
}

func TestService_SaveAndSearch(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Save(ctx, "tg:1", "User prefers dark mode", "", 0, "tool")
	require.NoError(t, err)
	_, err = svc.Save(ctx, "tg:1", "Wallet address is EQabc", store.MemoryTypeFact, 9, "tool")
	require.NoError(t, err)
	_, err = svc.Save(ctx, "tg:2", "Other chat wallet", store.MemoryTypeFact, 9, "tool")
	require.NoError(t, err)

	found, err := svc.Search(ctx, "tg:1", "what is my wallet?", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Wallet address is EQabc", found[0].Content)

	prefs, err := svc.Recent("tg:1", store.MemoryTypePreference, 5)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, 5, prefs[0].Importance)

	_, err = svc.Save(ctx, "tg:1", "   ", "", 0, "tool")
	assert.Error(t, err)
}

func TestService_SaveSessionSummary(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	turns := []store.Turn{
		{Role: "user", Content: "how do I stake TON"},
		{Role: "assistant", Content: "Use a nominator pool"},
		{Role: "user", Content: "thanks, which pool?"},
	}

	require.NoError(t, svc.SaveSessionSummary(ctx, "tg:1", "s1", turns))
	got, err := svc.Recent("tg:1", store.MemoryTypeSessionSummary, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "how do I stake TON")
	assert.Equal(t, "s1", got[0].Source)

	svc.SetSummarizer(stubSummarizer{out: "Talked about staking."})
	require.NoError(t, svc.SaveSessionSummary(ctx, "tg:9", "s2", turns))
	got, err = svc.Recent("tg:9", store.MemoryTypeSessionSummary, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Talked about staking.", got[0].Content)

	svc.SetSummarizer(stubSummarizer{err: errors.New("model down")})
	require.NoError(t, svc.SaveSessionSummary(ctx, "tg:8", "s3", turns))
	got, err = svc.Recent("tg:8", store.MemoryTypeSessionSummary, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "2 user messages")
}

func TestService_LogOverflowIsNotSearchable(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.LogOverflow(ctx, "tg:1", "s1", []store.Turn{
		{Role: "user", Content: "giant wallet dump"},
	}))

	logs, err := svc.Recent("tg:1", store.MemoryTypeOverflowLog, 5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Content, "user: giant wallet dump")

	found, err := svc.Search(ctx, "tg:1", "wallet", 5)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestTranscript(t *testing.T) {
	turns := []store.Turn{
		{Role: "user", Content: "hello"},
		{Role: "tool", Content: `{"success":true}`},
		{Role: "assistant", Content: "hi there"},
	}
	assert.Equal(t, "user: hello\nassistant: hi there", Transcript(turns, 0))
	assert.Equal(t, "user:...", Transcript(turns, 5))
}
