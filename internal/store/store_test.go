package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
)

func setupTestStore(t *testing.T) *Store {
	s, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_GetOrCreateSession(t *testing.T) {
	s := setupTestStore(t)

	sess, created, err := s.GetOrCreateSession("tg:1", false, "2026-10-19")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "2026-10-19", sess.LastResetDate)

	again, created, err := s.GetOrCreateSession("tg:1", false, "2026-10-20")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sess.ID, again.ID)

	active, err := s.GetActiveSession("tg:1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, active.ID)
}

func TestStore_GetActiveSessionMissing(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetActiveSession("nope")
	assert.True(t, errors.Is(err, apperrors.ErrSessionNotFound))
}

func TestStore_TranscriptAppendAndRead(t *testing.T) {
	s := setupTestStore(t)
	sess, _, err := s.GetOrCreateSession("tg:1", false, "")
	require.NoError(t, err)

	require.NoError(t, s.AppendTurn(sess.ID, &Turn{Role: "user", Content: "hi"}))
	require.NoError(t, s.AppendTurn(sess.ID, &Turn{Role: "assistant", Content: "hello"}))

	turns, err := s.ReadTurns(sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, 1, turns[0].Seq)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, 2, turns[1].Seq)

	exists, err := s.TranscriptExists(sess.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_ReplaceSessionArchives(t *testing.T) {
	s := setupTestStore(t)
	sess, _, err := s.GetOrCreateSession("tg:1", false, "2026-10-18")
	require.NoError(t, err)
	require.NoError(t, s.AppendTurn(sess.ID, &Turn{Role: "user", Content: "old"}))

	prev, next, err := s.ReplaceSession("tg:1", "overflow", "2026-10-19")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, sess.ID, prev.ID)
	assert.NotEqual(t, sess.ID, next.ID)
	assert.Equal(t, sess.ID, next.ParentID)
	assert.Equal(t, "overflow", next.Reason)

	live, err := s.ReadTurns(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, live)

	archived, err := s.ReadArchivedTurns(sess.ID)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "old", archived[0].Content)

	active, err := s.GetActiveSession("tg:1")
	require.NoError(t, err)
	assert.Equal(t, next.ID, active.ID)

	old, err := s.GetSessionByID(sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, old.ArchivedAt)
}

func TestStore_ArchiveTranscript(t *testing.T) {
	s := setupTestStore(t)
	sess, _, err := s.GetOrCreateSession("tg:1", false, "")
	require.NoError(t, err)

	ok, err := s.ArchiveTranscript(sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AppendTurn(sess.ID, &Turn{Role: "user", Content: "x"}))
	ok, err = s.ArchiveTranscript(sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := s.TranscriptExists(sess.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_UpdateSession(t *testing.T) {
	s := setupTestStore(t)
	_, _, err := s.GetOrCreateSession("tg:1", false, "")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.UpdateSession("tg:1", SessionUpdate{MessageCountDelta: 2, TokensDelta: 150, Model: "m", Provider: "p", LastMessageAt: now}))
	require.NoError(t, s.UpdateSession("tg:1", SessionUpdate{MessageCountDelta: 1, TokensDelta: 50}))

	sess, err := s.GetActiveSession("tg:1")
	require.NoError(t, err)
	assert.Equal(t, 3, sess.MessageCount)
	assert.Equal(t, int64(200), sess.TokensUsed)
	assert.Equal(t, "m", sess.Model)
	require.NotNil(t, sess.LastMessageAt)
	assert.WithinDuration(t, now, *sess.LastMessageAt, time.Second)
}

func TestStore_SearchMemories(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.CreateMemory(&Memory{ChatKey: "tg:1", Type: MemoryTypeFact, Content: "User likes TON staking", Importance: 5}))
	require.NoError(t, s.CreateMemory(&Memory{ChatKey: "", Type: MemoryTypeFact, Content: "Global staking note", Importance: 9}))
	require.NoError(t, s.CreateMemory(&Memory{ChatKey: "tg:2", Type: MemoryTypeFact, Content: "Other chat staking", Importance: 10}))
	require.NoError(t, s.CreateMemory(&Memory{ChatKey: "tg:1", Type: MemoryTypeOverflowLog, Content: "staking overflow dump", Importance: 10}))

	found, err := s.SearchMemories("tg:1", []string{"staking"}, 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "Global staking note", found[0].Content)
	assert.Equal(t, "User likes TON staking", found[1].Content)

	none, err := s.SearchMemories("tg:1", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_KV(t *testing.T) {
	s := setupTestStore(t)

	val, err := s.GetKV("missing")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, s.SetKV("tools:enabled:a", []byte("false")))
	require.NoError(t, s.SetKV("tools:enabled:b", []byte("true")))
	require.NoError(t, s.SetKV("other", []byte("x")))

	all, err := s.ListKV("tools:enabled:")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"tools:enabled:a": []byte("false"),
		"tools:enabled:b": []byte("true"),
	}, all)

	require.NoError(t, s.DeleteKV("other"))
	val, err = s.GetKV("other")
	require.NoError(t, err)
	assert.Nil(t, val)
}
