package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/store"
)

type recordingSummary struct {
	calls []string
	turns int
	err   error
}

func (r *recordingSummary) SaveSessionSummary(ctx context.Context, chatKey, sessionID string, turns []store.Turn) error {
	r.calls = append(r.calls, sessionID)
	r.turns += len(turns)
	return r.err
}

func setupManager(t *testing.T, policy Policy) (*Manager, *store.Store) {
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, policy, zap.NewNop()), st
}

func at(s string) time.Time {
	ts, _ := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	return ts
}

func TestPolicy_Daily(t *testing.T) {
	p := Policy{Mode: ResetModeDaily, AtHour: 4, Location: time.UTC}
	last := at("2026-10-18 23:00")
	sess := &store.Session{LastMessageAt: &last}

	due, _ := p.ShouldReset(sess, at("2026-10-19 03:59"))
	assert.False(t, due, "before boundary")

	due, reason := p.ShouldReset(sess, at("2026-10-19 04:00"))
	assert.True(t, due)
	assert.Equal(t, ReasonDaily, reason)

	assert.Equal(t, at("2026-10-20 04:00"), p.NextDailyReset(at("2026-10-19 05:00")))
}

func TestPolicy_Idle(t *testing.T) {
	p := Policy{Mode: ResetModeIdle, IdleMinutes: 30, Location: time.UTC}
	last := at("2026-10-19 10:00")
	sess := &store.Session{LastMessageAt: &last}

	due, _ := p.ShouldReset(sess, at("2026-10-19 10:29"))
	assert.False(t, due)
	due, reason := p.ShouldReset(sess, at("2026-10-19 10:30"))
	assert.True(t, due)
	assert.Equal(t, ReasonIdle, reason)
}

func TestPolicy_DailyIdleAndNever(t *testing.T) {
	last := at("2026-10-19 10:00")
	sess := &store.Session{LastMessageAt: &last}

	p := Policy{Mode: ResetModeDailyIdle, AtHour: 4, IdleMinutes: 60, Location: time.UTC}
	due, reason := p.ShouldReset(sess, at("2026-10-19 11:30"))
	assert.True(t, due)
	assert.Equal(t, ReasonIdle, reason)

	never := Policy{Mode: ResetModeNever}
	due, _ = never.ShouldReset(sess, at("2030-01-01 00:00"))
	assert.False(t, due)
	assert.True(t, never.NextDailyReset(at("2026-10-19 10:00")).IsZero())
}

func TestManager_ResolveCreatesThenReuses(t *testing.T) {
	m, _ := setupManager(t, Policy{Mode: ResetModeNever})

	first, reset, err := m.Resolve(context.Background(), "tg:1", false)
	require.NoError(t, err)
	assert.False(t, reset)

	second, reset, err := m.Resolve(context.Background(), "tg:1", false)
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, first.ID, second.ID)
}

func TestManager_ResolveResetsIdleSession(t *testing.T) {
	m, st := setupManager(t, Policy{Mode: ResetModeIdle, IdleMinutes: 30, Location: time.UTC})
	summary := &recordingSummary{}
	m.SetSummaryWriter(summary)

	now := at("2026-10-19 10:00")
	m.SetNowFunc(func() time.Time { return now })

	first, _, err := m.Resolve(context.Background(), "tg:1", false)
	require.NoError(t, err)
	require.NoError(t, st.AppendTurn(first.ID, &store.Turn{Role: "user", Content: "remember me"}))
	require.NoError(t, m.Update("tg:1", store.SessionUpdate{MessageCountDelta: 1}))

	now = now.Add(45 * time.Minute)
	next, reset, err := m.Resolve(context.Background(), "tg:1", false)
	require.NoError(t, err)
	assert.True(t, reset)
	assert.NotEqual(t, first.ID, next.ID)
	assert.Equal(t, ReasonIdle, next.Reason)
	assert.Equal(t, []string{first.ID}, summary.calls)
	assert.Equal(t, 1, summary.turns)

	archived, err := st.ReadArchivedTurns(first.ID)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestManager_SummaryFailureIsNotFatal(t *testing.T) {
	m, st := setupManager(t, Policy{Mode: ResetModeNever})
	m.SetSummaryWriter(&recordingSummary{err: errors.New("provider down")})

	sess, _, err := m.Resolve(context.Background(), "tg:1", false)
	require.NoError(t, err)
	require.NoError(t, st.AppendTurn(sess.ID, &store.Turn{Role: "user", Content: "hi"}))

	next, err := m.Reset(context.Background(), "tg:1", ReasonManual)
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, next.ID)
}

func TestManager_ExpiredChatKeys(t *testing.T) {
	m, _ := setupManager(t, Policy{Mode: ResetModeIdle, IdleMinutes: 10, Location: time.UTC})
	now := at("2026-10-19 10:00")
	m.SetNowFunc(func() time.Time { return now })

	_, _, err := m.Resolve(context.Background(), "tg:1", false)
	require.NoError(t, err)
	require.NoError(t, m.Update("tg:1", store.SessionUpdate{}))
	_, _, err = m.Resolve(context.Background(), "tg:2", true)
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	require.NoError(t, m.Update("tg:2", store.SessionUpdate{}))

	now = now.Add(7 * time.Minute)
	expired, err := m.ExpiredChatKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"tg:1"}, expired)

	keys, err := m.ActiveChatKeys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tg:1", "tg:2"}, keys)
}
