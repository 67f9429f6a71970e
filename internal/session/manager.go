package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/store"
)

// SummaryWriter persists a best-effort summary of a session being retired
type SummaryWriter interface {
	SaveSessionSummary(ctx context.Context, chatKey, sessionID string, turns []store.Turn) error
}

// Manager resolves, resets and updates chat sessions
type Manager struct {
	store   *store.Store
	policy  Policy
	summary SummaryWriter
	nowFunc func() time.Time
	logger  *zap.Logger
}

// NewManager creates a session manager
func NewManager(st *store.Store, policy Policy, logger *zap.Logger) *Manager {
	return &Manager{
		store:   st,
		policy:  policy,
		nowFunc: time.Now,
		logger:  logger,
	}
}

// SetSummaryWriter wires the collaborator that records retired sessions
func (m *Manager) SetSummaryWriter(w SummaryWriter) {
	m.summary = w
}

// SetNowFunc sets a custom time function for testing.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

// Policy returns the active reset policy
func (m *Manager) Policy() Policy {
	return m.policy
}

// Resolve returns the chat's active session, creating it on first contact
// and replacing it when the reset policy fires. reset reports a policy reset.
func (m *Manager) Resolve(ctx context.Context, chatKey string, isGroup bool) (sess *store.Session, reset bool, err error) {
	now := m.nowFunc()
	sess, created, err := m.store.GetOrCreateSession(chatKey, isGroup, m.policy.ResetDate(now))
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve session: %w", err)
	}
	if created {
		m.logger.Debug("Created session",
			zap.String("chat", chatKey),
			zap.String("session", sess.ID),
		)
		return sess, false, nil
	}

	if due, reason := m.ShouldReset(sess); due {
		next, err := m.Reset(ctx, chatKey, reason)
		if err != nil {
			return nil, false, err
		}
		return next, true, nil
	}
	return sess, false, nil
}

// ShouldReset applies the policy to sess at the current time
func (m *Manager) ShouldReset(sess *store.Session) (bool, string) {
	return m.policy.ShouldReset(sess, m.nowFunc())
}

// Reset archives the chat's transcript and repoints it at a fresh session.
// A summary of the retired session is saved best-effort for policy resets.
func (m *Manager) Reset(ctx context.Context, chatKey, reason string) (*store.Session, error) {
	prev, next, err := m.store.ReplaceSession(chatKey, reason, m.policy.ResetDate(m.nowFunc()))
	if err != nil {
		return nil, fmt.Errorf("failed to reset session: %w", err)
	}

	fields := []zap.Field{
		zap.String("chat", chatKey),
		zap.String("reason", reason),
		zap.String("session", next.ID),
	}
	if prev != nil {
		fields = append(fields, zap.String("previous", prev.ID))
	}
	m.logger.Info("Session reset", fields...)

	if prev != nil && m.summary != nil && (reason == ReasonDaily || reason == ReasonIdle || reason == ReasonManual) {
		turns, err := m.store.ReadArchivedTurns(prev.ID)
		if err == nil && len(turns) > 0 {
			err = m.summary.SaveSessionSummary(ctx, chatKey, prev.ID, turns)
		}
		if err != nil {
			m.logger.Warn("Failed to save session summary",
				zap.String("chat", chatKey),
				zap.String("session", prev.ID),
				zap.Error(err),
			)
		}
	}
	return next, nil
}

// Update applies bookkeeping to the chat's active session
func (m *Manager) Update(chatKey string, u store.SessionUpdate) error {
	if u.LastMessageAt.IsZero() {
		u.LastMessageAt = m.nowFunc()
	}
	return m.store.UpdateSession(chatKey, u)
}

// Current returns the chat's active session without applying the policy
func (m *Manager) Current(chatKey string) (*store.Session, error) {
	return m.store.GetActiveSession(chatKey)
}

// Switch repoints the chat at an existing session id (after compaction)
func (m *Manager) Switch(chatKey, sessionID string) error {
	return m.store.RepointSession(chatKey, sessionID)
}

// ActiveChatKeys lists every chat key with a session
func (m *Manager) ActiveChatKeys() ([]string, error) {
	mappings, err := m.store.ListChatMappings()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(mappings))
	for i, mp := range mappings {
		keys[i] = mp.ChatKey
	}
	return keys, nil
}

// ExpiredChatKeys lists chats whose active session the policy would reset now
func (m *Manager) ExpiredChatKeys() ([]string, error) {
	mappings, err := m.store.ListChatMappings()
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, mp := range mappings {
		sess, err := m.store.GetSessionByID(mp.SessionID)
		if err != nil {
			continue
		}
		if due, _ := m.ShouldReset(sess); due {
			expired = append(expired, mp.ChatKey)
		}
	}
	return expired, nil
}
