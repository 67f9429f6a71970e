// Package compaction condenses oversized transcripts into a fresh session
// that starts with a summary of what came before.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	"github.com/therenovatio/teleton-agent-sub000/internal/llm"
	"github.com/therenovatio/teleton-agent-sub000/internal/memory"
	"github.com/therenovatio/teleton-agent-sub000/internal/store"
)

const (
	configKey       = "compaction:config"
	summaryPrefix   = "[Conversation summary]"
	summaryMaxInput = 12000
)

// Config tunes when compaction fires
type Config struct {
	Enabled        bool    `json:"enabled"`
	MaxTokens      int     `json:"max_tokens"`
	ThresholdRatio float64 `json:"threshold_ratio"`
	KeepRecent     int     `json:"keep_recent"`
}

// Threshold is the token count above which a transcript is compacted
func (c Config) Threshold() int {
	return int(float64(c.MaxTokens) * c.ThresholdRatio)
}

func (c Config) validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if c.ThresholdRatio <= 0 || c.ThresholdRatio > 1 {
		return fmt.Errorf("threshold_ratio must be in (0, 1]")
	}
	if c.KeepRecent < 1 {
		return fmt.Errorf("keep_recent must be at least 1")
	}
	return nil
}

// Manager decides when to compact and performs it
type Manager struct {
	store    *store.Store
	provider llm.Provider
	logger   *zap.Logger

	mu  sync.RWMutex
	cfg Config
}

// New creates a manager. A config previously saved with UpdateConfig takes
// precedence over cfg.
func New(st *store.Store, provider llm.Provider, cfg config.CompactionConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		store:    st,
		provider: provider,
		logger:   logger,
		cfg: Config{
			Enabled:        cfg.Enabled,
			MaxTokens:      cfg.MaxTokens,
			ThresholdRatio: cfg.ThresholdRatio,
			KeepRecent:     cfg.KeepRecent,
		},
	}

	raw, err := st.GetKV(configKey)
	if err != nil {
		logger.Warn("Failed to load compaction config", zap.Error(err))
	} else if raw != nil {
		var saved Config
		if err := json.Unmarshal(raw, &saved); err == nil && saved.validate() == nil {
			m.cfg = saved
		}
	}
	return m
}

// Config returns the active configuration
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// UpdateConfig validates, persists and applies cfg
func (m *Manager) UpdateConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := m.store.SetKV(configKey, raw); err != nil {
		return fmt.Errorf("failed to save compaction config: %w", err)
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// CountTokens estimates the prompt size of a transcript
func CountTokens(turns []store.Turn) int {
	total := 0
	for _, t := range turns {
		total += 4 + llm.CountTokens(t.Content)
		if len(t.ToolCalls) > 0 {
			total += llm.CountTokens(string(t.ToolCalls))
		}
	}
	return total
}

// ShouldCompact reports whether turns exceed the configured threshold
func (m *Manager) ShouldCompact(turns []store.Turn) bool {
	cfg := m.Config()
	if !cfg.Enabled || len(turns) <= cfg.KeepRecent {
		return false
	}
	return CountTokens(turns) > cfg.Threshold()
}

// CheckAndCompact compacts sessionID when its transcript is over threshold
// and returns the new session id, or "" when nothing was done. The chat key
// is not repointed; the caller switches to the returned session.
func (m *Manager) CheckAndCompact(ctx context.Context, sessionID, chatKey string, turns []store.Turn) (string, error) {
	if !m.ShouldCompact(turns) {
		return "", nil
	}
	cfg := m.Config()

	split := splitPoint(turns, cfg.KeepRecent)
	if split == 0 {
		return "", nil
	}
	older, recent := turns[:split], turns[split:]

	summary, err := m.Summarize(ctx, memory.Transcript(older, summaryMaxInput))
	if err != nil {
		return "", fmt.Errorf("failed to summarize transcript: %w", err)
	}

	prev, err := m.store.GetSessionByID(sessionID)
	if err != nil {
		return "", err
	}
	next := &store.Session{
		ChatKey:       chatKey,
		LastResetDate: prev.LastResetDate,
		Model:         prev.Model,
		Provider:      prev.Provider,
		Reason:        "compaction",
		ParentID:      sessionID,
		MessageCount:  prev.MessageCount,
		LastMessageAt: prev.LastMessageAt,
	}

	seed := make([]store.Turn, 0, len(recent)+1)
	seed = append(seed, store.Turn{Role: llm.RoleUser, Content: summaryPrefix + "\n" + summary})
	seed = append(seed, recent...)

	if err := m.store.CompactSession(sessionID, next, seed); err != nil {
		return "", err
	}

	m.logger.Info("Session compacted",
		zap.String("chat", chatKey),
		zap.String("from", sessionID),
		zap.String("to", next.ID),
		zap.Int("summarized_turns", len(older)),
		zap.Int("kept_turns", len(recent)),
	)
	return next.ID, nil
}

// Summarize asks the provider for a short summary of transcript. It also
// serves memory summaries on session reset.
func (m *Manager) Summarize(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", nil
	}
	prompt := fmt.Sprintf(`Summarize the following conversation concisely. Focus on:
- Key facts and information shared
- Decisions made
- User preferences revealed
- Open tasks

Conversation:
%s`, transcript)

	resp, err := m.provider.Call(ctx, llm.Context{
		SystemPrompt: "You summarize conversations accurately and briefly.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	}, nil, llm.CallOptions{MaxTokens: 512})
	if err != nil {
		return "", err
	}
	if resp.Failed() {
		return "", fmt.Errorf("%s", resp.ErrorMessage)
	}
	return strings.TrimSpace(resp.Text), nil
}

// splitPoint returns the index where the kept tail starts. The tail never
// opens on a tool result, since its assistant tool call would be summarized
// away.
func splitPoint(turns []store.Turn, keep int) int {
	split := len(turns) - keep
	if split < 0 {
		split = 0
	}
	for split > 0 && turns[split].Role == llm.RoleTool {
		split--
	}
	return split
}
