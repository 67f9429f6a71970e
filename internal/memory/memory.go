// Package memory stores and retrieves long-lived facts, session summaries
// and overflow logs for a chat.
package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/store"
	"github.com/therenovatio/teleton-agent-sub000/internal/vector"
)

const (
	maxKeywords        = 8
	summaryInputChars  = 4000
	overflowEntryChars = 2000
)

// Summarizer condenses a transcript excerpt. The LLM-backed one lives in
// the compaction package; without it summaries are extractive.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Service is both the memory searcher used for context enrichment and the
// writer used by resets, overflow recovery and the memory tools.
type Service struct {
	store      *store.Store
	summarizer Summarizer
	logger     *zap.Logger
}

// NewService creates a memory service
func NewService(st *store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// SetSummarizer wires an abstractive summarizer
func (s *Service) SetSummarizer(sum Summarizer) {
	s.summarizer = sum
}

// Search returns memories for chatKey whose content matches any keyword of
// query, most important first.
func (s *Service) Search(ctx context.Context, chatKey, query string, limit int) ([]store.Memory, error) {
	keywords := Keywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	return s.store.SearchMemories(chatKey, keywords, limit)
}

// Save stores a fact or preference. An empty memType is classified from
// the content.
func (s *Service) Save(ctx context.Context, chatKey, content, memType string, importance int, source string) (*store.Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("memory content is empty")
	}
	if memType == "" {
		memType = Classify(content)
	}
	if importance <= 0 || importance > 10 {
		importance = 5
	}

	mem := &store.Memory{
		ChatKey:    chatKey,
		Type:       memType,
		Content:    content,
		Importance: importance,
		Source:     source,
	}
	if err := s.store.CreateMemory(mem); err != nil {
		return nil, fmt.Errorf("failed to save memory: %w", err)
	}

	s.logger.Debug("Memory saved",
		zap.String("chat", chatKey),
		zap.String("type", memType),
	)
	return mem, nil
}

// SaveSessionSummary records what a retired session was about
func (s *Service) SaveSessionSummary(ctx context.Context, chatKey, sessionID string, turns []store.Turn) error {
	transcript := Transcript(turns, summaryInputChars)
	if transcript == "" {
		return nil
	}

	summary := ""
	if s.summarizer != nil {
		out, err := s.summarizer.Summarize(ctx, transcript)
		if err != nil {
			s.logger.Warn("Summarizer failed, falling back to extract", zap.Error(err))
		} else {
			summary = strings.TrimSpace(out)
		}
	}
	if summary == "" {
		summary = extract(turns)
	}

	return s.store.CreateMemory(&store.Memory{
		ChatKey:    chatKey,
		Type:       store.MemoryTypeSessionSummary,
		Content:    summary,
		Importance: 6,
		Source:     sessionID,
	})
}

// LogOverflow durably records the last turns of a session that overflowed
// the model context, before the session is replaced.
func (s *Service) LogOverflow(ctx context.Context, chatKey, sessionID string, turns []store.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return s.store.CreateMemory(&store.Memory{
		ChatKey:    chatKey,
		Type:       store.MemoryTypeOverflowLog,
		Content:    Transcript(turns, overflowEntryChars*len(turns)),
		Importance: 1,
		Source:     sessionID,
	})
}

// Recent lists the latest memories of memType for chatKey
func (s *Service) Recent(chatKey, memType string, limit int) ([]store.Memory, error) {
	return s.store.GetRecentMemories(chatKey, memType, limit)
}

// Transcript renders user and assistant turns as "role: text" lines,
// cut to maxChars.
func Transcript(turns []store.Turn, maxChars int) string {
	var parts []string
	for _, t := range turns {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		text := strings.TrimSpace(t.Content)
		if text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", t.Role, text))
	}
	out := strings.Join(parts, "\n")
	if maxChars > 0 && len(out) > maxChars {
		out = out[:maxChars] + "..."
	}
	return out
}

// extract builds a summary from the first and last user messages
func extract(turns []store.Turn) string {
	var users []string
	for _, t := range turns {
		if t.Role == "user" && strings.TrimSpace(t.Content) != "" {
			users = append(users, oneLine(t.Content, 200))
		}
	}
	switch len(users) {
	case 0:
		return fmt.Sprintf("Session with %d turns and no user messages.", len(turns))
	case 1:
		return "User asked: " + users[0]
	default:
		return fmt.Sprintf("%d user messages. First: %s Last: %s", len(users), users[0], users[len(users)-1])
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// Keywords extracts distinct search terms from free text
func Keywords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range vector.Tokenize(text) {
		if len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// Classify guesses a memory type from its wording
func Classify(content string) string {
	content = strings.ToLower(content)
	if strings.Contains(content, "prefer") || strings.Contains(content, "like") || strings.Contains(content, "favorite") {
		return store.MemoryTypePreference
	}
	return store.MemoryTypeFact
}
