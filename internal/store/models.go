package store

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is one context lineage of a chat. It is replaced, never reset in
// place: a reset or compaction mints a new row and repoints the ChatMapping.
type Session struct {
	ID            string     `gorm:"primaryKey" json:"id"`
	ChatKey       string     `gorm:"index" json:"chat_key"`
	MessageCount  int        `json:"message_count"`
	TokensUsed    int64      `json:"tokens_used"`
	LastResetDate string     `json:"last_reset_date"` // YYYY-MM-DD in the policy timezone
	Model         string     `json:"model"`
	Provider      string     `json:"provider"`
	LastMessageAt *time.Time `json:"last_message_at"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	// Reason records why the previous session was replaced: daily, idle, overflow, compaction, manual.
	Reason    string    `json:"reason,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatMapping points a chat key at its single active session
type ChatMapping struct {
	ChatKey   string    `gorm:"primaryKey" json:"chat_key"`
	SessionID string    `gorm:"index" json:"session_id"`
	IsGroup   bool      `json:"is_group"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one transcript entry: a user, assistant or tool-result message
type Turn struct {
	ID         string          `gorm:"primaryKey" json:"id"`
	SessionID  string          `gorm:"index:idx_turn_session_seq" json:"session_id"`
	Seq        int             `gorm:"index:idx_turn_session_seq" json:"seq"`
	Role       string          `json:"role"` // user, assistant, tool, system
	Content    string          `gorm:"type:text" json:"content"`
	ToolCalls  json.RawMessage `gorm:"type:text" json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Category   string          `json:"category,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Archived   bool            `gorm:"index" json:"archived"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Memory represents a stored fact, session summary or overflow log
type Memory struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	ChatKey      string     `gorm:"index" json:"chat_key"`
	Type         string     `gorm:"index" json:"type"` // fact, preference, session_summary, overflow_log
	Content      string     `gorm:"type:text" json:"content"`
	Importance   int        `json:"importance"` // 1-10
	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed"`
	Source       string     `json:"source"` // session id or tool
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Memory types
const (
	MemoryTypeFact           = "fact"
	MemoryTypePreference     = "preference"
	MemoryTypeSessionSummary = "session_summary"
	MemoryTypeOverflowLog    = "overflow_log"
)

// BeforeCreate hook for Session
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = NewSessionID()
	}
	return nil
}

// BeforeCreate hook for Turn
func (t *Turn) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = generateID("turn")
	}
	return nil
}

// BeforeCreate hook for Memory
func (m *Memory) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = generateID("mem")
	}
	return nil
}

// NewSessionID mints a session identifier
func NewSessionID() string {
	return uuid.NewString()
}

func generateID(prefix string) string {
	return prefix + "_" + time.Now().Format("20060102150405") + "_" + randomString(8)
}

// randomString generates a cryptographically secure random string
func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	rand.Read(b)
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b)
}

// ToJSON converts a value to JSON bytes
func ToJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// FromJSON parses JSON bytes into a value
func FromJSON(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
