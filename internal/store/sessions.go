package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
)

// SessionUpdate carries bookkeeping applied after a processed message
type SessionUpdate struct {
	MessageCountDelta int
	TokensDelta       int64
	Model             string
	Provider          string
	LastMessageAt     time.Time
	LastResetDate     string
}

// ==================== Session Methods ====================

// GetActiveSession returns the session a chat key currently points at
func (s *Store) GetActiveSession(chatKey string) (*Session, error) {
	var mapping ChatMapping
	if err := s.db.First(&mapping, "chat_key = ?", chatKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, err
	}
	return s.GetSessionByID(mapping.SessionID)
}

// GetSessionByID retrieves a session by ID
func (s *Store) GetSessionByID(id string) (*Session, error) {
	var sess Session
	if err := s.db.First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// GetOrCreateSession returns the active session for chatKey, creating one
// on first contact. created reports whether a new session was minted.
func (s *Store) GetOrCreateSession(chatKey string, isGroup bool, resetDate string) (sess *Session, created bool, err error) {
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var mapping ChatMapping
		err := tx.First(&mapping, "chat_key = ?", chatKey).Error
		if err == nil {
			var existing Session
			if err := tx.First(&existing, "id = ?", mapping.SessionID).Error; err == nil {
				sess = &existing
				return nil
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		fresh := &Session{ChatKey: chatKey, LastResetDate: resetDate}
		if err := tx.Create(fresh).Error; err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		if err := repoint(tx, chatKey, fresh.ID, isGroup); err != nil {
			return err
		}
		sess = fresh
		created = true
		return nil
	})
	return sess, created, err
}

// ReplaceSession archives the chat's current transcript, mints a fresh
// session and repoints the chat key at it. The previous session is returned
// alongside the new one (nil if the chat had none).
func (s *Store) ReplaceSession(chatKey, reason, resetDate string) (prev, next *Session, err error) {
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var mapping ChatMapping
		isGroup := false
		if err := tx.First(&mapping, "chat_key = ?", chatKey).Error; err == nil {
			isGroup = mapping.IsGroup
			var old Session
			if err := tx.First(&old, "id = ?", mapping.SessionID).Error; err == nil {
				prev = &old
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		next = &Session{ChatKey: chatKey, LastResetDate: resetDate, Reason: reason}
		if prev != nil {
			next.ParentID = prev.ID
			next.Model = prev.Model
			next.Provider = prev.Provider
			now := time.Now()
			if err := tx.Model(&Session{}).Where("id = ?", prev.ID).Update("archived_at", now).Error; err != nil {
				return err
			}
			if err := tx.Model(&Turn{}).Where("session_id = ? AND archived = ?", prev.ID, false).Update("archived", true).Error; err != nil {
				return fmt.Errorf("failed to archive transcript: %w", err)
			}
		}
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return repoint(tx, chatKey, next.ID, isGroup)
	})
	return prev, next, err
}

// RepointSession switches a chat key to an existing session, used after
// compaction produced a new lineage.
func (s *Store) RepointSession(chatKey, sessionID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var mapping ChatMapping
		isGroup := false
		if err := tx.First(&mapping, "chat_key = ?", chatKey).Error; err == nil {
			isGroup = mapping.IsGroup
		}
		return repoint(tx, chatKey, sessionID, isGroup)
	})
}

func repoint(tx *gorm.DB, chatKey, sessionID string, isGroup bool) error {
	m := ChatMapping{ChatKey: chatKey, SessionID: sessionID, IsGroup: isGroup, UpdatedAt: time.Now()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id", "updated_at"}),
	}).Create(&m).Error
}

// CreateSession inserts a detached session, used by compaction before repointing
func (s *Store) CreateSession(sess *Session) error {
	return s.db.Create(sess).Error
}

// CompactSession creates next seeded with turns and archives old's live
// transcript, in one transaction. The chat key is not repointed.
func (s *Store) CompactSession(oldID string, next *Session, turns []Turn) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		for i := range turns {
			t := turns[i]
			t.ID = ""
			t.SessionID = next.ID
			t.Seq = i + 1
			t.Archived = false
			if err := tx.Create(&t).Error; err != nil {
				return fmt.Errorf("failed to seed transcript: %w", err)
			}
		}
		if err := tx.Model(&Turn{}).Where("session_id = ? AND archived = ?", oldID, false).Update("archived", true).Error; err != nil {
			return fmt.Errorf("failed to archive transcript: %w", err)
		}
		return tx.Model(&Session{}).Where("id = ?", oldID).Update("archived_at", time.Now()).Error
	})
}

// UpdateSession applies bookkeeping to the chat's active session
func (s *Store) UpdateSession(chatKey string, u SessionUpdate) error {
	sess, err := s.GetActiveSession(chatKey)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{}
	if u.MessageCountDelta != 0 {
		fields["message_count"] = gorm.Expr("message_count + ?", u.MessageCountDelta)
	}
	if u.TokensDelta != 0 {
		fields["tokens_used"] = gorm.Expr("tokens_used + ?", u.TokensDelta)
	}
	if u.Model != "" {
		fields["model"] = u.Model
	}
	if u.Provider != "" {
		fields["provider"] = u.Provider
	}
	if !u.LastMessageAt.IsZero() {
		fields["last_message_at"] = u.LastMessageAt
	}
	if u.LastResetDate != "" {
		fields["last_reset_date"] = u.LastResetDate
	}
	if len(fields) == 0 {
		return nil
	}
	return s.db.Model(&Session{}).Where("id = ?", sess.ID).Updates(fields).Error
}

// ListChatMappings lists every chat key with a session
func (s *Store) ListChatMappings() ([]ChatMapping, error) {
	var mappings []ChatMapping
	err := s.db.Order("updated_at DESC").Find(&mappings).Error
	return mappings, err
}

// SetChatGroup records whether a chat key is a group chat
func (s *Store) SetChatGroup(chatKey string, isGroup bool) error {
	return s.db.Model(&ChatMapping{}).Where("chat_key = ?", chatKey).Update("is_group", isGroup).Error
}

// ==================== Transcript Methods ====================

// AppendTurn appends a turn to a session's live transcript
func (s *Store) AppendTurn(sessionID string, turn *Turn) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		if err := tx.Model(&Turn{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		turn.SessionID = sessionID
		turn.Seq = maxSeq + 1
		turn.Archived = false
		return tx.Create(turn).Error
	})
}

// ReadTurns returns a session's live (unarchived) transcript in order
func (s *Store) ReadTurns(sessionID string) ([]Turn, error) {
	var turns []Turn
	err := s.db.Where("session_id = ? AND archived = ?", sessionID, false).
		Order("seq ASC").
		Find(&turns).Error
	return turns, err
}

// ReadArchivedTurns returns a session's archived transcript in order
func (s *Store) ReadArchivedTurns(sessionID string) ([]Turn, error) {
	var turns []Turn
	err := s.db.Where("session_id = ? AND archived = ?", sessionID, true).
		Order("seq ASC").
		Find(&turns).Error
	return turns, err
}

// ArchiveTranscript marks a session's live turns archived. It reports
// whether anything was archived.
func (s *Store) ArchiveTranscript(sessionID string) (bool, error) {
	res := s.db.Model(&Turn{}).
		Where("session_id = ? AND archived = ?", sessionID, false).
		Update("archived", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TranscriptExists reports whether a session has a live transcript
func (s *Store) TranscriptExists(sessionID string) (bool, error) {
	var count int64
	err := s.db.Model(&Turn{}).
		Where("session_id = ? AND archived = ?", sessionID, false).
		Count(&count).Error
	return count > 0, err
}
