package store

import (
	"time"

	"gorm.io/gorm"
)

// ==================== Memory Methods ====================

// CreateMemory creates a new memory entry
func (s *Store) CreateMemory(mem *Memory) error {
	return s.db.Create(mem).Error
}

// SearchMemories matches any of the keywords with LIKE, scoped to chatKey
// plus global ("") memories, ranked by importance then recency.
func (s *Store) SearchMemories(chatKey string, keywords []string, limit int) ([]Memory, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	q := s.db.Where("chat_key IN ?", []string{chatKey, ""}).
		Where("type <> ?", MemoryTypeOverflowLog)

	cond := s.db.Where("content LIKE ?", "%"+keywords[0]+"%")
	for _, kw := range keywords[1:] {
		cond = cond.Or("content LIKE ?", "%"+kw+"%")
	}

	var memories []Memory
	err := q.Where(cond).
		Order("importance DESC, created_at DESC").
		Limit(limit).
		Find(&memories).Error
	if err != nil {
		return nil, err
	}

	if len(memories) > 0 {
		ids := make([]string, len(memories))
		for i, m := range memories {
			ids[i] = m.ID
		}
		now := time.Now()
		s.db.Model(&Memory{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"access_count":  gorm.Expr("access_count + 1"),
			"last_accessed": now,
		})
	}
	return memories, nil
}

// GetRecentMemories retrieves recent memories of a type for a chat
func (s *Store) GetRecentMemories(chatKey, memType string, limit int) ([]Memory, error) {
	var memories []Memory
	q := s.db.Where("chat_key = ?", chatKey)
	if memType != "" {
		q = q.Where("type = ?", memType)
	}
	err := q.Order("created_at DESC").Limit(limit).Find(&memories).Error
	return memories, err
}

// DeleteMemory removes a memory by ID
func (s *Store) DeleteMemory(id string) error {
	return s.db.Delete(&Memory{}, "id = ?", id).Error
}
