package agent

import (
	"sort"
	"sync"
	"time"
)

// PendingBuffer holds group messages the bot saw but did not answer. They
// are replayed ahead of the next addressed message in that chat.
type PendingBuffer struct {
	mu          sync.Mutex
	chats       map[string][]Message
	maxMessages int
	maxAge      time.Duration
	now         func() time.Time
}

// NewPendingBuffer creates a buffer. maxMessages <= 0 or maxAge <= 0
// disables that bound.
func NewPendingBuffer(maxMessages int, maxAge time.Duration) *PendingBuffer {
	return &PendingBuffer{
		chats:       make(map[string][]Message),
		maxMessages: maxMessages,
		maxAge:      maxAge,
		now:         time.Now,
	}
}

// Add buffers msg and returns how many old entries were dropped to make room
func (b *PendingBuffer) Add(msg Message) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := append(b.chats[msg.ChatKey], msg)
	dropped := 0
	if b.maxMessages > 0 && len(list) > b.maxMessages {
		dropped = len(list) - b.maxMessages
		list = append([]Message(nil), list[dropped:]...)
	}
	b.chats[msg.ChatKey] = list
	return dropped
}

// Drain returns the chat's buffered messages, oldest first, and clears them.
// Entries older than the age bound are discarded.
func (b *PendingBuffer) Drain(chatKey string) []Message {
	b.mu.Lock()
	list := b.chats[chatKey]
	delete(b.chats, chatKey)
	b.mu.Unlock()

	return b.fresh(list, b.now())
}

// Len returns the number of buffered messages for chatKey
func (b *PendingBuffer) Len(chatKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chats[chatKey])
}

// Clear drops everything buffered for chatKey
func (b *PendingBuffer) Clear(chatKey string) {
	b.mu.Lock()
	delete(b.chats, chatKey)
	b.mu.Unlock()
}

// Chats lists chat keys with buffered messages
func (b *PendingBuffer) Chats() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.chats))
	for k := range b.chats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Prune removes entries past the age bound in every chat and returns the
// number removed.
func (b *PendingBuffer) Prune(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, list := range b.chats {
		kept := b.fresh(list, now)
		removed += len(list) - len(kept)
		if len(kept) == 0 {
			delete(b.chats, key)
		} else {
			b.chats[key] = kept
		}
	}
	return removed
}

func (b *PendingBuffer) fresh(list []Message, now time.Time) []Message {
	if b.maxAge <= 0 || len(list) == 0 {
		return list
	}
	cutoff := now.Add(-b.maxAge)
	kept := list[:0:0]
	for _, m := range list {
		if !m.Timestamp.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	return kept
}
