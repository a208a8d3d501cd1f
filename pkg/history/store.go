// Package history keeps the bounded in-memory log of chat messages that is
// replayed to users on login and on request.
package history

import (
	"sync"

	"github.com/rs/zerolog"
)

const (
	DefaultCapacity   = 10000
	DefaultEvictBatch = 1000
)

// ChatMessage is one chat line. To is empty for broadcasts.
type ChatMessage struct {
	From      string
	To        string
	Text      string
	Timestamp uint64 // epoch milliseconds
}

// IsBroadcast reports whether the message was sent to everyone
func (m ChatMessage) IsBroadcast() bool {
	return m.To == ""
}

// VisibleTo reports whether user may see the message in a replay
func (m ChatMessage) VisibleTo(user string) bool {
	return m.To == "" || m.To == user || m.From == user
}

// Store is a thread-safe append log. Once it holds more than capacity
// messages the oldest evictBatch are dropped in a single step.
type Store struct {
	mu         sync.RWMutex
	messages   []ChatMessage
	capacity   int
	evictBatch int
	evicted    uint64
	logger     zerolog.Logger
}

// New creates a store. Non-positive arguments fall back to the defaults and
// evictBatch is clamped to capacity.
func New(capacity, evictBatch int, logger zerolog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if evictBatch <= 0 {
		evictBatch = DefaultEvictBatch
	}
	if evictBatch > capacity {
		evictBatch = capacity
	}

	return &Store{
		messages:   make([]ChatMessage, 0, capacity+1),
		capacity:   capacity,
		evictBatch: evictBatch,
		logger:     logger.With().Str("component", "history").Logger(),
	}
}

// Append adds a message to the end of the log
func (s *Store) Append(msg ChatMessage) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)

	trimmed := 0
	if len(s.messages) > s.capacity {
		trimmed = s.evictBatch
		n := copy(s.messages, s.messages[trimmed:])
		clear(s.messages[n:])
		s.messages = s.messages[:n]
		s.evicted += uint64(trimmed)
	}
	size := len(s.messages)
	s.mu.Unlock()

	if trimmed > 0 {
		s.logger.Info().
			Int("evicted", trimmed).
			Int("size", size).
			Msg("history trimmed")
	}
}

// Recent returns the last n messages in chronological order
func (s *Store) Recent(n int) []ChatMessage {
	if n <= 0 {
		return []ChatMessage{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]ChatMessage, len(s.messages)-start)
	copy(out, s.messages[start:])
	return out
}

// ForUser returns up to n of the most recent messages visible to user, in
// chronological order. The scan walks backwards and stops as soon as n
// matches are collected.
func (s *Store) ForUser(user string, n int) []ChatMessage {
	if n <= 0 {
		return []ChatMessage{}
	}

	s.mu.RLock()
	out := make([]ChatMessage, 0, min(n, len(s.messages)))
	for i := len(s.messages) - 1; i >= 0 && len(out) < n; i-- {
		if s.messages[i].VisibleTo(user) {
			out = append(out, s.messages[i])
		}
	}
	s.mu.RUnlock()

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of stored messages
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Evicted returns the total number of messages dropped since creation
func (s *Store) Evicted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

// Capacity returns the configured maximum size
func (s *Store) Capacity() int {
	return s.capacity
}
