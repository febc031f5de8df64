// Package memory holds per-session conversation history feeding the agent's
// prompt. Entries are keyed by tenant and session so histories can never
// bleed across tenants.
package memory

import (
	"sync"
	"time"

	"github.com/kmorita/conflux/internal/llm"
)

// Defaults: 20 messages keeps roughly 10 turns; an hour of inactivity drops
// the session.
const (
	DefaultMaxMessages = 20
	DefaultTTL         = time.Hour
)

type conversation struct {
	messages  []llm.Message
	updatedAt time.Time
}

// Store is a process-local conversation store with TTL eviction.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	maxMessages   int
	ttl           time.Duration
	stop          chan struct{}
}

// NewStore creates a conversation store and starts its eviction loop.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		conversations: make(map[string]*conversation),
		maxMessages:   maxMessages,
		ttl:           ttl,
		stop:          make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

// Close stops the eviction loop.
func (s *Store) Close() {
	close(s.stop)
}

// key scopes a session's history to its tenant.
func key(tenantID, sessionID string) string {
	return tenantID + "/" + sessionID
}

// Append records one message on a session's history, trimming to the most
// recent maxMessages.
func (s *Store) Append(tenantID, sessionID string, msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, sessionID)
	conv, ok := s.conversations[k]
	if !ok {
		conv = &conversation{}
		s.conversations[k] = conv
	}
	conv.messages = append(conv.messages, msg)
	conv.updatedAt = time.Now()

	if len(conv.messages) > s.maxMessages {
		conv.messages = conv.messages[len(conv.messages)-s.maxMessages:]
	}
}

// History returns a copy of the session's messages, oldest first.
func (s *Store) History(tenantID, sessionID string) []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[key(tenantID, sessionID)]
	if !ok {
		return nil
	}
	out := make([]llm.Message, len(conv.messages))
	copy(out, conv.messages)
	return out
}

// Clear drops a session's history.
func (s *Store) Clear(tenantID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, key(tenantID, sessionID))
}

func (s *Store) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evict()
		}
	}
}

func (s *Store) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.ttl)
	for k, conv := range s.conversations {
		if conv.updatedAt.Before(cutoff) {
			delete(s.conversations, k)
		}
	}
}
