// Package session holds per-conversation multi-turn state: bounded
// message history, a small ring of recently referenced entities, the
// active user, and the consecutive-follow-up counter. A session is owned
// by the store and mutated only by the turn currently holding it.
package session

import (
	"time"

	"github.com/hearthd/hearth/internal/llm"
)

// RecentEntity is one recently referenced entity. The ring has fixed
// capacity; the newest reference evicts the oldest.
type RecentEntity struct {
	EntityID   string    `json:"entity_id"`
	Name       string    `json:"name"`
	LastAction string    `json:"last_action"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session is the multi-turn state for one conversation.
type Session struct {
	ID         string
	ActiveUser string

	// FollowUps counts consecutive follow-up turns with no successful
	// tool execution. Reset by any successful tool call.
	FollowUps int

	ExpiresAt time.Time

	maxHistory int
	messages   []llm.Message

	// recent is a circular buffer, pre-allocated at capacity.
	recent []RecentEntity
	head   int // next write position
	count  int // entries currently stored (≤ len(recent))

	nowFunc func() time.Time
}

func newSession(id string, maxHistory, recentCap int, ttl time.Duration, now func() time.Time) *Session {
	if maxHistory <= 0 {
		maxHistory = 40
	}
	if recentCap <= 0 {
		recentCap = 8
	}
	return &Session{
		ID:         id,
		ExpiresAt:  now().Add(ttl),
		maxHistory: maxHistory,
		recent:     make([]RecentEntity, recentCap),
		nowFunc:    now,
	}
}

// Append adds messages to the history, dropping the oldest entries when
// the bound is exceeded.
func (s *Session) Append(msgs ...llm.Message) {
	s.messages = append(s.messages, msgs...)
	if over := len(s.messages) - s.maxHistory; over > 0 {
		s.messages = append([]llm.Message(nil), s.messages[over:]...)
	}
}

// History returns a copy of the message history, oldest first.
func (s *Session) History() []llm.Message {
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// TouchEntity records a reference to an entity in the ring buffer.
func (s *Session) TouchEntity(entityID, name, action string) {
	s.recent[s.head] = RecentEntity{
		EntityID:   entityID,
		Name:       name,
		LastAction: action,
		Timestamp:  s.nowFunc(),
	}
	s.head = (s.head + 1) % len(s.recent)
	if s.count < len(s.recent) {
		s.count++
	}
}

// RecentEntities returns referenced entities, newest first.
func (s *Session) RecentEntities() []RecentEntity {
	n := len(s.recent)
	out := make([]RecentEntity, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.recent[(s.head-1-i+n)%n])
	}
	return out
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired() bool {
	return s.nowFunc().After(s.ExpiresAt)
}
