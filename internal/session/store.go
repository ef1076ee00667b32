package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/store"
)

// Store manages sessions keyed by conversation id. Acquire hands out a
// session together with its per-session lock, so only one in-flight
// turn mutates a given session while turns for different sessions
// proceed independently.
type Store struct {
	maxHistory int
	recentCap  int
	ttl        time.Duration
	persist    store.Store // optional snapshot persistence
	logger     *slog.Logger
	nowFunc    func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	turnMu  sync.Mutex
	session *Session
}

// NewStore creates a session store. persist may be nil to disable
// snapshot persistence.
func NewStore(maxHistory, recentCap int, ttl time.Duration, persist store.Store, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		maxHistory: maxHistory,
		recentCap:  recentCap,
		ttl:        ttl,
		persist:    persist,
		logger:     logger,
		nowFunc:    time.Now,
		sessions:   make(map[string]*entry),
	}
}

// Acquire returns the session for id and locks it for the calling turn.
// On an in-memory miss a persisted snapshot is restored if one exists
// and has not expired; otherwise a fresh session is created. The
// returned release function must be called when the turn completes.
func (st *Store) Acquire(ctx context.Context, id string) (*Session, func()) {
	st.mu.Lock()
	e, ok := st.sessions[id]
	if ok && e.session.Expired() {
		st.logger.Debug("session expired, starting fresh", "conversation", id)
		delete(st.sessions, id)
		ok = false
	}
	if !ok {
		s := st.restore(ctx, id)
		if s == nil {
			s = newSession(id, st.maxHistory, st.recentCap, st.ttl, st.nowFunc)
		}
		e = &entry{session: s}
		st.sessions[id] = e
	}
	st.mu.Unlock()

	e.turnMu.Lock()
	e.session.ExpiresAt = st.nowFunc().Add(st.ttl)
	return e.session, e.turnMu.Unlock
}

// TouchEntity records an entity reference on the session for id, if one
// exists. Called from tool handlers while the owning turn is blocked on
// the executor; the turn lock stays with the turn.
func (st *Store) TouchEntity(id, entityID, name, action string) {
	st.mu.Lock()
	e, ok := st.sessions[id]
	st.mu.Unlock()
	if ok {
		e.session.TouchEntity(entityID, name, action)
	}
}

// Drop removes a session and its persisted snapshot, e.g. after a
// proactive conversation abort. Without the snapshot delete, the next
// acquire would resurrect the aborted conversation.
func (st *Store) Drop(ctx context.Context, id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
	if st.persist != nil {
		if err := st.persist.Delete(ctx, sessionKey(id)); err != nil {
			st.logger.Warn("session snapshot delete failed", "conversation", id, "error", err)
		}
	}
}

// Prune removes all expired sessions and returns how many were dropped.
func (st *Store) Prune() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	var dropped int
	for id, e := range st.sessions {
		if e.session.Expired() {
			delete(st.sessions, id)
			dropped++
		}
	}
	return dropped
}

// snapshot is the persisted shape of a session.
type snapshot struct {
	ID         string         `json:"id"`
	ActiveUser string         `json:"active_user,omitempty"`
	FollowUps  int            `json:"follow_ups"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Messages   []llm.Message  `json:"messages"`
	Recent     []RecentEntity `json:"recent_entities"` // newest first
}

func sessionKey(id string) string { return "session/" + id }

// Save persists a session snapshot through the Store capability.
func (st *Store) Save(ctx context.Context, s *Session) error {
	if st.persist == nil {
		return nil
	}
	snap := snapshot{
		ID:         s.ID,
		ActiveUser: s.ActiveUser,
		FollowUps:  s.FollowUps,
		ExpiresAt:  s.ExpiresAt,
		Messages:   s.History(),
		Recent:     s.RecentEntities(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	return st.persist.Put(ctx, sessionKey(s.ID), data)
}

// restore rebuilds a session from its persisted snapshot. Returns nil
// when persistence is disabled, no snapshot exists, the snapshot is
// corrupt, or it has expired. Restore failures degrade to a fresh
// session rather than failing the turn.
func (st *Store) restore(ctx context.Context, id string) *Session {
	if st.persist == nil {
		return nil
	}
	data, err := st.persist.Get(ctx, sessionKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		st.logger.Warn("session restore failed", "conversation", id, "error", err)
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		st.logger.Warn("corrupt session snapshot", "conversation", id, "error", err)
		return nil
	}
	if st.nowFunc().After(snap.ExpiresAt) {
		st.logger.Debug("persisted session expired, starting fresh", "conversation", id)
		return nil
	}

	s := newSession(id, st.maxHistory, st.recentCap, st.ttl, st.nowFunc)
	s.ActiveUser = snap.ActiveUser
	s.FollowUps = snap.FollowUps
	s.ExpiresAt = snap.ExpiresAt
	s.Append(snap.Messages...)
	// Recent is stored newest first; replay oldest first to rebuild the ring.
	for i := len(snap.Recent) - 1; i >= 0; i-- {
		r := snap.Recent[i]
		s.TouchEntity(r.EntityID, r.Name, r.LastAction)
		// Preserve original reference times over the replay time.
		s.recent[(s.head-1+len(s.recent))%len(s.recent)].Timestamp = r.Timestamp
	}
	st.logger.Debug("session restored from snapshot", "conversation", id, "messages", len(snap.Messages))
	return s
}
