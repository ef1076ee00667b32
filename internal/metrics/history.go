package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/internal/store"
)

const historyPrefix = "history/"

// ToolInvocation records one tool execution within a turn.
type ToolInvocation struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration_ns"`
}

// HistoryEntry is one completed turn's record.
type HistoryEntry struct {
	ID               string           `json:"id"`
	Timestamp        time.Time        `json:"timestamp"`
	AgentID          string           `json:"agent_id"`
	UserID           string           `json:"user_id,omitempty"`
	Input            string           `json:"input"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	CachedTokens     int              `json:"cached_tokens"`
	ResponseTime     time.Duration    `json:"response_time_ns"`
	Tools            []ToolInvocation `json:"tools,omitempty"`
	Success          bool             `json:"success"`
	Error            string           `json:"error,omitempty"`
	Cancelled        bool             `json:"cancelled,omitempty"`
	SystemCall       bool             `json:"system_call,omitempty"`
}

// History is a FIFO-bounded request history persisted through the Store
// capability. When the bound is exceeded the oldest entries are evicted.
type History struct {
	persist store.Store
	maxSize int
	logger  *slog.Logger

	mu sync.Mutex
}

// NewHistory creates a history recorder. maxSize bounds retained entries.
func NewHistory(persist store.Store, maxSize int, logger *slog.Logger) *History {
	if maxSize <= 0 {
		maxSize = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		persist: persist,
		maxSize: maxSize,
		logger:  logger.With("component", "history"),
	}
}

// Append persists one entry, generating a UUIDv7 id when absent, and
// evicts the oldest entries past the bound.
func (h *History) Append(ctx context.Context, entry HistoryEntry) error {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate history id: %w", err)
		}
		entry.ID = id.String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.persist.Put(ctx, historyPrefix+entry.ID, data); err != nil {
		return fmt.Errorf("persist history entry: %w", err)
	}

	// Store.List returns keys oldest first, so eviction is a prefix walk.
	keys, err := h.persist.List(ctx, historyPrefix)
	if err != nil {
		h.logger.Warn("history eviction scan failed", "error", err)
		return nil
	}
	for len(keys) > h.maxSize {
		if err := h.persist.Delete(ctx, keys[0]); err != nil {
			h.logger.Warn("history eviction failed", "key", keys[0], "error", err)
			break
		}
		keys = keys[1:]
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	keys, err := h.persist.List(ctx, historyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	var entries []HistoryEntry
	for i := len(keys) - 1; i >= 0 && (limit <= 0 || len(entries) < limit); i-- {
		data, err := h.persist.Get(ctx, keys[i])
		if err != nil {
			continue
		}
		var entry HistoryEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			h.logger.Warn("corrupt history entry", "key", keys[i], "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
