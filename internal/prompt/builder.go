// Package prompt assembles outbound message lists in a fixed
// static→dynamic order so repeated prefixes stay byte-identical across
// requests and remain cacheable provider-side. Everything derivable from
// static configuration (persona, tool schemas, entity catalog) is
// serialized first; everything that varies per request (live states,
// recent changes, memories, history, the new utterance) comes after.
// Putting anything dynamic ahead of the static prefix is a correctness
// bug, not a performance one.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/devices"
	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/session"
)

// StaticConfig is everything the static prefix is derived from. Two
// builds sharing an identical StaticConfig must produce byte-identical
// static prefixes.
type StaticConfig struct {
	// Persona is the agent's system instructions.
	Persona string

	// Tools is the canonical tool schema list, in registration order.
	Tools []llm.ToolDef

	// Entities is the entity catalog. The builder sorts a copy by
	// entity id; callers need not pre-sort.
	Entities []devices.Entity
}

// Input carries the per-request dynamic parts of a prompt.
type Input struct {
	States         []devices.State
	Changes        []devices.Change
	RecentEntities []session.RecentEntity
	Memories       []string
	ActiveUser     string
	History        []llm.Message
	Utterance      string
	Now            time.Time
}

// Builder produces ordered message lists with a cached static prefix.
// Safe for concurrent use.
type Builder struct {
	logger *slog.Logger

	mu         sync.Mutex
	cfg        StaticConfig
	staticHash string
	staticMsg  llm.Message // serialized static prefix, CacheAnchor set
}

// NewBuilder creates a builder and serializes the initial static prefix.
func NewBuilder(cfg StaticConfig, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{logger: logger.With("component", "prompt")}
	b.SetStatic(cfg)
	return b
}

// SetStatic replaces the static configuration. The static segment is
// re-serialized only when the identity hash actually changes.
func (b *Builder) SetStatic(cfg StaticConfig) {
	hash := staticHash(cfg)

	b.mu.Lock()
	defer b.mu.Unlock()
	if hash == b.staticHash {
		return
	}
	b.cfg = cfg
	b.staticHash = hash
	b.staticMsg = llm.Message{
		Role:        llm.RoleSystem,
		Content:     renderStatic(cfg),
		CacheAnchor: true,
	}
	b.logger.Debug("static prompt segment rebuilt",
		"hash", hash[:12],
		"tools", len(cfg.Tools),
		"entities", len(cfg.Entities))
}

// StaticHash returns the identity hash of the current static segment.
func (b *Builder) StaticHash() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.staticHash
}

// StaticMessages returns the exact static prefix as sent on every
// request. The cache warmer replays this verbatim.
func (b *Builder) StaticMessages() []llm.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []llm.Message{b.staticMsg}
}

// Tools returns the canonical tool schema list accompanying the prefix.
func (b *Builder) Tools() []llm.ToolDef {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Tools
}

// Build assembles the full message list for one LLM call: the cached
// static prefix, then a dynamic context message, then conversation
// history, then the new user utterance (when non-empty).
func (b *Builder) Build(in Input) []llm.Message {
	b.mu.Lock()
	static := b.staticMsg
	b.mu.Unlock()

	msgs := make([]llm.Message, 0, len(in.History)+3)
	msgs = append(msgs, static)

	if dyn := renderDynamic(in); dyn != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: dyn})
	}

	msgs = append(msgs, in.History...)

	if in.Utterance != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: in.Utterance})
	}
	return msgs
}

// staticHash digests the identity-relevant static inputs: persona text,
// tool schemas, and the entity id/name/area/domain set.
func staticHash(cfg StaticConfig) string {
	h := sha256.New()
	h.Write([]byte(cfg.Persona))
	h.Write([]byte{0})
	for _, t := range cfg.Tools {
		h.Write([]byte(t.Name))
		h.Write([]byte{0})
		h.Write([]byte(t.Description))
		h.Write([]byte{0})
		if params, err := json.Marshal(t.Parameters); err == nil {
			h.Write(params)
		}
		h.Write([]byte{0})
	}
	for _, e := range sortedEntities(cfg.Entities) {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", e.EntityID, e.Name, e.Area, e.Domain)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedEntities(entities []devices.Entity) []devices.Entity {
	out := make([]devices.Entity, len(entities))
	copy(out, entities)
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// renderStatic serializes the static prefix text. Deterministic: map-free
// iteration, entities sorted by id, no timestamps.
func renderStatic(cfg StaticConfig) string {
	var sb strings.Builder
	sb.WriteString(cfg.Persona)

	if len(cfg.Tools) > 0 {
		sb.WriteString("\n\n## Available tools\n")
		for _, t := range cfg.Tools {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		}
	}

	entities := sortedEntities(cfg.Entities)
	if len(entities) > 0 {
		sb.WriteString("\n## Entity catalog\n")
		for _, e := range entities {
			fmt.Fprintf(&sb, "- %s (%s", e.EntityID, e.Name)
			if e.Area != "" {
				sb.WriteString(", area: ")
				sb.WriteString(e.Area)
			}
			sb.WriteString(")\n")
		}
	}
	return sb.String()
}

// renderDynamic serializes the per-request context block. Ordering within
// the block is stable but its content varies freely; it always follows
// the static prefix.
func renderDynamic(in Input) string {
	var sb strings.Builder

	if in.ActiveUser != "" {
		fmt.Fprintf(&sb, "Active user: %s\n", in.ActiveUser)
	}
	if !in.Now.IsZero() {
		fmt.Fprintf(&sb, "Current time: %s\n", in.Now.Format("Monday, January 2 2006 15:04"))
	}

	if len(in.States) > 0 {
		sb.WriteString("\n## Current states\n")
		for _, s := range in.States {
			fmt.Fprintf(&sb, "- %s: %s\n", s.EntityID, s.State)
		}
	}

	if len(in.Changes) > 0 {
		sb.WriteString("\n## Recent changes\n")
		for _, c := range in.Changes {
			fmt.Fprintf(&sb, "- %s: %s → %s (%s)\n", c.EntityID, c.OldState, c.NewState, c.Timestamp.Format("15:04:05"))
		}
	}

	if len(in.RecentEntities) > 0 {
		sb.WriteString("\n## Recently referenced\n")
		for _, r := range in.RecentEntities {
			fmt.Fprintf(&sb, "- %s (%s), last action: %s\n", r.EntityID, r.Name, r.LastAction)
		}
	}

	if len(in.Memories) > 0 {
		sb.WriteString("\n## Memory\n")
		for _, m := range in.Memories {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
