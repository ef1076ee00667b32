// Package agent implements the conversation turn controller: it builds
// prompts, drives the multi-iteration tool-calling loop against the LLM
// client, executes tools, and finalizes responses. One Agent serves many
// concurrent conversations; per-conversation state lives in the session
// store.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/devices"
	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/metrics"
	"github.com/hearthd/hearth/internal/prompt"
	"github.com/hearthd/hearth/internal/session"
	"github.com/hearthd/hearth/internal/tools"
)

// StateSource feeds the dynamic prompt section with live entity state.
// Implemented by the devices watcher; nil sources are tolerated.
type StateSource interface {
	Snapshot() []devices.State
	RecentChanges() []devices.Change
}

// Agent is the explicit context object holding every collaborator the
// turn controller needs. Constructed once per configuration; Close tears
// it down.
type Agent struct {
	id       string
	cfg      config.LoopConfig
	client   llm.Client
	builder  *prompt.Builder
	sessions *session.Store
	executor *tools.Executor
	metrics  *metrics.Metrics
	history  *metrics.History
	states   StateSource
	logger   *slog.Logger

	// Memories optionally injects memory lines into the dynamic prompt
	// section. May be nil.
	Memories func(ctx context.Context) []string

	nowFunc func() time.Time
}

// New creates an agent. states and history may be nil.
func New(
	cfg config.LoopConfig,
	client llm.Client,
	builder *prompt.Builder,
	sessions *session.Store,
	executor *tools.Executor,
	m *metrics.Metrics,
	history *metrics.History,
	states StateSource,
	logger *slog.Logger,
) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	id, _ := uuid.NewV7()
	return &Agent{
		id:       id.String(),
		cfg:      cfg,
		client:   client,
		builder:  builder,
		sessions: sessions,
		executor: executor,
		metrics:  m,
		history:  history,
		states:   states,
		logger:   logger.With("component", "agent"),
		nowFunc:  time.Now,
	}
}

// ID returns the agent's identifier, stamped on history entries.
func (a *Agent) ID() string { return a.id }

// Close tears the agent down: expired sessions are pruned and further
// use is the caller's bug. Collaborators owned elsewhere (store, watcher)
// are closed by their owners.
func (a *Agent) Close() error {
	dropped := a.sessions.Prune()
	a.logger.Info("agent closed", "agent_id", a.id, "sessions_pruned", dropped)
	return nil
}
