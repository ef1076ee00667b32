// Package warmer keeps provider-side prompt caches alive between real
// user requests by periodically replaying the exact static prefix with a
// minimal dynamic tail. Warm calls are invisible to conversations: they
// never read or mutate session history, run under a dry-run context so
// no tool with consumption side effects could fire, and use their own
// shorter timeout.
package warmer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/metrics"
	"github.com/hearthd/hearth/internal/prompt"
	"github.com/hearthd/hearth/internal/tools"
)

// warmTail is the minimal dynamic suffix appended after the static
// prefix. Content is irrelevant; the prefix doing a cache pass is the
// point.
const warmTail = "ok"

// Clock abstracts the periodic trigger so tests can drive ticks
// manually.
type Clock interface {
	// Ticker returns a tick channel and a stop function.
	Ticker(d time.Duration) (<-chan time.Time, func())
}

type realClock struct{}

func (realClock) Ticker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Warmer is the background cache-warming task.
type Warmer struct {
	client   llm.Client
	builder  *prompt.Builder
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    Clock

	stopOnce sync.Once
	done     chan struct{}
	finished chan struct{}
}

// New creates a warmer. Interval is minutes-scale; timeout bounds each
// warm call independently of any turn timeout.
func New(client llm.Client, builder *prompt.Builder, interval, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Warmer {
	if interval <= 0 {
		interval = 4 * time.Minute
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmer{
		client:   client,
		builder:  builder,
		interval: interval,
		timeout:  timeout,
		metrics:  m,
		logger:   logger.With("component", "warmer"),
		clock:    realClock{},
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// SetClock replaces the tick source. Call before Start.
func (w *Warmer) SetClock(c Clock) { w.clock = c }

// Start launches the warm loop in a goroutine.
func (w *Warmer) Start() {
	go w.run()
	w.logger.Info("cache warmer started", "interval", w.interval, "timeout", w.timeout)
}

// Stop halts the warm loop and waits for it to finish.
func (w *Warmer) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.finished
}

func (w *Warmer) run() {
	defer close(w.finished)
	ticks, stop := w.clock.Ticker(w.interval)
	defer stop()
	for {
		select {
		case <-w.done:
			w.logger.Info("cache warmer stopped")
			return
		case <-ticks:
			if err := w.Warm(context.Background()); err != nil {
				w.logger.Warn("cache warm failed", "error", err)
			}
		}
	}
}

// Warm performs one warm call: the byte-exact static prefix, the
// canonical tool schemas, and a one-word tail. Dry-run context is set so
// any tool with non-idempotent read effects would observe, not consume —
// a pending reminder stays pending.
func (w *Warmer) Warm(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(tools.WithDryRun(ctx), w.timeout)
	defer cancel()

	msgs := append(w.builder.StaticMessages(), llm.Message{Role: llm.RoleUser, Content: warmTail})
	resp, err := w.client.Complete(ctx, llm.Request{
		Messages:  msgs,
		Tools:     w.builder.Tools(),
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.RecordUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.CachedTokens)
	}
	w.logger.Debug("cache warmed",
		"prompt_tokens", resp.Usage.PromptTokens,
		"cached_tokens", resp.Usage.CachedTokens,
		"static_hash", w.builder.StaticHash()[:12])
	return nil
}
