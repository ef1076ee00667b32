// Hearth is a conversation orchestration daemon for a smart-home voice
// agent. It builds cache-friendly prompts, drives a multi-iteration
// tool-calling loop against an LLM backend, executes device-control
// tools, and keeps provider-side prompt caches warm.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hearth serve             Start the daemon
//	hearth ask <question>    Run a single turn (for testing)
//	hearth version           Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/api"
	"github.com/hearthd/hearth/internal/buildinfo"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/devices"
	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/metrics"
	"github.com/hearthd/hearth/internal/prompt"
	"github.com/hearthd/hearth/internal/session"
	"github.com/hearthd/hearth/internal/store"
	"github.com/hearthd/hearth/internal/tools"
	"github.com/hearthd/hearth/internal/warmer"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible to
// call run() concurrently from tests, and the argument surface here is
// small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			}
		}
	}

	switch command {
	case "serve", "":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: hearth ask <question>")
		}
		return runAsk(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		return printUsage(stdout)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprint(w, `hearth - smart-home conversation engine

Usage:
  hearth serve             Start the daemon
  hearth ask <question>    Run a single turn (for testing)
  hearth version           Print version and build information

Options:
  -config <path>           Path to config.yaml (default: auto-discover)
`)
	return nil
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	// Configuration problems are fatal at startup; a missing API key must
	// never surface as a per-request auth failure.
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger standardizes the slog handler configuration: text output,
// trace-aware level names.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// deps is everything runServe/runAsk assemble from configuration.
type deps struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	watcher *devices.Watcher
	agent   *agent.Agent
	metrics *metrics.Metrics
	history *metrics.History
	client  llm.Client
	builder *prompt.Builder
}

func buildDeps(ctx context.Context, stdout io.Writer, configPath string) (*deps, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stdout, level)
	logger.Info("hearth starting", "version", buildinfo.Version, "config", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	kv, err := store.NewSQLiteStore("sqlite3", filepath.Join(cfg.DataDir, "hearth.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	m := metrics.New()
	history := metrics.NewHistory(kv, 200, logger)

	ctrl := devices.NewClient(cfg.Devices.URL, cfg.Devices.Token, logger)
	if err := ctrl.Ping(ctx); err != nil {
		logger.Warn("device platform unreachable at startup", "error", err)
	}

	watcher := devices.NewWatcher(cfg.Devices.URL, cfg.Devices.Token, 50, 30*time.Minute, logger)
	if err := watcher.Connect(ctx); err != nil {
		logger.Warn("state watcher unavailable, dynamic context degraded", "error", err)
		watcher = nil
	}

	sessions := session.NewStore(cfg.Loop.MaxHistory, cfg.Loop.RecentEntities, cfg.Loop.SessionTTL.Duration, kv, logger)

	registry := tools.NewRegistry()
	tools.RegisterDeviceTools(registry, ctrl, func(tctx context.Context, entityID, name, action string) {
		sessions.TouchEntity(tools.ConversationIDFromContext(tctx), entityID, name, action)
	})
	tools.RegisterReminderTools(registry, tools.NewReminders(kv))

	persona := defaultPersona
	if cfg.Persona != "" {
		data, err := os.ReadFile(cfg.Persona)
		if err != nil {
			return nil, fmt.Errorf("read persona file: %w", err)
		}
		persona = string(data)
	}

	entities, err := ctrl.ListEntities(ctx, devices.Filter{})
	if err != nil {
		logger.Warn("entity catalog unavailable at startup, static prefix starts empty", "error", err)
	}

	builder := prompt.NewBuilder(prompt.StaticConfig{
		Persona:  persona,
		Tools:    registry.Defs(),
		Entities: entities,
	}, logger)

	client := llm.NewChatClient(cfg.Provider, llm.StrategyFor(cfg.Provider.Name), m, logger)

	executor := tools.NewExecutor(registry, logger)

	var states agent.StateSource
	if watcher != nil {
		states = watcher
	}
	ag := agent.New(cfg.Loop, client, builder, sessions, executor, m, history, states, logger)

	return &deps{
		cfg:     cfg,
		logger:  logger,
		store:   kv,
		watcher: watcher,
		agent:   ag,
		metrics: m,
		history: history,
		client:  client,
		builder: builder,
	}, nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	d, err := buildDeps(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer d.store.Close()

	var warm *warmer.Warmer
	if d.cfg.Warmer.Enabled {
		warm = warmer.New(d.client, d.builder, d.cfg.Warmer.Interval.Duration, d.cfg.Warmer.Timeout.Duration, d.metrics, d.logger)
		warm.Start()
	}

	server := api.NewServer(
		fmt.Sprintf("%s:%d", d.cfg.Listen.Address, d.cfg.Listen.Port),
		d.agent, d.metrics, d.history, d.logger,
	)

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		d.logger.Info("shutdown signal received")
		if warm != nil {
			warm.Stop()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		_ = d.agent.Close()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	d.logger.Info("hearth stopped")
	return nil
}

func runAsk(ctx context.Context, stdout io.Writer, configPath, question string) error {
	d, err := buildDeps(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer d.store.Close()
	defer d.agent.Close()
	if d.watcher != nil {
		defer d.watcher.Close()
	}

	resp, err := d.agent.Converse(ctx, agent.Request{
		ConversationID: "cli",
		Text:           question,
	})
	if err != nil {
		d.logger.Error("turn failed", "error", err)
	}
	fmt.Fprintln(stdout, resp.Text)
	return nil
}

// defaultPersona is used when no persona file is configured.
const defaultPersona = `You are Hearth, a voice assistant for a smart home. You control devices
through tools and answer questions about the home's state. Be concise:
responses are spoken aloud. Batch related entities into a single
control_device call. Ask a clarifying question only when the request is
genuinely ambiguous, and call await_response when you do.`
