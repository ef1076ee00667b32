package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 9000
provider:
  name: anthropic
  base_url: https://api.anthropic.com/v1
  api_key: sk-test
  model: test-model
  max_retries: 5
loop:
  max_iterations: 7
  turn_timeout: 90s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 9000 {
		t.Errorf("port = %d", cfg.Listen.Port)
	}
	if cfg.Provider.Name != "anthropic" || cfg.Provider.MaxRetries != 5 {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Loop.MaxIterations != 7 {
		t.Errorf("max iterations = %d", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.TurnTimeout.Duration != 90*time.Second {
		t.Errorf("turn timeout = %v", cfg.Loop.TurnTimeout.Duration)
	}
	// Unset fields keep their defaults.
	if cfg.Loop.MaxFollowUps != 3 {
		t.Errorf("max follow-ups = %d, want default 3", cfg.Loop.MaxFollowUps)
	}
	if cfg.Provider.Temperature != 0.4 {
		t.Errorf("temperature = %v, want default", cfg.Provider.Temperature)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("HEARTH_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
provider:
  base_url: https://api.example.com/v1
  api_key: ${HEARTH_TEST_KEY}
  model: test-model
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, env not expanded", cfg.Provider.APIKey)
	}
}

func TestLoadRejectsUnitlessDuration(t *testing.T) {
	path := writeConfig(t, `
loop:
  turn_timeout: 90
`)
	if _, err := Load(path); err == nil {
		t.Error("bare integer duration accepted")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Provider.BaseURL = "https://api.example.com/v1"
		cfg.Provider.APIKey = "sk-test"
		cfg.Provider.Model = "test-model"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg := valid()
	cfg.Provider.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing base_url accepted")
	}

	cfg = valid()
	cfg.Provider.APIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing api_key accepted")
	}

	cfg = valid()
	cfg.Provider.Model = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing model accepted")
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing explicit config accepted")
	}

	path := writeConfig(t, "data_dir: /tmp")
	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, a)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace rendered as %q", got.Value.String())
	}

	info := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	if got := ReplaceLogLevelNames(nil, info); got.Value.Any() != slog.LevelInfo {
		t.Error("non-trace level mutated")
	}
}
