// Package config handles Hearth configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingCredentials indicates a provider is configured without an API
// key. Surfaced at startup; never retried.
var ErrMissingCredentials = errors.New("missing provider credentials")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/hearth/config.yaml, /etc/hearth/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearth", "config.yaml"))
	}

	paths = append(paths, "/etc/hearth/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Hearth configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Provider ProviderConfig `yaml:"provider"`
	Devices  DevicesConfig  `yaml:"devices"`
	Loop     LoopConfig     `yaml:"loop"`
	Warmer   WarmerConfig   `yaml:"warmer"`
	DataDir  string         `yaml:"data_dir"`
	Persona  string         `yaml:"persona_file"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProviderConfig defines the LLM backend settings.
type ProviderConfig struct {
	// Name selects the cache strategy: "anthropic", "openai", or "none".
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	MaxCompletionTokens int     `yaml:"max_completion_tokens"`
	Temperature         float64 `yaml:"temperature"`

	// Retry policy for transient failures (429, 5xx, timeouts).
	MaxRetries   int      `yaml:"max_retries"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`

	// SessionMaxAge bounds how long a transport session is reused before
	// being proactively renewed.
	SessionMaxAge Duration `yaml:"session_max_age"`

	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
}

// DevicesConfig defines the device controller connection settings.
type DevicesConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// LoopConfig defines orchestration loop limits.
type LoopConfig struct {
	// MaxIterations caps tool-call round trips per turn.
	MaxIterations int `yaml:"max_iterations"`
	// MaxHistory bounds per-session message history; oldest dropped first.
	MaxHistory int `yaml:"max_history"`
	// RecentEntities is the capacity of the per-session recent entity buffer.
	RecentEntities int `yaml:"recent_entities"`
	// SessionTTL is how long an idle session survives before expiry.
	SessionTTL Duration `yaml:"session_ttl"`
	// MaxFollowUps is the number of consecutive follow-up turns with no
	// successful tool execution before the conversation is aborted.
	MaxFollowUps int `yaml:"max_follow_ups"`
	// TurnTimeout bounds a whole turn end to end.
	TurnTimeout Duration `yaml:"turn_timeout"`
}

// WarmerConfig defines the cache warmer schedule.
type WarmerConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks for fatal configuration problems. A missing API key is a
// configuration error, not something to retry at request time.
func (c *Config) Validate() error {
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider %q: %w", c.Provider.Name, ErrMissingCredentials)
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8321},
		Provider: ProviderConfig{
			Name:                "openai",
			MaxCompletionTokens: 1024,
			Temperature:         0.4,
			MaxRetries:          3,
			InitialDelay:        D(time.Second),
			MaxDelay:            D(30 * time.Second),
			SessionMaxAge:       D(10 * time.Minute),
			ConnectTimeout:      D(10 * time.Second),
			ReadTimeout:         D(90 * time.Second),
		},
		Loop: LoopConfig{
			MaxIterations:  5,
			MaxHistory:     40,
			RecentEntities: 8,
			SessionTTL:     D(10 * time.Minute),
			MaxFollowUps:   3,
			TurnTimeout:    D(2 * time.Minute),
		},
		Warmer: WarmerConfig{
			Enabled:  false,
			Interval: D(4 * time.Minute),
			Timeout:  D(20 * time.Second),
		},
		DataDir: ".",
	}
}
