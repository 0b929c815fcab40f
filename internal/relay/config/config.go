// Package config loads the relay's runtime configuration from
// defaults, an optional YAML file, and PIRELAY_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the relay's runtime configuration.
type Config struct {
	Addr    string `koanf:"addr"`     // Listen address (e.g. ":4590")
	DataDir string `koanf:"data_dir"` // Data directory for the DB

	LogLevel string `koanf:"log_level"` // debug | info | warn | error

	// DetachGraceMs is how long a hub keeps its channel attached after the
	// last client disconnects.
	DetachGraceMs int `koanf:"detach_grace_ms"`

	// ReaperIntervalMs is the idle reaper scan interval.
	ReaperIntervalMs int `koanf:"reaper_interval_ms"`

	// AgentCommand is the executable spawned for local subprocess sessions.
	AgentCommand string `koanf:"agent_command"`

	// WorkerURL, when set, enables the remote sandbox provider backed by
	// a worker fleet at this WebSocket base URL.
	WorkerURL string `koanf:"worker_url"`

	// IdleTimeoutsS maps environment ids to idle timeouts in seconds.
	// Sessions in environments not listed here are never reaped.
	IdleTimeoutsS map[string]int `koanf:"idle_timeouts_s"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"addr":               ":4590",
		"data_dir":           defaultDataDir(),
		"log_level":          "info",
		"detach_grace_ms":    15000,
		"reaper_interval_ms": 30000,
		"agent_command":      "pi",
	}
}

// Load builds a Config from defaults, the optional YAML file at path
// (skipped when path is empty or missing), and PIRELAY_* environment
// variables (PIRELAY_DATA_DIR overrides data_dir, and so on).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("PIRELAY_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "PIRELAY_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values and ensures required directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DetachGraceMs <= 0 {
		return fmt.Errorf("detach_grace_ms must be positive")
	}
	if c.ReaperIntervalMs <= 0 {
		return fmt.Errorf("reaper_interval_ms must be positive")
	}

	// Ensure data dir exists.
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	return nil
}

// DetachGrace returns the detach grace period as a duration.
func (c *Config) DetachGrace() time.Duration {
	return time.Duration(c.DetachGraceMs) * time.Millisecond
}

// ReaperInterval returns the reaper scan interval as a duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalMs) * time.Millisecond
}

// IdleTimeouts returns the per-environment idle timeouts as durations.
func (c *Config) IdleTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.IdleTimeoutsS))
	for env, secs := range c.IdleTimeoutsS {
		if secs > 0 {
			out[env] = time.Duration(secs) * time.Second
		}
	}
	return out
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "relay.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "pirelay")
	}
	return filepath.Join(home, ".config", "pirelay")
}
