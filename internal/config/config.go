// Package config loads server configuration from an optional TOML or
// YAML file with environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can say "250ms" or "5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler; yaml.v3 does not consult
// encoding.TextUnmarshaler on its own.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Reconnect shapes retry backoff for realtime clients and snapshot
// persistence.
type Reconnect struct {
	BaseDelay   Duration `toml:"base_delay" yaml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay" yaml:"max_delay"`
	Factor      float64  `toml:"factor" yaml:"factor"`
	MaxAttempts int      `toml:"max_attempts" yaml:"max_attempts"`
}

// Config holds server configuration.
type Config struct {
	Port         int       `toml:"port" yaml:"port"`
	StaticDir    string    `toml:"static_dir" yaml:"static_dir"`
	MaxSessions  int       `toml:"max_sessions" yaml:"max_sessions"`
	AgentBin     string    `toml:"agent_bin" yaml:"agent_bin"`
	AgentArgs    []string  `toml:"agent_args" yaml:"agent_args"`
	PipeDir      string    `toml:"pipe_dir" yaml:"pipe_dir"`
	SnapshotPath string    `toml:"snapshot_path" yaml:"snapshot_path"`
	BatchWindow  Duration  `toml:"batch_window" yaml:"batch_window"`
	Reconnect    Reconnect `toml:"reconnect" yaml:"reconnect"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:         8420,
		StaticDir:    "./frontend/dist",
		MaxSessions:  10,
		AgentBin:     "claude",
		PipeDir:      "/tmp",
		SnapshotPath: "/tmp/claude_bridge_snapshot.json",
		BatchWindow:  Duration(100 * time.Millisecond),
	}
}

// Load builds the configuration: defaults, then the file at path if path
// is non-empty, then environment overrides. The file format is picked by
// extension (.toml, .yaml, .yml).
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		switch ext := filepath.Ext(path); ext {
		case ".toml":
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			return cfg, fmt.Errorf("unsupported config format %q", ext)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("AGENT_BIN"); v != "" {
		cfg.AgentBin = v
	}
	if v := os.Getenv("PIPE_DIR"); v != "" {
		cfg.PipeDir = v
	}
	if v := os.Getenv("SNAPSHOT_PATH"); v != "" {
		cfg.SnapshotPath = v
	}
	if v := os.Getenv("BATCH_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.BatchWindow = Duration(d)
		}
	}
}
