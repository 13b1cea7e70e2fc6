// Package config loads the YAML configuration for the cmd/monodb
// server entrypoint, in the style tinySQL's cmd/server uses for its
// own listen/data-directory settings: a typed struct, defaulted
// zero-value fields, parsed with gopkg.in/yaml.v3.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/monodb/monodb/internal/monoerr"
)

// Config is the server's full runtime configuration (spec.md §6's
// resource limits plus the wire listener settings §4.12/§5 describe).
type Config struct {
	DataDir            string        `yaml:"dataDir"`
	ListenAddr         string        `yaml:"listenAddr"`
	WireEnabled        bool          `yaml:"wireEnabled"`
	LockTimeout        time.Duration `yaml:"lockTimeout"`
	CursorTimeout      time.Duration `yaml:"cursorTimeout"`
	SessionTimeout     time.Duration `yaml:"sessionTimeout"`
	CheckpointInterval time.Duration `yaml:"checkpointInterval"`
}

// Defaults mirror spec.md §6's resource limits table: a 10-minute
// cursor idle timeout, a 30-minute session idle timeout, and the
// conventional MongoDB listen port when the wire listener is enabled.
func Default() Config {
	return Config{
		DataDir:            ".",
		ListenAddr:         "127.0.0.1:27017",
		WireEnabled:        true,
		LockTimeout:        30 * time.Second,
		CursorTimeout:      10 * time.Minute,
		SessionTimeout:     30 * time.Minute,
		CheckpointInterval: time.Minute,
	}
}

// Load reads and parses the YAML config file at path, filling any
// unset field from Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, monoerr.Wrap(monoerr.CodeInternalError, "read config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, monoerr.Wrap(monoerr.CodeFailedToParse, "parse config file", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills in any field Load found zero-valued after
// unmarshalling — a config file that only overrides listenAddr, say,
// should not lose the rest of Default()'s values.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.DataDir == "" {
		cfg.DataDir = d.DataDir
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = d.LockTimeout
	}
	if cfg.CursorTimeout == 0 {
		cfg.CursorTimeout = d.CursorTimeout
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = d.SessionTimeout
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = d.CheckpointInterval
	}
}

// Save atomically rewrites the config file at path with cfg's current
// values, so a crash mid-write never leaves a torn file behind.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return monoerr.Wrap(monoerr.CodeInternalError, "marshal config file", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return monoerr.Wrap(monoerr.CodeInternalError, "atomically write config file", err)
	}
	return nil
}
