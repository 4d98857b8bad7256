// SC2 Arcade Watcher - Lobby Journal Decoding and Reconciliation
// Copyright 2026 SC2 Arcade Watcher contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sc2-arcade-watcher

// Package config loads the watcher configuration with layered precedence:
// built-in defaults, then an optional YAML file, then environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/sc2-arcade-watcher/server-sub000/internal/logging"
	"github.com/sc2-arcade-watcher/server-sub000/internal/publish"
)

// DefaultConfigPaths is searched in order when no explicit path is given.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/arcade-watcher/config.yaml",
	"/etc/arcade-watcher/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "WATCHER_CONFIG"

// EnvPrefix namespaces the watcher's environment variables. Nesting uses a
// double underscore: WATCHER_PUBLISH__URL -> publish.url.
const EnvPrefix = "WATCHER_"

// Config is the complete watcher configuration.
type Config struct {
	Sources    []SourceConfig   `koanf:"sources" validate:"min=1,dive"`
	Feed       FeedConfig       `koanf:"feed"`
	Pump       PumpConfig       `koanf:"pump"`
	Publish    publish.Config   `koanf:"publish"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// SourceConfig names one journal feed.
type SourceConfig struct {
	Name string `koanf:"name" validate:"required"`
	Dir  string `koanf:"dir" validate:"required"`

	// InitSession/InitOffset override the checkpointed resume cursor.
	InitSession int64 `koanf:"init_session" validate:"gte=0"`
	InitOffset  int64 `koanf:"init_offset" validate:"gte=0"`
}

// FeedConfig tunes the segment readers.
type FeedConfig struct {
	// Follow keeps readers tailing the newest segment; disable for batch
	// replay of a finished journal.
	Follow       bool          `koanf:"follow"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gte=0"`
}

// PumpConfig tunes the merger pump loop.
type PumpConfig struct {
	// ProceedTimeout bounds one Proceed call while waiting for feed data.
	ProceedTimeout time.Duration `koanf:"proceed_timeout" validate:"gt=0"`
}

// CheckpointConfig configures cursor persistence.
type CheckpointConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Path       string `koanf:"path" validate:"required_if=Enabled true"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// ServerConfig configures the admin HTTP surface.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// LoggingConfig mirrors the logging package options.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ToLogging converts to the logging package's config type.
func (l LoggingConfig) ToLogging() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format, Caller: l.Caller}
}

func defaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			Follow:       true,
			PollInterval: 250 * time.Millisecond,
		},
		Pump: PumpConfig{
			ProceedTimeout: 5 * time.Second,
		},
		Publish: publish.Config{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			Topic:         "lobbies.events",
			MaxReconnects: 60,
			ReconnectWait: 2 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Enabled:    true,
			Path:       "/data/watcher/checkpoints",
			SyncWrites: true,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8722,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// the first default path when empty), and WATCHER_* environment variables,
// then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints and source-name uniqueness.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps WATCHER_PUBLISH__URL to publish.url.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}
