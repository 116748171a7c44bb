// Package config loads the coordinator configuration from a YAML file with
// environment-variable expansion.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root coordinator configuration.
type Config struct {
	// Listen is the HTTP listen address for the runner websocket endpoint
	// and the metrics handler.
	Listen string `yaml:"listen"`

	Storage  StorageConfig  `yaml:"storage"`
	Registry RegistryConfig `yaml:"registry"`
	Discord  DiscordConfig  `yaml:"discord"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Tokens maps runner shared-secret tokens to the owning user id.
	Tokens map[string]string `yaml:"tokens"`
}

// StorageConfig selects where durable records live.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`

	// Path is the SQLite database path; ignored for the memory driver.
	Path string `yaml:"path"`
}

// RegistryConfig tunes connection liveness handling.
type RegistryConfig struct {
	OfflineGrace      time.Duration `yaml:"offline_grace"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

// DiscordConfig configures the chat surface.
type DiscordConfig struct {
	// Token is the bot token. Leave empty to run without a surface
	// (useful for tests and local protocol work).
	Token string `yaml:"token"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ":8400",
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "relay.db",
		},
		Registry: RegistryConfig{
			OfflineGrace:      30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  90 * time.Second,
			KeepAliveInterval: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a config file, expands ${VAR} references from the environment,
// and applies defaults for anything unset. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage path is required for the sqlite driver")
	}
	for token, owner := range c.Tokens {
		if strings.TrimSpace(token) == "" {
			return fmt.Errorf("empty runner token configured")
		}
		if strings.TrimSpace(owner) == "" {
			return fmt.Errorf("runner token without an owner")
		}
	}
	return nil
}
