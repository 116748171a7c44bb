package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":8400" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "relay.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Registry.OfflineGrace != 30*time.Second {
		t.Errorf("OfflineGrace = %v", cfg.Registry.OfflineGrace)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
registry:
  offline_grace: 2m
tokens:
  tok-1: user-1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q, want :9000", cfg.Listen)
	}
	if cfg.Registry.OfflineGrace != 2*time.Minute {
		t.Errorf("OfflineGrace = %v, want 2m", cfg.Registry.OfflineGrace)
	}
	// Unset fields keep their defaults.
	if cfg.Registry.HeartbeatTimeout != 90*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want default 90s", cfg.Registry.HeartbeatTimeout)
	}
	if cfg.Tokens["tok-1"] != "user-1" {
		t.Errorf("Tokens = %v", cfg.Tokens)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("RELAY_TEST_TOKEN", "bot-secret")
	path := writeConfig(t, `
discord:
  token: ${RELAY_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discord.Token != "bot-secret" {
		t.Errorf("Discord.Token = %q, want expanded value", cfg.Discord.Token)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() of a missing file must fail")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "listen: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() must reject malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"memory driver needs no path", func(c *Config) {
			c.Storage.Driver = "memory"
			c.Storage.Path = ""
		}, false},
		{"empty listen", func(c *Config) { c.Listen = " " }, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, true},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, true},
		{"blank token", func(c *Config) { c.Tokens = map[string]string{" ": "user-1"} }, true},
		{"token without owner", func(c *Config) { c.Tokens = map[string]string{"tok-1": ""} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
