// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/r3call/memsync/ratelimit"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != ":8443" {
		t.Errorf("expected default addr :8443, got %s", cfg.Server.Addr)
	}
	if cfg.Server.Path != "/sync" {
		t.Errorf("expected default path /sync, got %s", cfg.Server.Path)
	}

	if !cfg.Limits.Enabled {
		t.Error("expected rate limiting enabled by default")
	}
	if cfg.Limits.Window != time.Minute {
		t.Errorf("expected default window 1m, got %v", cfg.Limits.Window)
	}

	if cfg.Replay.Capacity != 10000 {
		t.Errorf("expected default replay capacity 10000, got %d", cfg.Replay.Capacity)
	}
	if cfg.Replay.Retention != 24*time.Hour {
		t.Errorf("expected default retention 24h, got %v", cfg.Replay.Retention)
	}

	if cfg.Storage.Type != "none" {
		t.Errorf("expected default storage none, got %s", cfg.Storage.Type)
	}
	if cfg.Bus.Type != "noop" {
		t.Errorf("expected default bus noop, got %s", cfg.Bus.Type)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty server addr",
			modify: func(c *Config) {
				c.Server.Addr = ""
			},
			wantErr: true,
		},
		{
			name: "read limit too small",
			modify: func(c *Config) {
				c.Server.ReadLimit = 100
			},
			wantErr: true,
		},
		{
			name: "pong timeout not past ping interval",
			modify: func(c *Config) {
				c.Server.PingInterval = time.Minute
				c.Server.PongTimeout = time.Second
			},
			wantErr: true,
		},
		{
			name: "zero queue capacity",
			modify: func(c *Config) {
				c.Registry.QueueCapacity = 0
			},
			wantErr: true,
		},
		{
			name: "window too short",
			modify: func(c *Config) {
				c.Limits.Window = 100 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "negative override budget",
			modify: func(c *Config) {
				c.Limits.Overrides = map[string]ratelimit.Limits{
					"broadcast": {Connection: -1},
				}
			},
			wantErr: true,
		},
		{
			name: "limits ignored when disabled",
			modify: func(c *Config) {
				c.Limits.Enabled = false
				c.Limits.Window = 0
			},
			wantErr: false,
		},
		{
			name: "replay retention too short",
			modify: func(c *Config) {
				c.Replay.Retention = time.Second
			},
			wantErr: true,
		},
		{
			name: "unknown storage type",
			modify: func(c *Config) {
				c.Storage.Type = "postgres"
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "redis bus without addr",
			modify: func(c *Config) {
				c.Bus.Type = "redis"
				c.Bus.Redis.Addr = ""
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "verbose"
			},
			wantErr: true,
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8443" {
		t.Errorf("expected defaults for missing file, got addr %s", cfg.Server.Addr)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  addr: ":9000"
limits:
  defaults:
    connection: 50
  overrides:
    broadcast:
      connection: 10
      user: 30
      global: 500
storage:
  type: badger
  badger_dir: /tmp/memsync-test
bus:
  type: redis
  redis:
    addr: "redis:6379"
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("expected addr :9000, got %s", cfg.Server.Addr)
	}
	// Unset keys keep their defaults.
	if cfg.Server.Path != "/sync" {
		t.Errorf("expected default path, got %s", cfg.Server.Path)
	}
	if cfg.Limits.Defaults.Connection != 50 {
		t.Errorf("expected connection budget 50, got %d", cfg.Limits.Defaults.Connection)
	}
	ov, ok := cfg.Limits.Overrides["broadcast"]
	if !ok {
		t.Fatal("expected broadcast override")
	}
	if ov.User != 30 {
		t.Errorf("expected override user budget 30, got %d", ov.User)
	}
	if cfg.Storage.Type != "badger" {
		t.Errorf("expected badger storage, got %s", cfg.Storage.Type)
	}
	if cfg.Bus.Redis.Addr != "redis:6379" {
		t.Errorf("expected redis addr redis:6379, got %s", cfg.Bus.Redis.Addr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Server.Addr = ":7777"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Server.Addr != ":7777" {
		t.Errorf("expected addr :7777 after round trip, got %s", loaded.Server.Addr)
	}
}
