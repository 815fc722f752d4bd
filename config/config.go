// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the broker's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/r3call/memsync/broker"
	"github.com/r3call/memsync/bus"
	"github.com/r3call/memsync/ratelimit"
	"github.com/r3call/memsync/registry"
	"github.com/r3call/memsync/replay"
)

// Config holds all configuration for the event broker.
type Config struct {
	Node     NodeConfig       `yaml:"node"`
	Server   ServerConfig     `yaml:"server"`
	Broker   broker.Config    `yaml:"broker"`
	Registry registry.Config  `yaml:"registry"`
	Limits   ratelimit.Config `yaml:"limits"`
	Replay   replay.Config    `yaml:"replay"`
	Storage  StorageConfig    `yaml:"storage"`
	Bus      BusConfig        `yaml:"bus"`
	Log      LogConfig        `yaml:"log"`
}

// NodeConfig identifies this broker instance.
type NodeConfig struct {
	// ID distinguishes instances on the shared bus. Empty means a random
	// ID is generated at startup.
	ID string `yaml:"id"`
}

// ServerConfig holds the WebSocket listener configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Path            string        `yaml:"path"`
	ReadLimit       int64         `yaml:"read_limit"` // max inbound frame size in bytes
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds replay persistence configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // none, memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// BusConfig holds cross-instance bus configuration.
type BusConfig struct {
	Type  string          `yaml:"type"` // noop, redis
	Redis bus.RedisConfig `yaml:"redis"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8443",
			Path:            "/sync",
			ReadLimit:       1024 * 1024, // 1MB
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Broker:   broker.Config{Workers: 0},
		Registry: registry.DefaultConfig(),
		Limits:   ratelimit.DefaultConfig(),
		Replay:   replay.DefaultConfig(),
		Storage: StorageConfig{
			Type:      "none",
			BadgerDir: "/tmp/memsync/data",
		},
		Bus: BusConfig{
			Type:  "noop",
			Redis: bus.DefaultRedisConfig(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Server.Path == "" {
		return fmt.Errorf("server.path cannot be empty")
	}
	if c.Server.ReadLimit < 1024 {
		return fmt.Errorf("server.read_limit must be at least 1KB")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be positive")
	}
	if c.Server.PongTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout must exceed server.ping_interval")
	}

	if c.Registry.QueueCapacity < 1 {
		return fmt.Errorf("registry.queue_capacity must be at least 1")
	}
	if c.Registry.SendTimeout < time.Millisecond {
		return fmt.Errorf("registry.send_timeout must be at least 1ms")
	}

	if c.Limits.Enabled {
		if c.Limits.Window < time.Second {
			return fmt.Errorf("limits.window must be at least 1 second")
		}
		if err := validateLimits("limits.defaults", c.Limits.Defaults); err != nil {
			return err
		}
		for class, l := range c.Limits.Overrides {
			if err := validateLimits("limits.overrides."+class, l); err != nil {
				return err
			}
		}
	}

	if c.Replay.Enabled {
		if c.Replay.Capacity < 1 {
			return fmt.Errorf("replay.capacity must be at least 1")
		}
		if c.Replay.Retention < time.Minute {
			return fmt.Errorf("replay.retention must be at least 1 minute")
		}
		if c.Replay.MaxResults < 1 {
			return fmt.Errorf("replay.max_results must be at least 1")
		}
	}

	validStorage := map[string]bool{"none": true, "memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: none, memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	validBus := map[string]bool{"noop": true, "redis": true}
	if !validBus[c.Bus.Type] {
		return fmt.Errorf("bus.type must be one of: noop, redis")
	}
	if c.Bus.Type == "redis" && c.Bus.Redis.Addr == "" {
		return fmt.Errorf("bus.redis.addr required when type is redis")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

func validateLimits(prefix string, l ratelimit.Limits) error {
	if l.Connection < 0 || l.User < 0 || l.Global < 0 {
		return fmt.Errorf("%s budgets cannot be negative", prefix)
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
