// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/r3call/memsync/broker"
	"github.com/r3call/memsync/bus"
	"github.com/r3call/memsync/config"
	"github.com/r3call/memsync/ratelimit"
	"github.com/r3call/memsync/registry"
	"github.com/r3call/memsync/replay"
	"github.com/r3call/memsync/server/websocket"
	"github.com/r3call/memsync/storage"
	badgerstore "github.com/r3call/memsync/storage/badger"
	"github.com/r3call/memsync/storage/memory"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	slog.Info("Starting event broker",
		"node_id", nodeID,
		"ws_listener", cfg.Server.Addr,
		"ws_path", cfg.Server.Path,
		"storage", cfg.Storage.Type,
		"bus", cfg.Bus.Type,
		"log_level", cfg.Log.Level)

	var store storage.EventStore
	switch cfg.Storage.Type {
	case "none":
		slog.Info("Replay persistence disabled")
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory event store")
	case "badger":
		badgerStore, err := badgerstore.New(badgerstore.Config{
			Dir:       cfg.Storage.BadgerDir,
			Retention: cfg.Replay.Retention,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB event store", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		defer store.Close()
		slog.Info("Using BadgerDB persistent event store", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}

	var eventBus bus.Bus
	switch cfg.Bus.Type {
	case "redis":
		eventBus = bus.NewRedis(cfg.Bus.Redis, nodeID, logger)
		slog.Info("Running with Redis bus",
			"addr", cfg.Bus.Redis.Addr,
			"channel", cfg.Bus.Redis.Channel)
	default:
		eventBus = bus.NewNoop()
		slog.Info("Running in single-node mode")
	}

	reg := registry.New(cfg.Registry, logger)

	var limiter *ratelimit.Limiter
	var throttle *ratelimit.ConnectThrottle
	if cfg.Limits.Enabled {
		limiter = ratelimit.New(cfg.Limits)
		throttle = ratelimit.NewConnectThrottle(cfg.Limits.Connect)
		slog.Info("Rate limiting enabled",
			slog.Duration("window", cfg.Limits.Window),
			slog.Int("connection_budget", cfg.Limits.Defaults.Connection),
			slog.Int("user_budget", cfg.Limits.Defaults.User),
			slog.Int("global_budget", cfg.Limits.Defaults.Global))
	} else {
		slog.Info("Rate limiting disabled")
	}

	var replayLog *replay.Log
	if cfg.Replay.Enabled {
		replayLog = replay.New(cfg.Replay, store, logger)
		if err := replayLog.Restore(context.Background()); err != nil {
			slog.Error("Failed to restore replay buffers", "error", err)
			os.Exit(1)
		}
		slog.Info("Replay log enabled",
			slog.Int("capacity", cfg.Replay.Capacity),
			slog.Duration("retention", cfg.Replay.Retention),
			slog.Int("restored_buffers", replayLog.BufferCount()))
	} else {
		slog.Info("Replay log disabled")
	}

	caps := broker.Capabilities{
		Replay:      cfg.Replay.Enabled,
		Patterns:    true,
		RateLimit:   cfg.Limits.Enabled,
		Compression: cfg.Replay.Enabled && cfg.Replay.CompressMin > 0,
	}

	b, err := broker.New(cfg.Broker, reg, limiter, throttle, replayLog, eventBus, caps, logger)
	if err != nil {
		slog.Error("Failed to start broker", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsServer := websocket.New(cfg.Server, b, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := wsServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	slog.Info("Event broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	b.Shutdown(shutdownCtx)

	slog.Info("Event broker stopped")
}
