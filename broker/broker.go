// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

// Package broker is the distribution engine: it admits publishes
// through the rate limiter, appends them to the replay log, resolves
// matching connections through the registry and forwards to the
// cross-instance bus.
package broker

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/r3call/memsync/bus"
	"github.com/r3call/memsync/ratelimit"
	"github.com/r3call/memsync/registry"
	"github.com/r3call/memsync/replay"
)

// Config holds distribution engine settings.
type Config struct {
	// Workers sizes the peer-event fan-out pool; 0 means GOMAXPROCS.
	Workers int `yaml:"workers"`
}

// Broker is the distribution engine.
type Broker struct {
	cfg      Config
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	throttle *ratelimit.ConnectThrottle
	replay   *replay.Log
	bus      bus.Bus
	pool     *fanOutPool
	stats    *Stats
	logger   *slog.Logger
	caps     Capabilities

	closed atomic.Bool
}

// New creates the engine and registers its single peer-event callback
// on the bus.
func New(
	cfg Config,
	reg *registry.Registry,
	limiter *ratelimit.Limiter,
	throttle *ratelimit.ConnectThrottle,
	rlog *replay.Log,
	b bus.Bus,
	caps Capabilities,
	logger *slog.Logger,
) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if b == nil {
		b = bus.NewNoop()
	}

	br := &Broker{
		cfg:      cfg,
		registry: reg,
		limiter:  limiter,
		throttle: throttle,
		replay:   rlog,
		bus:      b,
		pool:     newFanOutPool(cfg.Workers),
		stats:    NewStats(),
		logger:   logger,
		caps:     caps,
	}

	if rlog != nil {
		rlog.SetConnectionCheck(reg.HasUser)
	}
	if err := b.Subscribe(context.Background(), br.onRemoteEvent); err != nil {
		br.pool.Close()
		return nil, err
	}
	return br, nil
}

// Stats returns the engine's counters.
func (b *Broker) Stats() *Stats { return b.stats }

// ConnectionCount reports the number of live connections.
func (b *Broker) ConnectionCount() int { return b.registry.Count() }

// QueueDepths reports each connection's outbound queue depth.
func (b *Broker) QueueDepths() map[string]int { return b.registry.QueueDepths() }

// RateLimitSnapshot reports the limiter's tracked windows.
func (b *Broker) RateLimitSnapshot() []ratelimit.WindowState {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Snapshot()
}

// Shutdown drains all connections and stops the engine. Safe to call
// once; subsequent publishes fail fast.
func (b *Broker) Shutdown(ctx context.Context) {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.logger.Info("broker_shutdown_started")

	b.registry.Shutdown()
	if err := b.bus.Close(); err != nil {
		b.logger.Warn("bus_close_failed", slog.String("error", err.Error()))
	}
	b.pool.Close()
	if b.replay != nil {
		b.replay.Stop()
	}
	if b.limiter != nil {
		b.limiter.Stop()
	}
	if b.throttle != nil {
		b.throttle.Stop()
	}
	b.logger.Info("broker_shutdown_complete")
}
