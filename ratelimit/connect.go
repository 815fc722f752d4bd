// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnectConfig holds per-remote connection-establishment throttling.
type ConnectConfig struct {
	Enabled bool          `yaml:"enabled"`
	Rate    float64       `yaml:"rate"`  // connection attempts per second per remote
	Burst   int           `yaml:"burst"` // burst allowance
	Cleanup time.Duration `yaml:"cleanup_interval"`
}

// DefaultConnectConfig returns sensible connect-throttle defaults.
func DefaultConnectConfig() ConnectConfig {
	return ConnectConfig{
		Enabled: true,
		Rate:    100.0 / 60.0, // 100 attempts per minute per remote
		Burst:   20,
		Cleanup: 5 * time.Minute,
	}
}

type remoteEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectThrottle limits connection-establishment attempts per remote
// address ahead of the message-level tiers. Token bucket, lazily
// created per remote, stale entries cleaned up periodically.
type ConnectThrottle struct {
	mu       sync.Mutex
	remotes  map[string]*remoteEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	disabled bool

	stopCh  chan struct{}
	stopped sync.Once
}

// NewConnectThrottle creates a connect throttle and starts its cleanup
// loop.
func NewConnectThrottle(cfg ConnectConfig) *ConnectThrottle {
	t := &ConnectThrottle{
		remotes:  make(map[string]*remoteEntry),
		rate:     rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		cleanup:  cfg.Cleanup,
		disabled: !cfg.Enabled,
		stopCh:   make(chan struct{}),
	}
	if t.cleanup <= 0 {
		t.cleanup = 5 * time.Minute
	}
	if !t.disabled {
		go t.cleanupLoop()
	}
	return t
}

// Allow reports whether a connection attempt from remote is admitted.
func (t *ConnectThrottle) Allow(remote string) bool {
	if t.disabled || remote == "" {
		return true
	}

	t.mu.Lock()
	entry, ok := t.remotes[remote]
	if !ok {
		entry = &remoteEntry{
			limiter:  rate.NewLimiter(t.rate, t.burst),
			lastSeen: time.Now(),
		}
		t.remotes[remote] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	t.mu.Unlock()

	return limiter.Allow()
}

func (t *ConnectThrottle) cleanupLoop() {
	ticker := time.NewTicker(t.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.removeStale()
		case <-t.stopCh:
			return
		}
	}
}

func (t *ConnectThrottle) removeStale() {
	threshold := time.Now().Add(-2 * t.cleanup)

	t.mu.Lock()
	defer t.mu.Unlock()
	for remote, entry := range t.remotes {
		if entry.lastSeen.Before(threshold) {
			delete(t.remotes, remote)
		}
	}
}

// Stop stops the cleanup goroutine.
func (t *ConnectThrottle) Stop() {
	t.stopped.Do(func() { close(t.stopCh) })
}
