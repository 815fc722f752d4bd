// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements tiered admission control for publishes.
//
// Accounting is fixed-window: each (key, message class) pair keeps a
// counter that resets once the window has elapsed. This is slightly
// burst-tolerant at window boundaries and is the documented trade-off;
// mid-window decay is intentionally not implemented.
package ratelimit

import (
	"sync"
	"time"
)

// Tier identifies an admission-control scope.
type Tier uint8

const (
	TierConnection Tier = iota
	TierUser
	TierGlobal
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierConnection:
		return "connection"
	case TierUser:
		return "user"
	default:
		return "global"
	}
}

// Limits holds per-window request budgets for the three tiers.
type Limits struct {
	Connection int `yaml:"connection"`
	User       int `yaml:"user"`
	Global     int `yaml:"global"`
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`

	// Defaults apply to message types without an override.
	Defaults Limits `yaml:"defaults"`

	// Overrides maps a message type to its own tier budgets. Each
	// override class is accounted separately from the default class.
	Overrides map[string]Limits `yaml:"overrides"`

	// SweepInterval controls garbage collection of idle windows.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Connect throttles connection establishment per remote address.
	Connect ConnectConfig `yaml:"connect"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Window:  time.Minute,
		Defaults: Limits{
			Connection: 300,
			User:       1000,
			Global:     20000,
		},
		SweepInterval: 5 * time.Minute,
		Connect:       DefaultConnectConfig(),
	}
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	// Remaining is the smallest remaining budget across tiers, or the
	// denying tier's (zero) budget when denied.
	Remaining int
	// RetryAfter is how long until the denying tier's window resets.
	// Zero when allowed.
	RetryAfter time.Duration
	// DeniedTier is the tier that denied admission. Only meaningful
	// when Allowed is false.
	DeniedTier Tier
}

type window struct {
	mu    sync.Mutex
	count int
	start time.Time
}

// Limiter tracks per-connection, per-user and global budgets. Checks
// never block. Window state is created lazily per key and swept once
// idle; each window carries its own lock so unrelated connections and
// users do not contend. A check holds the three windows' locks together
// in tier order, so a denial at any tier consumes no budget at the
// others.
type Limiter struct {
	cfg Config

	mu      sync.RWMutex // guards the windows map only
	windows map[string]*window

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a limiter and starts its housekeeping sweep.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	l := &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Check runs the tiered admission check for one request, in the fixed
// order connection, user, global. The first denying tier short-circuits
// and nothing is charged; on admission all three counters increment.
func (l *Limiter) Check(connID, userID, messageType string) Decision {
	if !l.cfg.Enabled {
		return Decision{Allowed: true, Remaining: -1}
	}

	limits := l.cfg.Defaults
	class := "default"
	if o, ok := l.cfg.Overrides[messageType]; ok {
		limits = o
		class = messageType
	}

	now := time.Now()

	checks := []struct {
		tier  Tier
		key   string
		limit int
	}{
		{TierConnection, "c/" + connID + "/" + class, limits.Connection},
		{TierUser, "u/" + userID + "/" + class, limits.User},
		{TierGlobal, "g/" + class, limits.Global},
	}

	// Lock all three windows in tier order so the admit decision and
	// the counter increments are atomic across tiers.
	remaining := -1
	wins := make([]*window, 0, len(checks))
	defer func() {
		for _, w := range wins {
			w.mu.Unlock()
		}
	}()

	for _, c := range checks {
		if c.limit <= 0 {
			continue // tier disabled
		}
		w := l.window(c.key, now)
		w.mu.Lock()
		wins = append(wins, w)
		if now.Sub(w.start) >= l.cfg.Window {
			w.count = 0
			w.start = now
		}
		if w.count >= c.limit {
			return Decision{
				Allowed:    false,
				Remaining:  0,
				RetryAfter: w.start.Add(l.cfg.Window).Sub(now),
				DeniedTier: c.tier,
			}
		}
		if left := c.limit - w.count - 1; remaining < 0 || left < remaining {
			remaining = left
		}
	}

	for _, w := range wins {
		w.count++
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// window returns the state for key, creating it lazily.
func (l *Limiter) window(key string, now time.Time) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{start: now}
	l.windows[key] = w
	return w
}

// WindowState is a read-only view of one tracked window.
type WindowState struct {
	Key         string
	Count       int
	WindowStart time.Time
}

// Snapshot returns the current state of all tracked windows, for
// operational introspection.
func (l *Limiter) Snapshot() []WindowState {
	l.mu.RLock()
	keys := make([]string, 0, len(l.windows))
	wins := make([]*window, 0, len(l.windows))
	for key, w := range l.windows {
		keys = append(keys, key)
		wins = append(wins, w)
	}
	l.mu.RUnlock()

	out := make([]WindowState, 0, len(wins))
	for i, w := range wins {
		w.mu.Lock()
		out = append(out, WindowState{Key: keys[i], Count: w.count, WindowStart: w.start})
		w.mu.Unlock()
	}
	return out
}

// sweepLoop garbage-collects windows that rolled past with no activity.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweep() {
	threshold := time.Now().Add(-2 * l.cfg.Window)

	// Never hold the map lock and a window lock together; checks take
	// them in the opposite order.
	l.mu.RLock()
	keys := make([]string, 0, len(l.windows))
	wins := make([]*window, 0, len(l.windows))
	for key, w := range l.windows {
		keys = append(keys, key)
		wins = append(wins, w)
	}
	l.mu.RUnlock()

	var stale []string
	for i, w := range wins {
		w.mu.Lock()
		if w.start.Before(threshold) {
			stale = append(stale, keys[i])
		}
		w.mu.Unlock()
	}
	if len(stale) == 0 {
		return
	}

	l.mu.Lock()
	for _, key := range stale {
		delete(l.windows, key)
	}
	l.mu.Unlock()
}

// Stop stops the housekeeping goroutine.
func (l *Limiter) Stop() {
	l.stopped.Do(func() { close(l.stopCh) })
}
