// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

// Package replay keeps a bounded, time-ordered event buffer per user so
// reconnecting clients can catch up on what they missed.
//
// Buffers are capacity- and age-bounded with strict FIFO eviction by
// event timestamp. Payloads are held compressed and decompressed
// transparently on replay. An optional event store persists the
// retention window across restarts.
package replay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/r3call/memsync/storage"
)

// Config holds replay log settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Capacity is the maximum events kept per user.
	Capacity int `yaml:"capacity"`

	// Retention is the age horizon; older events are evicted even when
	// capacity allows more.
	Retention time.Duration `yaml:"retention"`

	// IdleTTL destroys a user's buffer after this long with no appends,
	// no events and no connections.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// SweepInterval controls the housekeeping loop.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxRange caps how far back a replay request may reach. Requests
	// beyond it are clamped and flagged truncated.
	MaxRange time.Duration `yaml:"max_range"`

	// MaxResults caps events returned by a single replay call.
	MaxResults int `yaml:"max_results"`

	// CompressMin is the smallest payload size worth compressing.
	CompressMin int `yaml:"compress_min"`
}

// DefaultConfig returns sensible replay defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Capacity:      10000,
		Retention:     24 * time.Hour,
		IdleTTL:       time.Hour,
		SweepInterval: time.Minute,
		MaxRange:      24 * time.Hour,
		MaxResults:    1000,
		CompressMin:   256,
	}
}

// Filters narrows a replay request.
type Filters struct {
	Categories []string
	Priority   *storage.Priority
	Limit      int
}

// entry is one buffered event with its payload possibly compressed.
// Entries are immutable once appended.
type entry struct {
	id        string
	channel   string
	category  string
	priority  storage.Priority
	timestamp time.Time
	payload   []byte
	codec     codecKind
}

type buffer struct {
	mu         sync.Mutex
	entries    []*entry
	lastActive time.Time
}

// Log is the replay log. Each user's buffer has a single writer path
// (append/evict under the per-user lock); replays copy a snapshot of
// the entry slice under the same lock and decompress outside it.
type Log struct {
	cfg    Config
	store  storage.EventStore // nil when persistence is disabled
	logger *slog.Logger

	mu      sync.RWMutex // guards the buffers map only
	buffers map[string]*buffer

	// hasConns reports whether a user currently has live connections;
	// idle buffers are only destroyed when it returns false.
	hasConns func(userID string) bool

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a replay log and starts its housekeeping sweep. store may
// be nil to disable persistence.
func New(cfg Config, store storage.EventStore, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 1000
	}
	if cfg.CompressMin <= 0 {
		cfg.CompressMin = 256
	}

	l := &Log{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		buffers: make(map[string]*buffer),
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// SetConnectionCheck wires the registry's liveness check used by idle
// buffer destruction.
func (l *Log) SetConnectionCheck(fn func(userID string) bool) {
	l.hasConns = fn
}

// Append adds an event to its owner's buffer, evicting from the head
// when capacity or age bounds are exceeded. O(1) amortized.
func (l *Log) Append(ev *storage.Event) {
	if !l.cfg.Enabled || ev.UserID == "" {
		return
	}

	payload, codec := compress(ev.Payload, l.cfg.CompressMin)
	e := &entry{
		id:        ev.ID,
		channel:   ev.Channel,
		category:  ev.Category,
		priority:  ev.Priority,
		timestamp: ev.Timestamp,
		payload:   payload,
		codec:     codec,
	}

	b := l.buffer(ev.UserID)
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.lastActive = time.Now()
	l.evictLocked(b)
	b.mu.Unlock()

	if l.store != nil {
		if err := l.store.Append(context.Background(), ev); err != nil {
			l.logger.Warn("replay_store_append_failed",
				slog.String("user_id", ev.UserID),
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()))
		}
	}
}

// Replay returns the user's buffered events with Timestamp >= since, in
// append order, filtered and capped. The returned truncated flag is set
// when the request exceeded the configured range or result limits. A
// replay observes a consistent snapshot of the buffer as of call time.
func (l *Log) Replay(userID string, since time.Time, f Filters) ([]*storage.Event, bool) {
	if !l.cfg.Enabled {
		return nil, false
	}

	truncated := false
	if l.cfg.MaxRange > 0 {
		if horizon := time.Now().Add(-l.cfg.MaxRange); since.Before(horizon) {
			since = horizon
			truncated = true
		}
	}

	limit := l.cfg.MaxResults
	if f.Limit > 0 && f.Limit < limit {
		limit = f.Limit
	}

	l.mu.RLock()
	b, ok := l.buffers[userID]
	l.mu.RUnlock()
	if !ok {
		return nil, truncated
	}

	b.mu.Lock()
	snapshot := make([]*entry, len(b.entries))
	copy(snapshot, b.entries)
	b.mu.Unlock()

	var cats map[string]struct{}
	if len(f.Categories) > 0 {
		cats = make(map[string]struct{}, len(f.Categories))
		for _, c := range f.Categories {
			cats[c] = struct{}{}
		}
	}

	events := make([]*storage.Event, 0, min(limit, len(snapshot)))
	for _, e := range snapshot {
		if e.timestamp.Before(since) {
			continue
		}
		if cats != nil {
			if _, ok := cats[e.category]; !ok {
				continue
			}
		}
		if f.Priority != nil && e.priority != *f.Priority {
			continue
		}
		if len(events) >= limit {
			truncated = true
			break
		}

		payload, err := decompress(e.payload, e.codec)
		if err != nil {
			l.logger.Error("replay_decompress_failed",
				slog.String("user_id", userID),
				slog.String("event_id", e.id),
				slog.String("error", err.Error()))
			continue
		}
		events = append(events, &storage.Event{
			ID:        e.id,
			Channel:   e.channel,
			Payload:   payload,
			UserID:    userID,
			Category:  e.category,
			Priority:  e.priority,
			Timestamp: e.timestamp,
		})
	}
	return events, truncated
}

// Restore reloads the retention window from the event store after a
// restart. Only the most recent Capacity events per user survive.
func (l *Log) Restore(ctx context.Context) error {
	if l.store == nil || !l.cfg.Enabled {
		return nil
	}

	users, err := l.store.Users(ctx)
	if err != nil {
		return err
	}

	since := time.Now().Add(-l.cfg.Retention)
	for _, userID := range users {
		events, err := l.store.Range(ctx, userID, since)
		if err != nil {
			l.logger.Warn("replay_restore_failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
			continue
		}
		if len(events) > l.cfg.Capacity {
			events = events[len(events)-l.cfg.Capacity:]
		}

		b := l.buffer(userID)
		b.mu.Lock()
		for _, ev := range events {
			payload, codec := compress(ev.Payload, l.cfg.CompressMin)
			b.entries = append(b.entries, &entry{
				id:        ev.ID,
				channel:   ev.Channel,
				category:  ev.Category,
				priority:  ev.Priority,
				timestamp: ev.Timestamp,
				payload:   payload,
				codec:     codec,
			})
		}
		b.lastActive = time.Now()
		b.mu.Unlock()
	}

	l.logger.Info("replay_restored", slog.Int("users", len(users)))
	return nil
}

// Depth returns the buffered event count for a user.
func (l *Log) Depth(userID string) int {
	l.mu.RLock()
	b, ok := l.buffers[userID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// BufferCount returns the number of live per-user buffers.
func (l *Log) BufferCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buffers)
}

// Stop stops the housekeeping goroutine.
func (l *Log) Stop() {
	l.stopped.Do(func() { close(l.stopCh) })
}

// buffer returns the user's buffer, creating it lazily.
func (l *Log) buffer(userID string) *buffer {
	l.mu.RLock()
	b, ok := l.buffers[userID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buffers[userID]; ok {
		return b
	}
	b = &buffer{lastActive: time.Now()}
	l.buffers[userID] = b
	return b
}

// evictLocked trims the head of the buffer to the capacity and age
// bounds. Strict FIFO by timestamp, never by priority. Caller holds
// b.mu.
func (l *Log) evictLocked(b *buffer) {
	drop := 0
	if excess := len(b.entries) - l.cfg.Capacity; excess > 0 {
		drop = excess
	}
	if l.cfg.Retention > 0 {
		horizon := time.Now().Add(-l.cfg.Retention)
		for drop < len(b.entries) && b.entries[drop].timestamp.Before(horizon) {
			drop++
		}
	}
	if drop == 0 {
		return
	}
	// Copy instead of reslicing so evicted entries are freed.
	kept := make([]*entry, len(b.entries)-drop)
	copy(kept, b.entries[drop:])
	b.entries = kept
}

func (l *Log) sweepLoop() {
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

// sweep evicts aged entries, destroys idle buffers and trims the
// persistent store to the retention horizon.
func (l *Log) sweep() {
	l.mu.RLock()
	users := make([]string, 0, len(l.buffers))
	bufs := make([]*buffer, 0, len(l.buffers))
	for userID, b := range l.buffers {
		users = append(users, userID)
		bufs = append(bufs, b)
	}
	l.mu.RUnlock()

	now := time.Now()
	var idle []string
	for i, b := range bufs {
		b.mu.Lock()
		l.evictLocked(b)
		empty := len(b.entries) == 0
		idleFor := now.Sub(b.lastActive)
		b.mu.Unlock()

		if empty && l.cfg.IdleTTL > 0 && idleFor >= l.cfg.IdleTTL {
			if l.hasConns == nil || !l.hasConns(users[i]) {
				idle = append(idle, users[i])
			}
		}

		if l.store != nil && l.cfg.Retention > 0 {
			if err := l.store.Trim(context.Background(), users[i], now.Add(-l.cfg.Retention)); err != nil {
				l.logger.Warn("replay_store_trim_failed",
					slog.String("user_id", users[i]),
					slog.String("error", err.Error()))
			}
		}
	}

	if len(idle) == 0 {
		return
	}
	l.mu.Lock()
	for _, userID := range idle {
		delete(l.buffers, userID)
	}
	l.mu.Unlock()
}
