// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package replay_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3call/memsync/replay"
	"github.com/r3call/memsync/storage"
	"github.com/r3call/memsync/storage/memory"
)

func testConfig() replay.Config {
	cfg := replay.DefaultConfig()
	cfg.SweepInterval = time.Hour // keep housekeeping out of tests
	return cfg
}

func newLog(t *testing.T, cfg replay.Config, store storage.EventStore) *replay.Log {
	t.Helper()
	l := replay.New(cfg, store, nil)
	t.Cleanup(l.Stop)
	return l
}

func makeEvent(userID string, n int, ts time.Time) *storage.Event {
	return &storage.Event{
		ID:        fmt.Sprintf("e%d", n),
		Channel:   "memory.created",
		Payload:   fmt.Appendf(nil, `{"seq":%d}`, n),
		UserID:    userID,
		Category:  "memory",
		Priority:  storage.PriorityNormal,
		Timestamp: ts,
	}
}

func TestReplayRoundTrip(t *testing.T) {
	l := newLog(t, testConfig(), nil)

	base := time.Now().Add(-time.Minute)
	for i := 1; i <= 5; i++ {
		l.Append(makeEvent("u1", i, base.Add(time.Duration(i)*time.Second)))
	}

	events, truncated := l.Replay("u1", base, replay.Filters{})
	require.False(t, truncated)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("e%d", i+1), ev.ID)
	}

	// since is inclusive: replaying from e1's timestamp returns e1.
	events, _ = l.Replay("u1", base.Add(time.Second), replay.Filters{})
	require.Len(t, events, 5)
	assert.Equal(t, "e1", events[0].ID)

	// A fresh call with the same since yields the same result set.
	again, _ := l.Replay("u1", base.Add(time.Second), replay.Filters{})
	require.Len(t, again, 5)
}

func TestCapacityEviction(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 3
	l := newLog(t, cfg, nil)

	base := time.Now().Add(-time.Minute)
	for i := 1; i <= 5; i++ {
		l.Append(makeEvent("u1", i, base.Add(time.Duration(i)*time.Second)))
	}

	events, _ := l.Replay("u1", base, replay.Filters{})
	require.Len(t, events, 3)
	// FIFO: the oldest two are gone, the most recent three remain.
	assert.Equal(t, "e3", events[0].ID)
	assert.Equal(t, "e5", events[2].ID)
}

func TestEvictionIgnoresPriority(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 2
	l := newLog(t, cfg, nil)

	base := time.Now().Add(-time.Minute)
	old := makeEvent("u1", 1, base)
	old.Priority = storage.PriorityHigh
	l.Append(old)
	for i := 2; i <= 3; i++ {
		ev := makeEvent("u1", i, base.Add(time.Duration(i)*time.Second))
		ev.Priority = storage.PriorityLow
		l.Append(ev)
	}

	// The old high-priority event was evicted before the newer low ones.
	events, _ := l.Replay("u1", base, replay.Filters{})
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].ID)
	assert.Equal(t, "e3", events[1].ID)
}

func TestRetentionEviction(t *testing.T) {
	cfg := testConfig()
	cfg.Retention = time.Minute
	cfg.MaxRange = time.Hour
	l := newLog(t, cfg, nil)

	stale := makeEvent("u1", 1, time.Now().Add(-2*time.Minute))
	l.Append(stale)
	fresh := makeEvent("u1", 2, time.Now())
	l.Append(fresh)

	events, _ := l.Replay("u1", time.Now().Add(-30*time.Minute), replay.Filters{})
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)
}

func TestFilters(t *testing.T) {
	l := newLog(t, testConfig(), nil)

	base := time.Now().Add(-time.Minute)
	for i := 1; i <= 6; i++ {
		ev := makeEvent("u1", i, base.Add(time.Duration(i)*time.Second))
		if i%2 == 0 {
			ev.Category = "task"
		}
		if i == 3 {
			ev.Priority = storage.PriorityHigh
		}
		l.Append(ev)
	}

	events, _ := l.Replay("u1", base, replay.Filters{Categories: []string{"task"}})
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "task", ev.Category)
	}

	high := storage.PriorityHigh
	events, _ = l.Replay("u1", base, replay.Filters{Priority: &high})
	require.Len(t, events, 1)
	assert.Equal(t, "e3", events[0].ID)

	events, truncated := l.Replay("u1", base, replay.Filters{Limit: 2})
	require.Len(t, events, 2)
	assert.True(t, truncated)
	assert.Equal(t, "e1", events[0].ID)
}

func TestRangeClamp(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRange = time.Minute
	l := newLog(t, cfg, nil)

	l.Append(makeEvent("u1", 1, time.Now()))

	// Asking for more than the allowed window truncates, not fails.
	events, truncated := l.Replay("u1", time.Now().Add(-time.Hour), replay.Filters{})
	assert.True(t, truncated)
	assert.Len(t, events, 1)
}

func TestCompressionTransparent(t *testing.T) {
	l := newLog(t, testConfig(), nil)

	big := bytes.Repeat([]byte("memory payload "), 1000) // compressible, > zstd threshold
	mid := bytes.Repeat([]byte("abc"), 200)              // s2 range
	for i, payload := range [][]byte{big, mid} {
		ev := makeEvent("u1", i+1, time.Now().Add(time.Duration(i)*time.Millisecond))
		ev.Payload = payload
		l.Append(ev)
	}

	events, _ := l.Replay("u1", time.Now().Add(-time.Minute), replay.Filters{})
	require.Len(t, events, 2)
	assert.Equal(t, big, events[0].Payload)
	assert.Equal(t, mid, events[1].Payload)
}

func TestUnknownUserReplayIsEmpty(t *testing.T) {
	l := newLog(t, testConfig(), nil)
	events, truncated := l.Replay("nobody", time.Now().Add(-time.Minute), replay.Filters{})
	assert.Empty(t, events)
	assert.False(t, truncated)
}

func TestConcurrentAppendAndReplay(t *testing.T) {
	l := newLog(t, testConfig(), nil)

	base := time.Now().Add(-time.Minute)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			l.Append(makeEvent("u1", i, base.Add(time.Duration(i)*time.Millisecond)))
		}
	}()
	go func() {
		defer wg.Done()
		for range 100 {
			events, _ := l.Replay("u1", base, replay.Filters{})
			// The snapshot must be internally ordered without gaps.
			for j := 1; j < len(events); j++ {
				assert.False(t, events[j].Timestamp.Before(events[j-1].Timestamp))
			}
		}
	}()
	wg.Wait()

	events, _ := l.Replay("u1", base, replay.Filters{})
	assert.Len(t, events, 500)
}

func TestStoreWriteThroughAndRestore(t *testing.T) {
	store := memory.New()
	cfg := testConfig()
	l := newLog(t, cfg, store)

	base := time.Now().Add(-time.Minute)
	for i := 1; i <= 3; i++ {
		l.Append(makeEvent("u1", i, base.Add(time.Duration(i)*time.Second)))
	}

	stored, err := store.Range(context.Background(), "u1", base)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	// A fresh log restores the retention window from the store.
	restored := newLog(t, cfg, store)
	require.NoError(t, restored.Restore(context.Background()))

	events, _ := restored.Replay("u1", base, replay.Filters{})
	require.Len(t, events, 3)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, 3, restored.Depth("u1"))
}
