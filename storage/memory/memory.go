// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory event store, used in tests and
// when persistence is disabled.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/r3call/memsync/storage"
)

var _ storage.EventStore = (*Store)(nil)

// Store is an in-memory implementation of storage.EventStore.
type Store struct {
	mu     sync.RWMutex
	events map[string][]*storage.Event // userID -> events ordered by timestamp
}

// New creates an empty in-memory event store.
func New() *Store {
	return &Store{
		events: make(map[string][]*storage.Event),
	}
}

// Append stores an event under its owning user.
func (s *Store) Append(_ context.Context, ev *storage.Event) error {
	cp := *ev

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.UserID] = append(s.events[ev.UserID], &cp)
	return nil
}

// Range returns events for a user at or after since, ordered by timestamp.
func (s *Store) Range(_ context.Context, userID string, since time.Time) ([]*storage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[userID]
	out := make([]*storage.Event, 0, len(evs))
	for _, ev := range evs {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Users returns all user IDs with stored events.
func (s *Store) Users(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.events))
	for id := range s.events {
		users = append(users, id)
	}
	return users, nil
}

// Trim removes events older than the given time for a user.
func (s *Store) Trim(_ context.Context, userID string, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := s.events[userID]
	kept := evs[:0]
	for _, ev := range evs {
		if !ev.Timestamp.Before(before) {
			kept = append(kept, ev)
		}
	}
	if len(kept) == 0 {
		delete(s.events, userID)
		return nil
	}
	s.events[userID] = kept
	return nil
}

// Close releases the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string][]*storage.Event)
	return nil
}
