// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed event store so a restarted
// broker can still serve replay requests for the retention window.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/r3call/memsync/storage"
)

var _ storage.EventStore = (*Store)(nil)

// Key format: replay/{userID}/{timestamp-millis, zero padded}/{eventID}
const keyPrefix = "replay/"

// Config holds BadgerDB store settings.
type Config struct {
	Dir string
	// Retention is applied as a TTL on stored events; zero disables it.
	Retention time.Duration
}

// Store implements storage.EventStore using BadgerDB.
type Store struct {
	db        *badger.DB
	retention time.Duration
}

// New opens (or creates) a BadgerDB event store at cfg.Dir.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Dir, err)
	}

	return &Store{db: db, retention: cfg.Retention}, nil
}

func eventKey(ev *storage.Event) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", keyPrefix, ev.UserID, ev.Timestamp.UnixMilli(), ev.ID))
}

func userPrefix(userID string) []byte {
	return []byte(keyPrefix + userID + "/")
}

// Append stores an event under its owning user.
func (s *Store) Append(_ context.Context, ev *storage.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(eventKey(ev), data)
		if s.retention > 0 {
			e = e.WithTTL(s.retention)
		}
		return txn.SetEntry(e)
	})
}

// Range returns events for a user at or after since, ordered by
// timestamp. Key layout keeps badger iteration order equal to
// timestamp order.
func (s *Store) Range(_ context.Context, userID string, since time.Time) ([]*storage.Event, error) {
	var events []*storage.Event

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = userPrefix(userID)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := fmt.Sprintf("%s%s/%020d/", keyPrefix, userID, since.UnixMilli())
		for it.Seek([]byte(start)); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ev storage.Event
				if err := json.Unmarshal(val, &ev); err != nil {
					return fmt.Errorf("unmarshal event: %w", err)
				}
				events = append(events, &ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return events, nil
}

// Users returns all user IDs with stored events.
func (s *Store) Users(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, keyPrefix)
			// userID is everything before the timestamp segment
			if idx := strings.LastIndex(rest, "/"); idx > 0 {
				rest = rest[:idx]
			}
			if idx := strings.LastIndex(rest, "/"); idx > 0 {
				rest = rest[:idx]
			}
			seen[rest] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	return users, nil
}

// Trim removes events older than the given time for a user.
func (s *Store) Trim(_ context.Context, userID string, before time.Time) error {
	var stale [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = userPrefix(userID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		end := fmt.Sprintf("%s%s/%020d/", keyPrefix, userID, before.UnixMilli())
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= end {
				break
			}
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
