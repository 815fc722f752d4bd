// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the broker's event model and the persistent
// event store interface backing the replay log.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("storage: not found")

// Priority is the delivery priority of an event.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ParsePriority parses a priority name. An empty string maps to normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Event is a single published event. Events are immutable once appended
// to the replay log.
type Event struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Payload   []byte    `json:"payload,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Category  string    `json:"category,omitempty"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`

	// PeerOrigin marks events that arrived via the cross-instance bus.
	// Peer-originated events are pre-admitted and never re-forwarded.
	PeerOrigin bool `json:"-"`
}

// EventStore persists replay-window events across restarts. The replay
// log writes through to the store and reloads from it on startup;
// everything older than the retention horizon is trimmed.
type EventStore interface {
	// Append stores an event under its owning user.
	Append(ctx context.Context, ev *Event) error

	// Range returns all stored events for a user with
	// Timestamp >= since, ordered by timestamp ascending.
	Range(ctx context.Context, userID string, since time.Time) ([]*Event, error)

	// Users returns the IDs of all users with stored events.
	Users(ctx context.Context) ([]string, error)

	// Trim removes events for a user older than the given time.
	Trim(ctx context.Context, userID string, before time.Time) error

	// Close releases the store.
	Close() error
}
