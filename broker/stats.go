// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker counters. All fields are atomics; reads are
// approximate snapshots.
type Stats struct {
	startTime time.Time

	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64

	publishesLocal atomic.Uint64
	publishesPeer  atomic.Uint64
	rateLimited    atomic.Uint64

	deliveriesQueued  atomic.Uint64
	deliveriesDropped atomic.Uint64

	forwards        atomic.Uint64
	forwardFailures atomic.Uint64

	replaysServed atomic.Uint64
}

// NewStats creates a new stats collector.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
}

func (s *Stats) IncrementPublishLocal()   { s.publishesLocal.Add(1) }
func (s *Stats) IncrementPublishPeer()    { s.publishesPeer.Add(1) }
func (s *Stats) IncrementRateLimited()    { s.rateLimited.Add(1) }
func (s *Stats) AddDeliveriesQueued(n int) {
	s.deliveriesQueued.Add(uint64(n))
}
func (s *Stats) AddDeliveriesDropped(n int) {
	s.deliveriesDropped.Add(uint64(n))
}
func (s *Stats) IncrementForwards()        { s.forwards.Add(1) }
func (s *Stats) IncrementForwardFailures() { s.forwardFailures.Add(1) }
func (s *Stats) IncrementReplaysServed()   { s.replaysServed.Add(1) }

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Uptime             time.Duration
	TotalConnections   uint64
	CurrentConnections uint64
	PublishesLocal     uint64
	PublishesPeer      uint64
	RateLimited        uint64
	DeliveriesQueued   uint64
	DeliveriesDropped  uint64
	Forwards           uint64
	ForwardFailures    uint64
	ReplaysServed      uint64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:             time.Since(s.startTime),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
		PublishesLocal:     s.publishesLocal.Load(),
		PublishesPeer:      s.publishesPeer.Load(),
		RateLimited:        s.rateLimited.Load(),
		DeliveriesQueued:   s.deliveriesQueued.Load(),
		DeliveriesDropped:  s.deliveriesDropped.Load(),
		Forwards:           s.forwards.Load(),
		ForwardFailures:    s.forwardFailures.Load(),
		ReplaysServed:      s.replaysServed.Load(),
	}
}
