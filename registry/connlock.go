// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"hash/fnv"
	"sync"
)

// connLock serializes lifecycle transitions (register, deregister,
// drain) per connection without keeping a lock object for every live
// connection. Connection IDs are UUIDs, so an fnv hash spreads them
// evenly over a small fixed shard set; lifecycle events are rare next
// to fan-out traffic, so 64 shards keep cross-connection contention
// negligible at the connection counts one instance carries.
type connLock struct {
	shards [64]sync.Mutex
}

func (l *connLock) Lock(connID string) {
	l.shards[l.shard(connID)].Lock()
}

func (l *connLock) Unlock(connID string) {
	l.shards[l.shard(connID)].Unlock()
}

func (l *connLock) shard(connID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return h.Sum32() % uint32(len(l.shards))
}
