// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/r3call/memsync/storage"
)

// Frame is one outbound message with its delivery priority.
type Frame struct {
	Payload  []byte
	Priority storage.Priority
}

// sendQueue is the bounded outbound queue in front of a connection's
// send channel. A dedicated writer goroutine forwards frames with a
// per-attempt timeout, so one slow consumer never blocks a publisher.
// When the queue is full, low/normal frames are dropped and counted;
// a high-priority frame may displace the oldest queued low-priority
// frame instead.
type sendQueue struct {
	sender      Sender
	capacity    int
	sendTimeout time.Duration

	mu      sync.Mutex
	entries []Frame
	closed  bool
	abort   bool

	notify    chan struct{}
	space     chan struct{}
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64

	closeSender sync.Once
	done        chan struct{}
}

func newSendQueue(sender Sender, capacity int, sendTimeout time.Duration) *sendQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	q := &sendQueue{
		sender:      sender,
		capacity:    capacity,
		sendTimeout: sendTimeout,
		notify:      make(chan struct{}, 1),
		space:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue queues a frame for delivery. It never blocks: the frame is
// either queued, dropped (return value false), or rejected with
// ErrChannelUnavailable when the queue is closed.
func (q *sendQueue) Enqueue(fr Frame) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrChannelUnavailable
	}

	if len(q.entries) < q.capacity {
		q.entries = append(q.entries, fr)
		q.mu.Unlock()
		q.wake()
		return true, nil
	}

	// Queue full. A high-priority frame displaces the oldest queued
	// low-priority one; everything else is dropped.
	if fr.Priority == storage.PriorityHigh {
		for i, e := range q.entries {
			if e.Priority == storage.PriorityLow {
				copy(q.entries[i:], q.entries[i+1:])
				q.entries[len(q.entries)-1] = fr
				q.mu.Unlock()
				q.dropped.Add(1) // the displaced frame
				q.wake()
				return true, nil
			}
		}
	}

	q.mu.Unlock()
	q.dropped.Add(1)
	return false, nil
}

// EnqueueWait queues a frame, blocking while the queue is full until the
// writer frees a slot, the queue closes or ctx is done. Request/response
// paths use it to pace sends against drainage instead of dropping.
func (q *sendQueue) EnqueueWait(ctx context.Context, fr Frame) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrChannelUnavailable
		}
		if len(q.entries) < q.capacity {
			q.entries = append(q.entries, fr)
			q.mu.Unlock()
			q.wake()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.space:
		case <-q.done:
			return ErrChannelUnavailable
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *sendQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *sendQueue) signalSpace() {
	select {
	case q.space <- struct{}{}:
	default:
	}
}

func (q *sendQueue) run() {
	defer func() {
		q.closeSender.Do(func() { _ = q.sender.Close() })
		close(q.done)
	}()

	for {
		q.mu.Lock()
		if q.abort {
			q.mu.Unlock()
			return
		}
		if len(q.entries) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.notify
			continue
		}
		fr := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()
		q.signalSpace()

		ctx, cancel := context.WithTimeout(context.Background(), q.sendTimeout)
		err := q.sender.Send(ctx, fr.Payload)
		cancel()
		if err != nil {
			q.failed.Add(1)
			continue
		}
		q.delivered.Add(1)
	}
}

// Drain stops accepting new frames, lets the writer flush what is
// queued and then closes the sender. Returns once flushed or the
// timeout elapsed.
func (q *sendQueue) Drain(timeout time.Duration) {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()

	select {
	case <-q.done:
	case <-time.After(timeout):
		q.Abort()
		<-q.done
	}
}

// Abort discards queued frames and tears the sender down immediately,
// cancelling any in-flight delivery attempt.
func (q *sendQueue) Abort() {
	q.mu.Lock()
	q.closed = true
	q.abort = true
	q.entries = nil
	q.mu.Unlock()
	q.wake()
	q.closeSender.Do(func() { _ = q.sender.Close() })
}

// Depth returns the number of queued frames.
func (q *sendQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns the number of frames dropped or displaced.
func (q *sendQueue) Dropped() uint64 { return q.dropped.Load() }
