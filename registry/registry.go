// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

// Package registry owns the set of live connections, their
// subscriptions and their user mapping, and resolves which connections
// a channel's events should reach.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/r3call/memsync/pattern"
)

var (
	// ErrChannelUnavailable is returned for sends to a torn-down
	// connection. Callers count it; it never fails a broadcast.
	ErrChannelUnavailable = errors.New("registry: send channel unavailable")

	// ErrUnknownConnection is returned for operations on a connection
	// ID that is not registered.
	ErrUnknownConnection = errors.New("registry: unknown connection")

	// ErrDraining is returned when a draining connection receives new
	// subscriptions or messages.
	ErrDraining = errors.New("registry: connection draining")
)

// Sender is the transport-facing send half of a connection's message
// channel. The registry entry owns it exclusively for the connection's
// lifetime and releases it on deregistration.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// State is a connection's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Subscription is one registered pattern for one connection.
type Subscription struct {
	ID           string
	ConnectionID string
	Pattern      pattern.Compiled
	CreatedAt    time.Time
}

type conn struct {
	id           string
	userID       string // immutable after creation
	state        atomic.Int32
	lastActivity atomic.Int64 // unix nano

	mu   sync.Mutex
	subs []*Subscription // registration order

	queue *sendQueue
}

func (c *conn) setState(s State)  { c.state.Store(int32(s)) }
func (c *conn) getState() State   { return State(c.state.Load()) }
func (c *conn) touch()            { c.lastActivity.Store(time.Now().UnixNano()) }
func (c *conn) lastSeen() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Config holds connection registry settings.
type Config struct {
	// QueueCapacity bounds each connection's outbound queue.
	QueueCapacity int `yaml:"queue_capacity"`
	// SendTimeout bounds each delivery attempt on a send channel.
	SendTimeout time.Duration `yaml:"send_timeout"`
	// DrainTimeout bounds graceful queue flushing on shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultConfig returns sensible registry defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 256,
		SendTimeout:   5 * time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

// Registry is the live connection table. The table itself is guarded by
// one RWMutex held only for map and index mutation; per-connection
// lifecycle transitions serialize on a sharded key lock so unrelated
// connections never contend.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	locks connLock // per-connection lifecycle

	mu      sync.RWMutex
	conns   map[string]*conn
	byUser  map[string]map[string]*conn
	literal map[string]map[string]struct{} // channel -> connection IDs
	// patterns holds all non-literal subscriptions in registration
	// order; Resolve scans it with the compiled matchers.
	patterns []*Subscription
}

// New creates an empty registry.
func New(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		conns:   make(map[string]*conn),
		byUser:  make(map[string]map[string]*conn),
		literal: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection in the Connecting state, taking ownership
// of its send channel.
func (r *Registry) Register(connID, userID string, sender Sender) error {
	r.locks.Lock(connID)
	defer r.locks.Unlock(connID)

	c := &conn{
		id:     connID,
		userID: userID,
		queue:  newSendQueue(sender, r.cfg.QueueCapacity, r.cfg.SendTimeout),
	}
	c.setState(StateConnecting)
	c.touch()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[connID]; exists {
		c.queue.Abort()
		return errors.New("registry: connection ID already registered")
	}
	r.conns[connID] = c
	byUser, ok := r.byUser[userID]
	if !ok {
		byUser = make(map[string]*conn)
		r.byUser[userID] = byUser
	}
	byUser[connID] = c

	r.logger.Debug("connection_registered",
		slog.String("connection_id", connID),
		slog.String("user_id", userID))
	return nil
}

// Activate transitions a connection from Connecting to Active.
func (r *Registry) Activate(connID string) error {
	c, ok := r.get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	c.setState(StateActive)
	c.touch()
	return nil
}

// Subscribe compiles the pattern expression and registers it for the
// connection. A malformed pattern is rejected synchronously and never
// reaches the index.
func (r *Registry) Subscribe(connID, expr string) (*Subscription, error) {
	return r.subscribe(connID, expr, pattern.Compile)
}

// SubscribeLiteral registers an exact channel subscription, bypassing
// wildcard detection so channel names containing meta characters still
// match literally.
func (r *Registry) SubscribeLiteral(connID, channel string) (*Subscription, error) {
	return r.subscribe(connID, channel, pattern.CompileLiteral)
}

func (r *Registry) subscribe(connID, expr string, compile func(string) (pattern.Compiled, error)) (*Subscription, error) {
	c, ok := r.get(connID)
	if !ok {
		return nil, ErrUnknownConnection
	}
	switch c.getState() {
	case StateDraining, StateClosed:
		return nil, ErrDraining
	}

	compiled, err := compile(expr)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:           uuid.NewString(),
		ConnectionID: connID,
		Pattern:      compiled,
		CreatedAt:    time.Now(),
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.touch()

	r.mu.Lock()
	if compiled.Kind() == pattern.KindLiteral {
		channel := compiled.String()
		set, ok := r.literal[channel]
		if !ok {
			set = make(map[string]struct{})
			r.literal[channel] = set
		}
		set[connID] = struct{}{}
	} else {
		r.patterns = append(r.patterns, sub)
	}
	r.mu.Unlock()

	r.logger.Debug("subscribed",
		slog.String("connection_id", connID),
		slog.String("pattern", compiled.String()),
		slog.String("kind", compiled.Kind().String()))
	return sub, nil
}

// Unsubscribe removes all of the connection's subscriptions matching
// the expression. Unknown expressions are a no-op.
func (r *Registry) Unsubscribe(connID, expr string) error {
	c, ok := r.get(connID)
	if !ok {
		return ErrUnknownConnection
	}

	var removed []*Subscription
	c.mu.Lock()
	kept := c.subs[:0]
	for _, sub := range c.subs {
		if sub.Pattern.String() == expr {
			removed = append(removed, sub)
			continue
		}
		kept = append(kept, sub)
	}
	c.subs = kept
	c.mu.Unlock()
	c.touch()

	if len(removed) == 0 {
		return nil
	}

	r.mu.Lock()
	r.removeFromIndexLocked(removed)
	r.mu.Unlock()
	return nil
}

// removeFromIndexLocked drops subscriptions from the literal index and
// the pattern list. Caller holds r.mu.
func (r *Registry) removeFromIndexLocked(subs []*Subscription) {
	byID := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		byID[sub.ID] = struct{}{}
		if sub.Pattern.Kind() == pattern.KindLiteral {
			channel := sub.Pattern.String()
			if set, ok := r.literal[channel]; ok {
				// Only remove the connection if it holds no other
				// literal subscription for the same channel.
				if !r.hasOtherLiteralLocked(sub.ConnectionID, channel, byID) {
					delete(set, sub.ConnectionID)
					if len(set) == 0 {
						delete(r.literal, channel)
					}
				}
			}
		}
	}

	kept := r.patterns[:0]
	for _, sub := range r.patterns {
		if _, drop := byID[sub.ID]; !drop {
			kept = append(kept, sub)
		}
	}
	r.patterns = kept
}

func (r *Registry) hasOtherLiteralLocked(connID, channel string, removing map[string]struct{}) bool {
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if _, gone := removing[sub.ID]; gone {
			continue
		}
		if sub.Pattern.Kind() == pattern.KindLiteral && sub.Pattern.String() == channel {
			return true
		}
	}
	return false
}

// Resolve returns the IDs of all active connections with at least one
// subscription matching the channel. Deregistered connections are
// excluded atomically: removal from the table happens before their send
// channel is released.
func (r *Registry) Resolve(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string

	if set, ok := r.literal[channel]; ok {
		for connID := range set {
			if c, ok := r.conns[connID]; ok && c.getState() == StateActive {
				if _, dup := seen[connID]; !dup {
					seen[connID] = struct{}{}
					out = append(out, connID)
				}
			}
		}
	}

	for _, sub := range r.patterns {
		if _, dup := seen[sub.ConnectionID]; dup {
			continue
		}
		if !sub.Pattern.Matches(channel) {
			continue
		}
		if c, ok := r.conns[sub.ConnectionID]; ok && c.getState() == StateActive {
			seen[sub.ConnectionID] = struct{}{}
			out = append(out, sub.ConnectionID)
		}
	}
	return out
}

// Enqueue queues a frame on the connection's outbound queue. The bool
// result reports whether the frame was queued; false means it was
// dropped by backpressure.
func (r *Registry) Enqueue(connID string, fr Frame) (bool, error) {
	c, ok := r.get(connID)
	if !ok {
		return false, ErrChannelUnavailable
	}
	if s := c.getState(); s != StateActive && s != StateDraining {
		return false, ErrChannelUnavailable
	}
	return c.queue.Enqueue(fr)
}

// EnqueueWait queues a frame, blocking while the connection's queue is
// full until the writer drains a slot, the connection goes away or ctx
// is done. Request/response exchanges (replay) use it so responses pace
// against drainage instead of being dropped; fan-out delivery keeps
// using Enqueue.
func (r *Registry) EnqueueWait(ctx context.Context, connID string, fr Frame) error {
	c, ok := r.get(connID)
	if !ok {
		return ErrChannelUnavailable
	}
	if s := c.getState(); s != StateActive && s != StateDraining {
		return ErrChannelUnavailable
	}
	return c.queue.EnqueueWait(ctx, fr)
}

// Drain transitions a connection to Draining: no new subscriptions or
// messages, in-flight deliveries finish, then the connection closes.
func (r *Registry) Drain(connID string) {
	r.locks.Lock(connID)
	defer r.locks.Unlock(connID)

	c, ok := r.get(connID)
	if !ok {
		return
	}
	c.setState(StateDraining)
	c.queue.Drain(r.cfg.DrainTimeout)
	r.remove(c)
}

// Deregister abruptly removes a connection: all subscriptions go, the
// send channel is released, queued frames are discarded. Idempotent.
func (r *Registry) Deregister(connID string) {
	r.locks.Lock(connID)
	defer r.locks.Unlock(connID)

	c, ok := r.get(connID)
	if !ok {
		return // already removed
	}
	r.remove(c)
	c.queue.Abort()
}

// remove excludes the connection from all subsequent Resolve calls
// before its resources are released.
func (r *Registry) remove(c *conn) {
	c.setState(StateClosed)

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	r.mu.Lock()
	delete(r.conns, c.id)
	if byUser, ok := r.byUser[c.userID]; ok {
		delete(byUser, c.id)
		if len(byUser) == 0 {
			delete(r.byUser, c.userID)
		}
	}
	if len(subs) > 0 {
		r.removeFromIndexLocked(subs)
	}
	r.mu.Unlock()

	r.logger.Debug("connection_deregistered",
		slog.String("connection_id", c.id),
		slog.String("user_id", c.userID))
}

// UserOf returns the user owning a connection.
func (r *Registry) UserOf(connID string) (string, bool) {
	c, ok := r.get(connID)
	if !ok {
		return "", false
	}
	return c.userID, true
}

// HasUser reports whether the user has any live connections.
func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ConnectionsOf returns the IDs of a user's live connections.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byUser := r.byUser[userID]
	out := make([]string, 0, len(byUser))
	for connID := range byUser {
		out = append(out, connID)
	}
	return out
}

// Touch records connection activity.
func (r *Registry) Touch(connID string) {
	if c, ok := r.get(connID); ok {
		c.touch()
	}
}

// LastActivity returns the connection's last activity time.
func (r *Registry) LastActivity(connID string) (time.Time, bool) {
	c, ok := r.get(connID)
	if !ok {
		return time.Time{}, false
	}
	return c.lastSeen(), true
}

// StateOf returns the connection's lifecycle state.
func (r *Registry) StateOf(connID string) (State, bool) {
	c, ok := r.get(connID)
	if !ok {
		return StateClosed, false
	}
	return c.getState(), true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// QueueDepths returns the outbound queue depth per connection.
func (r *Registry) QueueDepths() map[string]int {
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	out := make(map[string]int, len(conns))
	for _, c := range conns {
		out[c.id] = c.queue.Depth()
	}
	return out
}

// DroppedFrames returns the total frames dropped by backpressure across
// live connections.
func (r *Registry) DroppedFrames() uint64 {
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	var total uint64
	for _, c := range conns {
		total += c.queue.Dropped()
	}
	return total
}

// Subscriptions returns the connection's subscriptions in registration
// order.
func (r *Registry) Subscriptions(connID string) []*Subscription {
	c, ok := r.get(connID)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Subscription, len(c.subs))
	copy(out, c.subs)
	return out
}

// Shutdown drains every live connection.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Drain(id)
		}()
	}
	wg.Wait()
}

func (r *Registry) get(connID string) (*conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}
