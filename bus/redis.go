// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/r3call/memsync/storage"
)

// RedisConfig holds Redis bus settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Channel is the Redis pub/sub channel carrying broker events.
	Channel string `yaml:"channel"`
}

// DefaultRedisConfig returns sensible Redis bus defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:    "localhost:6379",
		Channel: "memsync.events",
	}
}

// envelope is the wire form of a bus event. Origin carries the node ID
// so instances can skip their own messages; TargetUsers preserves the
// publish's audience across instances.
type envelope struct {
	Origin      string         `json:"origin"`
	Event       *storage.Event `json:"event"`
	TargetUsers []string       `json:"target_users,omitempty"`
}

// Redis is a cross-instance bus over Redis pub/sub. Publishes go
// through a circuit breaker so a dead Redis degrades to fast local-only
// failures instead of piling up timeouts.
type Redis struct {
	client  *redis.Client
	channel string
	nodeID  string
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis creates a Redis bus client for this node.
func NewRedis(cfg RedisConfig, nodeID string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channel == "" {
		cfg.Channel = "memsync.events"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bus-forward",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Redis{
		client:  client,
		channel: cfg.Channel,
		nodeID:  nodeID,
		logger:  logger,
		breaker: breaker,
	}
}

// PublishRemote forwards a locally-originated event to peer instances.
func (r *Redis) PublishRemote(ctx context.Context, ev *storage.Event, targetUsers []string) error {
	data, err := json.Marshal(envelope{Origin: r.nodeID, Event: ev, TargetUsers: targetUsers})
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrForward, err)
	}

	_, err = r.breaker.Execute(func() (any, error) {
		return nil, r.client.Publish(ctx, r.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForward, err)
	}
	return nil
}

// Subscribe starts the receive loop invoking h for peer events.
func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return fmt.Errorf("bus: already subscribed")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.pubsub = r.client.Subscribe(ctx, r.channel)

	// Force the subscription to be established before returning.
	if _, err := r.pubsub.Receive(ctx); err != nil {
		cancel()
		r.pubsub = nil
		return fmt.Errorf("bus: subscribe: %w", err)
	}

	ch := r.pubsub.Channel()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("bus_decode_failed", slog.String("error", err.Error()))
					continue
				}
				if env.Origin == r.nodeID || env.Event == nil {
					continue // our own publish echoed back
				}
				env.Event.PeerOrigin = true
				h(loopCtx, env.Event, env.TargetUsers)
			}
		}
	}()
	return nil
}

// Close stops the receive loop and releases the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	pubsub := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
	}
	r.wg.Wait()
	return r.client.Close()
}
