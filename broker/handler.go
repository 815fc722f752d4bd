// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/r3call/memsync/pattern"
	"github.com/r3call/memsync/registry"
	"github.com/r3call/memsync/replay"
	"github.com/r3call/memsync/storage"
)

// MessageChannel is the generic bidirectional per-connection channel
// the transport hands to the broker. Send and Receive honor context
// cancellation; Close tears the channel down and unblocks both.
type MessageChannel interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

// HandleConnection runs a connection's lifecycle: registration,
// greeting, the inbound dispatch loop and teardown. userID is the
// already-authenticated identity supplied by the transport. Blocks
// until the connection ends.
func (b *Broker) HandleConnection(ctx context.Context, userID string, ch MessageChannel) {
	if b.closed.Load() {
		_ = ch.Close()
		return
	}
	if b.throttle != nil && !b.throttle.Allow(ch.RemoteAddr()) {
		_ = ch.Send(ctx, errorEnvelope(CodeRateLimitExceeded, "connection rate exceeded", 0))
		_ = ch.Close()
		return
	}

	connID := uuid.NewString()
	if err := b.registry.Register(connID, userID, ch); err != nil {
		b.logger.Error("register_failed",
			slog.String("connection_id", connID),
			slog.String("error", err.Error()))
		_ = ch.Close()
		return
	}
	if err := b.registry.Activate(connID); err != nil {
		b.registry.Deregister(connID)
		return
	}

	b.stats.IncrementConnections()
	defer func() {
		b.registry.Deregister(connID)
		b.stats.DecrementConnections()
	}()

	b.sendControl(connID, b.greeting(connID, userID))

	b.logger.Info("connection_opened",
		slog.String("connection_id", connID),
		slog.String("user_id", userID),
		slog.String("remote_addr", ch.RemoteAddr()))

	for {
		payload, err := ch.Receive(ctx)
		if err != nil {
			b.logger.Info("connection_closed",
				slog.String("connection_id", connID),
				slog.String("user_id", userID),
				slog.String("reason", err.Error()))
			return
		}
		b.registry.Touch(connID)

		in, err := DecodeInbound(payload)
		if err != nil {
			b.sendControl(connID, errorEnvelope(CodeBadRequest, err.Error(), 0))
			continue
		}
		b.dispatch(ctx, connID, userID, in)
	}
}

func (b *Broker) greeting(connID, userID string) []byte {
	caps := b.caps
	data, _ := json.Marshal(Outbound{
		Type:         TypeConnection,
		ConnectionID: connID,
		UserID:       userID,
		Timestamp:    time.Now().UnixMilli(),
		Capabilities: &caps,
	})
	return data
}

// sendControl queues a control envelope at high priority so greetings,
// errors and pongs are not displaced by event backpressure.
func (b *Broker) sendControl(connID string, payload []byte) {
	if _, err := b.registry.Enqueue(connID, registry.Frame{
		Payload:  payload,
		Priority: storage.PriorityHigh,
	}); err != nil && !errors.Is(err, registry.ErrChannelUnavailable) {
		b.logger.Debug("control_send_failed",
			slog.String("connection_id", connID),
			slog.String("error", err.Error()))
	}
}

func (b *Broker) dispatch(ctx context.Context, connID, userID string, in *Inbound) {
	switch in.Type {
	case TypeSubscribe:
		b.handleSubscribe(connID, in)
	case TypeUnsubscribe:
		b.handleUnsubscribe(connID, in)
	case TypeBroadcast:
		b.handleBroadcast(ctx, connID, userID, in)
	case TypeReplay:
		b.handleReplay(ctx, connID, userID, in)
	case TypePing:
		pong, _ := json.Marshal(Outbound{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		b.sendControl(connID, pong)
	default:
		b.sendControl(connID, errorEnvelope(CodeBadRequest, "unknown message type "+in.Type, 0))
	}
}

// handleSubscribe registers literal channels and pattern expressions. A
// malformed pattern is reported and skipped; the connection stays open
// and valid entries in the same request still apply.
func (b *Broker) handleSubscribe(connID string, in *Inbound) {
	for _, channel := range in.Channels {
		if _, err := b.registry.SubscribeLiteral(connID, channel); err != nil {
			b.subscribeError(connID, channel, err)
		}
	}
	for _, expr := range in.Patterns {
		if _, err := b.registry.Subscribe(connID, expr); err != nil {
			b.subscribeError(connID, expr, err)
		}
	}
}

func (b *Broker) subscribeError(connID, expr string, err error) {
	code := CodeBadRequest
	if errors.Is(err, pattern.ErrInvalidPattern) {
		code = CodeInvalidPattern
	}
	b.sendControl(connID, errorEnvelope(code, expr+": "+err.Error(), 0))
}

func (b *Broker) handleUnsubscribe(connID string, in *Inbound) {
	for _, channel := range in.Channels {
		_ = b.registry.Unsubscribe(connID, channel)
	}
	for _, expr := range in.Patterns {
		_ = b.registry.Unsubscribe(connID, expr)
	}
}

func (b *Broker) handleBroadcast(ctx context.Context, connID, userID string, in *Inbound) {
	if len(in.Channels) == 0 {
		b.sendControl(connID, errorEnvelope(CodeBadRequest, "broadcast requires channels", 0))
		return
	}
	priority, err := storage.ParsePriority(in.Priority)
	if err != nil {
		b.sendControl(connID, errorEnvelope(CodeBadRequest, err.Error(), 0))
		return
	}

	for _, channel := range in.Channels {
		ev := &storage.Event{
			ID:        uuid.NewString(),
			Channel:   channel,
			Payload:   in.Data,
			UserID:    userID,
			Category:  in.Category,
			Priority:  priority,
			Timestamp: time.Now(),
		}
		report, err := b.Publish(ctx, connID, TypeBroadcast, ev, PublishOptions{TargetUsers: in.TargetUsers})
		if errors.Is(err, ErrRateLimited) {
			// Never silently dropped: the publisher learns when to retry.
			b.sendControl(connID, errorEnvelope(CodeRateLimitExceeded, "publish rate exceeded", report.RetryAfter))
			return
		}
		if err != nil {
			b.sendControl(connID, errorEnvelope(CodeBadRequest, err.Error(), 0))
			return
		}
	}
}

func (b *Broker) handleReplay(ctx context.Context, connID, userID string, in *Inbound) {
	if b.replay == nil || !b.caps.Replay {
		b.sendControl(connID, errorEnvelope(CodeBadRequest, "replay not enabled", 0))
		return
	}
	// Replay requests are themselves admission-controlled so a
	// reconnect storm cannot monopolize the broker.
	if b.limiter != nil {
		if d := b.limiter.Check(connID, userID, TypeReplay); !d.Allowed {
			b.stats.IncrementRateLimited()
			b.sendControl(connID, errorEnvelope(CodeRateLimitExceeded, "replay rate exceeded", d.RetryAfter))
			return
		}
	}

	filters := replay.Filters{Categories: in.Categories, Limit: in.Limit}
	if in.Priority != "" {
		p, err := storage.ParsePriority(in.Priority)
		if err != nil {
			b.sendControl(connID, errorEnvelope(CodeBadRequest, err.Error(), 0))
			return
		}
		filters.Priority = &p
	}

	since := time.UnixMilli(in.Since)
	events, truncated := b.Replay(userID, since, filters)

	// Replay is a request/response exchange: sends pace against queue
	// drainage rather than dropping under the fan-out backpressure
	// policy, so a response larger than the queue still arrives whole.
	sent := 0
	for _, ev := range events {
		payload, err := eventEnvelope(ev, true)
		if err != nil {
			truncated = true
			continue
		}
		if err := b.registry.EnqueueWait(ctx, connID, registry.Frame{
			Payload:  payload,
			Priority: ev.Priority,
		}); err != nil {
			return // connection gone
		}
		sent++
	}

	done, _ := json.Marshal(Outbound{
		Type:      TypeEvent,
		Channel:   replayCompleteChannel,
		Replay:    true,
		Count:     sent,
		Truncated: truncated,
		Timestamp: time.Now().UnixMilli(),
	})
	// The terminator rides the same paced path so it cannot be dropped
	// behind the response it closes.
	if err := b.registry.EnqueueWait(ctx, connID, registry.Frame{
		Payload:  done,
		Priority: storage.PriorityHigh,
	}); err != nil {
		b.logger.Debug("replay_complete_undelivered",
			slog.String("connection_id", connID),
			slog.String("error", err.Error()))
	}
}
