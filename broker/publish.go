// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/r3call/memsync/registry"
	"github.com/r3call/memsync/replay"
	"github.com/r3call/memsync/storage"
)

// ErrRateLimited is returned when admission control denies a publish.
var ErrRateLimited = errors.New("broker: rate limit exceeded")

// ErrShuttingDown is returned for publishes after shutdown started.
var ErrShuttingDown = errors.New("broker: shutting down")

// TargetAll in PublishOptions.TargetUsers delivers to every matching
// connection regardless of owner.
const TargetAll = "*"

// PublishOptions scopes a publish.
type PublishOptions struct {
	// TargetUsers restricts delivery to these users' connections. Empty
	// means the event's owning user; the single element "*" means all
	// users.
	TargetUsers []string
}

// DeliveryReport summarizes one publish.
type DeliveryReport struct {
	// Attempted counts local connections the event was offered to.
	Attempted int
	// Delivered counts connections that accepted the event onto their
	// outbound queue.
	Delivered int
	// Dropped counts backpressure drops and unavailable channels.
	Dropped int
	// RateLimited is set when admission was denied; RetryAfter says
	// when to try again.
	RateLimited bool
	RetryAfter  time.Duration
	// Forwarded reports whether the event reached the cross-instance
	// bus; ForwardErr carries the failure when it did not.
	Forwarded  bool
	ForwardErr error
}

// Publish runs the distribution pipeline for one event. connID and
// messageType identify the originating local connection for rate
// limiting; peer-originated events (ev.PeerOrigin) skip admission since
// they were admitted at their origin node, and are never re-forwarded.
func (b *Broker) Publish(ctx context.Context, connID, messageType string, ev *storage.Event, opts PublishOptions) (*DeliveryReport, error) {
	if b.closed.Load() {
		return nil, ErrShuttingDown
	}

	report := &DeliveryReport{}

	// 1. Admission, locally-originated publishes only.
	if !ev.PeerOrigin {
		b.stats.IncrementPublishLocal()
		if b.limiter != nil {
			d := b.limiter.Check(connID, ev.UserID, messageType)
			if !d.Allowed {
				b.stats.IncrementRateLimited()
				report.RateLimited = true
				report.RetryAfter = d.RetryAfter
				b.logger.Debug("publish_rate_limited",
					slog.String("connection_id", connID),
					slog.String("user_id", ev.UserID),
					slog.String("tier", d.DeniedTier.String()))
				return report, ErrRateLimited
			}
		}
	} else {
		b.stats.IncrementPublishPeer()
	}

	// 2. Replay log append for the owning user, or each target user.
	if b.replay != nil {
		if len(opts.TargetUsers) > 0 && opts.TargetUsers[0] != TargetAll {
			for _, userID := range opts.TargetUsers {
				cp := *ev
				cp.UserID = userID
				b.replay.Append(&cp)
			}
		} else {
			b.replay.Append(ev)
		}
	}

	// 3. Local delivery. Enqueues never block, so one slow consumer
	// cannot stall the rest of the fan-out.
	payload, err := eventEnvelope(ev, false)
	if err != nil {
		return report, err
	}
	fr := registry.Frame{Payload: payload, Priority: ev.Priority}

	for _, targetID := range b.resolveTargets(ev, opts) {
		report.Attempted++
		queued, err := b.registry.Enqueue(targetID, fr)
		switch {
		case errors.Is(err, registry.ErrChannelUnavailable):
			// Torn-down connection: counted, never propagated.
			report.Dropped++
			b.logger.Debug("delivery_channel_unavailable",
				slog.String("connection_id", targetID),
				slog.String("channel", ev.Channel))
		case err != nil:
			report.Dropped++
		case queued:
			report.Delivered++
		default:
			report.Dropped++
		}
	}
	b.stats.AddDeliveriesQueued(report.Delivered)
	b.stats.AddDeliveriesDropped(report.Dropped)

	// 4. Bus forwarding, unless the event already came from a peer. The
	// target-user scope travels with the event so peers resolve the same
	// audience.
	if !ev.PeerOrigin {
		if err := b.bus.PublishRemote(ctx, ev, opts.TargetUsers); err != nil {
			b.stats.IncrementForwardFailures()
			report.ForwardErr = err
			b.logger.Warn("bus_forward_failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()))
		} else {
			b.stats.IncrementForwards()
			report.Forwarded = true
		}
	}

	return report, nil
}

// resolveTargets returns the connection IDs the event should reach,
// scoped by target users.
func (b *Broker) resolveTargets(ev *storage.Event, opts PublishOptions) []string {
	ids := b.registry.Resolve(ev.Channel)
	if len(ids) == 0 {
		return nil
	}

	all := slices.Contains(opts.TargetUsers, TargetAll)
	if all || (len(opts.TargetUsers) == 0 && ev.UserID == "") {
		return ids
	}

	allowed := make(map[string]struct{})
	if len(opts.TargetUsers) > 0 {
		for _, userID := range opts.TargetUsers {
			allowed[userID] = struct{}{}
		}
	} else {
		allowed[ev.UserID] = struct{}{}
	}

	out := ids[:0]
	for _, connID := range ids {
		userID, ok := b.registry.UserOf(connID)
		if !ok {
			continue
		}
		if _, ok := allowed[userID]; ok {
			out = append(out, connID)
		}
	}
	return out
}

// onRemoteEvent is the single bus callback registered at startup. It
// hands distribution to the fan-out pool so the bus client's receive
// loop is never blocked by local delivery.
func (b *Broker) onRemoteEvent(ctx context.Context, ev *storage.Event, targetUsers []string) {
	if b.closed.Load() {
		return
	}
	b.pool.Submit(func() {
		if _, err := b.Publish(context.Background(), "", "", ev, PublishOptions{TargetUsers: targetUsers}); err != nil {
			b.logger.Warn("peer_event_distribution_failed",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()))
		}
	})
}

// Replay serves a replay request for a user, returning the matching
// events and whether the response was truncated by range or result
// limits.
func (b *Broker) Replay(userID string, since time.Time, f replay.Filters) ([]*storage.Event, bool) {
	if b.replay == nil {
		return nil, false
	}
	events, truncated := b.replay.Replay(userID, since, f)
	b.stats.IncrementReplaysServed()
	return events, truncated
}
