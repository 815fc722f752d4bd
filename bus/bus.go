// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

// Package bus abstracts the durable cross-instance message bus used to
// fan events out across broker replicas.
package bus

import (
	"context"
	"errors"

	"github.com/r3call/memsync/storage"
)

// ErrForward is returned when forwarding to the bus failed. Local
// delivery is unaffected; the failure is surfaced in the publisher's
// delivery report.
var ErrForward = errors.New("bus: forward failed")

// Handler is invoked for events originating on other broker instances.
// targetUsers carries the publish's target-user scope so peers deliver
// with the same audience the origin node was asked for.
type Handler func(ctx context.Context, ev *storage.Event, targetUsers []string)

// Bus is the cross-instance publish/subscribe interface the broker
// consumes. Implementations deliver events published on one instance to
// the handlers registered on all the others, never back to the origin.
type Bus interface {
	// PublishRemote forwards a locally-originated event to peers,
	// preserving its target-user scope.
	PublishRemote(ctx context.Context, ev *storage.Event, targetUsers []string) error

	// Subscribe registers the handler for peer-originated events. The
	// broker registers exactly one handler at startup.
	Subscribe(ctx context.Context, h Handler) error

	// Close releases the bus client.
	Close() error
}

// Noop is the single-node bus: forwarding succeeds trivially and no
// peer events ever arrive.
type Noop struct{}

// NewNoop creates a no-op bus for single-node deployments.
func NewNoop() *Noop { return &Noop{} }

func (*Noop) PublishRemote(context.Context, *storage.Event, []string) error { return nil }
func (*Noop) Subscribe(context.Context, Handler) error                      { return nil }
func (*Noop) Close() error                                                  { return nil }
