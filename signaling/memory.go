// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"sync"
)

var _ Signaler = (*MemoryEndpoint)(nil)

// MemoryEndpoint is one side of an in-process signaling pair created by
// NewMemoryPair. Envelopes sent on one side are delivered to the
// other's subscribers asynchronously, in send order.
type MemoryEndpoint struct {
	hub   *hub
	inbox *queue

	mu     sync.Mutex
	peer   *MemoryEndpoint
	closed bool
}

// NewMemoryPair returns two connected endpoints.
func NewMemoryPair() (*MemoryEndpoint, *MemoryEndpoint) {
	a := newMemoryEndpoint()
	b := newMemoryEndpoint()
	a.peer, b.peer = b, a
	return a, b
}

func newMemoryEndpoint() *MemoryEndpoint {
	endpoint := &MemoryEndpoint{hub: newHub()}
	endpoint.inbox = newQueue(endpoint.hub.dispatch)
	return endpoint
}

// Send validates envelope and queues it for the peer.
func (e *MemoryEndpoint) Send(ctx context.Context, envelope Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := envelope.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	closed, peer := e.closed, e.peer
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if peer == nil || !peer.inbox.push(envelope) {
		return ErrNoPeer
	}
	return nil
}

// Subscribe registers handler for envelopes from the peer.
func (e *MemoryEndpoint) Subscribe(handler Handler) *Subscription {
	return e.hub.subscribe(handler)
}

// Subscribers reports how many subscriptions are open.
func (e *MemoryEndpoint) Subscribers() int {
	return e.hub.count()
}

// Close stops delivery to this endpoint. The peer's sends fail with
// ErrNoPeer from then on.
func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.inbox.close()
	return nil
}
