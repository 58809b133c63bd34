// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"slices"
	"sync"
)

// Handler receives one incoming envelope. Handlers run on the
// signaler's delivery goroutine, one envelope at a time, in arrival
// order, and must not block for long.
type Handler func(Envelope)

// Signaler sends envelopes to the remote side and delivers incoming
// ones to subscribers.
type Signaler interface {
	Send(ctx context.Context, envelope Envelope) error
	Subscribe(handler Handler) *Subscription
}

// Subscription is the handle returned by Subscribe. After Close
// returns no new delivery starts; one already running may finish.
type Subscription struct {
	hub  *hub
	id   uint64
	once sync.Once
}

// Close detaches the handler. It is safe to call more than once and
// from inside the handler itself.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.hub.unsubscribe(s.id) })
}

// hub fans envelopes out to subscribers in subscription order.
type hub struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]Handler
}

func newHub() *hub {
	return &hub{handlers: make(map[uint64]Handler)}
}

func (h *hub) subscribe(handler Handler) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.handlers[h.next] = handler
	return &Subscription{hub: h, id: h.next}
}

func (h *hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, id)
}

func (h *hub) dispatch(envelope Envelope) {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		h.mu.Lock()
		handler, ok := h.handlers[id]
		h.mu.Unlock()
		if ok {
			handler(envelope)
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

// queue is an unbounded FIFO drained by one goroutine, so senders
// never block on a slow receiver and arrival order is kept.
type queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Envelope
	closed  bool
	done    chan struct{}
}

func newQueue(deliver func(Envelope)) *queue {
	q := &queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run(deliver)
	return q
}

func (q *queue) push(envelope Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, envelope)
	q.cond.Signal()
	return true
}

func (q *queue) run(deliver func(Envelope)) {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending[0] = Envelope{}
		q.pending = q.pending[1:]
		q.mu.Unlock()
		deliver(next)
	}
}

// close discards anything undelivered and stops the goroutine. It does
// not wait, so it is safe to call from a delivery.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.pending = nil
	q.cond.Broadcast()
}
