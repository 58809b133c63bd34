// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"

	"github.com/bureau-foundation/tandem/transport"
)

// EventType identifies what an Event reports.
type EventType int

const (
	// EventStateChanged carries the new State.
	EventStateChanged EventType = iota + 1

	// EventNegotiationFailed carries the error from a failed
	// negotiation step. The session is in StateFailed afterwards.
	EventNegotiationFailed

	// EventControlChannel carries the control data channel once it
	// opens.
	EventControlChannel

	// EventStats carries one normalized statistics sample.
	EventStats

	// EventEncoderParams carries parameters pushed to the local media.
	EventEncoderParams

	// EventReconnecting carries the attempt number about to run.
	EventReconnecting

	// EventReconnectFailed is sent once when the attempt budget is
	// spent. No further attempts are made.
	EventReconnectFailed
)

var eventNames = map[EventType]string{
	EventStateChanged:      "state-changed",
	EventNegotiationFailed: "negotiation-failed",
	EventControlChannel:    "control-channel",
	EventStats:             "stats",
	EventEncoderParams:     "encoder-params",
	EventReconnecting:      "reconnecting",
	EventReconnectFailed:   "reconnect-failed",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is one notification from a session or its controller. Only the
// fields relevant to Type are set.
type Event struct {
	Type    EventType
	State   State
	Err     error
	Stats   transport.Stats
	Params  transport.EncoderParams
	Attempt int
	Control transport.MessageConn
}

// Subscription is a mailbox of events. Events are buffered without
// bound, so a slow reader never stalls the session.
type Subscription struct {
	bus *eventBus
	box *mailbox
}

// Events returns the delivery channel. It is closed after the session
// closes and every buffered event has been received.
func (s *Subscription) Events() <-chan Event { return s.box.out }

// Close stops delivery and discards buffered events.
func (s *Subscription) Close() {
	s.bus.remove(s.box)
	s.box.stop()
}

type eventBus struct {
	mu     sync.Mutex
	boxes  []*mailbox
	closed bool
}

func (b *eventBus) subscribe() *Subscription {
	box := newMailbox()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		box.finish()
	} else {
		b.boxes = append(b.boxes, box)
	}
	return &Subscription{bus: b, box: box}
}

func (b *eventBus) remove(target *mailbox) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for index, box := range b.boxes {
		if box == target {
			b.boxes = append(b.boxes[:index], b.boxes[index+1:]...)
			return
		}
	}
}

func (b *eventBus) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, box := range b.boxes {
		box.push(event)
	}
}

// close lets every mailbox drain and then closes its channel.
func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, box := range b.boxes {
		box.finish()
	}
	b.boxes = nil
}

type mailbox struct {
	out chan Event

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []Event
	finished bool
	stopped  chan struct{}
	stopOnce sync.Once
}

func newMailbox() *mailbox {
	box := &mailbox{out: make(chan Event), stopped: make(chan struct{})}
	box.cond = sync.NewCond(&box.mu)
	go box.run()
	return box
}

func (m *mailbox) push(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return
	}
	m.pending = append(m.pending, event)
	m.cond.Signal()
}

func (m *mailbox) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true
	m.cond.Broadcast()
}

func (m *mailbox) stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
	m.finish()
}

func (m *mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for len(m.pending) == 0 && !m.finished {
			m.cond.Wait()
		}
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		next := m.pending[0]
		m.pending[0] = Event{}
		m.pending = m.pending[1:]
		m.mu.Unlock()

		select {
		case m.out <- next:
		case <-m.stopped:
			return
		}
	}
}
