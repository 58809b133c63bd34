// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"net"
	"sync"

	"github.com/bureau-foundation/tandem/signaling"
	"github.com/bureau-foundation/tandem/transport"
)

var _ transport.MessageConn = (*SignalingConn)(nil)

// SignalingConn carries control packets as KindControl envelopes over
// the signaling relay. It is the fallback when the control data channel
// never opens. Packets are already sealed by the secure channel, so the
// relay sees only ciphertext.
type SignalingConn struct {
	signaler     signaling.Signaler
	subscription *signaling.Subscription

	mu    sync.Mutex
	inbox [][]byte
	ready chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewSignalingConn subscribes to control envelopes on signaler. Other
// envelope kinds are left to the session.
func NewSignalingConn(signaler signaling.Signaler) *SignalingConn {
	c := &SignalingConn{
		signaler: signaler,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.subscription = signaler.Subscribe(c.deliver)
	return c
}

func (c *SignalingConn) deliver(envelope signaling.Envelope) {
	if envelope.Kind != signaling.KindControl {
		return
	}
	c.mu.Lock()
	c.inbox = append(c.inbox, envelope.Payload)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// ReadMessage returns the next control payload in arrival order.
func (c *SignalingConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		if len(c.inbox) > 0 {
			message := c.inbox[0]
			c.inbox[0] = nil
			c.inbox = c.inbox[1:]
			c.mu.Unlock()
			return message, nil
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-c.done:
			return nil, net.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WriteMessage sends message as one control envelope.
func (c *SignalingConn) WriteMessage(ctx context.Context, message []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	return c.signaler.Send(ctx, signaling.Control(append([]byte(nil), message...)))
}

// Close detaches from the signaler. The signaler itself stays open.
func (c *SignalingConn) Close() error {
	c.closeOnce.Do(func() {
		c.subscription.Close()
		close(c.done)
		c.mu.Lock()
		c.inbox = nil
		c.mu.Unlock()
	})
	return nil
}
