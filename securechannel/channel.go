// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package securechannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/tandem/lib/codec"
	"github.com/bureau-foundation/tandem/packet"
)

// ErrPlaintextRejected is returned by Receive for any packet other than
// a key exchange or an encrypted packet. The control plane carries no
// plaintext traffic.
var ErrPlaintextRejected = errors.New("securechannel: plaintext packet rejected")

// KeyExchange is the body of a key-exchange packet.
type KeyExchange struct {
	SessionID string `json:"session_id"`
	PublicKey []byte `json:"public_key"`
}

// Sender delivers encoded packets to the peer.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, data []byte) error

func (f SenderFunc) Send(ctx context.Context, data []byte) error { return f(ctx, data) }

// Channel runs the key exchange over a packet transport and then seals
// and opens whole packets. The inner packet is encoded, sealed, and
// carried as the payload of a TypeEncrypted packet.
type Channel struct {
	state     *State
	sessionID string
	sender    Sender
	logger    *slog.Logger

	once        sync.Once
	established chan struct{}
}

// NewChannel creates a channel. The initiator chooses sessionID; the
// responder passes "" and adopts the initiator's.
func NewChannel(role Role, sessionID string, sender Sender, logger *slog.Logger) (*Channel, error) {
	if role == Initiator && sessionID == "" {
		return nil, fmt.Errorf("securechannel: initiator requires a session ID")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	state, err := NewState(role)
	if err != nil {
		return nil, err
	}
	return &Channel{
		state:       state,
		sessionID:   sessionID,
		sender:      sender,
		logger:      logger.With("component", "securechannel", "role", role.String()),
		established: make(chan struct{}),
	}, nil
}

// Established is closed once both sides hold the session key.
func (c *Channel) Established() <-chan struct{} { return c.established }

// IsEstablished reports whether the session key exists.
func (c *Channel) IsEstablished() bool { return c.state.Established() }

// SessionID returns the negotiated session ID.
func (c *Channel) SessionID() string { return c.state.SessionID() }

// Start sends the initiator's key exchange. Responders do nothing.
func (c *Channel) Start(ctx context.Context) error {
	if c.state.Role() != Initiator {
		return nil
	}
	return c.sendKeyExchange(ctx, c.sessionID)
}

func (c *Channel) sendKeyExchange(ctx context.Context, sessionID string) error {
	body, err := codec.Marshal(KeyExchange{SessionID: sessionID, PublicKey: c.state.PublicKey()})
	if err != nil {
		return fmt.Errorf("securechannel: encoding key exchange: %w", err)
	}
	data, err := packet.Encode(packet.TypeKeyExchange, body)
	if err != nil {
		return err
	}
	if err := c.sender.Send(ctx, data); err != nil {
		return fmt.Errorf("securechannel: sending key exchange: %w", err)
	}
	return nil
}

// Send seals an encoded packet and sends it.
func (c *Channel) Send(ctx context.Context, inner []byte) error {
	sealed, err := c.state.Seal(inner)
	if err != nil {
		return err
	}
	data, err := packet.Encode(packet.TypeEncrypted, sealed)
	if err != nil {
		return err
	}
	return c.sender.Send(ctx, data)
}

// Receive processes one packet from the peer. Key exchanges are
// consumed internally and report ok=false. Encrypted packets are
// opened and their inner packet returned with ok=true.
func (c *Channel) Receive(ctx context.Context, received packet.Packet) (inner packet.Packet, ok bool, err error) {
	switch received.Type {
	case packet.TypeKeyExchange:
		return packet.Packet{}, false, c.handleKeyExchange(ctx, received)
	case packet.TypeEncrypted:
		plaintext, err := c.state.Open(received.Payload)
		if err != nil {
			return packet.Packet{}, false, err
		}
		inner, err := packet.DecodeAt(plaintext, received.Timestamp)
		if err != nil {
			return packet.Packet{}, false, fmt.Errorf("securechannel: inner packet: %w", err)
		}
		return inner, true, nil
	}
	return packet.Packet{}, false, fmt.Errorf("%w: %s", ErrPlaintextRejected, received.Type)
}

func (c *Channel) handleKeyExchange(ctx context.Context, received packet.Packet) error {
	var exchange KeyExchange
	if err := codec.Unmarshal(received.Payload, &exchange); err != nil {
		return fmt.Errorf("securechannel: decoding key exchange: %w", err)
	}

	switch c.state.Role() {
	case Responder:
		if c.sessionID != "" && exchange.SessionID != c.sessionID {
			return fmt.Errorf("%w: got %q", ErrSessionMismatch, exchange.SessionID)
		}
		if err := c.state.Establish(exchange.SessionID, exchange.PublicKey); err != nil {
			return err
		}
		if err := c.sendKeyExchange(ctx, exchange.SessionID); err != nil {
			return err
		}
	case Initiator:
		if exchange.SessionID != c.sessionID {
			return fmt.Errorf("%w: got %q, want %q", ErrSessionMismatch, exchange.SessionID, c.sessionID)
		}
		if err := c.state.Establish(exchange.SessionID, exchange.PublicKey); err != nil {
			return err
		}
	}

	c.once.Do(func() { close(c.established) })
	c.logger.Debug("secure channel established", "session_id", exchange.SessionID)
	return nil
}

// Close wipes the key material.
func (c *Channel) Close() error { return c.state.Close() }
