// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxMessageSize bounds a single control-plane message.
const MaxMessageSize = 256 << 10

// MessageConn carries whole messages in order. Each WriteMessage is
// delivered as exactly one ReadMessage on the other side.
type MessageConn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, message []byte) error
	Close() error
}

var _ MessageConn = (*DataChannelConn)(nil)

// DataChannelConn adapts a detached pion data channel. Detached reads
// return one SCTP message per call, so message boundaries survive.
//
// Context cancellation closes the underlying channel to unblock a
// pending read or write; the conn is unusable afterwards.
type DataChannelConn struct {
	rwc   io.ReadWriteCloser
	label string

	readMu  sync.Mutex
	buffer  []byte
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewDataChannelConn wraps a detached data channel.
func NewDataChannelConn(rwc io.ReadWriteCloser, label string) *DataChannelConn {
	return &DataChannelConn{rwc: rwc, label: label, buffer: make([]byte, MaxMessageSize)}
}

// Label is the data channel label.
func (c *DataChannelConn) Label() string { return c.label }

// ReadMessage returns the next message.
func (c *DataChannelConn) ReadMessage(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	n, err := c.rwc.Read(c.buffer)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, io.ErrShortBuffer) {
			return nil, fmt.Errorf("transport: message on %s exceeds %d bytes", c.label, MaxMessageSize)
		}
		return nil, normalizeClosed(err)
	}
	message := make([]byte, n)
	copy(message, c.buffer[:n])
	return message, nil
}

// WriteMessage sends message as one data channel message.
func (c *DataChannelConn) WriteMessage(ctx context.Context, message []byte) error {
	if len(message) > MaxMessageSize {
		return fmt.Errorf("transport: message of %d bytes exceeds %d", len(message), MaxMessageSize)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if _, err := c.rwc.Write(message); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return normalizeClosed(err)
	}
	return nil
}

// Close closes the data channel.
func (c *DataChannelConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.rwc.Close() })
	return c.closeErr
}

func normalizeClosed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return net.ErrClosed
	}
	return err
}

// MessagePipe returns two connected in-memory MessageConns.
func MessagePipe() (MessageConn, MessageConn) {
	a := &pipeEnd{inbox: make(chan []byte, 64), done: make(chan struct{})}
	b := &pipeEnd{inbox: make(chan []byte, 64), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

type pipeEnd struct {
	inbox chan []byte
	peer  *pipeEnd

	once sync.Once
	done chan struct{}
}

func (p *pipeEnd) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case message := <-p.inbox:
		return message, nil
	default:
	}
	select {
	case message := <-p.inbox:
		return message, nil
	case <-p.done:
		return nil, net.ErrClosed
	case <-p.peer.done:
		// Drain anything sent before the peer closed.
		select {
		case message := <-p.inbox:
			return message, nil
		default:
			return nil, net.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) WriteMessage(ctx context.Context, message []byte) error {
	select {
	case <-p.done:
		return net.ErrClosed
	case <-p.peer.done:
		return net.ErrClosed
	default:
	}
	copied := append([]byte(nil), message...)
	select {
	case p.peer.inbox <- copied:
		return nil
	case <-p.done:
		return net.ErrClosed
	case <-p.peer.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
