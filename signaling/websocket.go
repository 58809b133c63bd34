// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/tandem/lib/netutil"
)

var _ Signaler = (*WebSocketSignaler)(nil)

// WebSocketConfig configures DialWebSocket.
type WebSocketConfig struct {
	// URL is the relay endpoint, e.g. ws://127.0.0.1:8765/ws.
	URL string

	// Room is appended as the room query parameter.
	Room string

	Header http.Header
	Logger *slog.Logger

	// OnPeerJoined and OnPeerLeft, when set, are called from the read
	// goroutine as room membership changes.
	OnPeerJoined func(peerID string)
	OnPeerLeft   func(peerID string)
}

// WebSocketSignaler is a Signaler backed by a RelayServer connection.
// Envelopes go to the single other peer in the room, or are broadcast
// when several are present.
type WebSocketSignaler struct {
	conn   *websocket.Conn
	hub    *hub
	id     string
	logger *slog.Logger
	config WebSocketConfig

	writeMu sync.Mutex

	mu     sync.Mutex
	peers  []string
	closed bool

	done chan struct{}
}

// DialWebSocket connects to the relay and waits for the welcome frame.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig) (*WebSocketSignaler, error) {
	if cfg.Room == "" {
		return nil, fmt.Errorf("signaling: room is required")
	}
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("signaling: parsing relay URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("room", cfg.Room)
	endpoint.RawQuery = query.Encode()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeLimit}
	conn, _, err := dialer.DialContext(ctx, endpoint.String(), cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("signaling: dialing %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	deadline := time.Now().Add(handshakeLimit)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)
	var welcome Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("signaling: reading welcome: %w", err)
	}
	if welcome.Type == FrameError {
		conn.Close()
		return nil, fmt.Errorf("signaling: relay refused connection: %s", welcome.Error)
	}
	if welcome.Type != FrameWelcome || welcome.To == "" {
		conn.Close()
		return nil, fmt.Errorf("signaling: expected welcome frame, got %q", welcome.Type)
	}
	conn.SetReadDeadline(time.Time{})

	signaler := &WebSocketSignaler{
		conn:   conn,
		hub:    newHub(),
		id:     welcome.To,
		logger: logger.With("signaling_id", welcome.To),
		config: cfg,
		peers:  welcome.Peers,
		done:   make(chan struct{}),
	}
	signaler.logger.Info("joined signaling room", "room", cfg.Room, "peers", len(welcome.Peers))
	go signaler.readLoop()
	return signaler, nil
}

// ID is the connection ID the relay assigned.
func (s *WebSocketSignaler) ID() string { return s.id }

// Peers returns the other connection IDs in the room.
func (s *WebSocketSignaler) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.peers)
}

// Done is closed when the relay connection ends.
func (s *WebSocketSignaler) Done() <-chan struct{} { return s.done }

// Send delivers envelope through the relay.
func (s *WebSocketSignaler) Send(ctx context.Context, envelope Envelope) error {
	data, err := envelope.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	frame := Frame{Type: FrameSignal, Data: data}
	switch len(s.peers) {
	case 0:
		s.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return ErrNoPeer
	case 1:
		frame.To = s.peers[0]
	}
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("signaling: sending %s: %w", envelope.Kind, err)
	}
	return nil
}

// Subscribe registers handler for incoming envelopes. Handlers run on
// the read goroutine.
func (s *WebSocketSignaler) Subscribe(handler Handler) *Subscription {
	return s.hub.subscribe(handler)
}

// Close sends a close frame and tears the connection down. It does not
// wait for the read goroutine; use Done for that.
func (s *WebSocketSignaler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *WebSocketSignaler) readLoop() {
	defer close(s.done)
	for {
		var frame Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.closed = true
			s.mu.Unlock()
			if !closed && !netutil.IsExpectedCloseError(err) {
				s.logger.Warn("signaling connection lost", "error", err)
			}
			return
		}
		s.handleFrame(frame)
	}
}

func (s *WebSocketSignaler) handleFrame(frame Frame) {
	switch frame.Type {
	case FrameSignal:
		envelope, err := Decode(frame.Data)
		if err != nil {
			s.logger.Warn("dropping malformed envelope", "from", frame.From, "error", err)
			return
		}
		s.hub.dispatch(envelope)
	case FramePeerJoined:
		s.mu.Lock()
		if !slices.Contains(s.peers, frame.From) {
			s.peers = append(s.peers, frame.From)
		}
		s.mu.Unlock()
		s.logger.Info("signaling peer joined", "peer", frame.From)
		if s.config.OnPeerJoined != nil {
			s.config.OnPeerJoined(frame.From)
		}
	case FramePeerLeft:
		s.mu.Lock()
		s.peers = slices.DeleteFunc(s.peers, func(id string) bool { return id == frame.From })
		s.mu.Unlock()
		s.logger.Info("signaling peer left", "peer", frame.From)
		if s.config.OnPeerLeft != nil {
			s.config.OnPeerLeft(frame.From)
		}
	case FrameError:
		s.logger.Warn("relay reported error", "error", frame.Error, "to", frame.To)
	default:
		s.logger.Debug("ignoring relay frame", "type", frame.Type)
	}
}
