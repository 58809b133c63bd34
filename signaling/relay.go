// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/tandem/lib/netutil"
)

const defaultMaxPeersPerRoom = 2

// RelayConfig configures a RelayServer.
type RelayConfig struct {
	// MaxPeersPerRoom bounds room size. Zero means two: one host and
	// one viewer.
	MaxPeersPerRoom int

	// CheckOrigin is passed to the WebSocket upgrader. Nil accepts any
	// origin.
	CheckOrigin func(*http.Request) bool

	// PingInterval is how often idle connections are pinged. Zero
	// means 20s.
	PingInterval time.Duration

	Logger *slog.Logger
}

// RelayServer routes signaling frames between WebSocket clients that
// joined the same room. Clients connect with ?room=<name>; the relay
// assigns each connection a random ID.
type RelayServer struct {
	upgrader     websocket.Upgrader
	maxPeers     int
	pingInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	rooms  map[string]map[string]*relayConn
	closed bool
}

type relayConn struct {
	id      string
	room    string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *relayConn) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *relayConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// NewRelayServer creates a relay.
func NewRelayServer(cfg RelayConfig) *RelayServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxPeers := cfg.MaxPeersPerRoom
	if maxPeers <= 0 {
		maxPeers = defaultMaxPeersPerRoom
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPing
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &RelayServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		maxPeers:     maxPeers,
		pingInterval: pingInterval,
		logger:       logger,
		rooms:        make(map[string]map[string]*relayConn),
	}
}

// ServeHTTP upgrades the request and serves the connection until it
// closes.
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "room query parameter is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	client := &relayConn{id: uuid.NewString(), room: room, conn: conn}
	defer conn.Close()

	peers, ok := s.join(client)
	if !ok {
		client.write(Frame{Type: FrameError, Error: "room is full"})
		s.logger.Info("relay rejected connection", "room", room, "reason", "full")
		return
	}
	defer s.leave(client)

	if err := client.write(Frame{Type: FrameWelcome, To: client.id, Peers: peers}); err != nil {
		return
	}
	s.logger.Info("relay peer joined", "room", room, "peer", client.id, "others", len(peers))
	s.broadcast(client, Frame{Type: FramePeerJoined, From: client.id})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.keepalive(client, stopPing)

	s.readLoop(client)
}

func (s *RelayServer) readLoop(client *relayConn) {
	conn := client.conn
	conn.SetReadLimit(maxFrameSize)
	deadline := func() { conn.SetReadDeadline(time.Now().Add(3 * s.pingInterval)) }
	deadline()
	conn.SetPongHandler(func(string) error { deadline(); return nil })

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Debug("relay read ended", "peer", client.id, "error", err)
			}
			return
		}
		deadline()
		if frame.Type != FrameSignal {
			s.logger.Debug("relay ignoring frame", "peer", client.id, "type", frame.Type)
			continue
		}
		frame.From = client.id
		if frame.To == "" {
			s.broadcast(client, frame)
			continue
		}
		target := s.lookup(client.room, frame.To)
		if target == nil {
			client.write(Frame{Type: FrameError, To: frame.To, Error: "unknown peer"})
			continue
		}
		if err := target.write(frame); err != nil {
			s.logger.Debug("relay forward failed", "from", client.id, "to", target.id, "error", err)
		}
	}
}

func (s *RelayServer) keepalive(client *relayConn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := client.ping(); err != nil {
				client.conn.Close()
				return
			}
		}
	}
}

func (s *RelayServer) join(client *relayConn) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	members := s.rooms[client.room]
	if members == nil {
		members = make(map[string]*relayConn)
		s.rooms[client.room] = members
	}
	if len(members) >= s.maxPeers {
		return nil, false
	}
	peers := make([]string, 0, len(members))
	for id := range members {
		peers = append(peers, id)
	}
	slices.Sort(peers)
	members[client.id] = client
	return peers, true
}

func (s *RelayServer) leave(client *relayConn) {
	s.mu.Lock()
	members := s.rooms[client.room]
	delete(members, client.id)
	if len(members) == 0 {
		delete(s.rooms, client.room)
	}
	s.mu.Unlock()
	s.logger.Info("relay peer left", "room", client.room, "peer", client.id)
	s.broadcast(client, Frame{Type: FramePeerLeft, From: client.id})
}

func (s *RelayServer) lookup(room, id string) *relayConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[room][id]
}

func (s *RelayServer) broadcast(from *relayConn, frame Frame) {
	s.mu.Lock()
	targets := make([]*relayConn, 0, len(s.rooms[from.room]))
	for id, member := range s.rooms[from.room] {
		if id != from.id {
			targets = append(targets, member)
		}
	}
	s.mu.Unlock()
	for _, target := range targets {
		if err := target.write(frame); err != nil {
			s.logger.Debug("relay broadcast failed", "to", target.id, "error", err)
		}
	}
}

// Peers returns the connection IDs currently in room.
func (s *RelayServer) Peers(room string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]string, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		peers = append(peers, id)
	}
	slices.Sort(peers)
	return peers
}

// Close disconnects every client and refuses new ones.
func (s *RelayServer) Close() error {
	s.mu.Lock()
	s.closed = true
	var conns []*relayConn
	for _, members := range s.rooms {
		for _, member := range members {
			conns = append(conns, member)
		}
	}
	s.mu.Unlock()
	for _, member := range conns {
		member.writeMu.Lock()
		member.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		member.writeMu.Unlock()
		member.conn.Close()
	}
	return nil
}
