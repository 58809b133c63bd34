// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tandem/signaling"
	"github.com/bureau-foundation/tandem/transport"
)

// Config configures a PeerSession.
type Config struct {
	Role transport.Role

	// Factory creates the peer connection on every start.
	Factory transport.Factory

	// Media supplies local tracks. Required for the host role and
	// ignored for the viewer.
	Media transport.MediaSource

	// Signaler carries envelopes to and from the remote side.
	Signaler signaling.Signaler

	// EagerOffer makes the host offer as soon as it starts instead of
	// waiting for viewer-ready.
	EagerOffer bool

	// Bitrate is written into outgoing offers until a controller
	// replaces it.
	Bitrate transport.BitrateHints

	// OnTrack receives remote tracks on the viewer.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	Logger *slog.Logger
}

// PeerSession negotiates and owns the peer connection for one side of a
// session. All methods are safe for concurrent use.
type PeerSession struct {
	role     transport.Role
	factory  transport.Factory
	source   transport.MediaSource
	signaler signaling.Signaler
	eager    bool
	onTrack  func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	logger   *slog.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	subscription *signaling.Subscription
	events       eventBus

	// negotiation serializes everything that touches descriptions or
	// the candidate queue. Offers that find it held are dropped.
	negotiation sync.Mutex

	mu          sync.Mutex
	state       State
	closed      bool
	generation  uint64
	peer        transport.Peer
	media       transport.LocalMedia
	pending     []transport.ICECandidate
	viewerReady bool
	offered     bool
	hints       transport.BitrateHints

	// Local candidates are held until this side's description has been
	// sent, so the remote side never sees them first.
	described bool
	outgoing  []transport.ICECandidate

	closers   []func()
	observers []func(Event)
}

// New creates an idle session and subscribes it to cfg.Signaler.
func New(cfg Config) (*PeerSession, error) {
	if cfg.Factory == nil {
		return nil, errors.New("session: Factory is required")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("session: Signaler is required")
	}
	if cfg.Role == transport.RoleHost && cfg.Media == nil {
		return nil, errors.New("session: Media is required for the host role")
	}
	if err := cfg.Bitrate.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &PeerSession{
		role:     cfg.Role,
		factory:  cfg.Factory,
		source:   cfg.Media,
		signaler: cfg.Signaler,
		eager:    cfg.EagerOffer,
		onTrack:  cfg.OnTrack,
		logger:   logger.With("role", cfg.Role.String()),
		ctx:      ctx,
		cancel:   cancel,
		hints:    cfg.Bitrate,
	}
	s.subscription = cfg.Signaler.Subscribe(s.handleEnvelope)
	return s, nil
}

// Role returns the session's role.
func (s *PeerSession) Role() transport.Role { return s.role }

// State returns the current negotiation state.
func (s *PeerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingCandidates returns the number of queued remote candidates.
func (s *PeerSession) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Subscribe returns a mailbox receiving every subsequent event.
func (s *PeerSession) Subscribe() *Subscription {
	return s.events.subscribe()
}

// StartAsHost acquires local media, creates a peer connection with the
// media tracks and the control channel, and offers once the viewer is
// ready (or immediately with EagerOffer). It is a no-op while a start
// is in flight or the current connection is healthy.
func (s *PeerSession) StartAsHost(ctx context.Context) error {
	if s.role != transport.RoleHost {
		return ErrWrongRole
	}
	return s.start(ctx)
}

// StartAsViewer creates a receive-only peer connection and sends
// viewer-ready. Like StartAsHost it is idempotent.
func (s *PeerSession) StartAsViewer(ctx context.Context) error {
	if s.role != transport.RoleViewer {
		return ErrWrongRole
	}
	return s.start(ctx)
}

// restart runs the role's start routine.
func (s *PeerSession) restart(ctx context.Context) error {
	if s.role == transport.RoleHost {
		return s.StartAsHost(ctx)
	}
	return s.StartAsViewer(ctx)
}

func (s *PeerSession) start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.busyLocked() {
		s.mu.Unlock()
		s.logger.Debug("start ignored", "state", s.state.String())
		return nil
	}
	changed := s.setStateLocked(StateNegotiating)
	s.mu.Unlock()
	if changed {
		s.emit(Event{Type: EventStateChanged, State: StateNegotiating})
	}

	s.negotiation.Lock()
	defer s.negotiation.Unlock()

	peer, generation, err := s.replacePeer(ctx)
	if err != nil {
		s.fail(generation, err)
		return err
	}

	if s.role == transport.RoleViewer {
		if err := s.signaler.Send(ctx, signaling.ViewerReady()); err != nil {
			err = fmt.Errorf("session: sending viewer-ready: %w", err)
			s.fail(generation, err)
			return err
		}
		s.logger.Info("viewer ready sent")
		return nil
	}

	s.mu.Lock()
	ready := s.viewerReady || s.eager
	s.mu.Unlock()
	if !ready {
		s.logger.Info("host started, waiting for viewer")
		return nil
	}
	if err := s.sendOffer(ctx, peer, generation); err != nil {
		s.fail(generation, err)
		return err
	}
	return nil
}

// busyLocked reports whether a start would duplicate work: a start or
// negotiation is in flight, or the connection is up.
func (s *PeerSession) busyLocked() bool {
	switch s.state {
	case StateNegotiating:
		return true
	case StateConnected:
		return s.peer != nil && s.peer.ConnectionState() == transport.ConnectionStateConnected
	}
	return false
}

// replacePeer tears down the current peer and media and creates fresh
// ones. The caller holds the negotiation lock.
func (s *PeerSession) replacePeer(ctx context.Context) (transport.Peer, uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, 0, ErrClosed
	}
	s.generation++
	generation := s.generation
	oldPeer, oldMedia := s.peer, s.media
	s.peer, s.media = nil, nil
	s.pending = nil
	s.offered = false
	s.described = false
	s.outgoing = nil
	s.mu.Unlock()

	s.release(oldMedia, oldPeer)

	var media transport.LocalMedia
	if s.role == transport.RoleHost {
		var err error
		media, err = s.source.Acquire(ctx)
		if err != nil {
			return nil, generation, fmt.Errorf("session: acquiring media: %w", err)
		}
	}

	peer, err := s.factory.NewPeer(ctx, transport.PeerConfig{
		Role:                    s.role,
		Media:                   media,
		OnICECandidate:          s.localCandidateHandler(generation),
		OnConnectionStateChange: s.connectionStateHandler(generation),
		OnControlChannel:        s.controlChannelHandler(generation),
		OnTrack:                 s.onTrack,
	})
	if err != nil {
		s.release(media, nil)
		return nil, generation, fmt.Errorf("session: creating peer: %w", err)
	}

	s.mu.Lock()
	if s.closed || s.generation != generation {
		s.mu.Unlock()
		s.release(media, peer)
		return nil, generation, ErrClosed
	}
	s.peer, s.media = peer, media
	s.mu.Unlock()
	s.logger.Debug("peer created", "generation", generation)
	return peer, generation, nil
}

// replacePeerKeepingCandidates is replacePeer for a peer discarded
// mid-negotiation: remote candidates queued for the incoming offer are
// carried over to the new peer.
func (s *PeerSession) replacePeerKeepingCandidates(ctx context.Context) (transport.Peer, uint64, error) {
	s.mu.Lock()
	queued := s.pending
	s.mu.Unlock()

	peer, generation, err := s.replacePeer(ctx)
	if err != nil {
		return nil, generation, err
	}
	s.mu.Lock()
	if s.generation == generation {
		s.pending = append(queued, s.pending...)
	}
	s.mu.Unlock()
	return peer, generation, nil
}

// release stops media before closing the transport.
func (s *PeerSession) release(media transport.LocalMedia, peer transport.Peer) {
	if media != nil {
		if err := media.Close(); err != nil {
			s.logger.Warn("releasing media failed", "error", err)
		}
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			s.logger.Warn("closing peer failed", "error", err)
		}
	}
}

// current returns the peer and its generation if the session is open.
func (s *PeerSession) current() (transport.Peer, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, false
	}
	return s.peer, s.generation, true
}

// sendOffer creates and applies an offer, then sends the low-latency
// rewrite of it. The caller holds the negotiation lock.
func (s *PeerSession) sendOffer(ctx context.Context, peer transport.Peer, generation uint64) error {
	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("session: creating offer: %w", err)
	}
	if err := peer.SetLocalDescription(ctx, offer); err != nil {
		return fmt.Errorf("session: applying local offer: %w", err)
	}

	s.mu.Lock()
	hints := s.hints
	s.mu.Unlock()
	wire, err := transport.LowLatencySDP(offer.SDP, hints)
	if err != nil {
		return fmt.Errorf("session: rewriting offer: %w", err)
	}

	s.mu.Lock()
	if s.closed || s.generation != generation {
		s.mu.Unlock()
		return nil
	}
	s.offered = true
	s.mu.Unlock()

	if err := s.signaler.Send(ctx, signaling.Offer(wire)); err != nil {
		return fmt.Errorf("session: sending offer: %w", err)
	}
	s.logger.Info("offer sent", "min_bps", hints.Min, "max_bps", hints.Max)
	s.releaseLocalCandidates(ctx, generation)
	return nil
}

// releaseLocalCandidates sends candidates gathered before the local
// description went out, and lets later ones through directly.
func (s *PeerSession) releaseLocalCandidates(ctx context.Context, generation uint64) {
	s.mu.Lock()
	if s.closed || s.generation != generation {
		s.mu.Unlock()
		return
	}
	s.described = true
	held := s.outgoing
	s.outgoing = nil
	s.mu.Unlock()

	for _, candidate := range held {
		s.sendCandidate(ctx, candidate)
	}
}

func (s *PeerSession) sendCandidate(ctx context.Context, candidate transport.ICECandidate) {
	envelope := signaling.ICECandidate(candidate.Candidate, candidate.SDPMid, candidate.SDPMLineIndex)
	if err := s.signaler.Send(ctx, envelope); err != nil {
		s.logger.Warn("sending local candidate failed", "error", err)
	}
}

func (s *PeerSession) handleEnvelope(envelope signaling.Envelope) {
	switch envelope.Kind {
	case signaling.KindOffer:
		s.handleOffer(envelope.SDP)
	case signaling.KindAnswer:
		s.handleAnswer(envelope.SDP)
	case signaling.KindICECandidate:
		s.handleCandidate(transport.ICECandidate{
			Candidate:     envelope.Candidate,
			SDPMid:        envelope.SDPMid,
			SDPMLineIndex: envelope.SDPMLineIndex,
		})
	case signaling.KindViewerReady:
		s.handleViewerReady()
	}
}

// handleOffer applies a remote offer on the viewer and answers it.
func (s *PeerSession) handleOffer(sdp string) {
	if s.role != transport.RoleViewer {
		s.logger.Debug("ignoring offer on host")
		return
	}
	if !s.negotiation.TryLock() {
		s.logger.Warn("dropping offer received during negotiation")
		return
	}
	defer s.negotiation.Unlock()

	peer, generation, open := s.current()
	if !open {
		return
	}
	if peer == nil {
		s.logger.Debug("ignoring offer before start")
		return
	}

	ctx := s.ctx
	if peer.SignalingState() == transport.SignalingStateStable && peer.HasRemoteDescription() {
		// A fresh offer on a negotiated connection means the host
		// restarted with new transport credentials.
		s.logger.Info("host restarted, replacing peer")
		var err error
		if peer, generation, err = s.replacePeer(ctx); err != nil {
			s.fail(generation, err)
			return
		}
	}
	if peer.SignalingState() != transport.SignalingStateStable {
		s.logger.Info("offer collision, rolling back local offer",
			"signaling_state", peer.SignalingState().String())
		if err := peer.Rollback(ctx); err != nil {
			if !errors.Is(err, transport.ErrRollbackUnsupported) {
				s.fail(generation, fmt.Errorf("session: rollback: %w", err))
				return
			}
			s.logger.Info("transport cannot roll back, replacing peer")
			if peer, generation, err = s.replacePeerKeepingCandidates(ctx); err != nil {
				s.fail(generation, err)
				return
			}
		}
	}
	s.mu.Lock()
	changed := s.generation == generation && s.setStateLocked(StateNegotiating)
	s.mu.Unlock()
	if changed {
		s.emit(Event{Type: EventStateChanged, State: StateNegotiating})
	}

	if err := peer.SetRemoteDescription(ctx, transport.SessionDescription{Type: transport.SDPTypeOffer, SDP: sdp}); err != nil {
		s.fail(generation, fmt.Errorf("session: applying remote offer: %w", err))
		return
	}
	s.flushCandidates(ctx, peer, generation)

	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		s.fail(generation, fmt.Errorf("session: creating answer: %w", err))
		return
	}
	if err := peer.SetLocalDescription(ctx, answer); err != nil {
		s.fail(generation, fmt.Errorf("session: applying local answer: %w", err))
		return
	}
	if err := s.signaler.Send(ctx, signaling.Answer(answer.SDP)); err != nil {
		s.fail(generation, fmt.Errorf("session: sending answer: %w", err))
		return
	}
	s.logger.Info("answer sent")
	s.releaseLocalCandidates(ctx, generation)
}

// handleAnswer applies the viewer's answer to the host's pending offer.
func (s *PeerSession) handleAnswer(sdp string) {
	if s.role != transport.RoleHost {
		s.logger.Debug("ignoring answer on viewer")
		return
	}
	s.negotiation.Lock()
	defer s.negotiation.Unlock()

	peer, generation, open := s.current()
	if !open || peer == nil {
		return
	}
	if peer.SignalingState() != transport.SignalingStateHaveLocalOffer {
		s.logger.Debug("ignoring answer without a pending offer",
			"signaling_state", peer.SignalingState().String())
		return
	}
	ctx := s.ctx
	if err := peer.SetRemoteDescription(ctx, transport.SessionDescription{Type: transport.SDPTypeAnswer, SDP: sdp}); err != nil {
		s.fail(generation, fmt.Errorf("session: applying remote answer: %w", err))
		return
	}
	s.flushCandidates(ctx, peer, generation)
	s.logger.Info("answer applied")
}

// handleCandidate applies a remote candidate, or queues it until the
// remote description is set.
func (s *PeerSession) handleCandidate(candidate transport.ICECandidate) {
	s.negotiation.Lock()
	defer s.negotiation.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	peer := s.peer
	if peer == nil || !peer.HasRemoteDescription() {
		s.pending = append(s.pending, candidate)
		queued := len(s.pending)
		s.mu.Unlock()
		s.logger.Debug("queued remote candidate", "queued", queued)
		return
	}
	s.mu.Unlock()

	if err := peer.AddICECandidate(s.ctx, candidate); err != nil {
		s.logger.Warn("adding remote candidate failed", "error", err)
	}
}

// flushCandidates applies queued candidates in arrival order. The
// caller holds the negotiation lock, so nothing is queued meanwhile.
func (s *PeerSession) flushCandidates(ctx context.Context, peer transport.Peer, generation uint64) {
	s.mu.Lock()
	if s.closed || s.generation != generation {
		s.mu.Unlock()
		return
	}
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, candidate := range queued {
		if err := peer.AddICECandidate(ctx, candidate); err != nil {
			s.logger.Warn("adding queued candidate failed", "error", err)
		}
	}
	if len(queued) > 0 {
		s.logger.Debug("flushed queued candidates", "count", len(queued))
	}
}

// handleViewerReady offers to the viewer. Every viewer-ready comes from
// a freshly created viewer peer, so a host that has already offered
// starts over with a fresh peer of its own.
func (s *PeerSession) handleViewerReady() {
	if s.role != transport.RoleHost {
		s.logger.Debug("ignoring viewer-ready on viewer")
		return
	}
	s.negotiation.Lock()
	defer s.negotiation.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.viewerReady = true
	peer, generation, offered := s.peer, s.generation, s.offered
	s.mu.Unlock()

	if peer == nil {
		s.logger.Debug("viewer ready before host start")
		return
	}
	ctx := s.ctx
	if offered || peer.HasRemoteDescription() {
		s.logger.Info("viewer restarted, replacing peer")
		var err error
		if peer, generation, err = s.replacePeer(ctx); err != nil {
			s.fail(generation, err)
			return
		}
		s.mu.Lock()
		changed := s.generation == generation && s.setStateLocked(StateNegotiating)
		s.mu.Unlock()
		if changed {
			s.emit(Event{Type: EventStateChanged, State: StateNegotiating})
		}
	}
	if err := s.sendOffer(ctx, peer, generation); err != nil {
		s.fail(generation, err)
	}
}

func (s *PeerSession) localCandidateHandler(generation uint64) func(transport.ICECandidate) {
	return func(candidate transport.ICECandidate) {
		s.mu.Lock()
		if s.closed || s.generation != generation {
			s.mu.Unlock()
			return
		}
		if !s.described {
			s.outgoing = append(s.outgoing, candidate)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.sendCandidate(s.ctx, candidate)
	}
}

func (s *PeerSession) connectionStateHandler(generation uint64) func(transport.ConnectionState) {
	return func(connection transport.ConnectionState) {
		var next State
		switch connection {
		case transport.ConnectionStateConnected:
			next = StateConnected
		case transport.ConnectionStateFailed:
			next = StateFailed
		case transport.ConnectionStateDisconnected:
			next = StateDisconnected
		default:
			return
		}
		s.mu.Lock()
		if s.closed || s.generation != generation || !s.setStateLocked(next) {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.logger.Info("connection state changed", "state", next.String())
		s.emit(Event{Type: EventStateChanged, State: next})
	}
}

func (s *PeerSession) controlChannelHandler(generation uint64) func(transport.MessageConn) {
	return func(conn transport.MessageConn) {
		if !s.isCurrent(generation) {
			conn.Close()
			return
		}
		s.emit(Event{Type: EventControlChannel, Control: conn})
	}
}

func (s *PeerSession) isCurrent(generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.generation == generation
}

// setStateLocked reports whether the state changed.
func (s *PeerSession) setStateLocked(state State) bool {
	if s.state == state {
		return false
	}
	s.state = state
	return true
}

// setReconnecting marks a supervised restart so that the start guard
// lets it through.
func (s *PeerSession) setReconnecting() {
	s.mu.Lock()
	changed := !s.closed && s.setStateLocked(StateReconnecting)
	s.mu.Unlock()
	if changed {
		s.emit(Event{Type: EventStateChanged, State: StateReconnecting})
	}
}

// fail records a negotiation failure for the given peer generation.
// Failures of superseded peers are dropped.
func (s *PeerSession) fail(generation uint64, err error) {
	s.mu.Lock()
	if s.closed || s.generation != generation {
		s.mu.Unlock()
		s.logger.Debug("ignoring failure of superseded peer", "error", err)
		return
	}
	changed := s.setStateLocked(StateFailed)
	s.mu.Unlock()

	s.logger.Warn("negotiation failed", "error", err)
	if changed {
		s.emit(Event{Type: EventStateChanged, State: StateFailed})
	}
	s.emit(Event{Type: EventNegotiationFailed, State: StateFailed, Err: err})
}

// Stats samples the current peer.
func (s *PeerSession) Stats(ctx context.Context) (transport.Stats, error) {
	s.mu.Lock()
	closed, peer := s.closed, s.peer
	s.mu.Unlock()
	if closed {
		return transport.Stats{}, ErrClosed
	}
	if peer == nil {
		return transport.Stats{}, ErrNoTransport
	}
	return peer.Stats(ctx)
}

// ApplyEncoderParams pushes params to the local media and uses their
// bitrate bounds for subsequent offers. It returns ErrNoTransport when
// no peer exists, so parameters are never applied to media that is
// being torn down.
func (s *PeerSession) ApplyEncoderParams(params transport.EncoderParams) error {
	hints := transport.BitrateHints{Min: params.MinBitrate, Start: params.StartBitrate, Max: params.MaxBitrate}
	if err := hints.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.hints = hints
	if s.peer == nil {
		s.mu.Unlock()
		return ErrNoTransport
	}
	media := s.media
	s.mu.Unlock()

	controller, ok := media.(transport.EncoderController)
	if !ok {
		return nil
	}
	return controller.ApplyEncoderParams(params)
}

// setBitrateHints replaces the hints used for the next offer.
func (s *PeerSession) setBitrateHints(hints transport.BitrateHints) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints = hints
}

// observe registers a callback run synchronously for every event,
// outside the session lock.
func (s *PeerSession) observe(observer func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

// onClose registers a function run first during Close.
func (s *PeerSession) onClose(closer func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, closer)
}

func (s *PeerSession) emit(event Event) {
	s.mu.Lock()
	observers := s.observers
	s.mu.Unlock()
	for _, observer := range observers {
		observer(event)
	}
	s.events.publish(event)
}

// Close tears the session down: timers registered by the controller
// stop, local media is released, the peer connection closes, queued
// candidates are dropped, and the signaling subscription ends. Any
// operation still in flight finds the session closed and does nothing.
func (s *PeerSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for _, closer := range closers {
		closer()
	}
	s.cancel()

	s.mu.Lock()
	media, peer := s.media, s.peer
	s.media, s.peer = nil, nil
	s.generation++
	s.mu.Unlock()
	s.release(media, peer)

	s.mu.Lock()
	s.pending = nil
	s.outgoing = nil
	changed := s.setStateLocked(StateIdle)
	s.observers = nil
	s.mu.Unlock()

	s.subscription.Close()
	s.logger.Info("session closed")
	if changed {
		s.events.publish(Event{Type: EventStateChanged, State: StateIdle})
	}
	s.events.close()
	return nil
}
