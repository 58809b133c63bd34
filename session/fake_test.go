// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tandem/lib/testutil"
	"github.com/bureau-foundation/tandem/signaling"
	"github.com/bureau-foundation/tandem/transport"
)

const fakeOfferSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"b=AS:30000\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

var errNoICE = errors.New("no ice agent")

var testBitrate = transport.BitrateHints{Min: 500_000, Start: 2_500_000, Max: 6_000_000}

// fakePeer follows the JSEP signaling transitions the session relies
// on and records every call.
type fakePeer struct {
	cfg transport.PeerConfig

	mu         sync.Mutex
	signaling  transport.SignalingState
	connection transport.ConnectionState
	remote     *transport.SessionDescription
	candidates []string
	rollbacks  int
	closed     bool

	// noRollback makes Rollback fail the way pion does.
	noRollback bool
	stats      transport.Stats
	remoteErr  error

	remoteSet chan transport.SessionDescription
}

var _ transport.Peer = (*fakePeer)(nil)

func newFakePeer(cfg transport.PeerConfig) *fakePeer {
	return &fakePeer{cfg: cfg, remoteSet: make(chan transport.SessionDescription, 8)}
}

func (p *fakePeer) CreateOffer(ctx context.Context) (transport.SessionDescription, error) {
	return transport.SessionDescription{Type: transport.SDPTypeOffer, SDP: fakeOfferSDP}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (transport.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != transport.SignalingStateHaveRemoteOffer {
		return transport.SessionDescription{}, errors.New("fake: answer without remote offer")
	}
	return transport.SessionDescription{Type: transport.SDPTypeAnswer, SDP: "fake answer"}, nil
}

func (p *fakePeer) SetLocalDescription(ctx context.Context, description transport.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case description.Type == transport.SDPTypeOffer && p.signaling == transport.SignalingStateStable:
		p.signaling = transport.SignalingStateHaveLocalOffer
	case description.Type == transport.SDPTypeAnswer && p.signaling == transport.SignalingStateHaveRemoteOffer:
		p.signaling = transport.SignalingStateStable
	default:
		return fmt.Errorf("fake: local %s in state %s", description.Type, p.signaling)
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(ctx context.Context, description transport.SessionDescription) error {
	p.mu.Lock()
	if p.remoteErr != nil {
		err := p.remoteErr
		p.mu.Unlock()
		return err
	}
	switch {
	case description.Type == transport.SDPTypeOffer && p.signaling == transport.SignalingStateStable:
		p.signaling = transport.SignalingStateHaveRemoteOffer
	case description.Type == transport.SDPTypeAnswer && p.signaling == transport.SignalingStateHaveLocalOffer:
		p.signaling = transport.SignalingStateStable
	default:
		state := p.signaling
		p.mu.Unlock()
		return fmt.Errorf("fake: remote %s in state %s", description.Type, state)
	}
	p.remote = &description
	p.mu.Unlock()
	p.remoteSet <- description
	return nil
}

func (p *fakePeer) Rollback(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != transport.SignalingStateHaveLocalOffer {
		return errors.New("fake: nothing to roll back")
	}
	if p.noRollback {
		return fmt.Errorf("%w: fake", transport.ErrRollbackUnsupported)
	}
	p.signaling = transport.SignalingStateStable
	p.rollbacks++
	return nil
}

func (p *fakePeer) AddICECandidate(ctx context.Context, candidate transport.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("fake: candidate before remote description")
	}
	p.candidates = append(p.candidates, candidate.Candidate)
	return nil
}

func (p *fakePeer) SignalingState() transport.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePeer) ConnectionState() transport.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connection
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) Stats(ctx context.Context) (transport.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.Stats{}, transport.ErrClosed
	}
	return p.stats, nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.connection = transport.ConnectionStateClosed
	return nil
}

// setConnection moves the connection state and reports it the way a
// real peer's callback would.
func (p *fakePeer) setConnection(state transport.ConnectionState) {
	p.mu.Lock()
	p.connection = state
	p.mu.Unlock()
	if p.cfg.OnConnectionStateChange != nil {
		p.cfg.OnConnectionStateChange(state)
	}
}

func (p *fakePeer) setStats(stats transport.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = stats
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePeer) rollbackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbacks
}

type fakeFactory struct {
	mu      sync.Mutex
	peers   []*fakePeer
	nextErr error
	created chan *fakePeer
}

var _ transport.Factory = (*fakeFactory)(nil)

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(chan *fakePeer, 32)}
}

func (f *fakeFactory) NewPeer(ctx context.Context, cfg transport.PeerConfig) (transport.Peer, error) {
	f.mu.Lock()
	if err := f.nextErr; err != nil {
		f.nextErr = nil
		f.mu.Unlock()
		return nil, err
	}
	peer := newFakePeer(cfg)
	f.peers = append(f.peers, peer)
	f.mu.Unlock()
	f.created <- peer
	return peer, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

func (f *fakeFactory) failNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextErr = err
}

type fakeMedia struct {
	mu     sync.Mutex
	closed bool
	params []transport.EncoderParams
}

var (
	_ transport.LocalMedia        = (*fakeMedia)(nil)
	_ transport.EncoderController = (*fakeMedia)(nil)
)

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) ApplyEncoderParams(params transport.EncoderParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = append(m.params, params)
	return nil
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMedia) lastParams() (transport.EncoderParams, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.params) == 0 {
		return transport.EncoderParams{}, false
	}
	return m.params[len(m.params)-1], true
}

type fakeSource struct {
	mu    sync.Mutex
	media []*fakeMedia
}

func (s *fakeSource) Acquire(ctx context.Context) (transport.LocalMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	media := &fakeMedia{}
	s.media = append(s.media, media)
	return media, nil
}

func (s *fakeSource) last() *fakeMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media[len(s.media)-1]
}

// harness is one session wired to a fake factory, with the test holding
// the other end of an in-memory signaling pair.
type harness struct {
	session  *PeerSession
	factory  *fakeFactory
	source   *fakeSource
	remote   *signaling.MemoryEndpoint
	local    *signaling.MemoryEndpoint
	received chan signaling.Envelope
	events   *Subscription
}

func newHarness(t *testing.T, role transport.Role, eager bool) *harness {
	t.Helper()
	local, remote := signaling.NewMemoryPair()
	h := &harness{
		factory:  newFakeFactory(),
		source:   &fakeSource{},
		remote:   remote,
		local:    local,
		received: make(chan signaling.Envelope, 64),
	}
	remote.Subscribe(func(envelope signaling.Envelope) { h.received <- envelope })

	cfg := Config{
		Role:       role,
		Factory:    h.factory,
		Signaler:   local,
		EagerOffer: eager,
		Bitrate:    testBitrate,
		Logger:     testutil.DiscardLogger(),
	}
	if role == transport.RoleHost {
		cfg.Media = h.source
	}
	session, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.session = session
	h.events = session.Subscribe()
	t.Cleanup(func() {
		session.Close()
		local.Close()
		remote.Close()
	})
	return h
}

// send delivers an envelope to the session as if the remote side sent
// it.
func (h *harness) send(t *testing.T, envelope signaling.Envelope) {
	t.Helper()
	if err := h.remote.Send(context.Background(), envelope); err != nil {
		t.Fatalf("sending %s: %v", envelope.Kind, err)
	}
}

// expect returns the next envelope the session sent and checks its
// kind.
func (h *harness) expect(t *testing.T, kind signaling.Kind) signaling.Envelope {
	t.Helper()
	envelope := testutil.RequireReceive(t, h.received, 5*time.Second, "waiting for "+string(kind))
	if envelope.Kind != kind {
		t.Fatalf("session sent %s, want %s", envelope.Kind, kind)
	}
	return envelope
}

// waitEvent reads events until one satisfies match.
func waitEvent(t *testing.T, subscription *Subscription, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-subscription.Events():
			if !ok {
				t.Fatal("event stream closed")
			}
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func isState(state State) func(Event) bool {
	return func(event Event) bool {
		return event.Type == EventStateChanged && event.State == state
	}
}

func isType(eventType EventType) func(Event) bool {
	return func(event Event) bool { return event.Type == eventType }
}
