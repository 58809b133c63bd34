// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/rtcerr"

	"github.com/bureau-foundation/tandem/lib/clock"
)

// ControlChannelLabel is the label of the data channel carrying
// control-plane packets.
const ControlChannelLabel = "tandem-control"

var (
	_ Factory = (*PionFactory)(nil)
	_ Peer    = (*pionPeer)(nil)
)

// PionFactory creates Peers backed by pion/webrtc.
type PionFactory struct {
	ice    ICEConfig
	clock  clock.Clock
	logger *slog.Logger
}

// NewPionFactory returns a factory using ice for every new peer.
func NewPionFactory(ice ICEConfig, clk clock.Clock, logger *slog.Logger) *PionFactory {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PionFactory{ice: ice, clock: clk, logger: logger}
}

// newAPI builds a pion API with detached data channels, so message
// boundaries are visible to DataChannelConn.
func (f *PionFactory) newAPI() *webrtc.API {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(f.ice.IncludeLoopback)
	return webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
}

// NewPeer creates a peer connection configured for cfg.Role.
func (f *PionFactory) NewPeer(ctx context.Context, cfg PeerConfig) (Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.newAPI().NewPeerConnection(webrtc.Configuration{ICEServers: f.ice.Servers})
	if err != nil {
		return nil, fmt.Errorf("transport: creating peer connection: %w", err)
	}
	peer := &pionPeer{
		pc:     pc,
		cfg:    cfg,
		clock:  f.clock,
		logger: f.logger.With("role", cfg.Role.String()),
		stats:  NewStatsNormalizer(cfg.Role),
	}
	peer.registerCallbacks()

	switch cfg.Role {
	case RoleHost:
		err = peer.attachHost()
	case RoleViewer:
		err = peer.attachViewer()
	default:
		err = fmt.Errorf("transport: unknown role %d", cfg.Role)
	}
	if err != nil {
		pc.Close()
		return nil, err
	}
	return peer, nil
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	cfg    PeerConfig
	clock  clock.Clock
	logger *slog.Logger

	statsMu sync.Mutex
	stats   *StatsNormalizer
}

func (p *pionPeer) registerCallbacks() {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || p.cfg.OnICECandidate == nil {
			return
		}
		init := candidate.ToJSON()
		p.cfg.OnICECandidate(ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("peer connection state", "state", state.String())
		if p.cfg.OnConnectionStateChange != nil {
			p.cfg.OnConnectionStateChange(fromPionConnectionState(state))
		}
	})
}

func (p *pionPeer) attachHost() error {
	if p.cfg.Media != nil {
		for _, track := range p.cfg.Media.Tracks() {
			transceiver, err := p.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendonly,
			})
			if err != nil {
				return fmt.Errorf("transport: adding %s track: %w", track.Kind(), err)
			}
			go drainRTCP(transceiver.Sender())
		}
	}
	ordered := true
	channel, err := p.pc.CreateDataChannel(ControlChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("transport: creating control channel: %w", err)
	}
	p.watchControlChannel(channel)
	return nil
}

func (p *pionPeer) attachViewer() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("transport: adding %s transceiver: %w", kind, err)
		}
	}
	p.pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != ControlChannelLabel {
			p.logger.Warn("closing unexpected data channel", "label", channel.Label())
			channel.Close()
			return
		}
		p.watchControlChannel(channel)
	})
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if p.cfg.OnTrack != nil {
			p.cfg.OnTrack(track, receiver)
			return
		}
		buffer := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buffer); err != nil {
				return
			}
		}
	})
	return nil
}

func (p *pionPeer) watchControlChannel(channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		raw, err := channel.Detach()
		if err != nil {
			p.logger.Error("detaching control channel failed", "error", err)
			return
		}
		p.logger.Debug("control channel open", "label", channel.Label())
		conn := NewDataChannelConn(raw, channel.Label())
		if p.cfg.OnControlChannel == nil {
			conn.Close()
			return
		}
		p.cfg.OnControlChannel(conn)
	})
}

// drainRTCP reads sender reports so pion's interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buffer := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buffer); err != nil {
			return
		}
	}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("transport: creating offer: %w", err)
	}
	return SessionDescription{Type: SDPTypeOffer, SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("transport: creating answer: %w", err)
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (p *pionPeer) SetLocalDescription(ctx context.Context, description SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	native, err := toPionDescription(description)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(native); err != nil {
		return fmt.Errorf("transport: setting local %s: %w", description.Type, err)
	}
	return nil
}

func (p *pionPeer) SetRemoteDescription(ctx context.Context, description SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	native, err := toPionDescription(description)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(native); err != nil {
		return fmt.Errorf("transport: setting remote %s: %w", description.Type, err)
	}
	return nil
}

// Rollback discards the pending local offer. pion parses the SDP of a
// rollback description, so the pending offer is passed back in. pion
// refuses the have-local-offer -> stable transition, which surfaces as
// ErrRollbackUnsupported with the signaling state untouched.
func (p *pionPeer) Rollback(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pending := p.pc.PendingLocalDescription()
	if pending == nil {
		return errors.New("transport: rollback without a pending local description")
	}
	err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP})
	if err == nil {
		return nil
	}
	var invalid *rtcerr.InvalidModificationError
	if errors.As(err, &invalid) {
		return fmt.Errorf("%w: %v", ErrRollbackUnsupported, err)
	}
	return fmt.Errorf("transport: rollback: %w", err)
}

func (p *pionPeer) AddICECandidate(ctx context.Context, candidate ICECandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
	if err != nil {
		return fmt.Errorf("transport: adding candidate: %w", err)
	}
	return nil
}

func (p *pionPeer) SignalingState() SignalingState {
	switch p.pc.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		return SignalingStateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return SignalingStateHaveRemoteOffer
	case webrtc.SignalingStateHaveLocalPranswer:
		return SignalingStateHaveLocalPranswer
	case webrtc.SignalingStateHaveRemotePranswer:
		return SignalingStateHaveRemotePranswer
	case webrtc.SignalingStateClosed:
		return SignalingStateClosed
	default:
		return SignalingStateStable
	}
}

func (p *pionPeer) ConnectionState() ConnectionState {
	return fromPionConnectionState(p.pc.ConnectionState())
}

func (p *pionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeer) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	if p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return Stats{}, ErrClosed
	}
	report := p.pc.GetStats()
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats.Normalize(report, p.clock.Now()), nil
}

func (p *pionPeer) Close() error {
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("transport: closing peer connection: %w", err)
	}
	return nil
}

func toPionDescription(description SessionDescription) (webrtc.SessionDescription, error) {
	switch description.Type {
	case SDPTypeOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: description.SDP}, nil
	case SDPTypeAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: description.SDP}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("transport: unsupported description type %q", description.Type)
	}
}

func fromPionConnectionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	default:
		return ConnectionStateNew
	}
}
