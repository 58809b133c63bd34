// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrClosed is returned by operations on a closed Peer.
	ErrClosed = errors.New("transport: peer closed")

	// ErrRollbackUnsupported is returned by Rollback when the
	// underlying implementation cannot leave have-local-offer without
	// an answer. The caller replaces the Peer instead.
	ErrRollbackUnsupported = errors.New("transport: rollback not supported")
)

// Role selects the media direction of a Peer.
type Role int

const (
	// RoleHost sends screen and audio tracks and opens the control
	// data channel.
	RoleHost Role = iota

	// RoleViewer adds receive-only transceivers and accepts the
	// control data channel.
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleViewer:
		return "viewer"
	default:
		return "unknown"
	}
}

// ConnectionState is the aggregate connection state of a Peer.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

var connectionStateNames = [...]string{"new", "connecting", "connected", "disconnected", "failed", "closed"}

func (s ConnectionState) String() string {
	if int(s) < len(connectionStateNames) {
		return connectionStateNames[s]
	}
	return "unknown"
}

// SignalingState mirrors the JSEP signaling state.
type SignalingState int

const (
	SignalingStateStable SignalingState = iota
	SignalingStateHaveLocalOffer
	SignalingStateHaveRemoteOffer
	SignalingStateHaveLocalPranswer
	SignalingStateHaveRemotePranswer
	SignalingStateClosed
)

var signalingStateNames = [...]string{
	"stable", "have-local-offer", "have-remote-offer",
	"have-local-pranswer", "have-remote-pranswer", "closed",
}

func (s SignalingState) String() string {
	if int(s) < len(signalingStateNames) {
		return signalingStateNames[s]
	}
	return "unknown"
}

// SDPType is the type of a session description.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an offer or answer.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ICECandidate is a trickled candidate. SDPMid and SDPMLineIndex may be
// nil when the remote side did not send them.
type ICECandidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// Stats is one normalized statistics sample.
type Stats struct {
	RTTMillis               float64 `json:"rtt_ms"`
	AvailableBandwidthBPS   float64 `json:"available_bandwidth_bps"`
	FramesPerSecond         float64 `json:"frames_per_second"`
	QualityLimitationReason string  `json:"quality_limitation_reason"`
}

// BandwidthLimited reports whether the sender says bandwidth is what
// limits quality.
func (s Stats) BandwidthLimited() bool {
	return s.QualityLimitationReason == string(webrtc.QualityLimitationReasonBandwidth)
}

// Peer is one underlying peer-to-peer connection. Methods that change
// signaling state are not safe to call concurrently with each other;
// the session serializes them.
type Peer interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, description SessionDescription) error
	SetRemoteDescription(ctx context.Context, description SessionDescription) error

	// Rollback discards a pending local offer and returns to stable,
	// or fails with ErrRollbackUnsupported and leaves the Peer as it
	// was.
	Rollback(ctx context.Context) error

	AddICECandidate(ctx context.Context, candidate ICECandidate) error

	SignalingState() SignalingState
	ConnectionState() ConnectionState
	HasRemoteDescription() bool

	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// PeerConfig carries the role and callbacks for a new Peer. Callbacks
// run on transport goroutines.
type PeerConfig struct {
	Role Role

	// Media is attached send-only when Role is RoleHost.
	Media LocalMedia

	OnICECandidate          func(ICECandidate)
	OnConnectionStateChange func(ConnectionState)

	// OnControlChannel is called once the control data channel opens.
	OnControlChannel func(MessageConn)

	// OnTrack receives remote media on the viewer.
	OnTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// Factory creates Peers.
type Factory interface {
	NewPeer(ctx context.Context, cfg PeerConfig) (Peer, error)
}

// LocalMedia is the host's capture output: tracks to attach and a way
// to release the capture resources.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// MediaSource acquires LocalMedia when a host session starts.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}
