// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling carries session descriptions, ICE candidates, and
// readiness notices between the two ends of a Tandem session.
//
// Every message is an [Envelope], a closed set of kinds decoded and
// validated once at the boundary. A [Signaler] delivers envelopes to
// the remote side and hands incoming ones to subscribers; subscribers
// hold a [Subscription] and release it when their session ends.
//
// Two Signalers are provided: [MemoryEndpoint] pairs for tests and
// in-process use, and [WebSocketSignaler], which talks to a
// [RelayServer] over gorilla/websocket.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidEnvelope wraps every decode or validation failure.
	ErrInvalidEnvelope = errors.New("signaling: invalid envelope")

	// ErrClosed is returned by Send after the signaler is closed.
	ErrClosed = errors.New("signaling: closed")

	// ErrNoPeer is returned by Send when nobody is on the other end.
	ErrNoPeer = errors.New("signaling: no peer connected")
)

// Kind discriminates an Envelope.
type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindViewerReady  Kind = "viewer-ready"

	// KindControl carries an opaque control-plane packet when the
	// peer-to-peer data channel is unavailable.
	KindControl Kind = "control"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindViewerReady, KindControl:
		return true
	}
	return false
}

// Envelope is one signaling message. Which fields are set depends on
// Kind; Validate enforces the combination.
type Envelope struct {
	Kind          Kind    `json:"kind"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_m_line_index,omitempty"`
	Payload       []byte  `json:"payload,omitempty"`
}

// Offer builds an offer envelope.
func Offer(sdp string) Envelope { return Envelope{Kind: KindOffer, SDP: sdp} }

// Answer builds an answer envelope.
func Answer(sdp string) Envelope { return Envelope{Kind: KindAnswer, SDP: sdp} }

// ViewerReady builds the viewer's readiness notice.
func ViewerReady() Envelope { return Envelope{Kind: KindViewerReady} }

// Control wraps an encoded control packet.
func Control(payload []byte) Envelope { return Envelope{Kind: KindControl, Payload: payload} }

// ICECandidate builds a trickled candidate envelope. mid and index may
// be nil.
func ICECandidate(candidate string, mid *string, index *uint16) Envelope {
	return Envelope{Kind: KindICECandidate, Candidate: candidate, SDPMid: mid, SDPMLineIndex: index}
}

// Validate checks that the fields required by Kind are present and
// that no field belonging to another kind is set.
func (e Envelope) Validate() error {
	hasCandidate := e.Candidate != "" || e.SDPMid != nil || e.SDPMLineIndex != nil
	switch e.Kind {
	case KindOffer, KindAnswer:
		if e.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidEnvelope, e.Kind)
		}
		if hasCandidate || len(e.Payload) > 0 {
			return fmt.Errorf("%w: %s carries foreign fields", ErrInvalidEnvelope, e.Kind)
		}
	case KindICECandidate:
		if e.Candidate == "" {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidEnvelope)
		}
		if e.SDP != "" || len(e.Payload) > 0 {
			return fmt.Errorf("%w: ice-candidate carries foreign fields", ErrInvalidEnvelope)
		}
	case KindViewerReady:
		if e.SDP != "" || hasCandidate || len(e.Payload) > 0 {
			return fmt.Errorf("%w: viewer-ready carries fields", ErrInvalidEnvelope)
		}
	case KindControl:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: control without payload", ErrInvalidEnvelope)
		}
		if e.SDP != "" || hasCandidate {
			return fmt.Errorf("%w: control carries foreign fields", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// Marshal validates e and returns its JSON form.
func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates a JSON envelope.
func Decode(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// String is a short description for logs; it omits SDP bodies.
func (e Envelope) String() string {
	switch e.Kind {
	case KindOffer, KindAnswer:
		return fmt.Sprintf("%s(%d bytes)", e.Kind, len(e.SDP))
	case KindControl:
		return fmt.Sprintf("control(%d bytes)", len(e.Payload))
	default:
		return string(e.Kind)
	}
}
