// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs one Tandem session between a host and a viewer.
//
// [PeerSession] is the negotiation state machine. It owns exactly one
// [transport.Peer] at a time and drives it through offer, answer, and
// candidate exchange using envelopes from a [signaling.Signaler]. The
// host offers; the viewer answers. Envelopes addressed to the other
// role are ignored, candidates that arrive before the remote
// description are queued and flushed in arrival order, and a viewer
// holding a local offer when an offer arrives rolls back.
//
// [Controller] supervises a negotiated session: it polls transport
// statistics, adapts the host's bitrate to the measured bandwidth,
// applies quality presets and game mode, and restarts the session after
// a failure with a fixed backoff and a bounded number of attempts.
//
// Negotiation failures never propagate as panics or as errors to
// unrelated callers. They are published as [Event] values and drive
// the controller's reconnection logic.
package session

import "errors"

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")

	// ErrNoTransport is returned when an operation needs a peer
	// connection and none exists, typically between a teardown and the
	// next start.
	ErrNoTransport = errors.New("session: no transport")

	// ErrWrongRole is returned by StartAsHost on a viewer session and
	// StartAsViewer on a host session.
	ErrWrongRole = errors.New("session: operation not valid for this role")
)

// State is the negotiation state of a PeerSession.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateDisconnected
	StateReconnecting
)

var stateNames = [...]string{"idle", "negotiating", "connected", "failed", "disconnected", "reconnecting"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// down reports whether s calls for a reconnection.
func (s State) down() bool {
	return s == StateFailed || s == StateDisconnected
}
