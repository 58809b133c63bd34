// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"time"
)

// FrameType names a relay frame.
type FrameType string

const (
	// FrameWelcome is the first frame a client receives: To is its own
	// connection ID and Peers lists the others already in the room.
	FrameWelcome FrameType = "welcome"

	FramePeerJoined FrameType = "peer-joined"
	FramePeerLeft   FrameType = "peer-left"

	// FrameSignal carries an Envelope in Data. An empty To broadcasts
	// to the rest of the room.
	FrameSignal FrameType = "signal"

	FrameError FrameType = "error"
)

// Frame is the JSON message exchanged with a RelayServer. The relay
// routes frames by connection ID and never looks inside Data.
type Frame struct {
	Type  FrameType       `json:"type"`
	To    string          `json:"to,omitempty"`
	From  string          `json:"from,omitempty"`
	Peers []string        `json:"peers,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

const (
	maxFrameSize   = 1 << 20
	writeTimeout   = 10 * time.Second
	defaultPing    = 20 * time.Second
	handshakeLimit = 10 * time.Second
)
