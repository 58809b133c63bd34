// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport wraps the peer-to-peer connection under a Tandem
// session.
//
// [Peer] is the narrow view of a WebRTC peer connection that the
// session state machine drives: description exchange, candidate
// trickling, rollback for glare, connection state, and normalized
// [Stats]. [PionFactory] builds Peers on pion/webrtc. The host side
// sends a screen video track and an audio track and opens the control
// data channel; the viewer side receives both and accepts the channel.
//
// [MessageConn] is the message-oriented stream the control plane runs
// over. [DataChannelConn] adapts a detached data channel to it, and
// [MessagePipe] connects two in-memory ends for tests and for the
// signaling fallback.
//
// [LowLatencySDP] rewrites outgoing descriptions with video bitrate
// bounds, and [StatsNormalizer] reduces a pion stats report to the
// round-trip time, bandwidth estimate, frame rate, and limitation
// reason the quality controller needs.
package transport
