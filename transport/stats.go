// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"slices"
	"time"

	"github.com/pion/webrtc/v4"
)

// StatsNormalizer turns pion stats reports into Stats. It keeps the
// previous inbound sample so a viewer can derive frame rate from the
// decoded-frame counter.
type StatsNormalizer struct {
	role Role

	haveInbound   bool
	lastDecoded   uint32
	lastInboundAt time.Time
}

// NewStatsNormalizer creates a normalizer for role.
func NewStatsNormalizer(role Role) *StatsNormalizer {
	return &StatsNormalizer{role: role}
}

// Normalize extracts round-trip time and available bandwidth from the
// active candidate pair, and frame rate and quality-limitation reason
// from the video stream.
func (n *StatsNormalizer) Normalize(report webrtc.StatsReport, now time.Time) Stats {
	stats := Stats{QualityLimitationReason: string(webrtc.QualityLimitationReasonNone)}

	ids := make([]string, 0, len(report))
	for id := range report {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var pair *webrtc.ICECandidatePairStats
	var outbound *webrtc.OutboundRTPStreamStats
	var inbound *webrtc.InboundRTPStreamStats
	for _, id := range ids {
		switch entry := report[id].(type) {
		case webrtc.ICECandidatePairStats:
			if betterPair(&entry, pair) {
				pair = &entry
			}
		case webrtc.OutboundRTPStreamStats:
			if entry.Kind == "video" && outbound == nil {
				outbound = &entry
			}
		case webrtc.InboundRTPStreamStats:
			if entry.Kind == "video" && inbound == nil {
				inbound = &entry
			}
		}
	}

	if pair != nil {
		stats.RTTMillis = pair.CurrentRoundTripTime * 1000
		outgoing, incoming := pair.AvailableOutgoingBitrate, pair.AvailableIncomingBitrate
		if n.role == RoleViewer {
			outgoing, incoming = incoming, outgoing
		}
		stats.AvailableBandwidthBPS = outgoing
		if stats.AvailableBandwidthBPS == 0 {
			stats.AvailableBandwidthBPS = incoming
		}
	}

	if outbound != nil {
		stats.FramesPerSecond = outbound.FramesPerSecond
		if outbound.QualityLimitationReason != "" {
			stats.QualityLimitationReason = string(outbound.QualityLimitationReason)
		}
	}

	if inbound != nil && n.role == RoleViewer {
		if n.haveInbound && inbound.FramesDecoded >= n.lastDecoded {
			if elapsed := now.Sub(n.lastInboundAt).Seconds(); elapsed > 0 {
				stats.FramesPerSecond = float64(inbound.FramesDecoded-n.lastDecoded) / elapsed
			}
		}
		n.haveInbound = true
		n.lastDecoded = inbound.FramesDecoded
		n.lastInboundAt = now
	}
	return stats
}

// betterPair prefers a nominated succeeded pair over a merely succeeded
// one, and ignores pairs that have not succeeded.
func betterPair(candidate, current *webrtc.ICECandidatePairStats) bool {
	if candidate.State != webrtc.StatsICECandidatePairStateSucceeded {
		return false
	}
	if current == nil {
		return true
	}
	return candidate.Nominated && !current.Nominated
}
