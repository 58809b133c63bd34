// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/bureau-foundation/tandem/transport"
)

// Quality names a fixed encoding preset.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// Preset is the encoding target for one Quality.
type Preset struct {
	Width     int
	Height    int
	Framerate int
	Bitrate   int
}

var presets = map[Quality]Preset{
	QualityLow:    {Width: 1280, Height: 720, Framerate: 30, Bitrate: 1_500_000},
	QualityMedium: {Width: 1920, Height: 1080, Framerate: 30, Bitrate: 4_000_000},
	QualityHigh:   {Width: 1920, Height: 1080, Framerate: 60, Bitrate: 6_000_000},
}

// PresetFor returns the preset for q.
func PresetFor(q Quality) (Preset, error) {
	preset, ok := presets[q]
	if !ok {
		return Preset{}, fmt.Errorf("session: unknown quality %q", q)
	}
	return preset, nil
}

// Bitrate ceilings and the game-mode encoding profile.
const (
	DefaultBitrateCeiling  = 6_000_000
	GameModeBitrateCeiling = 10_000_000
	GameModeFramerate      = 120
	GameModeScaleDown      = 1.5
)

// Adaptation steps are 20% down after three low samples and 20% up when
// the estimate clears the current maximum by half.
const lowSamplesBeforeDecrease = 3

// profile is the encoding state chosen by preset, game mode, and
// bandwidth adaptation.
type profile struct {
	quality  Quality
	gameMode bool

	// floor and start come from configuration; ceiling bounds every
	// increase outside game mode and never exceeds
	// DefaultBitrateCeiling.
	floor   int
	start   int
	ceiling int

	targets    transport.BitrateHints
	lowSamples int
}

func newProfile(quality Quality, gameMode bool, configured transport.BitrateHints) (*profile, error) {
	if _, err := PresetFor(quality); err != nil {
		return nil, err
	}
	if err := configured.Validate(); err != nil {
		return nil, err
	}
	p := &profile{
		quality:  quality,
		gameMode: gameMode,
		floor:    configured.Min,
		start:    configured.Start,
		ceiling:  min(configured.Max, DefaultBitrateCeiling),
	}
	p.reset()
	return p, nil
}

// maxCeiling is the highest bitrate adaptation may reach.
func (p *profile) maxCeiling() int {
	if p.gameMode {
		return GameModeBitrateCeiling
	}
	return p.ceiling
}

// reset recomputes the targets from the preset and mode, discarding
// any adaptation.
func (p *profile) reset() {
	preset := presets[p.quality]
	maximum := min(preset.Bitrate, p.ceiling)
	if p.gameMode {
		maximum = GameModeBitrateCeiling
	}
	minimum := min(p.floor, maximum)
	p.targets = transport.BitrateHints{
		Min:   minimum,
		Start: clamp(p.start, minimum, maximum),
		Max:   maximum,
	}
	p.lowSamples = 0
}

// observe feeds one statistics sample and reports whether the targets
// changed.
func (p *profile) observe(stats transport.Stats) bool {
	bandwidth := stats.AvailableBandwidthBPS
	low := stats.BandwidthLimited() || (bandwidth > 0 && bandwidth < float64(p.targets.Min))
	current := p.targets.Max

	switch {
	case low:
		p.lowSamples++
		if p.lowSamples < lowSamplesBeforeDecrease {
			return false
		}
		p.lowSamples = 0
		return p.setMax(max(current*4/5, p.targets.Min))
	case bandwidth > float64(current)*3/2:
		p.lowSamples = 0
		return p.setMax(min(current*6/5, p.maxCeiling()))
	default:
		p.lowSamples = 0
		return false
	}
}

func (p *profile) setMax(maximum int) bool {
	if maximum == p.targets.Max {
		return false
	}
	p.targets.Max = maximum
	p.targets.Start = clamp(p.targets.Start, p.targets.Min, maximum)
	return true
}

// params renders the encoder parameters for the current state.
func (p *profile) params() transport.EncoderParams {
	preset := presets[p.quality]
	params := transport.EncoderParams{
		Width:        preset.Width,
		Height:       preset.Height,
		MaxFramerate: preset.Framerate,
		ScaleDownBy:  1,
		MinBitrate:   p.targets.Min,
		StartBitrate: p.targets.Start,
		MaxBitrate:   p.targets.Max,
		Priority:     transport.PriorityMedium,
	}
	if p.gameMode {
		params.MaxFramerate = GameModeFramerate
		params.ScaleDownBy = GameModeScaleDown
		params.Priority = transport.PriorityHigh
	}
	return params
}

func clamp(value, low, high int) int {
	return max(low, min(value, high))
}
