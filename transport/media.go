// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Priority is the transport priority requested for the video stream.
type Priority string

const (
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// EncoderParams is what the session asks of the capture and encode
// pipeline.
type EncoderParams struct {
	Width        int      `json:"width"`
	Height       int      `json:"height"`
	MaxFramerate int      `json:"max_framerate"`
	ScaleDownBy  float64  `json:"scale_down_by"`
	MinBitrate   int      `json:"min_bitrate"`
	StartBitrate int      `json:"start_bitrate"`
	MaxBitrate   int      `json:"max_bitrate"`
	Priority     Priority `json:"priority"`
}

// EncoderController receives encoder parameter updates.
type EncoderController interface {
	ApplyEncoderParams(params EncoderParams) error
}

var (
	_ LocalMedia        = (*SampleMedia)(nil)
	_ EncoderController = (*SampleMedia)(nil)
)

// SampleMedia is LocalMedia fed by an external encoder: it owns one
// video and one audio sample track and records the encoder parameters
// the session last requested.
type SampleMedia struct {
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	mu       sync.Mutex
	params   EncoderParams
	onParams func(EncoderParams)
	closed   bool
}

// NewSampleMedia creates VP8 video and Opus audio tracks. onParams, if
// set, is called with every parameter update.
func NewSampleMedia(streamID string, onParams func(EncoderParams)) (*SampleMedia, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"screen", streamID)
	if err != nil {
		return nil, fmt.Errorf("transport: creating video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("transport: creating audio track: %w", err)
	}
	return &SampleMedia{video: video, audio: audio, onParams: onParams}, nil
}

// Tracks returns the video and audio tracks.
func (m *SampleMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.video, m.audio}
}

// WriteVideo sends one encoded video frame.
func (m *SampleMedia) WriteVideo(data []byte, duration time.Duration) error {
	return m.video.WriteSample(media.Sample{Data: data, Duration: duration})
}

// WriteAudio sends one encoded audio frame.
func (m *SampleMedia) WriteAudio(data []byte, duration time.Duration) error {
	return m.audio.WriteSample(media.Sample{Data: data, Duration: duration})
}

// ApplyEncoderParams records params and forwards them to the encoder.
func (m *SampleMedia) ApplyEncoderParams(params EncoderParams) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.params = params
	callback := m.onParams
	m.mu.Unlock()
	if callback != nil {
		callback(params)
	}
	return nil
}

// EncoderParams returns the most recent parameters.
func (m *SampleMedia) EncoderParams() EncoderParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// Close marks the media released. The tracks stop carrying samples once
// their peer connection closes.
func (m *SampleMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SampleSource hands out one SampleMedia per acquisition.
type SampleSource struct {
	StreamID string
	OnMedia  func(*SampleMedia)
	OnParams func(EncoderParams)
}

// Acquire creates fresh tracks.
func (s *SampleSource) Acquire(ctx context.Context) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "tandem"
	}
	sampleMedia, err := NewSampleMedia(streamID, s.OnParams)
	if err != nil {
		return nil, err
	}
	if s.OnMedia != nil {
		s.OnMedia(sampleMedia)
	}
	return sampleMedia, nil
}
