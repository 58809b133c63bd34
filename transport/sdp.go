// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// BitrateHints are the video bitrate bounds written into outgoing
// descriptions, in bits per second.
type BitrateHints struct {
	Min   int
	Start int
	Max   int
}

// Validate requires 0 < Min <= Start <= Max.
func (h BitrateHints) Validate() error {
	if h.Min <= 0 || h.Start < h.Min || h.Max < h.Start {
		return fmt.Errorf("transport: bitrate hints must satisfy 0 < min <= start <= max, got %d/%d/%d", h.Min, h.Start, h.Max)
	}
	return nil
}

// Payload formats that carry no video codec of their own.
var auxiliaryCodecs = map[string]bool{"rtx": true, "red": true, "ulpfec": true, "flexfec-03": true}

const googleBitratePrefix = "x-google-"

// LowLatencySDP rewrites a session description for interactive
// streaming. Every b= line is removed, video sections get a single
// b=AS line at the maximum bitrate, and each video codec's fmtp line
// carries x-google-min/start/max-bitrate (kbps).
//
// Apply it to the copy sent over signaling; the local description must
// stay as the peer connection generated it.
func LowLatencySDP(description string, hints BitrateHints) (string, error) {
	if err := hints.Validate(); err != nil {
		return "", err
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(description); err != nil {
		return "", fmt.Errorf("transport: parsing sdp: %w", err)
	}

	parsed.Bandwidth = nil
	for _, media := range parsed.MediaDescriptions {
		media.Bandwidth = nil
		if media.MediaName.Media != "video" {
			continue
		}
		media.Bandwidth = []sdp.Bandwidth{{Type: "AS", Bandwidth: uint64(hints.Max / 1000)}}
		rewriteVideoFormats(media, hints)
	}

	out, err := parsed.Marshal()
	if err != nil {
		return "", fmt.Errorf("transport: encoding sdp: %w", err)
	}
	return string(out), nil
}

func rewriteVideoFormats(media *sdp.MediaDescription, hints BitrateHints) {
	codecs := make(map[string]string)
	for _, attribute := range media.Attributes {
		if attribute.Key != "rtpmap" {
			continue
		}
		payload, encoding, ok := strings.Cut(attribute.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(encoding, "/")
		codecs[payload] = strings.ToLower(name)
	}

	bitrate := fmt.Sprintf("x-google-min-bitrate=%d;x-google-start-bitrate=%d;x-google-max-bitrate=%d",
		hints.Min/1000, hints.Start/1000, hints.Max/1000)

	hasFmtp := make(map[string]bool)
	for index, attribute := range media.Attributes {
		if attribute.Key != "fmtp" {
			continue
		}
		payload, parameters, _ := strings.Cut(attribute.Value, " ")
		hasFmtp[payload] = true
		codec, known := codecs[payload]
		if !known || auxiliaryCodecs[codec] {
			continue
		}
		kept := make([]string, 0, 4)
		for _, parameter := range strings.Split(parameters, ";") {
			parameter = strings.TrimSpace(parameter)
			if parameter != "" && !strings.HasPrefix(parameter, googleBitratePrefix) {
				kept = append(kept, parameter)
			}
		}
		kept = append(kept, bitrate)
		media.Attributes[index].Value = payload + " " + strings.Join(kept, ";")
	}

	for _, payload := range media.MediaName.Formats {
		codec, known := codecs[payload]
		if !known || auxiliaryCodecs[codec] || hasFmtp[payload] {
			continue
		}
		media.Attributes = append(media.Attributes, sdp.NewAttribute("fmtp", payload+" "+bitrate))
	}
}
