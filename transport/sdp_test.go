// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"strings"
	"testing"
)

const sampleOffer = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"b=AS:500\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"b=AS:64\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97 98\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"b=TIAS:1000000\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:97 rtx/90000\r\n" +
	"a=fmtp:97 apt=96\r\n" +
	"a=rtpmap:98 H264/90000\r\n" +
	"a=fmtp:98 profile-level-id=42e01f;x-google-max-bitrate=100\r\n"

func TestLowLatencySDP(t *testing.T) {
	hints := BitrateHints{Min: 500_000, Start: 2_000_000, Max: 6_000_000}
	rewritten, err := LowLatencySDP(sampleOffer, hints)
	if err != nil {
		t.Fatalf("LowLatencySDP: %v", err)
	}

	for _, removed := range []string{"b=AS:500\r\n", "b=AS:64\r\n", "b=TIAS", "x-google-max-bitrate=100"} {
		if strings.Contains(rewritten, removed) {
			t.Errorf("rewritten description still contains %q:\n%s", removed, rewritten)
		}
	}
	if count := strings.Count(rewritten, "b=AS:6000\r\n"); count != 1 {
		t.Errorf("b=AS:6000 appears %d times, want 1:\n%s", count, rewritten)
	}

	const bitrate = "x-google-min-bitrate=500;x-google-start-bitrate=2000;x-google-max-bitrate=6000"
	for _, want := range []string{
		"a=fmtp:96 " + bitrate + "\r\n",
		"a=fmtp:98 profile-level-id=42e01f;" + bitrate + "\r\n",
		"a=fmtp:97 apt=96\r\n",
		"a=fmtp:111 minptime=10;useinbandfec=1\r\n",
	} {
		if !strings.Contains(rewritten, want) {
			t.Errorf("rewritten description missing %q:\n%s", want, rewritten)
		}
	}
}

func TestLowLatencySDPIsIdempotent(t *testing.T) {
	hints := BitrateHints{Min: 300_000, Start: 1_000_000, Max: 1_500_000}
	once, err := LowLatencySDP(sampleOffer, hints)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	twice, err := LowLatencySDP(once, hints)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if once != twice {
		t.Errorf("second pass changed the description:\nfirst:\n%s\nsecond:\n%s", once, twice)
	}
}

func TestLowLatencySDPRejectsBadInput(t *testing.T) {
	if _, err := LowLatencySDP(sampleOffer, BitrateHints{Min: 2, Start: 1, Max: 3}); err == nil {
		t.Error("expected error for min > start")
	}
	if _, err := LowLatencySDP(sampleOffer, BitrateHints{}); err == nil {
		t.Error("expected error for zero hints")
	}
	if _, err := LowLatencySDP("not a session description", BitrateHints{Min: 1, Start: 1, Max: 1}); err == nil {
		t.Error("expected parse error")
	}
}
