// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tandem/lib/config"
)

func TestICEConfigFromConfigEmpty(t *testing.T) {
	ice := ICEConfigFromConfig(config.ICEConfig{})
	if len(ice.Servers) != 0 {
		t.Errorf("expected no ICE servers, got %d", len(ice.Servers))
	}
}

func TestICEConfigFromConfig(t *testing.T) {
	ice := ICEConfigFromConfig(config.ICEConfig{Servers: []config.ICEServer{
		{URLs: []string{"stun:stun.example.net:3478"}},
		{URLs: nil, Username: "ignored"},
		{
			URLs:       []string{"turn:turn.example.net:3478?transport=udp", "turn:turn.example.net:3478?transport=tcp"},
			Username:   "1234:viewer",
			Credential: "secret",
		},
	}})
	if len(ice.Servers) != 2 {
		t.Fatalf("expected 2 ICE servers, got %d", len(ice.Servers))
	}
	if ice.Servers[0].Credential != nil {
		t.Errorf("STUN server credential = %v, want nil", ice.Servers[0].Credential)
	}
	turn := ice.Servers[1]
	if len(turn.URLs) != 2 {
		t.Errorf("expected 2 TURN URLs, got %d", len(turn.URLs))
	}
	if turn.Username != "1234:viewer" {
		t.Errorf("username = %q, want %q", turn.Username, "1234:viewer")
	}
	if turn.Credential != "secret" {
		t.Errorf("credential = %v, want %q", turn.Credential, "secret")
	}
	if turn.CredentialType != webrtc.ICECredentialTypePassword {
		t.Errorf("credential type = %v, want password", turn.CredentialType)
	}
}
