// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tandem/lib/config"
)

// ICEConfig holds the STUN and TURN servers used while gathering
// candidates.
type ICEConfig struct {
	// Servers is tried in order. Empty means host candidates only,
	// which is enough on one machine or one LAN.
	Servers []webrtc.ICEServer

	// IncludeLoopback adds 127.0.0.1 candidates, for tests and
	// same-machine sessions.
	IncludeLoopback bool
}

// ICEConfigFromConfig converts the ice section of the configuration.
// Entries without URLs are skipped.
func ICEConfigFromConfig(section config.ICEConfig) ICEConfig {
	var servers []webrtc.ICEServer
	for _, server := range section.Servers {
		if len(server.URLs) == 0 {
			continue
		}
		entry := webrtc.ICEServer{URLs: server.URLs, Username: server.Username}
		if server.Credential != "" {
			entry.Credential = server.Credential
			entry.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, entry)
	}
	return ICEConfig{Servers: servers}
}
