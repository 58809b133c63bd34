// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"os"
	"os/user"

	"github.com/zeebo/blake3"
)

// FingerprintSize is the length of a device fingerprint.
const FingerprintSize = 32

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// DeviceFingerprint identifies the local machine and user. It is stable
// across restarts and carries no secret material.
func DeviceFingerprint() []byte {
	hostname, _ := os.Hostname()
	username := ""
	if current, err := user.Current(); err == nil {
		username = current.Username
	}
	var machineID []byte
	for _, path := range machineIDPaths {
		if data, err := os.ReadFile(path); err == nil {
			machineID = bytes.TrimSpace(data)
			break
		}
	}
	return FingerprintOf(hostname, string(machineID), username)
}

// FingerprintOf hashes the identifying fields of a device.
func FingerprintOf(hostname, machineID, username string) []byte {
	hasher := blake3.New()
	hasher.Write([]byte("tandem.device.v1"))
	for _, field := range []string{hostname, machineID, username} {
		hasher.Write([]byte{0})
		hasher.Write([]byte(field))
	}
	return hasher.Sum(nil)
}
