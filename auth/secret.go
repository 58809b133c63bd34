// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"

	"github.com/bureau-foundation/tandem/lib/secret"
)

// SecretSize is the length of the password-derived shared secret and of
// every response hash.
const SecretSize = 32

// maxKDFMemoryKiB caps what a viewer will spend on a host-supplied
// parameter set.
const maxKDFMemoryKiB = 1 << 20

var responseDomain = []byte("tandem.auth.response.v1")

// KDFParams are the argon2id cost parameters stored with the
// credentials and sent to the viewer with each challenge.
type KDFParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

// DefaultKDFParams is argon2id at 19 MiB, two passes.
var DefaultKDFParams = KDFParams{Time: 2, MemoryKiB: 19 * 1024, Threads: 1}

// Validate rejects zero or excessive cost parameters.
func (p KDFParams) Validate() error {
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return fmt.Errorf("auth: kdf parameters must be positive: %+v", p)
	}
	if p.MemoryKiB > maxKDFMemoryKiB || p.Time > 16 {
		return fmt.Errorf("auth: kdf parameters too expensive: %+v", p)
	}
	return nil
}

// DeriveSharedSecret stretches a password into the shared secret both
// sides key the response hash with.
func DeriveSharedSecret(password, salt []byte, params KDFParams) (*secret.Buffer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("auth: empty password")
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("auth: salt must be at least 16 bytes")
	}
	derived := argon2.IDKey(password, salt, params.Time, params.MemoryKiB, params.Threads, SecretSize)
	return secret.NewFromBytes(derived)
}

// ComputeResponse is the keyed hash a prover returns for a challenge:
// BLAKE3 keyed with the shared secret over the domain tag and the
// length-prefixed challenge ID, challenge bytes, and device
// fingerprint.
func ComputeResponse(sharedSecret []byte, challengeID string, challenge, fingerprint []byte) ([]byte, error) {
	hasher, err := blake3.NewKeyed(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("auth: keyed hash: %w", err)
	}
	hasher.Write(responseDomain)
	for _, field := range [][]byte{[]byte(challengeID), challenge, fingerprint} {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(field)))
		hasher.Write(length[:])
		hasher.Write(field)
	}
	return hasher.Sum(nil), nil
}
