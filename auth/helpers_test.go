// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"testing"
	"time"

	"github.com/bureau-foundation/tandem/lib/clock"
)

// testKDF keeps argon2id fast enough for unit tests.
var testKDF = KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testSalt = []byte("0123456789abcdef")

func deriveSecret(t *testing.T, password string) []byte {
	t.Helper()
	shared, err := DeriveSharedSecret([]byte(password), testSalt, testKDF)
	if err != nil {
		t.Fatalf("DeriveSharedSecret: %v", err)
	}
	defer shared.Close()
	return append([]byte(nil), shared.Bytes()...)
}

func newFakeClock() *clock.FakeClock {
	return clock.Fake(epoch)
}
