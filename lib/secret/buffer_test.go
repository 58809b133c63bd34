// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"testing"
)

func TestNew_RejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) should fail", size)
		}
	}
}

func TestNew_ZeroFilled(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New(32) failed: %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 32 {
		t.Errorf("Len() = %d, want 32", buffer.Len())
	}
	for index, value := range buffer.Bytes() {
		if value != 0 {
			t.Fatalf("byte %d = %d, want 0", index, value)
		}
	}
}

func TestNewFromBytes_ZeroesSource(t *testing.T) {
	source := []byte("x25519-private-key-material")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	if buffer.String() != "x25519-private-key-material" {
		t.Errorf("String() = %q", buffer.String())
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d not zeroed: %d", index, value)
		}
	}

	if _, err := NewFromBytes(nil); err == nil {
		t.Error("NewFromBytes(nil) should fail")
	}
}

func TestBuffer_Equal(t *testing.T) {
	buffer, err := NewFromBytes([]byte("session-key"))
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	if !buffer.Equal([]byte("session-key")) {
		t.Error("Equal() = false for identical contents")
	}
	if buffer.Equal([]byte("session-kez")) {
		t.Error("Equal() = true for different contents")
	}
	if buffer.Equal([]byte("session")) {
		t.Error("Equal() = true for a prefix")
	}
}

func TestBuffer_Close(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	copy(buffer.Bytes(), "to be wiped")

	if err := buffer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if !buffer.Closed() {
		t.Error("Closed() = false after Close")
	}
	if buffer.data != nil {
		t.Error("data not released after Close")
	}

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}
