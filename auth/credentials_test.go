// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCredentialsRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	credentials, err := NewCredentials([]byte("pw"), testKDF, true)
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	if len(credentials.TOTPSecret) != TOTPSecretSize {
		t.Errorf("TOTP secret length = %d, want %d", len(credentials.TOTPSecret), TOTPSecretSize)
	}
	if err := InitStateDir(dir, credentials, false); err != nil {
		t.Fatalf("InitStateDir: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, CredentialsFile))
	if err != nil {
		t.Fatalf("stat credentials: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("credentials mode = %v, want 0600", info.Mode().Perm())
	}
	sealedBytes, err := os.ReadFile(filepath.Join(dir, CredentialsFile))
	if err != nil {
		t.Fatalf("read credentials: %v", err)
	}
	if bytes.Contains(sealedBytes, credentials.SharedSecret) {
		t.Error("credential file contains the shared secret in the clear")
	}

	loaded, err := LoadCredentials(dir)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if !bytes.Equal(loaded.SharedSecret, credentials.SharedSecret) ||
		!bytes.Equal(loaded.TokenSeed, credentials.TokenSeed) ||
		!bytes.Equal(loaded.TOTPSecret, credentials.TOTPSecret) ||
		!bytes.Equal(loaded.Salt, credentials.Salt) {
		t.Error("loaded credentials differ from saved ones")
	}
	if loaded.KDF != testKDF {
		t.Errorf("KDF = %+v, want %+v", loaded.KDF, testKDF)
	}

	// The stored secret is what a viewer derives from the password.
	rederived, err := DeriveSharedSecret([]byte("pw"), loaded.Salt, loaded.KDF)
	if err != nil {
		t.Fatalf("DeriveSharedSecret: %v", err)
	}
	defer rederived.Close()
	if !rederived.Equal(loaded.SharedSecret) {
		t.Error("stored shared secret does not match password derivation")
	}
}

func TestInitStateDirRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	credentials, err := NewCredentials([]byte("pw"), testKDF, false)
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	if err := InitStateDir(dir, credentials, false); err != nil {
		t.Fatalf("InitStateDir: %v", err)
	}
	if err := InitStateDir(dir, credentials, false); err == nil {
		t.Fatal("second InitStateDir without force succeeded")
	}
	if err := InitStateDir(dir, credentials, true); err != nil {
		t.Fatalf("InitStateDir with force: %v", err)
	}
}

func TestLoadCredentialsNotInitialized(t *testing.T) {
	if _, err := LoadCredentials(t.TempDir()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("LoadCredentials error = %v, want ErrNotInitialized", err)
	}
}

func TestCredentialsWipe(t *testing.T) {
	credentials, err := NewCredentials([]byte("pw"), testKDF, true)
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	credentials.Wipe()
	for name, field := range map[string][]byte{
		"shared secret": credentials.SharedSecret,
		"token seed":    credentials.TokenSeed,
		"totp secret":   credentials.TOTPSecret,
	} {
		if !bytes.Equal(field, make([]byte, len(field))) {
			t.Errorf("%s not zeroed", name)
		}
	}
}
