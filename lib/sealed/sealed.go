// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts Tandem's host credential file at rest with
// age. The file holds the password verifier, the TOTP secret, and the
// session-token signing seed; it is sealed to the host's age identity
// and written ASCII-armored so operators can inspect and back it up.
//
// Private keys and decrypted plaintext come back as *secret.Buffer.
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/tandem/lib/secret"
)

// ErrNoRecipients is returned by Encrypt when no recipient is given.
var ErrNoRecipients = errors.New("sealed: at least one recipient is required")

// Keypair is an age X25519 identity. PrivateKey holds the
// AGE-SECRET-KEY-1... string; PublicKey is the age1... recipient.
type Keypair struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// Close wipes the private key.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a fresh host identity.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating identity: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting identity: %w", err)
	}
	return &Keypair{PrivateKey: privateKey, PublicKey: identity.Recipient().String()}, nil
}

// Encrypt seals plaintext to every recipient and returns armored
// ciphertext.
func Encrypt(plaintext []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, ErrNoRecipients
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var output bytes.Buffer
	armored := armor.NewWriter(&output)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing armor: %w", err)
	}
	return output.Bytes(), nil
}

// Decrypt opens armored ciphertext with privateKey, which is borrowed
// and not closed.
func Decrypt(ciphertext []byte, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing identity: %w", err)
	}
	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: plaintext is empty")
	}
	return secret.NewFromBytes(plaintext)
}

// WriteFile seals plaintext and replaces path atomically with mode 0600.
func WriteFile(path string, plaintext []byte, recipientKeys []string) error {
	ciphertext, err := Encrypt(plaintext, recipientKeys)
	if err != nil {
		return err
	}
	temporary, err := os.CreateTemp(filepath.Dir(path), ".sealed-*")
	if err != nil {
		return fmt.Errorf("sealed: %w", err)
	}
	defer os.Remove(temporary.Name())
	if err := temporary.Chmod(0o600); err != nil {
		temporary.Close()
		return fmt.Errorf("sealed: %w", err)
	}
	if _, err := temporary.Write(ciphertext); err != nil {
		temporary.Close()
		return fmt.Errorf("sealed: writing %s: %w", path, err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("sealed: %w", err)
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		return fmt.Errorf("sealed: installing %s: %w", path, err)
	}
	return nil
}

// ReadFile opens a file written by WriteFile.
func ReadFile(path string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: %w", err)
	}
	return Decrypt(ciphertext, privateKey)
}
