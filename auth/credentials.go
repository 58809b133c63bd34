// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/tandem/lib/codec"
	"github.com/bureau-foundation/tandem/lib/sealed"
	"github.com/bureau-foundation/tandem/lib/secret"
)

// File names inside the host state directory.
const (
	IdentityFile    = "identity.age"
	CredentialsFile = "credentials.age"
	DevicesFile     = "devices.db"
)

const saltSize = 16

// ErrNotInitialized is returned by LoadCredentials when the state
// directory has no credential file.
var ErrNotInitialized = errors.New("auth: host credentials not initialized")

// Credentials is the host's login material. The shared secret is
// password-equivalent, so the whole record is sealed on disk.
type Credentials struct {
	Salt         []byte    `cbor:"salt"`
	KDF          KDFParams `cbor:"kdf"`
	SharedSecret []byte    `cbor:"shared_secret"`
	TOTPSecret   []byte    `cbor:"totp_secret,omitempty"`
	TokenSeed    []byte    `cbor:"token_seed"`
}

// NewCredentials derives fresh credentials from password. When withTOTP
// is set a second-factor key is generated too.
func NewCredentials(password []byte, params KDFParams, withTOTP bool) (*Credentials, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("auth: generating salt: %w", err)
	}
	shared, err := DeriveSharedSecret(password, salt, params)
	if err != nil {
		return nil, err
	}
	defer shared.Close()

	seed := make([]byte, SecretSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("auth: generating token seed: %w", err)
	}
	credentials := &Credentials{
		Salt:         salt,
		KDF:          params,
		SharedSecret: append([]byte(nil), shared.Bytes()...),
		TokenSeed:    seed,
	}
	if withTOTP {
		credentials.TOTPSecret, err = GenerateTOTPSecret()
		if err != nil {
			return nil, err
		}
	}
	return credentials, nil
}

// Wipe zeroes the secret fields.
func (c *Credentials) Wipe() {
	secret.Zero(c.SharedSecret)
	secret.Zero(c.TOTPSecret)
	secret.Zero(c.TokenSeed)
}

// InitStateDir creates the host identity and writes credentials sealed
// to it. Existing files are left alone unless force is set.
func InitStateDir(dir string, credentials *Credentials, force bool) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("auth: creating state dir: %w", err)
	}
	identityPath := filepath.Join(dir, IdentityFile)
	if !force {
		if _, err := os.Stat(identityPath); err == nil {
			return fmt.Errorf("auth: %s already exists", identityPath)
		}
	}
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()
	if err := os.WriteFile(identityPath, []byte(keypair.PrivateKey.String()+"\n"), 0o600); err != nil {
		return fmt.Errorf("auth: writing identity: %w", err)
	}
	return SaveCredentials(dir, credentials, keypair.PublicKey)
}

// SaveCredentials seals credentials to recipient inside dir.
func SaveCredentials(dir string, credentials *Credentials, recipient string) error {
	plaintext, err := codec.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("auth: encoding credentials: %w", err)
	}
	defer secret.Zero(plaintext)
	return sealed.WriteFile(filepath.Join(dir, CredentialsFile), plaintext, []string{recipient})
}

// LoadCredentials opens the sealed credential file in dir using the
// identity stored next to it.
func LoadCredentials(dir string) (*Credentials, error) {
	identityPath := filepath.Join(dir, IdentityFile)
	if _, err := os.Stat(identityPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s missing", ErrNotInitialized, identityPath)
	}
	identity, err := secret.ReadFromPath(identityPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading identity: %w", err)
	}
	defer identity.Close()
	if !strings.HasPrefix(identity.String(), "AGE-SECRET-KEY-") {
		return nil, fmt.Errorf("auth: %s is not an age identity", identityPath)
	}

	plaintext, err := sealed.ReadFile(filepath.Join(dir, CredentialsFile), identity)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrNotInitialized, err)
		}
		return nil, err
	}
	defer plaintext.Close()

	var credentials Credentials
	if err := codec.Unmarshal(plaintext.Bytes(), &credentials); err != nil {
		return nil, fmt.Errorf("auth: decoding credentials: %w", err)
	}
	if len(credentials.SharedSecret) != SecretSize || len(credentials.TokenSeed) != SecretSize {
		return nil, fmt.Errorf("auth: credential file is incomplete")
	}
	return &credentials, nil
}
