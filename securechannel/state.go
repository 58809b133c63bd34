// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package securechannel protects Tandem's control plane with an
// ephemeral X25519 key agreement and XChaCha20-Poly1305.
//
// Each endpoint generates a fresh keypair per session. The initiator
// (the viewer) sends its public key with the session ID; the responder
// (the host) answers with its own. Both derive the session key as
//
//	HKDF-SHA256(ikm  = X25519(own private, peer public),
//	            salt = session ID,
//	            info = "tandem.securechannel.v1" || initiator public || responder public)
//
// Sealed messages are [24-byte random nonce][ciphertext + 16-byte tag]
// with the session ID as additional data. Key material lives in
// secret.Buffers and is wiped by Close.
package securechannel

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/tandem/lib/secret"
)

const (
	// KeySize is the length of public, private, and session keys.
	KeySize = 32

	// NonceSize is the nonce prefix of every sealed message.
	NonceSize = chacha20poly1305.NonceSizeX

	// Overhead is the number of bytes Seal adds to a plaintext.
	Overhead = NonceSize + chacha20poly1305.Overhead
)

var hkdfInfo = []byte("tandem.securechannel.v1")

// Crypto errors are distinct from packet framing errors. On any of
// them the payload must be discarded.
var (
	ErrNotEstablished     = errors.New("securechannel: channel not established")
	ErrAuthentication     = errors.New("securechannel: message authentication failed")
	ErrShortCiphertext    = errors.New("securechannel: ciphertext shorter than nonce and tag")
	ErrAlreadyEstablished = errors.New("securechannel: key exchange already completed")
	ErrInvalidPublicKey   = errors.New("securechannel: invalid peer public key")
	ErrSessionMismatch    = errors.New("securechannel: session ID does not match")
	ErrClosed             = errors.New("securechannel: closed")
)

// Role says which side of the key exchange a State plays.
type Role uint8

const (
	Initiator Role = iota + 1
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// State is one endpoint's view of a secure channel.
type State struct {
	mu         sync.Mutex
	role       Role
	sessionID  string
	privateKey *secret.Buffer
	publicKey  [KeySize]byte
	peerKey    []byte
	sessionKey *secret.Buffer
	closed     bool
}

// NewState generates an ephemeral keypair.
func NewState(role Role) (*State, error) {
	if role != Initiator && role != Responder {
		return nil, fmt.Errorf("securechannel: invalid role %d", role)
	}
	privateKey, err := secret.New(KeySize)
	if err != nil {
		return nil, fmt.Errorf("securechannel: allocating private key: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, privateKey.Bytes()); err != nil {
		privateKey.Close()
		return nil, fmt.Errorf("securechannel: generating private key: %w", err)
	}
	public, err := curve25519.X25519(privateKey.Bytes(), curve25519.Basepoint)
	if err != nil {
		privateKey.Close()
		return nil, fmt.Errorf("securechannel: deriving public key: %w", err)
	}

	state := &State{role: role, privateKey: privateKey}
	copy(state.publicKey[:], public)
	return state, nil
}

// Role returns the side this state plays.
func (s *State) Role() Role { return s.role }

// PublicKey returns this endpoint's public key.
func (s *State) PublicKey() []byte {
	return append([]byte(nil), s.publicKey[:]...)
}

// SessionID returns the session the key is bound to, or "" before the
// exchange.
func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Established reports whether a session key has been derived.
func (s *State) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKey != nil && !s.closed
}

// Establish derives the session key from the peer's public key. It may
// only succeed once per State.
func (s *State) Establish(sessionID string, peerPublicKey []byte) error {
	if sessionID == "" {
		return fmt.Errorf("securechannel: empty session ID")
	}
	if len(peerPublicKey) != KeySize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(peerPublicKey))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.sessionKey != nil {
		return ErrAlreadyEstablished
	}

	// X25519 rejects low-order points, whose shared secret would be
	// all zeros.
	shared, err := curve25519.X25519(s.privateKey.Bytes(), peerPublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	defer secret.Zero(shared)

	initiatorKey, responderKey := s.publicKey[:], peerPublicKey
	if s.role == Responder {
		initiatorKey, responderKey = peerPublicKey, s.publicKey[:]
	}
	info := make([]byte, 0, len(hkdfInfo)+2*KeySize)
	info = append(info, hkdfInfo...)
	info = append(info, initiatorKey...)
	info = append(info, responderKey...)

	sessionKey, err := secret.New(KeySize)
	if err != nil {
		return fmt.Errorf("securechannel: allocating session key: %w", err)
	}
	reader := hkdf.New(sha256.New, shared, []byte(sessionID), info)
	if _, err := io.ReadFull(reader, sessionKey.Bytes()); err != nil {
		sessionKey.Close()
		return fmt.Errorf("securechannel: deriving session key: %w", err)
	}

	s.sessionID = sessionID
	s.peerKey = append([]byte(nil), peerPublicKey...)
	s.sessionKey = sessionKey
	return nil
}

// Seal encrypts plaintext under a fresh random nonce and returns
// nonce || ciphertext.
func (s *State) Seal(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.sessionKey == nil {
		return nil, ErrNotEstablished
	}

	aead, err := chacha20poly1305.NewX(s.sessionKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("securechannel: creating cipher: %w", err)
	}
	output := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, output); err != nil {
		return nil, fmt.Errorf("securechannel: generating nonce: %w", err)
	}
	return aead.Seal(output, output[:NonceSize], plaintext, []byte(s.sessionID)), nil
}

// Open authenticates and decrypts a message produced by the peer's
// Seal.
func (s *State) Open(message []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.sessionKey == nil {
		return nil, ErrNotEstablished
	}
	if len(message) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortCiphertext, len(message))
	}

	aead, err := chacha20poly1305.NewX(s.sessionKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("securechannel: creating cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, message[:NonceSize], message[NonceSize:], []byte(s.sessionID))
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Close wipes the private and session keys. Close is idempotent.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.privateKey.Close()
	if s.sessionKey != nil {
		if closeErr := s.sessionKey.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}
