// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tandem/lib/clock"
)

// ChallengeSize is the number of random bytes in a challenge.
const ChallengeSize = 32

// DefaultChallengeTTL is how long a challenge stays answerable.
const DefaultChallengeTTL = 30 * time.Second

// tombstoneFactor sets how long a consumed or expired challenge ID is
// remembered, as a multiple of the TTL. Past that, expiry is still
// recognized from the issue time stamped into the ID.
const tombstoneFactor = 10

// Challenge is a single-use nonce issued by the verifier. Salt and KDF
// tell the prover how to derive the shared secret from its password.
type Challenge struct {
	ID        string    `json:"challenge_id"`
	Bytes     []byte    `json:"challenge"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Salt      []byte    `json:"salt"`
	KDF       KDFParams `json:"kdf"`
}

// Response answers a challenge.
type Response struct {
	ChallengeID          string `json:"challenge_id"`
	ResponseHex          string `json:"response_hex"`
	DeviceFingerprintHex string `json:"device_fingerprint_hex"`
}

// Fingerprint decodes the device fingerprint.
func (r Response) Fingerprint() ([]byte, error) {
	fingerprint, err := hex.DecodeString(r.DeviceFingerprintHex)
	if err != nil || len(fingerprint) == 0 {
		return nil, fmt.Errorf("%w: device fingerprint", ErrMalformedResponse)
	}
	return fingerprint, nil
}

// Respond computes the prover's answer to challenge from a password.
func Respond(password []byte, challenge Challenge, fingerprint []byte) (Response, error) {
	shared, err := DeriveSharedSecret(password, challenge.Salt, challenge.KDF)
	if err != nil {
		return Response{}, err
	}
	defer shared.Close()
	return RespondWithSecret(shared.Bytes(), challenge, fingerprint)
}

// RespondWithSecret is Respond for a caller that already holds the
// derived secret.
func RespondWithSecret(sharedSecret []byte, challenge Challenge, fingerprint []byte) (Response, error) {
	digest, err := ComputeResponse(sharedSecret, challenge.ID, challenge.Bytes, fingerprint)
	if err != nil {
		return Response{}, err
	}
	return Response{
		ChallengeID:          challenge.ID,
		ResponseHex:          hex.EncodeToString(digest),
		DeviceFingerprintHex: hex.EncodeToString(fingerprint),
	}, nil
}

type challengeEntry struct {
	challenge Challenge
	consumed  bool
}

// ChallengeStore issues challenges and verifies responses to them. A
// challenge is consumed by the first verification attempt, whatever
// its outcome. Entries are only removed by Sweep.
type ChallengeStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	salt    []byte
	kdf     KDFParams
	entries map[string]*challengeEntry
}

// NewChallengeStore creates a store whose challenges carry salt and kdf.
func NewChallengeStore(clk clock.Clock, ttl time.Duration, salt []byte, kdf KDFParams) *ChallengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeStore{
		clock:   clk,
		ttl:     ttl,
		salt:    append([]byte(nil), salt...),
		kdf:     kdf,
		entries: make(map[string]*challengeEntry),
	}
}

// Issue creates a fresh challenge.
func (s *ChallengeStore) Issue() (Challenge, error) {
	nonce := make([]byte, ChallengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("auth: generating challenge: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	id, err := newChallengeID(now)
	if err != nil {
		return Challenge{}, fmt.Errorf("auth: generating challenge ID: %w", err)
	}
	challenge := Challenge{
		ID:        id.String(),
		Bytes:     nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
		Salt:      s.salt,
		KDF:       s.kdf,
	}
	s.entries[challenge.ID] = &challengeEntry{challenge: challenge}
	return challenge, nil
}

// Verify checks response against the expected shared secret. The
// challenge can never be verified again afterwards.
func (s *ChallengeStore) Verify(response Response, sharedSecret []byte) error {
	s.mu.Lock()
	now := s.clock.Now()
	entry, ok := s.entries[response.ChallengeID]
	if !ok {
		s.mu.Unlock()
		if issued, stamped := challengeIssuedAt(response.ChallengeID); stamped && !now.Before(issued.Add(s.ttl)) {
			return ErrChallengeExpired
		}
		return ErrChallengeUnknown
	}
	if !now.Before(entry.challenge.ExpiresAt) {
		entry.consumed = true
		s.mu.Unlock()
		return ErrChallengeExpired
	}
	if entry.consumed {
		s.mu.Unlock()
		return ErrChallengeConsumed
	}
	entry.consumed = true
	challenge := entry.challenge
	s.mu.Unlock()

	fingerprint, err := response.Fingerprint()
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(response.ResponseHex)
	if err != nil || len(got) != SecretSize {
		return fmt.Errorf("%w: response hash", ErrMalformedResponse)
	}
	want, err := ComputeResponse(sharedSecret, challenge.ID, challenge.Bytes, fingerprint)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrResponseMismatch
	}
	return nil
}

// newChallengeID returns a version 7 UUID whose timestamp is issued
// rather than the wall clock, so the store's clock governs it.
func newChallengeID(issued time.Time) (uuid.UUID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, err
	}
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], uint64(issued.UnixMilli()))
	copy(id[:6], stamp[2:])
	id[6] = id[6]&0x0f | 0x70
	return id, nil
}

// challengeIssuedAt recovers the issue time from an ID made by
// newChallengeID, to millisecond precision.
func challengeIssuedAt(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

// Sweep forgets challenges whose tombstone period has passed and
// returns how many were removed.
func (s *ChallengeStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0
	for id, entry := range s.entries {
		if now.After(entry.challenge.ExpiresAt.Add(tombstoneFactor * s.ttl)) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Outstanding returns the number of challenges that can still be
// answered.
func (s *ChallengeStore) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	count := 0
	for _, entry := range s.entries {
		if !entry.consumed && now.Before(entry.challenge.ExpiresAt) {
			count++
		}
	}
	return count
}
