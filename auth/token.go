// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/lib/codec"
	"github.com/bureau-foundation/tandem/lib/secret"
)

// DefaultTokenTTL is the lifetime of a session token.
const DefaultTokenTTL = 12 * time.Hour

// Permission is a capability scope carried by a session token.
type Permission string

const (
	PermissionView         Permission = "view"
	PermissionControl      Permission = "control"
	PermissionClipboard    Permission = "clipboard"
	PermissionFileTransfer Permission = "file-transfer"
)

// Permissions is a set of scopes kept sorted and free of duplicates.
type Permissions []Permission

// NewPermissions normalizes scopes into a set, rejecting unknown ones.
func NewPermissions(scopes ...string) (Permissions, error) {
	set := make(Permissions, 0, len(scopes))
	for _, scope := range scopes {
		permission := Permission(scope)
		switch permission {
		case PermissionView, PermissionControl, PermissionClipboard, PermissionFileTransfer:
		default:
			return nil, fmt.Errorf("auth: unknown permission %q", scope)
		}
		if !slices.Contains(set, permission) {
			set = append(set, permission)
		}
	}
	slices.Sort(set)
	return set, nil
}

// Has reports whether p is in the set.
func (p Permissions) Has(permission Permission) bool {
	return slices.Contains(p, permission)
}

// Strings returns the scopes as plain strings.
func (p Permissions) Strings() []string {
	out := make([]string, len(p))
	for index, permission := range p {
		out[index] = string(permission)
	}
	return out
}

// SessionToken is the credential handed to a viewer after login.
type SessionToken struct {
	Token       string      `json:"token"`
	SessionID   string      `json:"session_id"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Permissions Permissions `json:"permissions"`
}

// tokenClaims is the signed payload inside SessionToken.Token.
type tokenClaims struct {
	ID          string   `cbor:"1,keyasint"`
	SessionID   string   `cbor:"2,keyasint"`
	Device      string   `cbor:"3,keyasint,omitempty"`
	Permissions []string `cbor:"4,keyasint"`
	IssuedAt    int64    `cbor:"5,keyasint"`
	ExpiresAt   int64    `cbor:"6,keyasint"`
}

type issuedToken struct {
	sessionID string
	expiresAt time.Time
}

// TokenIssuer mints and verifies session tokens. The wire form is
// base64url(CBOR claims || Ed25519 signature).
type TokenIssuer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	clock      clock.Clock
	ttl        time.Duration

	mu      sync.Mutex
	active  map[string]issuedToken
	revoked map[string]time.Time
}

// NewTokenIssuer derives the signing key from a 32-byte seed.
func NewTokenIssuer(seed *secret.Buffer, clk clock.Clock, ttl time.Duration) (*TokenIssuer, error) {
	if seed.Len() != ed25519.SeedSize {
		return nil, fmt.Errorf("auth: token seed must be %d bytes, got %d", ed25519.SeedSize, seed.Len())
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	privateKey := ed25519.NewKeyFromSeed(seed.Bytes())
	return &TokenIssuer{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
		clock:      clk,
		ttl:        ttl,
		active:     make(map[string]issuedToken),
		revoked:    make(map[string]time.Time),
	}, nil
}

// Issue mints a token for sessionID with the given scopes.
func (i *TokenIssuer) Issue(sessionID, device string, permissions Permissions) (*SessionToken, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("auth: generating token ID: %w", err)
	}
	now := i.clock.Now()
	expiresAt := now.Add(i.ttl)
	claims := tokenClaims{
		ID:          id.String(),
		SessionID:   sessionID,
		Device:      device,
		Permissions: permissions.Strings(),
		IssuedAt:    now.Unix(),
		ExpiresAt:   expiresAt.Unix(),
	}
	payload, err := codec.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("auth: encoding token: %w", err)
	}
	signed := append(payload, ed25519.Sign(i.privateKey, payload)...)

	i.mu.Lock()
	i.active[claims.ID] = issuedToken{sessionID: sessionID, expiresAt: time.Unix(claims.ExpiresAt, 0)}
	i.mu.Unlock()

	return &SessionToken{
		Token:       base64.RawURLEncoding.EncodeToString(signed),
		SessionID:   sessionID,
		ExpiresAt:   time.Unix(claims.ExpiresAt, 0),
		Permissions: permissions,
	}, nil
}

func (i *TokenIssuer) parse(token string) (*tokenClaims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) <= ed25519.SignatureSize {
		return nil, ErrTokenInvalid
	}
	split := len(raw) - ed25519.SignatureSize
	if !ed25519.Verify(i.publicKey, raw[:split], raw[split:]) {
		return nil, ErrTokenInvalid
	}
	var claims tokenClaims
	if err := codec.Unmarshal(raw[:split], &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return &claims, nil
}

// Verify checks signature, revocation, and expiry. Expired tokens are
// evicted as they are seen.
func (i *TokenIssuer) Verify(token string) (*SessionToken, error) {
	claims, err := i.parse(token)
	if err != nil {
		return nil, err
	}
	expiresAt := time.Unix(claims.ExpiresAt, 0)

	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.clock.Now().Before(expiresAt) {
		delete(i.active, claims.ID)
		delete(i.revoked, claims.ID)
		return nil, ErrTokenExpired
	}
	if _, revoked := i.revoked[claims.ID]; revoked {
		return nil, ErrTokenRevoked
	}

	permissions, err := NewPermissions(claims.Permissions...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return &SessionToken{
		Token:       token,
		SessionID:   claims.SessionID,
		ExpiresAt:   expiresAt,
		Permissions: permissions,
	}, nil
}

// Revoke invalidates one token.
func (i *TokenIssuer) Revoke(token string) error {
	claims, err := i.parse(token)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.active, claims.ID)
	i.revoked[claims.ID] = time.Unix(claims.ExpiresAt, 0)
	return nil
}

// RevokeSession invalidates every token issued for sessionID and
// returns how many were revoked.
func (i *TokenIssuer) RevokeSession(sessionID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	count := 0
	for id, issued := range i.active {
		if issued.sessionID == sessionID {
			i.revoked[id] = issued.expiresAt
			delete(i.active, id)
			count++
		}
	}
	return count
}

// Sweep drops bookkeeping for tokens past their expiry.
func (i *TokenIssuer) Sweep() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.clock.Now()
	removed := 0
	for id, issued := range i.active {
		if !now.Before(issued.expiresAt) {
			delete(i.active, id)
			removed++
		}
	}
	for id, expiresAt := range i.revoked {
		if !now.Before(expiresAt) {
			delete(i.revoked, id)
			removed++
		}
	}
	return removed
}
