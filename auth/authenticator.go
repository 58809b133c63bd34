// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/lib/secret"
)

// AuthenticatorConfig wires an Authenticator.
type AuthenticatorConfig struct {
	Credentials  *Credentials
	Devices      *DeviceRegistry
	Clock        clock.Clock
	Logger       *slog.Logger
	ChallengeTTL time.Duration
	TokenTTL     time.Duration

	// TOTPRequired demands a one-time code on every login. It needs
	// Credentials.TOTPSecret.
	TOTPRequired bool

	// Permissions are granted to every successful login.
	Permissions Permissions
}

// LoginRequest is what a viewer submits to log in.
type LoginRequest struct {
	Response   Response `json:"response"`
	TOTPCode   string   `json:"totp_code,omitempty"`
	DeviceName string   `json:"device_name,omitempty"`
	SessionID  string   `json:"session_id"`
}

// Authenticator is the host side of login. It issues challenges,
// checks responses and one-time codes, records the device, and mints
// session tokens.
type Authenticator struct {
	challenges  *ChallengeStore
	shared      *secret.Buffer
	totp        *TOTPVerifier
	tokens      *TokenIssuer
	devices     *DeviceRegistry
	permissions Permissions
	logger      *slog.Logger
}

// NewAuthenticator builds an Authenticator. Devices may be nil, in
// which case device pairing is not tracked.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("auth: credentials are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.TOTPRequired && len(cfg.Credentials.TOTPSecret) == 0 {
		return nil, fmt.Errorf("auth: TOTP required but no TOTP secret is configured")
	}
	permissions := cfg.Permissions
	if len(permissions) == 0 {
		permissions = Permissions{PermissionView}
	}

	shared, err := secret.NewFromBytes(append([]byte(nil), cfg.Credentials.SharedSecret...))
	if err != nil {
		return nil, err
	}
	seed, err := secret.NewFromBytes(append([]byte(nil), cfg.Credentials.TokenSeed...))
	if err != nil {
		shared.Close()
		return nil, err
	}
	defer seed.Close()
	tokens, err := NewTokenIssuer(seed, cfg.Clock, cfg.TokenTTL)
	if err != nil {
		shared.Close()
		return nil, err
	}

	authenticator := &Authenticator{
		challenges:  NewChallengeStore(cfg.Clock, cfg.ChallengeTTL, cfg.Credentials.Salt, cfg.Credentials.KDF),
		shared:      shared,
		tokens:      tokens,
		devices:     cfg.Devices,
		permissions: permissions,
		logger:      logger,
	}
	if cfg.TOTPRequired {
		authenticator.totp = NewTOTPVerifier(cfg.Credentials.TOTPSecret, cfg.Clock)
	}
	return authenticator, nil
}

// Challenge issues a new login challenge.
func (a *Authenticator) Challenge() (Challenge, error) {
	a.challenges.Sweep()
	return a.challenges.Issue()
}

// Login verifies a response and returns a session token. Every failure
// returns ErrAuthenticationFailed; the specific reason is logged.
func (a *Authenticator) Login(ctx context.Context, request LoginRequest) (*SessionToken, error) {
	token, err := a.login(ctx, request)
	if err != nil {
		a.logger.Warn("login rejected",
			"challenge_id", request.Response.ChallengeID,
			"session_id", request.SessionID,
			"device", request.Response.DeviceFingerprintHex,
			"error", err,
		)
		return nil, ErrAuthenticationFailed
	}
	a.logger.Info("login accepted",
		"session_id", request.SessionID,
		"device", request.Response.DeviceFingerprintHex,
		"permissions", token.Permissions.Strings(),
	)
	return token, nil
}

func (a *Authenticator) login(ctx context.Context, request LoginRequest) (*SessionToken, error) {
	if request.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session ID", ErrMalformedResponse)
	}
	if err := a.challenges.Verify(request.Response, a.shared.Bytes()); err != nil {
		return nil, err
	}
	if a.totp != nil {
		if err := a.totp.Verify(request.TOTPCode); err != nil {
			return nil, err
		}
	}
	if a.devices != nil {
		fingerprint, err := request.Response.Fingerprint()
		if err != nil {
			return nil, err
		}
		if _, err := a.devices.Touch(ctx, fingerprint, request.DeviceName); err != nil {
			return nil, err
		}
	}
	return a.tokens.Issue(request.SessionID, request.Response.DeviceFingerprintHex, a.permissions)
}

// VerifyToken checks a session token presented on a later request.
func (a *Authenticator) VerifyToken(token string) (*SessionToken, error) {
	verified, err := a.tokens.Verify(token)
	if err != nil {
		if !errors.Is(err, ErrTokenExpired) {
			a.logger.Warn("token rejected", "error", err)
		}
		return nil, err
	}
	return verified, nil
}

// RevokeToken invalidates one token.
func (a *Authenticator) RevokeToken(token string) error {
	if err := a.tokens.Revoke(token); err != nil {
		return err
	}
	a.logger.Info("session token revoked")
	return nil
}

// EndSession revokes every token issued for sessionID.
func (a *Authenticator) EndSession(sessionID string) {
	if count := a.tokens.RevokeSession(sessionID); count > 0 {
		a.logger.Info("session tokens revoked", "session_id", sessionID, "count", count)
	}
}

// Close wipes the shared secret. The device registry is owned by the
// caller and stays open.
func (a *Authenticator) Close() error {
	return a.shared.Close()
}
