// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth implements host-side login for Tandem: challenge and
// response over a password-derived secret, an optional TOTP second
// factor, signed session tokens carrying permission scopes, and the
// paired-device registry.
//
// Remote provers only ever see ErrAuthenticationFailed. The specific
// reason (expired challenge, wrong password, bad code, revoked device)
// is logged on the host and available to in-process callers through
// the lower-level types.
package auth

import "errors"

// ErrAuthenticationFailed is the only login error a remote peer sees.
var ErrAuthenticationFailed = errors.New("auth: authentication failed")

var (
	ErrChallengeExpired  = errors.New("auth: challenge expired")
	ErrChallengeConsumed = errors.New("auth: challenge already used")
	ErrChallengeUnknown  = errors.New("auth: unknown challenge")
	ErrResponseMismatch  = errors.New("auth: response does not match")
	ErrMalformedResponse = errors.New("auth: malformed response")
	ErrTOTPInvalid       = errors.New("auth: one-time code rejected")
	ErrDeviceRevoked     = errors.New("auth: device revoked")
	ErrUnknownDevice     = errors.New("auth: unknown device")

	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenRevoked = errors.New("auth: token revoked")
)
