// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"

	"github.com/bureau-foundation/tandem/lib/clock"
)

// RFC 6238 parameters as deployed by every common authenticator app.
const (
	TOTPStep       = 30 * time.Second
	TOTPDigits     = 6
	TOTPSecretSize = 20
	totpSkewSteps  = 1
)

var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var totpOptions = totp.ValidateOpts{
	Period:    uint(TOTPStep / time.Second),
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateTOTPSecret returns a fresh random TOTP key.
func GenerateTOTPSecret() ([]byte, error) {
	key := make([]byte, TOTPSecretSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("auth: generating totp secret: %w", err)
	}
	return key, nil
}

// TOTPCode returns the code for the step containing at.
func TOTPCode(key []byte, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(totpEncoding.EncodeToString(key), at, totpOptions)
	if err != nil {
		return "", fmt.Errorf("auth: generating totp code: %w", err)
	}
	return code, nil
}

// ProvisioningURI is the otpauth:// URI authenticator apps import.
func ProvisioningURI(key []byte, issuer, account string) (string, error) {
	generated, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      totpOptions.Period,
		Secret:      key,
		Digits:      totpOptions.Digits,
		Algorithm:   totpOptions.Algorithm,
	})
	if err != nil {
		return "", fmt.Errorf("auth: building provisioning uri: %w", err)
	}
	return generated.URL(), nil
}

// TOTPVerifier accepts codes within one step of the current time and
// refuses to accept the same step twice.
type TOTPVerifier struct {
	secret string
	clock  clock.Clock

	mu       sync.Mutex
	lastStep uint64
	used     bool
}

// NewTOTPVerifier returns a verifier for key.
func NewTOTPVerifier(key []byte, clk clock.Clock) *TOTPVerifier {
	return &TOTPVerifier{secret: totpEncoding.EncodeToString(key), clock: clk}
}

// Verify checks code against the current step and its neighbours.
func (v *TOTPVerifier) Verify(code string) error {
	if len(code) != TOTPDigits {
		return ErrTOTPInvalid
	}
	current := uint64(v.clock.Now().Unix()) / uint64(totpOptions.Period)
	options := hotp.ValidateOpts{Digits: totpOptions.Digits, Algorithm: totpOptions.Algorithm}

	v.mu.Lock()
	defer v.mu.Unlock()
	for delta := -totpSkewSteps; delta <= totpSkewSteps; delta++ {
		if delta < 0 && current < uint64(-delta) {
			continue
		}
		step := current + uint64(delta)
		ok, err := hotp.ValidateCustom(code, step, v.secret, options)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTOTPInvalid, err)
		}
		if !ok {
			continue
		}
		if v.used && step <= v.lastStep {
			return fmt.Errorf("%w: code already used", ErrTOTPInvalid)
		}
		v.lastStep = step
		v.used = true
		return nil
	}
	return ErrTOTPInvalid
}
