// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestDeriveSharedSecretDeterministic(t *testing.T) {
	first := deriveSecret(t, "correct horse")
	second := deriveSecret(t, "correct horse")
	other := deriveSecret(t, "battery staple")
	if !bytes.Equal(first, second) {
		t.Error("same password and salt derived different secrets")
	}
	if bytes.Equal(first, other) {
		t.Error("different passwords derived the same secret")
	}
	if len(first) != SecretSize {
		t.Errorf("secret length = %d, want %d", len(first), SecretSize)
	}
}

func TestDeriveSharedSecretRejectsBadInput(t *testing.T) {
	tests := []struct {
		name     string
		password string
		salt     []byte
		params   KDFParams
	}{
		{"empty password", "", testSalt, testKDF},
		{"short salt", "pw", []byte("short"), testKDF},
		{"zero time", "pw", testSalt, KDFParams{MemoryKiB: 64, Threads: 1}},
		{"excessive memory", "pw", testSalt, KDFParams{Time: 1, MemoryKiB: 1 << 30, Threads: 1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := DeriveSharedSecret([]byte(test.password), test.salt, test.params); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestComputeResponseBindsEveryField(t *testing.T) {
	shared := deriveSecret(t, "pw")
	base, err := ComputeResponse(shared, "id", []byte("challenge"), []byte("device"))
	if err != nil {
		t.Fatalf("ComputeResponse: %v", err)
	}
	variants := map[string][]any{
		"challenge id": {"id2", []byte("challenge"), []byte("device")},
		"challenge":    {"id", []byte("challenge2"), []byte("device")},
		"fingerprint":  {"id", []byte("challenge"), []byte("device2")},
		"field shift":  {"idc", []byte("hallenge"), []byte("device")},
	}
	for name, args := range variants {
		got, err := ComputeResponse(shared, args[0].(string), args[1].([]byte), args[2].([]byte))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if bytes.Equal(got, base) {
			t.Errorf("%s: response did not change", name)
		}
	}
}

func TestChallengeRoundTrip(t *testing.T) {
	clk := newFakeClock()
	store := NewChallengeStore(clk, 0, testSalt, testKDF)
	challenge, err := store.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got := challenge.ExpiresAt.Sub(challenge.IssuedAt); got != DefaultChallengeTTL {
		t.Errorf("TTL = %v, want %v", got, DefaultChallengeTTL)
	}
	if len(challenge.Bytes) != ChallengeSize {
		t.Errorf("challenge length = %d, want %d", len(challenge.Bytes), ChallengeSize)
	}

	response, err := Respond([]byte("pw"), challenge, []byte("laptop"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := store.Verify(response, deriveSecret(t, "pw")); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if store.Outstanding() != 0 {
		t.Errorf("Outstanding = %d after successful verify, want 0", store.Outstanding())
	}
}

func TestChallengeSingleUse(t *testing.T) {
	store := NewChallengeStore(newFakeClock(), time.Minute, testSalt, testKDF)
	shared := deriveSecret(t, "pw")
	challenge, err := store.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	response, err := RespondWithSecret(shared, challenge, []byte("laptop"))
	if err != nil {
		t.Fatalf("RespondWithSecret: %v", err)
	}
	if err := store.Verify(response, shared); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if err := store.Verify(response, shared); !errors.Is(err, ErrChallengeConsumed) {
		t.Fatalf("second Verify error = %v, want ErrChallengeConsumed", err)
	}
}

func TestChallengeConsumedByFailedAttempt(t *testing.T) {
	store := NewChallengeStore(newFakeClock(), time.Minute, testSalt, testKDF)
	challenge, err := store.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	wrong, err := RespondWithSecret(deriveSecret(t, "wrong"), challenge, []byte("laptop"))
	if err != nil {
		t.Fatalf("RespondWithSecret: %v", err)
	}
	right := deriveSecret(t, "pw")
	if err := store.Verify(wrong, right); !errors.Is(err, ErrResponseMismatch) {
		t.Fatalf("Verify(wrong) error = %v, want ErrResponseMismatch", err)
	}
	correct, err := RespondWithSecret(right, challenge, []byte("laptop"))
	if err != nil {
		t.Fatalf("RespondWithSecret: %v", err)
	}
	if err := store.Verify(correct, right); !errors.Is(err, ErrChallengeConsumed) {
		t.Fatalf("Verify after failure error = %v, want ErrChallengeConsumed", err)
	}
}

func TestChallengeExpiry(t *testing.T) {
	clk := newFakeClock()
	store := NewChallengeStore(clk, 30*time.Second, testSalt, testKDF)
	shared := deriveSecret(t, "pw")
	challenge, err := store.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	response, err := RespondWithSecret(shared, challenge, []byte("laptop"))
	if err != nil {
		t.Fatalf("RespondWithSecret: %v", err)
	}

	clk.Advance(30 * time.Second)
	if err := store.Verify(response, shared); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("Verify at expiry error = %v, want ErrChallengeExpired", err)
	}
	// Still expiry-specific on a repeat attempt.
	if err := store.Verify(response, shared); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("repeat Verify error = %v, want ErrChallengeExpired", err)
	}

	clk.Advance(11 * 30 * time.Second)
	if removed := store.Sweep(); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if err := store.Verify(response, shared); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("Verify after sweep error = %v, want ErrChallengeExpired", err)
	}
}

func TestChallengeIDCarriesIssueTime(t *testing.T) {
	clk := newFakeClock()
	store := NewChallengeStore(clk, 30*time.Second, testSalt, testKDF)
	challenge, err := store.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	issued, ok := challengeIssuedAt(challenge.ID)
	if !ok {
		t.Fatalf("challenge ID %q carries no issue time", challenge.ID)
	}
	if !issued.Equal(challenge.IssuedAt.Truncate(time.Millisecond)) {
		t.Errorf("issue time from ID = %v, want %v", issued, challenge.IssuedAt)
	}

	// An ID this store never issued, stamped with the current time,
	// is unknown rather than expired.
	fresh, err := newChallengeID(clk.Now())
	if err != nil {
		t.Fatalf("newChallengeID: %v", err)
	}
	if err := store.Verify(Response{ChallengeID: fresh.String()}, deriveSecret(t, "pw")); !errors.Is(err, ErrChallengeUnknown) {
		t.Errorf("Verify of a fresh foreign ID = %v, want ErrChallengeUnknown", err)
	}
}

func TestChallengeMalformedResponse(t *testing.T) {
	store := NewChallengeStore(newFakeClock(), time.Minute, testSalt, testKDF)
	shared := deriveSecret(t, "pw")
	tests := []struct {
		name   string
		modify func(*Response)
	}{
		{"bad hex", func(r *Response) { r.ResponseHex = "zz" }},
		{"short hash", func(r *Response) { r.ResponseHex = "abcd" }},
		{"bad fingerprint", func(r *Response) { r.DeviceFingerprintHex = "not-hex" }},
		{"empty fingerprint", func(r *Response) { r.DeviceFingerprintHex = "" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			challenge, err := store.Issue()
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			response, err := RespondWithSecret(shared, challenge, []byte("laptop"))
			if err != nil {
				t.Fatalf("RespondWithSecret: %v", err)
			}
			test.modify(&response)
			if err := store.Verify(response, shared); !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("Verify error = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestChallengeUnknown(t *testing.T) {
	store := NewChallengeStore(newFakeClock(), time.Minute, testSalt, testKDF)
	err := store.Verify(Response{ChallengeID: "nope"}, deriveSecret(t, "pw"))
	if !errors.Is(err, ErrChallengeUnknown) {
		t.Fatalf("Verify error = %v, want ErrChallengeUnknown", err)
	}
}
