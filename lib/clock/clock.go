// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every timer in Tandem: stats
// polling, bitrate adaptation, reconnect backoff, and challenge and
// token expiry. Production code uses [Real]; tests use [Fake] and move
// time forward explicitly with [FakeClock.Advance].
package clock

import "time"

// Clock abstracts the parts of the time package Tandem depends on.
type Clock interface {
	Now() time.Time

	// After delivers the current time once d has elapsed. A
	// non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The fake clock calls f
	// synchronously from Advance.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker panics if d <= 0. Ticks are dropped when the consumer
	// falls behind, matching time.Ticker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C until stopped.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop ends delivery. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the call. It reports false if the call already ran or
// was already cancelled.
func (t *Timer) Stop() bool { return t.stop() }
