// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by Tandem's package tests.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// T is the subset of testing.TB the helpers need.
type T interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout or fails the
// test.
//
//	event := testutil.RequireReceive(t, events, 5*time.Second, "waiting for connected")
func RequireReceive[V any](t T, ch <-chan V, timeout time.Duration, msgAndArgs ...any) V {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", formatMessage(msgAndArgs))
		}
		return value
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if ch yields a value within window.
// Use it to assert that something did not happen, such as a retry after
// the reconnect budget ran out.
func RequireNoReceive[V any](t T, ch <-chan V, window time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case value, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %v: %s", value, formatMessage(msgAndArgs))
		}
	case <-time.After(window): //nolint:realclock bounded negative assertion
	}
}

// RequireClosed waits for ch to close or deliver within timeout.
func RequireClosed(t T, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v waiting for close: %s", timeout, formatMessage(msgAndArgs))
	}
}

// DiscardLogger returns a logger that drops everything, for components
// that require one.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func formatMessage(msgAndArgs []any) string {
	switch {
	case len(msgAndArgs) == 0:
		return "(no message)"
	case len(msgAndArgs) == 1:
		return fmt.Sprint(msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}
