// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tui holds the pieces shared by Tandem's terminal views: the
// color theme and a slog handler that routes log records into a running
// bubbletea program instead of the terminal it has taken over.
package tui
