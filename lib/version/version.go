// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of the Tandem binaries.
//
// Values are injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/tandem/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info is the --version line.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full adds the Go toolchain and platform, for bug reports.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent identifies this build to the signaling relay.
func UserAgent(binary string) string {
	return fmt.Sprintf("%s/%s (%s/%s)", binary, Version, runtime.GOOS, runtime.GOARCH)
}
