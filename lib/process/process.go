// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helper shared by the Tandem
// binaries.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits. Errors that carry an
// ExitCode method choose the status; everything else exits 1.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if coder, ok := err.(interface{ ExitCode() int }); ok {
		os.Exit(coder.ExitCode())
	}
	os.Exit(1)
}
