// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli holds the startup plumbing shared by the Tandem
// binaries: configuration and logger setup, and password input.
package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/tandem/lib/config"
	"github.com/bureau-foundation/tandem/lib/secret"
)

// LoadConfig loads and validates the configuration at path (empty
// means the default search order) and builds the process logger on
// logOutput. A non-empty logLevel overrides the file.
func LoadConfig(path, logLevel string, logOutput io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := cfg.Logger(logOutput)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// ErrPasswordMismatch is returned when the confirmation differs.
var ErrPasswordMismatch = errors.New("passwords do not match")

// ReadPassword reads a password from passwordFile, or prompts on the
// terminal when passwordFile is empty or "-". With confirm set, an
// interactive prompt asks twice. Piped stdin is read as one line
// without a prompt.
func ReadPassword(passwordFile string, confirm bool) (*secret.Buffer, error) {
	if passwordFile != "" && passwordFile != "-" {
		return secret.ReadFromPath(passwordFile)
	}
	stdinFD := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFD) {
		return secret.ReadFromPath("-")
	}

	first, err := prompt(stdinFD, "Password: ")
	if err != nil {
		return nil, err
	}
	if confirm {
		second, err := prompt(stdinFD, "Confirm password: ")
		if err != nil {
			secret.Zero(first)
			return nil, err
		}
		match := bytes.Equal(first, second)
		secret.Zero(second)
		if !match {
			secret.Zero(first)
			return nil, ErrPasswordMismatch
		}
	}
	if len(first) == 0 {
		return nil, fmt.Errorf("password is empty")
	}
	return secret.NewFromBytes(first)
}

func prompt(fd int, label string) ([]byte, error) {
	fmt.Fprint(os.Stderr, label)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return password, nil
}
