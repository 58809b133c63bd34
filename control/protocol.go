// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control runs the control plane between a viewer and a host:
// an encrypted packet stream over the session's data channel (or the
// signaling relay when no data channel opens) that carries login,
// session commands, and input events.
//
// Every exchange is a request-reply pair of TypeControl packets. The
// host answers each request with a Control packet whose arguments are
// a Result. Input packets flow one way and are only accepted once the
// connection holds a token with the control permission.
package control

import (
	"errors"
	"time"

	"github.com/bureau-foundation/tandem/auth"
	"github.com/bureau-foundation/tandem/lib/codec"
	"github.com/bureau-foundation/tandem/transport"
)

// Control commands. The reply to CommandAuthResponse is
// CommandAuthResult; every other command is answered under its own
// name.
const (
	CommandAuthChallenge = "auth.challenge"
	CommandAuthResponse  = "auth.response"
	CommandAuthResult    = "auth.result"
	CommandQualitySet    = "quality.set"
	CommandGameModeSet   = "gamemode.set"
	CommandSessionStats  = "session.stats"
)

var (
	ErrRejected     = errors.New("control: command rejected")
	ErrClosed       = errors.New("control: connection closed")
	ErrNotLoggedIn  = errors.New("control: not logged in")
	ErrUnauthorized = errors.New("control: permission denied")
	ErrNotInput     = errors.New("control: not an input event")
)

// replyCommand returns the command name a reply to command carries.
func replyCommand(command string) string {
	if command == CommandAuthResponse {
		return CommandAuthResult
	}
	return command
}

// Result is the argument of every reply.
type Result struct {
	OK    bool             `json:"ok"`
	Error string           `json:"error,omitempty"`
	Data  codec.RawMessage `json:"data,omitempty"`
}

// LoginArgs are the arguments of CommandAuthResponse.
type LoginArgs struct {
	Response   auth.Response `json:"response"`
	TOTPCode   string        `json:"totp_code,omitempty"`
	DeviceName string        `json:"device_name,omitempty"`
}

// LoginResult is the data of a successful CommandAuthResult.
type LoginResult struct {
	Token       string    `json:"token"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Permissions []string  `json:"permissions"`
}

// QualityArgs are the arguments of CommandQualitySet.
type QualityArgs struct {
	Quality string `json:"quality"`
}

// GameModeArgs are the arguments of CommandGameModeSet.
type GameModeArgs struct {
	Enabled bool `json:"enabled"`
}

// Status is the data of a CommandSessionStats reply.
type Status struct {
	State             string                  `json:"state"`
	Quality           string                  `json:"quality"`
	GameMode          bool                    `json:"game_mode"`
	ReconnectAttempts int                     `json:"reconnect_attempts"`
	Stats             transport.Stats         `json:"stats"`
	Encoder           transport.EncoderParams `json:"encoder"`
}
