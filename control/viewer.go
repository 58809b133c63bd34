// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tandem/auth"
	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/lib/codec"
	"github.com/bureau-foundation/tandem/lib/netutil"
	"github.com/bureau-foundation/tandem/packet"
	"github.com/bureau-foundation/tandem/securechannel"
	"github.com/bureau-foundation/tandem/session"
	"github.com/bureau-foundation/tandem/transport"
)

// ViewerConfig wires a Viewer.
type ViewerConfig struct {
	// SessionID names the secure channel session. Empty means a fresh
	// random ID.
	SessionID string
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Viewer is the viewer side of the control plane. Commands are issued
// one at a time; each waits for the host's reply.
type Viewer struct {
	conn    transport.MessageConn
	channel *securechannel.Channel
	clock   clock.Clock
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// callMu serializes commands so each reply matches the one
	// outstanding request.
	callMu sync.Mutex

	mu         sync.Mutex
	waiting    string
	replies    chan packet.Control
	heartbeats chan packet.Heartbeat
	sequence   uint64
	token      *auth.SessionToken
}

// Dial runs the key exchange over conn and returns once the secure
// channel is established. The Viewer owns conn from then on.
func Dial(ctx context.Context, conn transport.MessageConn, cfg ViewerConfig) (*Viewer, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "control", "session_id", cfg.SessionID)

	channel, err := securechannel.NewChannel(securechannel.Initiator, cfg.SessionID,
		securechannel.SenderFunc(conn.WriteMessage), logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	readCtx, cancel := context.WithCancel(context.Background())
	v := &Viewer{
		conn:       conn,
		channel:    channel,
		clock:      cfg.Clock,
		logger:     logger,
		cancel:     cancel,
		done:       make(chan struct{}),
		replies:    make(chan packet.Control, 1),
		heartbeats: make(chan packet.Heartbeat, 1),
	}
	go v.readLoop(readCtx)

	if err := channel.Start(ctx); err != nil {
		v.Close()
		return nil, err
	}
	select {
	case <-channel.Established():
		return v, nil
	case <-v.done:
		v.Close()
		return nil, fmt.Errorf("control: connection lost during key exchange: %w", v.err)
	case <-ctx.Done():
		v.Close()
		return nil, ctx.Err()
	}
}

// SessionID returns the secure channel session ID.
func (v *Viewer) SessionID() string { return v.channel.SessionID() }

// Token returns the token from the last successful Login.
func (v *Viewer) Token() *auth.SessionToken {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.token
}

// Done is closed when the connection ends.
func (v *Viewer) Done() <-chan struct{} { return v.done }

func (v *Viewer) readLoop(ctx context.Context) {
	defer close(v.done)
	for {
		message, err := v.conn.ReadMessage(ctx)
		if err != nil {
			if netutil.IsExpectedCloseError(err) || ctx.Err() != nil {
				err = ErrClosed
			}
			v.err = err
			return
		}
		received, err := packet.DecodeAt(message, v.clock.Now())
		if err != nil {
			v.logger.Warn("dropping malformed packet", "error", err)
			continue
		}
		inner, ok, err := v.channel.Receive(ctx, received)
		if err != nil {
			v.logger.Warn("dropping packet", "type", received.Type.String(), "error", err)
			continue
		}
		if ok {
			v.dispatch(inner)
		}
	}
}

func (v *Viewer) dispatch(inner packet.Packet) {
	switch inner.Type {
	case packet.TypeControl:
		var reply packet.Control
		if err := inner.DecodeBody(&reply); err != nil {
			v.logger.Warn("dropping malformed reply", "error", err)
			return
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.waiting != reply.Command {
			v.logger.Debug("dropping unsolicited reply", "command", reply.Command)
			return
		}
		v.waiting = ""
		select {
		case v.replies <- reply:
		default:
		}
	case packet.TypeHeartbeat:
		var heartbeat packet.Heartbeat
		if err := inner.DecodeBody(&heartbeat); err != nil {
			return
		}
		select {
		case v.heartbeats <- heartbeat:
		default:
		}
	default:
		v.logger.Debug("ignoring packet", "type", inner.Type.String())
	}
}

// call sends command and decodes the reply's data into result when
// result is non-nil.
func (v *Viewer) call(ctx context.Context, command string, args, result any) error {
	v.callMu.Lock()
	defer v.callMu.Unlock()

	encoded, err := packet.NewControl(command, args)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.waiting = replyCommand(command)
	v.mu.Unlock()
	defer func() {
		// A reply that raced the cancellation must not be taken as
		// the answer to the next call.
		v.mu.Lock()
		v.waiting = ""
		select {
		case <-v.replies:
		default:
		}
		v.mu.Unlock()
	}()

	if err := v.channel.Send(ctx, encoded); err != nil {
		return fmt.Errorf("control: sending %s: %w", command, err)
	}

	var reply packet.Control
	select {
	case reply = <-v.replies:
	case <-v.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	var outcome Result
	if err := reply.DecodeArgs(&outcome); err != nil {
		return fmt.Errorf("control: decoding %s reply: %w", command, err)
	}
	if !outcome.OK {
		return fmt.Errorf("%w: %s: %s", ErrRejected, command, outcome.Error)
	}
	if result != nil {
		if len(outcome.Data) == 0 {
			return fmt.Errorf("control: %s reply carries no data", command)
		}
		if err := codec.Unmarshal(outcome.Data, result); err != nil {
			return fmt.Errorf("control: decoding %s result: %w", command, err)
		}
	}
	return nil
}

// LoginOptions are the optional parts of a login.
type LoginOptions struct {
	TOTPCode   string
	DeviceName string

	// Fingerprint identifies this device. Nil means
	// auth.DeviceFingerprint().
	Fingerprint []byte
}

// Login requests a challenge, answers it with password, and stores the
// issued token. A wrong password, expired challenge, or rejected
// one-time code all fail with ErrRejected.
func (v *Viewer) Login(ctx context.Context, password []byte, options LoginOptions) (*auth.SessionToken, error) {
	var challenge auth.Challenge
	if err := v.call(ctx, CommandAuthChallenge, nil, &challenge); err != nil {
		return nil, err
	}
	fingerprint := options.Fingerprint
	if fingerprint == nil {
		fingerprint = auth.DeviceFingerprint()
	}
	response, err := auth.Respond(password, challenge, fingerprint)
	if err != nil {
		return nil, err
	}

	var result LoginResult
	if err := v.call(ctx, CommandAuthResponse, LoginArgs{
		Response:   response,
		TOTPCode:   options.TOTPCode,
		DeviceName: options.DeviceName,
	}, &result); err != nil {
		return nil, err
	}
	permissions, err := auth.NewPermissions(result.Permissions...)
	if err != nil {
		return nil, fmt.Errorf("control: login result: %w", err)
	}
	token := &auth.SessionToken{
		Token:       result.Token,
		SessionID:   result.SessionID,
		ExpiresAt:   result.ExpiresAt,
		Permissions: permissions,
	}
	v.mu.Lock()
	v.token = token
	v.mu.Unlock()
	v.logger.Info("logged in", "permissions", result.Permissions)
	return token, nil
}

// SetQuality switches the host's quality preset.
func (v *Viewer) SetQuality(ctx context.Context, quality session.Quality) error {
	return v.call(ctx, CommandQualitySet, QualityArgs{Quality: string(quality)}, nil)
}

// SetGameMode toggles the host's game mode.
func (v *Viewer) SetGameMode(ctx context.Context, enabled bool) error {
	return v.call(ctx, CommandGameModeSet, GameModeArgs{Enabled: enabled}, nil)
}

// Status fetches the host's session state and latest statistics.
func (v *Viewer) Status(ctx context.Context) (Status, error) {
	var status Status
	err := v.call(ctx, CommandSessionStats, nil, &status)
	return status, err
}

// SendInput sends one input event body (packet.MouseMove,
// packet.MouseButton, packet.MouseScroll, or packet.KeyEvent). The host
// drops input from connections without the control permission, so
// there is no reply.
func (v *Viewer) SendInput(ctx context.Context, event any) error {
	switch event.(type) {
	case packet.MouseMove, packet.MouseButton, packet.MouseScroll, packet.KeyEvent:
	default:
		return fmt.Errorf("%w: %T", ErrNotInput, event)
	}
	encoded, err := packet.EncodeBody(event)
	if err != nil {
		return err
	}
	return v.channel.Send(ctx, encoded)
}

// Ping sends a heartbeat and waits for the host's echo.
func (v *Viewer) Ping(ctx context.Context) (time.Duration, error) {
	v.mu.Lock()
	v.sequence++
	sequence := v.sequence
	v.mu.Unlock()

	sent := v.clock.Now()
	encoded, err := packet.EncodeBody(packet.Heartbeat{Sequence: sequence, SentAt: sent.UnixNano()})
	if err != nil {
		return 0, err
	}
	if err := v.channel.Send(ctx, encoded); err != nil {
		return 0, err
	}
	for {
		select {
		case heartbeat := <-v.heartbeats:
			if heartbeat.Sequence == sequence {
				return v.clock.Now().Sub(sent), nil
			}
		case <-v.done:
			return 0, ErrClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close ends the connection and wipes the channel keys.
func (v *Viewer) Close() error {
	v.cancel()
	err := v.conn.Close()
	<-v.done
	v.channel.Close()
	return err
}
