// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/tandem/auth"
	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/lib/codec"
	"github.com/bureau-foundation/tandem/lib/netutil"
	"github.com/bureau-foundation/tandem/packet"
	"github.com/bureau-foundation/tandem/securechannel"
	"github.com/bureau-foundation/tandem/session"
	"github.com/bureau-foundation/tandem/transport"
)

// Authenticator is the login surface the host endpoint needs.
type Authenticator interface {
	Challenge() (auth.Challenge, error)
	Login(ctx context.Context, request auth.LoginRequest) (*auth.SessionToken, error)
	VerifyToken(token string) (*auth.SessionToken, error)
	RevokeToken(token string) error
}

// SessionControls is the part of the session controller that viewers
// may drive.
type SessionControls interface {
	State() session.State
	Quality() session.Quality
	SetQuality(quality session.Quality) error
	GameMode() bool
	SetGameMode(enabled bool)
	ReconnectAttempts() int
	LastStats() transport.Stats
	EncoderParams() transport.EncoderParams
}

var (
	_ Authenticator   = (*auth.Authenticator)(nil)
	_ SessionControls = (*session.Controller)(nil)
)

// CommandFunc handles one control command on an authenticated
// connection. A non-nil result is encoded into the reply's data.
type CommandFunc func(ctx context.Context, conn *HostConn, args codec.RawMessage) (any, error)

// HostConfig wires a Host.
type HostConfig struct {
	Auth     Authenticator
	Controls SessionControls
	Injector InputInjector
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Host serves the control plane on any number of connections. Each
// connection gets its own secure channel and login state.
type Host struct {
	auth     Authenticator
	controls SessionControls
	injector InputInjector
	clock    clock.Clock
	logger   *slog.Logger

	// handlers need a logged-in connection; auth.challenge and
	// auth.response are handled before the login check.
	handlers map[string]CommandFunc

	active sync.WaitGroup
}

// NewHost validates cfg and registers the built-in commands.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("control: authenticator is required")
	}
	if cfg.Controls == nil {
		return nil, fmt.Errorf("control: session controls are required")
	}
	if cfg.Injector == nil {
		cfg.Injector = DiscardInjector{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Host{
		auth:     cfg.Auth,
		controls: cfg.Controls,
		injector: cfg.Injector,
		clock:    cfg.Clock,
		logger:   logger.With("component", "control"),
		handlers: make(map[string]CommandFunc),
	}
	h.Handle(CommandQualitySet, h.setQuality)
	h.Handle(CommandGameModeSet, h.setGameMode)
	h.Handle(CommandSessionStats, h.sessionStats)
	return h, nil
}

// Handle registers a command that requires a logged-in connection.
// Panics on a duplicate or reserved command name.
func (h *Host) Handle(command string, handler CommandFunc) {
	switch command {
	case CommandAuthChallenge, CommandAuthResponse, CommandAuthResult:
		panic(fmt.Sprintf("control.Host: command %q is reserved", command))
	}
	if _, exists := h.handlers[command]; exists {
		panic(fmt.Sprintf("control.Host: duplicate handler for command %q", command))
	}
	h.handlers[command] = handler
}

// HostConn is the per-connection state of the host endpoint.
type HostConn struct {
	host    *Host
	conn    transport.MessageConn
	channel *securechannel.Channel
	logger  *slog.Logger

	mu    sync.Mutex
	token *auth.SessionToken
}

// SessionID returns the secure channel's session ID, empty before the
// key exchange.
func (c *HostConn) SessionID() string { return c.channel.SessionID() }

// Token returns the session token issued on this connection, if any.
func (c *HostConn) Token() *auth.SessionToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Serve runs the control plane on conn until the peer closes it or ctx
// is cancelled. It closes conn and revokes any token issued on it
// before returning. A key exchange arriving on an established channel
// starts a new channel, so a reconnecting viewer can reuse conn.
func (h *Host) Serve(ctx context.Context, conn transport.MessageConn) error {
	h.active.Add(1)
	defer h.active.Done()

	hostConn, err := h.newHostConn(conn)
	if err != nil {
		conn.Close()
		return err
	}
	defer func() {
		conn.Close()
		hostConn.end()
	}()

	for {
		message, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return fmt.Errorf("control: reading: %w", err)
		}
		received, err := packet.DecodeAt(message, h.clock.Now())
		if err != nil {
			h.logger.Warn("dropping malformed packet", "error", err)
			continue
		}
		inner, ok, err := hostConn.channel.Receive(ctx, received)
		if errors.Is(err, securechannel.ErrAlreadyEstablished) {
			h.logger.Info("viewer restarted key exchange", "previous_session_id", hostConn.SessionID())
			hostConn.end()
			if hostConn, err = h.newHostConn(conn); err != nil {
				return err
			}
			inner, ok, err = hostConn.channel.Receive(ctx, received)
		}
		if err != nil {
			h.logger.Warn("dropping packet", "type", received.Type.String(), "error", err)
			continue
		}
		if ok {
			hostConn.dispatch(ctx, inner)
		}
	}
}

func (h *Host) newHostConn(conn transport.MessageConn) (*HostConn, error) {
	channel, err := securechannel.NewChannel(securechannel.Responder, "",
		securechannel.SenderFunc(conn.WriteMessage), h.logger)
	if err != nil {
		return nil, err
	}
	return &HostConn{host: h, conn: conn, channel: channel, logger: h.logger}, nil
}

// end wipes the channel keys and revokes the token issued on this
// connection. Session IDs are chosen by the viewer, so revocation is by
// token value, never by session.
func (c *HostConn) end() {
	c.channel.Close()
	c.mu.Lock()
	token := c.token
	c.token = nil
	c.mu.Unlock()
	if token != nil {
		c.revoke(token)
	}
}

func (c *HostConn) revoke(token *auth.SessionToken) {
	if err := c.host.auth.RevokeToken(token.Token); err != nil {
		c.logger.Warn("revoking session token failed", "error", err)
	}
}

// Wait blocks until every Serve call has returned.
func (h *Host) Wait() { h.active.Wait() }

func (c *HostConn) dispatch(ctx context.Context, inner packet.Packet) {
	switch {
	case inner.Type == packet.TypeControl:
		c.handleControl(ctx, inner)
	case inner.Type.IsInput():
		c.handleInput(ctx, inner)
	case inner.Type == packet.TypeHeartbeat:
		c.handleHeartbeat(ctx, inner)
	default:
		c.logger.Debug("ignoring unsupported packet", "type", inner.Type.String())
	}
}

func (c *HostConn) handleControl(ctx context.Context, inner packet.Packet) {
	var command packet.Control
	if err := inner.DecodeBody(&command); err != nil {
		c.logger.Warn("dropping malformed control packet", "error", err)
		return
	}

	var (
		result any
		err    error
	)
	switch command.Command {
	case CommandAuthChallenge:
		result, err = c.host.auth.Challenge()
	case CommandAuthResponse:
		result, err = c.login(ctx, command.Args)
	default:
		handler, exists := c.host.handlers[command.Command]
		if !exists {
			err = fmt.Errorf("unknown command %q", command.Command)
			break
		}
		if _, err = c.authorize(auth.PermissionView); err != nil {
			break
		}
		result, err = handler(ctx, c, command.Args)
	}
	if err != nil {
		c.logger.Debug("command failed", "command", command.Command, "error", err)
	}
	c.reply(ctx, command.Command, result, err)
}

func (c *HostConn) reply(ctx context.Context, command string, result any, commandErr error) {
	reply := Result{OK: commandErr == nil}
	if commandErr != nil {
		reply.Error = commandErr.Error()
	} else if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			reply = Result{Error: fmt.Sprintf("encoding result: %v", err)}
		} else {
			reply.Data = data
		}
	}
	encoded, err := packet.NewControl(replyCommand(command), reply)
	if err == nil {
		err = c.channel.Send(ctx, encoded)
	}
	if err != nil {
		c.logger.Warn("sending reply failed", "command", command, "error", err)
	}
}

func (c *HostConn) login(ctx context.Context, raw codec.RawMessage) (*LoginResult, error) {
	var args LoginArgs
	if len(raw) == 0 {
		return nil, auth.ErrAuthenticationFailed
	}
	if err := codec.Unmarshal(raw, &args); err != nil {
		return nil, auth.ErrAuthenticationFailed
	}
	token, err := c.host.auth.Login(ctx, auth.LoginRequest{
		Response:   args.Response,
		TOTPCode:   args.TOTPCode,
		DeviceName: args.DeviceName,
		SessionID:  c.SessionID(),
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	previous := c.token
	c.token = token
	c.mu.Unlock()
	if previous != nil {
		c.revoke(previous)
	}
	return &LoginResult{
		Token:       token.Token,
		SessionID:   token.SessionID,
		ExpiresAt:   token.ExpiresAt,
		Permissions: token.Permissions.Strings(),
	}, nil
}

// authorize re-verifies the connection's token and checks permission.
func (c *HostConn) authorize(permission auth.Permission) (*auth.SessionToken, error) {
	token := c.Token()
	if token == nil {
		return nil, ErrNotLoggedIn
	}
	verified, err := c.host.auth.VerifyToken(token.Token)
	if err != nil {
		c.mu.Lock()
		c.token = nil
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrNotLoggedIn, err)
	}
	if !verified.Permissions.Has(permission) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, permission)
	}
	return verified, nil
}

func (c *HostConn) handleInput(ctx context.Context, inner packet.Packet) {
	if _, err := c.authorize(auth.PermissionControl); err != nil {
		c.logger.Debug("dropping input", "type", inner.Type.String(), "error", err)
		return
	}
	if err := injectPacket(ctx, c.host.injector, inner); err != nil {
		c.logger.Warn("input injection failed", "type", inner.Type.String(), "error", err)
	}
}

// handleHeartbeat echoes the heartbeat so the viewer can measure the
// control-plane round trip.
func (c *HostConn) handleHeartbeat(ctx context.Context, inner packet.Packet) {
	var heartbeat packet.Heartbeat
	if err := inner.DecodeBody(&heartbeat); err != nil {
		c.logger.Debug("dropping malformed heartbeat", "error", err)
		return
	}
	encoded, err := packet.EncodeBody(heartbeat)
	if err == nil {
		err = c.channel.Send(ctx, encoded)
	}
	if err != nil {
		c.logger.Debug("heartbeat echo failed", "error", err)
	}
}

func (h *Host) setQuality(ctx context.Context, conn *HostConn, raw codec.RawMessage) (any, error) {
	var args QualityArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := h.controls.SetQuality(session.Quality(args.Quality)); err != nil {
		return nil, err
	}
	conn.logger.Info("quality changed by viewer", "quality", args.Quality, "session_id", conn.SessionID())
	return nil, nil
}

func (h *Host) setGameMode(ctx context.Context, conn *HostConn, raw codec.RawMessage) (any, error) {
	var args GameModeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	h.controls.SetGameMode(args.Enabled)
	conn.logger.Info("game mode changed by viewer", "enabled", args.Enabled, "session_id", conn.SessionID())
	return nil, nil
}

func (h *Host) sessionStats(ctx context.Context, conn *HostConn, raw codec.RawMessage) (any, error) {
	return Status{
		State:             h.controls.State().String(),
		Quality:           string(h.controls.Quality()),
		GameMode:          h.controls.GameMode(),
		ReconnectAttempts: h.controls.ReconnectAttempts(),
		Stats:             h.controls.LastStats(),
		Encoder:           h.controls.EncoderParams(),
	}, nil
}

func decodeArgs(raw codec.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing arguments")
	}
	if err := codec.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
