// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tandem-viewer connects to a tandem-host through the signaling relay,
// logs in over the encrypted control plane, and reports the session's
// health. Video is received and discarded; rendering belongs to the
// platform front end.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tandem/control"
	"github.com/bureau-foundation/tandem/internal/cli"
	"github.com/bureau-foundation/tandem/internal/core"
	"github.com/bureau-foundation/tandem/internal/dashboard"
	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/lib/process"
	"github.com/bureau-foundation/tandem/lib/secret"
	"github.com/bureau-foundation/tandem/lib/tui"
	"github.com/bureau-foundation/tandem/lib/version"
	"github.com/bureau-foundation/tandem/session"
	"github.com/bureau-foundation/tandem/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath      string
	logLevel        string
	passwordFile    string
	totpCode        string
	deviceName      string
	quality         string
	gameMode        bool
	fallbackTimeout time.Duration
	retryInterval   time.Duration
	statusInterval  time.Duration
	dashboard       bool
	showVersion     bool
}

func run() error {
	var opts options
	flags := pflag.NewFlagSet("tandem-viewer", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", "", "configuration file (default: $TANDEM_CONFIG or $XDG_CONFIG_HOME/tandem/config.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flags.StringVar(&opts.passwordFile, "password-file", "", "read the password from this file, or - for stdin (default: prompt)")
	flags.StringVar(&opts.totpCode, "totp", "", "one-time code, when the host requires one")
	flags.StringVar(&opts.deviceName, "device-name", "", "name this device is listed under on the host (default: hostname)")
	flags.StringVar(&opts.quality, "quality", "", "ask the host for this quality preset (low, medium, high)")
	flags.BoolVar(&opts.gameMode, "game-mode", false, "ask the host to enable game mode")
	flags.DurationVar(&opts.fallbackTimeout, "fallback-timeout", 10*time.Second, "how long to wait for the data channel before using the relay for control")
	flags.DurationVar(&opts.retryInterval, "retry-interval", 2*time.Second, "delay between attempts to reach a host that has not joined yet")
	flags.DurationVar(&opts.statusInterval, "status-interval", 10*time.Second, "how often to log the host's session statistics")
	flags.BoolVar(&opts.dashboard, "dashboard", false, "show a live status view; keys 1-3 pick quality, g toggles game mode")
	flags.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	flags.Usage = func() { printHelp(flags) }
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Printf("tandem-viewer %s\n", version.Info())
		return nil
	}
	if opts.quality != "" {
		if _, err := session.PresetFor(session.Quality(opts.quality)); err != nil {
			return err
		}
	}
	if opts.deviceName == "" {
		opts.deviceName, _ = os.Hostname()
	}

	cfg, logger, err := cli.LoadConfig(opts.configPath, opts.logLevel, os.Stderr)
	if err != nil {
		return err
	}
	password, err := cli.ReadPassword(opts.passwordFile, false)
	if err != nil {
		return err
	}
	defer password.Close()

	// The dashboard owns the terminal, so log records go to its status
	// line instead.
	var logHandler *tui.LogHandler
	if opts.dashboard {
		level, err := cfg.LogLevel()
		if err != nil {
			return err
		}
		logHandler = tui.NewLogHandler(level)
		logger = slog.New(logHandler)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	stack, err := core.Open(ctx, core.Options{
		Config:  cfg,
		Role:    transport.RoleViewer,
		Binary:  "tandem-viewer",
		OnTrack: discardTrack(logger),
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer stack.Close()

	events := stack.Session.Subscribe()
	defer events.Close()

	if err := startWhenHostJoins(ctx, stack, clk, opts.retryInterval, logger); err != nil {
		return err
	}

	v := &viewerLoop{
		opts:     opts,
		stack:    stack,
		events:   events,
		password: password,
		clock:    clk,
		logger:   logger,
	}
	if !opts.dashboard {
		return v.run(ctx)
	}

	model := dashboard.New(&v.remote, lipgloss.NewRenderer(os.Stdout), tui.DefaultTheme)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	logHandler.SetProgram(program)
	v.ui = program

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- v.run(ctx)
		program.Quit()
	}()
	_, runErr := program.Run()
	stop()
	if err := <-loopDone; err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return runErr
	}
	return nil
}

func printHelp(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `tandem-viewer: connect to a shared screen

Usage: tandem-viewer [flags]

Flags:
`)
	flags.PrintDefaults()
}

// startWhenHostJoins retries the opening handshake until a host is in
// the room.
func startWhenHostJoins(ctx context.Context, stack *core.Stack, clk clock.Clock, interval time.Duration, logger *slog.Logger) error {
	for {
		err := stack.Start(ctx)
		if err == nil {
			return nil
		}
		logger.Info("waiting for the host to join", "error", err)
		select {
		case <-clk.After(interval):
		case <-stack.Done():
			return fmt.Errorf("lost connection to the signaling relay")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func discardTrack(logger *slog.Logger) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("receiving media",
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
			"stream_id", track.StreamID(),
		)
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}
}

type viewerLoop struct {
	opts     options
	stack    *core.Stack
	events   *session.Subscription
	password *secret.Buffer
	clock    clock.Clock
	logger   *slog.Logger

	// pending is a control channel that opened while the previous
	// control connection was still up.
	pending transport.MessageConn

	// ui is the dashboard program, nil without --dashboard.
	ui     *tea.Program
	remote remote
}

// remote forwards dashboard commands to the current control
// connection.
type remote struct {
	mu     sync.Mutex
	viewer *control.Viewer
}

func (r *remote) set(viewer *control.Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewer = viewer
}

func (r *remote) current() (*control.Viewer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.viewer == nil {
		return nil, control.ErrClosed
	}
	return r.viewer, nil
}

func (r *remote) SetQuality(ctx context.Context, quality session.Quality) error {
	viewer, err := r.current()
	if err != nil {
		return err
	}
	return viewer.SetQuality(ctx, quality)
}

func (r *remote) SetGameMode(ctx context.Context, enabled bool) error {
	viewer, err := r.current()
	if err != nil {
		return err
	}
	return viewer.SetGameMode(ctx, enabled)
}

var _ dashboard.Remote = (*remote)(nil)

func (v *viewerLoop) send(msg tea.Msg) {
	if v.ui != nil {
		v.ui.Send(msg)
	}
}

// run keeps one logged-in control connection alive until ctx ends. Each
// time the host renegotiates, the fresh control channel replaces the
// old one.
func (v *viewerLoop) run(ctx context.Context) error {
	first := true
	for {
		conn, err := v.awaitControl(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := v.serve(ctx, conn, first); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		first = false
	}
}

// awaitControl returns the next control data channel, or a relay-backed
// connection when none opens within the fallback timeout.
func (v *viewerLoop) awaitControl(ctx context.Context) (transport.MessageConn, error) {
	if v.pending != nil {
		conn := v.pending
		v.pending = nil
		return conn, nil
	}
	fallback := v.clock.After(v.opts.fallbackTimeout)
	for {
		select {
		case event, ok := <-v.events.Events():
			if !ok {
				return nil, control.ErrClosed
			}
			if conn := v.observe(event); conn != nil {
				return conn, nil
			}
		case <-fallback:
			v.logger.Warn("data channel did not open; using the relay for control",
				"timeout", v.opts.fallbackTimeout)
			return control.NewSignalingConn(v.stack.Signaler), nil
		case <-v.stack.Done():
			return nil, fmt.Errorf("lost connection to the signaling relay")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// observe logs one session event and returns the control channel it
// carries, if any.
func (v *viewerLoop) observe(event session.Event) transport.MessageConn {
	switch event.Type {
	case session.EventStateChanged:
		v.logger.Info("session state", "state", event.State.String())
	case session.EventNegotiationFailed:
		v.logger.Warn("negotiation failed", "error", event.Err)
	case session.EventReconnecting:
		v.logger.Info("reconnecting", "attempt", event.Attempt)
	case session.EventReconnectFailed:
		v.logger.Error("reconnection attempts exhausted; waiting for the host")
	case session.EventControlChannel:
		return event.Control
	}
	return nil
}

// serve logs in on conn and reports status until the connection ends or
// a newer control channel replaces it.
func (v *viewerLoop) serve(ctx context.Context, conn transport.MessageConn, first bool) error {
	viewer, err := control.Dial(ctx, conn, control.ViewerConfig{Clock: v.clock, Logger: v.logger})
	if err != nil {
		v.logger.Warn("control handshake failed", "error", err)
		return nil
	}
	defer viewer.Close()
	defer func() {
		v.remote.set(nil)
		v.send(dashboard.DisconnectedMsg{Reason: "connection replaced or closed"})
	}()

	token, err := viewer.Login(ctx, v.password.Bytes(), control.LoginOptions{
		TOTPCode:   v.opts.totpCode,
		DeviceName: v.opts.deviceName,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	v.logger.Info("connected to host",
		"session_id", token.SessionID,
		"expires_at", token.ExpiresAt,
		"permissions", token.Permissions.Strings(),
	)
	v.remote.set(viewer)
	v.send(dashboard.ConnectedMsg{SessionID: token.SessionID, Permissions: token.Permissions.Strings()})

	if first {
		if err := v.applyPreferences(ctx, viewer); err != nil {
			return err
		}
	}

	ticker := v.clock.NewTicker(v.opts.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			v.report(ctx, viewer)
		case event, ok := <-v.events.Events():
			if !ok {
				return control.ErrClosed
			}
			if conn := v.observe(event); conn != nil {
				v.pending = conn
				return nil
			}
		case <-viewer.Done():
			v.logger.Info("control connection closed")
			return nil
		case <-v.stack.Done():
			return fmt.Errorf("lost connection to the signaling relay")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (v *viewerLoop) applyPreferences(ctx context.Context, viewer *control.Viewer) error {
	if v.opts.quality != "" {
		if err := viewer.SetQuality(ctx, session.Quality(v.opts.quality)); err != nil {
			return fmt.Errorf("setting quality: %w", err)
		}
	}
	if v.opts.gameMode {
		if err := viewer.SetGameMode(ctx, true); err != nil {
			return fmt.Errorf("enabling game mode: %w", err)
		}
	}
	return nil
}

func (v *viewerLoop) report(ctx context.Context, viewer *control.Viewer) {
	callCtx, cancel := context.WithTimeout(ctx, v.opts.statusInterval)
	defer cancel()

	roundTrip, err := viewer.Ping(callCtx)
	if err != nil {
		v.logger.Warn("control ping failed", "error", err)
		return
	}
	status, err := viewer.Status(callCtx)
	if err != nil {
		v.logger.Warn("status request failed", "error", err)
		return
	}
	if v.ui != nil {
		v.ui.Send(dashboard.StatusMsg{Status: status, ControlRTT: roundTrip})
		return
	}
	v.logger.Info("session status",
		"state", status.State,
		"quality", status.Quality,
		"game_mode", status.GameMode,
		"reconnect_attempts", status.ReconnectAttempts,
		"rtt_ms", status.Stats.RTTMillis,
		"bandwidth_bps", status.Stats.AvailableBandwidthBPS,
		"fps", status.Stats.FramesPerSecond,
		"max_bitrate", status.Encoder.MaxBitrate,
		"control_rtt", roundTrip,
	)
}
