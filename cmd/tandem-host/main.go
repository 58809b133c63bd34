// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tandem-host shares this machine's screen with one remote viewer.
//
// Subcommands:
//
//	tandem-host init      create the login credentials
//	tandem-host serve     join the signaling room and wait for a viewer
//	tandem-host devices   list or revoke paired viewer devices
//
// Screen capture and input injection are supplied by the platform;
// this binary carries the session, the secure control plane, and login.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tandem/auth"
	"github.com/bureau-foundation/tandem/control"
	"github.com/bureau-foundation/tandem/internal/cli"
	"github.com/bureau-foundation/tandem/internal/core"
	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/lib/config"
	"github.com/bureau-foundation/tandem/lib/process"
	"github.com/bureau-foundation/tandem/lib/version"
	"github.com/bureau-foundation/tandem/session"
	"github.com/bureau-foundation/tandem/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch subcommand := os.Args[1]; subcommand {
	case "serve":
		return runServe(os.Args[2:])
	case "init":
		return runInit(os.Args[2:])
	case "devices":
		return runDevices(os.Args[2:])
	case "version", "--version":
		fmt.Printf("tandem-host %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: tandem-host <subcommand> [flags]

Subcommands:
  init        Create login credentials in the state directory
  serve       Share this screen with a viewer
  devices     List or revoke paired viewer devices
  version     Print version information

Run 'tandem-host <subcommand> --help' for subcommand flags.
`)
}

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	configPath string
	logLevel   string
}

func (c *commonFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&c.configPath, "config", "", "configuration file (default: $TANDEM_CONFIG or $XDG_CONFIG_HOME/tandem/config.yaml)")
	flags.StringVar(&c.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func (c *commonFlags) load() (*config.Config, *slog.Logger, error) {
	return cli.LoadConfig(c.configPath, c.logLevel, os.Stderr)
}

func runInit(args []string) error {
	var (
		common       commonFlags
		passwordFile string
		withTOTP     bool
		force        bool
	)
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	common.register(flags)
	flags.StringVar(&passwordFile, "password-file", "", "read the password from this file, or - for stdin (default: prompt)")
	flags.BoolVar(&withTOTP, "totp", false, "also generate a one-time code secret for two-factor login")
	flags.BoolVar(&force, "force", false, "replace existing credentials")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	password, err := cli.ReadPassword(passwordFile, true)
	if err != nil {
		return err
	}
	defer password.Close()

	credentials, err := auth.NewCredentials(password.Bytes(), auth.DefaultKDFParams, withTOTP)
	if err != nil {
		return err
	}
	defer credentials.Wipe()
	if err := auth.InitStateDir(cfg.Auth.StateDir, credentials, force); err != nil {
		return err
	}
	logger.Info("credentials created", "state_dir", cfg.Auth.StateDir, "totp", withTOTP)

	if withTOTP {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "tandem-host"
		}
		uri, err := auth.ProvisioningURI(credentials.TOTPSecret, "Tandem", hostname)
		if err != nil {
			return err
		}
		fmt.Printf("Add this to your authenticator app:\n%s\n", uri)
	}
	return nil
}

func runServe(args []string) error {
	var (
		common     commonFlags
		quality    string
		gameMode   bool
		eagerOffer bool
	)
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	common.register(flags)
	flags.StringVar(&quality, "quality", "", "override session.quality (low, medium, high)")
	flags.BoolVar(&gameMode, "game-mode", false, "start in game mode")
	flags.BoolVar(&eagerOffer, "eager-offer", false, "offer as soon as the session starts instead of waiting for the viewer")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	if quality != "" {
		cfg.Session.Quality = quality
	}
	if flags.Changed("game-mode") {
		cfg.Session.GameMode = gameMode
	}
	if flags.Changed("eager-offer") {
		cfg.Session.EagerOffer = eagerOffer
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	credentials, err := auth.LoadCredentials(cfg.Auth.StateDir)
	if err != nil {
		if errors.Is(err, auth.ErrNotInitialized) {
			return fmt.Errorf("%w (run 'tandem-host init' first)", err)
		}
		return err
	}
	defer credentials.Wipe()

	clk := clock.Real()
	devices, err := auth.OpenDeviceRegistry(filepath.Join(cfg.Auth.StateDir, auth.DevicesFile), clk, logger)
	if err != nil {
		return err
	}
	defer devices.Close()

	permissions, err := auth.NewPermissions(cfg.Auth.Permissions...)
	if err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Credentials:  credentials,
		Devices:      devices,
		Clock:        clk,
		Logger:       logger,
		ChallengeTTL: cfg.Auth.ChallengeTTL.Std(),
		TokenTTL:     cfg.Auth.TokenTTL.Std(),
		TOTPRequired: cfg.Auth.TOTPRequired,
		Permissions:  permissions,
	})
	if err != nil {
		return err
	}
	defer authenticator.Close()

	stack, err := core.Open(ctx, core.Options{
		Config: cfg,
		Role:   transport.RoleHost,
		Binary: "tandem-host",
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer stack.Close()

	controlHost, err := control.NewHost(control.HostConfig{
		Auth:     authenticator,
		Controls: stack.Controller,
		Injector: control.LogInjector{Logger: logger},
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer func() {
		cancelServe()
		controlHost.Wait()
	}()

	// The relay fallback is always served; a viewer whose data channel
	// never opens talks to it instead.
	go serveControl(serveCtx, controlHost, control.NewSignalingConn(stack.Signaler), logger)

	events := stack.Session.Subscribe()
	defer events.Close()
	go watchSession(serveCtx, events, controlHost, logger)

	if err := stack.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	logger.Info("host running",
		"room", cfg.Signaling.Room,
		"quality", cfg.Session.Quality,
		"game_mode", cfg.Session.GameMode,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case <-stack.Done():
		return fmt.Errorf("lost connection to the signaling relay")
	}
}

func serveControl(ctx context.Context, host *control.Host, conn transport.MessageConn, logger *slog.Logger) {
	if err := host.Serve(ctx, conn); err != nil {
		logger.Warn("control connection ended", "error", err)
	}
}

// watchSession serves each control channel the session opens and
// reports the controller's terminal failure.
func watchSession(ctx context.Context, events *session.Subscription, host *control.Host, logger *slog.Logger) {
	for event := range events.Events() {
		switch event.Type {
		case session.EventControlChannel:
			go serveControl(ctx, host, event.Control, logger)
		case session.EventStateChanged:
			logger.Info("session state", "state", event.State.String())
		case session.EventReconnectFailed:
			logger.Error("giving up on the viewer; waiting for it to reconnect", "attempts", event.Attempt)
		}
	}
}

func runDevices(args []string) error {
	var (
		common commonFlags
		revoke string
	)
	flags := pflag.NewFlagSet("devices", pflag.ContinueOnError)
	common.register(flags)
	flags.StringVar(&revoke, "revoke", "", "revoke the device with this fingerprint")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	devices, err := auth.OpenDeviceRegistry(filepath.Join(cfg.Auth.StateDir, auth.DevicesFile), clock.Real(), logger)
	if err != nil {
		return err
	}
	defer devices.Close()

	ctx := context.Background()
	if revoke != "" {
		if err := devices.Revoke(ctx, revoke); err != nil {
			return err
		}
		fmt.Printf("revoked %s\n", revoke)
		return nil
	}

	list, err := devices.List(ctx)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "FINGERPRINT\tNAME\tPAIRED\tLAST SEEN\tSTATUS")
	for _, device := range list {
		status := "active"
		if device.Revoked {
			status = "revoked"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			shortFingerprint(device.Fingerprint),
			device.Name,
			device.PairedAt.Format(time.DateTime),
			device.LastSeen.Format(time.DateTime),
			status,
		)
	}
	return writer.Flush()
}

func shortFingerprint(fingerprint string) string {
	if len(fingerprint) > 16 {
		return fingerprint[:16]
	}
	return fingerprint
}
