// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tandem-relay is the signaling relay hosts and viewers meet through.
// It forwards offers, answers, and ICE candidates between the two peers
// of each room and never sees media.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tandem/internal/cli"
	"github.com/bureau-foundation/tandem/lib/process"
	"github.com/bureau-foundation/tandem/lib/version"
	"github.com/bureau-foundation/tandem/signaling"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath   string
		logLevel     string
		listen       string
		maxPeers     int
		pingInterval time.Duration
		showVersion  bool
	)
	flags := pflag.NewFlagSet("tandem-relay", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "configuration file (default: $TANDEM_CONFIG or $XDG_CONFIG_HOME/tandem/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flags.StringVar(&listen, "listen", "", "listen address (default: signaling.listen from the configuration)")
	flags.IntVar(&maxPeers, "max-peers", 2, "peers allowed per room")
	flags.DurationVar(&pingInterval, "ping-interval", 20*time.Second, "keepalive ping interval for idle connections")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("tandem-relay %s\n", version.Info())
		return nil
	}

	cfg, logger, err := cli.LoadConfig(configPath, logLevel, os.Stderr)
	if err != nil {
		return err
	}
	if listen == "" {
		listen = cfg.Signaling.Listen
	}

	relay := signaling.NewRelayServer(signaling.RelayConfig{
		MaxPeersPerRoom: maxPeers,
		PingInterval:    pingInterval,
		Logger:          logger,
	})
	defer relay.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", relay)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}
	// WebSocket connections are hijacked, so only the upgrade request
	// is subject to the header timeout.
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info("relay listening", "address", listener.Addr().String(), "version", version.Info())

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		return fmt.Errorf("relay server: %w", err)
	}

	// Hijacked WebSocket connections are not tracked by Shutdown;
	// relay.Close hangs them up.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
