// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package core assembles the session stack shared by tandem-host and
// tandem-viewer: a signaler, a pion peer factory, a PeerSession, and
// the controller that supervises it.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/lib/config"
	"github.com/bureau-foundation/tandem/lib/version"
	"github.com/bureau-foundation/tandem/session"
	"github.com/bureau-foundation/tandem/signaling"
	"github.com/bureau-foundation/tandem/transport"
)

// Options selects the role and the collaborators of a Stack.
type Options struct {
	Config *config.Config
	Role   transport.Role

	// Binary names the program in the relay User-Agent.
	Binary string

	// Media supplies the host's tracks. Nil on the host means
	// transport.SampleSource fed by an external encoder.
	Media transport.MediaSource

	// OnTrack receives remote media on the viewer.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stack is one side of a Tandem session.
type Stack struct {
	Signaler   signaling.Signaler
	Session    *session.PeerSession
	Controller *session.Controller

	role   transport.Role
	closer func() error
}

// Open dials the signaling relay named in the configuration and builds
// a Stack on it.
func Open(ctx context.Context, options Options) (*Stack, error) {
	if options.Config == nil {
		return nil, errors.New("core: config is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent(options.Binary))
	signaler, err := signaling.DialWebSocket(ctx, signaling.WebSocketConfig{
		URL:    options.Config.Signaling.URL,
		Room:   options.Config.Signaling.Room,
		Header: header,
		Logger: options.Logger,
	})
	if err != nil {
		return nil, err
	}
	factory := transport.NewPionFactory(transport.ICEConfigFromConfig(options.Config.ICE), options.Clock, options.Logger)
	stack, err := New(options, signaler, factory)
	if err != nil {
		signaler.Close()
		return nil, err
	}
	stack.closer = signaler.Close
	return stack, nil
}

// New builds a Stack on an existing signaler and factory. The caller
// keeps ownership of signaler.
func New(options Options, signaler signaling.Signaler, factory transport.Factory) (*Stack, error) {
	if options.Config == nil {
		return nil, errors.New("core: config is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	controllerConfig := session.ControllerConfigFrom(options.Config)
	media := options.Media
	if options.Role == transport.RoleHost && media == nil {
		media = &transport.SampleSource{
			StreamID: "tandem",
			OnParams: func(params transport.EncoderParams) {
				logger.Debug("encoder parameters requested",
					"width", params.Width,
					"height", params.Height,
					"max_framerate", params.MaxFramerate,
					"max_bitrate", params.MaxBitrate,
				)
			},
		}
	}
	if options.Role != transport.RoleHost {
		media = nil
	}

	peerSession, err := session.New(session.Config{
		Role:       options.Role,
		Factory:    factory,
		Media:      media,
		Signaler:   signaler,
		EagerOffer: options.Config.Session.EagerOffer,
		Bitrate:    controllerConfig.Bitrate,
		OnTrack:    options.OnTrack,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("core: creating session: %w", err)
	}
	controller, err := session.NewController(peerSession, controllerConfig, options.Clock, logger)
	if err != nil {
		peerSession.Close()
		return nil, fmt.Errorf("core: creating controller: %w", err)
	}
	return &Stack{
		Signaler:   signaler,
		Session:    peerSession,
		Controller: controller,
		role:       options.Role,
	}, nil
}

// Start begins negotiation in the stack's role.
func (s *Stack) Start(ctx context.Context) error {
	if s.role == transport.RoleHost {
		return s.Session.StartAsHost(ctx)
	}
	return s.Session.StartAsViewer(ctx)
}

// Done is closed when the relay connection drops. It is nil when the
// signaler has no connection of its own.
func (s *Stack) Done() <-chan struct{} {
	if connected, ok := s.Signaler.(interface{ Done() <-chan struct{} }); ok {
		return connected.Done()
	}
	return nil
}

// Close tears the session down, then hangs up the relay connection if
// Open dialed it.
func (s *Stack) Close() error {
	err := s.Controller.Close()
	if s.closer != nil {
		err = errors.Join(err, s.closer())
	}
	return err
}
