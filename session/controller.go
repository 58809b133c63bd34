// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/lib/config"
	"github.com/bureau-foundation/tandem/transport"
)

// ControllerConfig sets the controller's timing and encoding targets.
type ControllerConfig struct {
	StatsInterval        time.Duration
	BitrateInterval      time.Duration
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int

	Quality  Quality
	GameMode bool

	// Bitrate gives the floor, the start value, and the ceiling outside
	// game mode.
	Bitrate transport.BitrateHints
}

// DefaultControllerConfig returns the built-in timing and targets.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfigFrom(config.Default())
}

// ControllerConfigFrom extracts the controller settings from a loaded
// configuration.
func ControllerConfigFrom(cfg *config.Config) ControllerConfig {
	return ControllerConfig{
		StatsInterval:        cfg.Controller.StatsInterval.Std(),
		BitrateInterval:      cfg.Controller.BitrateInterval.Std(),
		ReconnectBackoff:     cfg.Controller.ReconnectBackoff.Std(),
		MaxReconnectAttempts: cfg.Controller.MaxReconnectAttempts,
		Quality:              Quality(cfg.Session.Quality),
		GameMode:             cfg.Session.GameMode,
		Bitrate: transport.BitrateHints{
			Min:   cfg.Session.Bitrate.Min,
			Start: cfg.Session.Bitrate.Start,
			Max:   cfg.Session.Bitrate.Max,
		},
	}
}

// Controller supervises a PeerSession once it connects. Stats are
// sampled every StatsInterval; on the host, bitrate is adapted every
// BitrateInterval. When the connection fails or drops, the controller
// waits ReconnectBackoff and restarts the session, up to
// MaxReconnectAttempts times in a row.
type Controller struct {
	session *PeerSession
	cfg     ControllerConfig
	clock   clock.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	profile   *profile
	attempts  int
	gaveUp    bool
	closed    bool
	reconnect *clock.Timer

	// pollGeneration invalidates timer callbacks from an earlier
	// polling period.
	polling        bool
	pollGeneration uint64
	statsTimer     *clock.Timer
	bitrateTimer   *clock.Timer
	lastStats      transport.Stats
}

// NewController attaches a controller to session. The controller's
// timers stop when the session closes.
func NewController(session *PeerSession, cfg ControllerConfig, clk clock.Clock, logger *slog.Logger) (*Controller, error) {
	if cfg.StatsInterval <= 0 || cfg.BitrateInterval <= 0 || cfg.ReconnectBackoff <= 0 {
		return nil, errors.New("session: controller intervals must be positive")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return nil, errors.New("session: negative reconnect budget")
	}
	profile, err := newProfile(cfg.Quality, cfg.GameMode, cfg.Bitrate)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Controller{
		session: session,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With("role", session.Role().String()),
		profile: profile,
	}
	session.setBitrateHints(profile.targets)
	session.observe(c.observe)
	session.onClose(c.stop)
	return c, nil
}

// Session returns the supervised session.
func (c *Controller) Session() *PeerSession { return c.session }

// State returns the supervised session's state.
func (c *Controller) State() State { return c.session.State() }

// ReconnectAttempts returns the number of restarts since the last
// successful connection.
func (c *Controller) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Quality returns the active preset.
func (c *Controller) Quality() Quality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile.quality
}

// GameMode reports whether game mode is on.
func (c *Controller) GameMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile.gameMode
}

// Targets returns the current bitrate targets.
func (c *Controller) Targets() transport.BitrateHints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile.targets
}

// LastStats returns the most recent statistics sample.
func (c *Controller) LastStats() transport.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStats
}

// EncoderParams returns the parameters the controller would push now.
func (c *Controller) EncoderParams() transport.EncoderParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile.params()
}

// SetQuality switches the preset and re-applies encoder parameters.
func (c *Controller) SetQuality(quality Quality) error {
	if _, err := PresetFor(quality); err != nil {
		return err
	}
	c.mu.Lock()
	c.profile.quality = quality
	c.profile.reset()
	c.mu.Unlock()
	c.logger.Info("quality preset changed", "quality", string(quality))
	c.applyEncoderParams()
	return nil
}

// SetGameMode toggles game mode and re-applies encoder parameters.
func (c *Controller) SetGameMode(enabled bool) {
	c.mu.Lock()
	c.profile.gameMode = enabled
	c.profile.reset()
	c.mu.Unlock()
	c.logger.Info("game mode changed", "enabled", enabled)
	c.applyEncoderParams()
}

// Close closes the supervised session, which stops the controller.
func (c *Controller) Close() error {
	return c.session.Close()
}

func (c *Controller) observe(event Event) {
	switch event.Type {
	case EventStateChanged:
		switch {
		case event.State == StateConnected:
			c.connected()
		case event.State.down():
			c.down(event.State.String())
		}
	case EventNegotiationFailed:
		c.down("negotiation failed")
	}
}

// connected resets the attempt budget and re-applies bitrate, which a
// renegotiation may have lost.
func (c *Controller) connected() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.gaveUp = false
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.startPollingLocked()
	c.mu.Unlock()
	c.logger.Info("session connected")
	c.applyEncoderParams()
}

func (c *Controller) down(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopPollingLocked()
	if c.reconnect != nil || c.gaveUp {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.gaveUp = true
		attempts := c.attempts
		c.mu.Unlock()
		c.logger.Error("reconnect budget exhausted", "attempts", attempts, "reason", reason)
		c.session.emit(Event{Type: EventReconnectFailed, Attempt: attempts})
		return
	}
	c.reconnect = c.clock.AfterFunc(c.cfg.ReconnectBackoff, c.runReconnect)
	c.mu.Unlock()
	c.logger.Warn("session down, reconnect scheduled", "reason", reason, "backoff", c.cfg.ReconnectBackoff)
}

func (c *Controller) runReconnect() {
	c.mu.Lock()
	c.reconnect = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.session.State().down() {
		c.mu.Unlock()
		c.logger.Debug("session recovered before reconnect")
		return
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Info("reconnecting", "attempt", attempt, "max", c.cfg.MaxReconnectAttempts)
	c.session.setReconnecting()
	c.session.emit(Event{Type: EventReconnecting, Attempt: attempt})
	if err := c.session.restart(c.session.ctx); err != nil {
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (c *Controller) startPollingLocked() {
	if c.polling {
		return
	}
	c.polling = true
	c.pollGeneration++
	generation := c.pollGeneration
	c.statsTimer = c.clock.AfterFunc(c.cfg.StatsInterval, func() { c.pollStats(generation) })
	if c.session.Role() == transport.RoleHost {
		c.bitrateTimer = c.clock.AfterFunc(c.cfg.BitrateInterval, func() { c.adaptBitrate(generation) })
	}
}

func (c *Controller) stopPollingLocked() {
	if !c.polling {
		return
	}
	c.polling = false
	c.pollGeneration++
	if c.statsTimer != nil {
		c.statsTimer.Stop()
		c.statsTimer = nil
	}
	if c.bitrateTimer != nil {
		c.bitrateTimer.Stop()
		c.bitrateTimer = nil
	}
}

func (c *Controller) pollingCurrent(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.polling && c.pollGeneration == generation
}

func (c *Controller) pollStats(generation uint64) {
	if !c.pollingCurrent(generation) {
		return
	}
	stats, err := c.sample()
	if err == nil {
		c.mu.Lock()
		c.lastStats = stats
		c.mu.Unlock()
		c.logger.Debug("stats",
			"rtt_ms", stats.RTTMillis,
			"bandwidth_bps", stats.AvailableBandwidthBPS,
			"fps", stats.FramesPerSecond,
			"limitation", stats.QualityLimitationReason)
		c.session.emit(Event{Type: EventStats, Stats: stats})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && c.polling && c.pollGeneration == generation {
		c.statsTimer = c.clock.AfterFunc(c.cfg.StatsInterval, func() { c.pollStats(generation) })
	}
}

func (c *Controller) adaptBitrate(generation uint64) {
	if !c.pollingCurrent(generation) {
		return
	}
	stats, err := c.sample()
	if err == nil {
		c.mu.Lock()
		before := c.profile.targets.Max
		changed := c.profile.observe(stats)
		after := c.profile.targets.Max
		c.mu.Unlock()
		if changed {
			c.logger.Info("bitrate adapted", "from_bps", before, "to_bps", after,
				"bandwidth_bps", stats.AvailableBandwidthBPS)
			c.applyEncoderParams()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && c.polling && c.pollGeneration == generation {
		c.bitrateTimer = c.clock.AfterFunc(c.cfg.BitrateInterval, func() { c.adaptBitrate(generation) })
	}
}

func (c *Controller) sample() (transport.Stats, error) {
	ctx, cancel := context.WithTimeout(c.session.ctx, c.cfg.StatsInterval)
	defer cancel()
	stats, err := c.session.Stats(ctx)
	if err != nil {
		c.logger.Debug("stats unavailable", "error", err)
	}
	return stats, err
}

// applyEncoderParams pushes the current parameters. Sessions without a
// live peer skip the push; the parameters are applied again on connect.
func (c *Controller) applyEncoderParams() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	params := c.profile.params()
	c.mu.Unlock()

	if c.session.Role() != transport.RoleHost {
		return
	}
	err := c.session.ApplyEncoderParams(params)
	switch {
	case errors.Is(err, ErrNoTransport), errors.Is(err, ErrClosed):
		c.logger.Debug("encoder parameters deferred", "error", err)
		return
	case err != nil:
		c.logger.Warn("applying encoder parameters failed", "error", err)
		return
	}
	c.session.emit(Event{Type: EventEncoderParams, Params: params})
}

// stop runs first in PeerSession.Close.
func (c *Controller) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopPollingLocked()
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}
