// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/lib/testutil"
	"github.com/bureau-foundation/tandem/signaling"
	"github.com/bureau-foundation/tandem/transport"
)

var controllerEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testControllerConfig() ControllerConfig {
	return ControllerConfig{
		StatsInterval:        2 * time.Second,
		BitrateInterval:      5 * time.Second,
		ReconnectBackoff:     3 * time.Second,
		MaxReconnectAttempts: 5,
		Quality:              QualityMedium,
		Bitrate:              testBitrate,
	}
}

func newController(t *testing.T, h *harness, cfg ControllerConfig) (*Controller, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(controllerEpoch)
	controller, err := NewController(h.session, cfg, fake, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return controller, fake
}

// connectedHost starts an eager host and reports its first peer as
// connected.
func connectedHost(t *testing.T, cfg ControllerConfig) (*harness, *Controller, *clock.FakeClock) {
	t.Helper()
	h := newHarness(t, transport.RoleHost, true)
	controller, fake := newController(t, h, cfg)
	if err := h.session.StartAsHost(context.Background()); err != nil {
		t.Fatalf("StartAsHost: %v", err)
	}
	h.expect(t, signaling.KindOffer)
	h.factory.last().setConnection(transport.ConnectionStateConnected)
	return h, controller, fake
}

func TestDefaultControllerConfig(t *testing.T) {
	cfg := DefaultControllerConfig()
	if cfg.StatsInterval != 2*time.Second || cfg.BitrateInterval != 5*time.Second ||
		cfg.ReconnectBackoff != 3*time.Second || cfg.MaxReconnectAttempts != 5 {
		t.Errorf("default timing = %+v", cfg)
	}
	if cfg.Quality != QualityMedium {
		t.Errorf("default quality = %q, want medium", cfg.Quality)
	}
}

func TestNewControllerRejectsBadConfig(t *testing.T) {
	h := newHarness(t, transport.RoleHost, false)
	cases := map[string]func(*ControllerConfig){
		"zero stats interval": func(c *ControllerConfig) { c.StatsInterval = 0 },
		"negative budget":     func(c *ControllerConfig) { c.MaxReconnectAttempts = -1 },
		"unknown quality":     func(c *ControllerConfig) { c.Quality = "ultra" },
		"inverted bitrate":    func(c *ControllerConfig) { c.Bitrate = transport.BitrateHints{Min: 5, Start: 4, Max: 3} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testControllerConfig()
			mutate(&cfg)
			if _, err := NewController(h.session, cfg, clock.Fake(controllerEpoch), nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSessionScenarioConnects(t *testing.T) {
	hostSignaler, viewerSignaler := signaling.NewMemoryPair()
	defer hostSignaler.Close()
	defer viewerSignaler.Close()
	hostFactory, viewerFactory := newFakeFactory(), newFakeFactory()
	source := &fakeSource{}

	host, err := New(Config{
		Role:     transport.RoleHost,
		Factory:  hostFactory,
		Media:    source,
		Signaler: hostSignaler,
		Bitrate:  testBitrate,
		Logger:   testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New host: %v", err)
	}
	defer host.Close()
	viewer, err := New(Config{
		Role:     transport.RoleViewer,
		Factory:  viewerFactory,
		Signaler: viewerSignaler,
		Bitrate:  testBitrate,
		Logger:   testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New viewer: %v", err)
	}
	defer viewer.Close()

	fake := clock.Fake(controllerEpoch)
	hostController, err := NewController(host, testControllerConfig(), fake, nil)
	if err != nil {
		t.Fatalf("NewController host: %v", err)
	}
	viewerController, err := NewController(viewer, testControllerConfig(), fake, nil)
	if err != nil {
		t.Fatalf("NewController viewer: %v", err)
	}
	hostEvents := host.Subscribe()
	defer hostEvents.Close()

	ctx := context.Background()
	if err := host.StartAsHost(ctx); err != nil {
		t.Fatalf("StartAsHost: %v", err)
	}
	if err := viewer.StartAsViewer(ctx); err != nil {
		t.Fatalf("StartAsViewer: %v", err)
	}

	hostPeer := testutil.RequireReceive(t, hostFactory.created, 5*time.Second, "host peer")
	viewerPeer := testutil.RequireReceive(t, viewerFactory.created, 5*time.Second, "viewer peer")
	offer := testutil.RequireReceive(t, viewerPeer.remoteSet, 5*time.Second, "viewer applies offer")
	if offer.Type != transport.SDPTypeOffer {
		t.Fatalf("viewer remote description type = %s", offer.Type)
	}
	answer := testutil.RequireReceive(t, hostPeer.remoteSet, 5*time.Second, "host applies answer")
	if answer.Type != transport.SDPTypeAnswer {
		t.Fatalf("host remote description type = %s", answer.Type)
	}

	hostPeer.setConnection(transport.ConnectionStateConnected)
	viewerPeer.setConnection(transport.ConnectionStateConnected)
	waitEvent(t, hostEvents, isState(StateConnected))

	if state := host.State(); state != StateConnected {
		t.Errorf("host state = %s, want connected", state)
	}
	if state := viewer.State(); state != StateConnected {
		t.Errorf("viewer state = %s, want connected", state)
	}
	if attempts := hostController.ReconnectAttempts(); attempts != 0 {
		t.Errorf("host reconnect attempts = %d, want 0", attempts)
	}
	if attempts := viewerController.ReconnectAttempts(); attempts != 0 {
		t.Errorf("viewer reconnect attempts = %d, want 0", attempts)
	}
	if _, ok := source.last().lastParams(); !ok {
		t.Error("encoder parameters not applied on connect")
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	h, controller, fake := connectedHost(t, testControllerConfig())

	for attempt := 1; attempt <= 5; attempt++ {
		h.factory.last().setConnection(transport.ConnectionStateFailed)
		fake.Advance(3 * time.Second)
		if count := h.factory.count(); count != attempt+1 {
			t.Fatalf("after retry %d: peers created = %d, want %d", attempt, count, attempt+1)
		}
		if got := controller.ReconnectAttempts(); got != attempt {
			t.Fatalf("ReconnectAttempts = %d, want %d", got, attempt)
		}
		event := waitEvent(t, h.events, isType(EventReconnecting))
		if event.Attempt != attempt {
			t.Errorf("reconnecting event attempt = %d, want %d", event.Attempt, attempt)
		}
	}

	h.factory.last().setConnection(transport.ConnectionStateFailed)
	event := waitEvent(t, h.events, isType(EventReconnectFailed))
	if event.Attempt != 5 {
		t.Errorf("reconnect-failed attempt = %d, want 5", event.Attempt)
	}

	fake.Advance(time.Minute)
	if count := h.factory.count(); count != 6 {
		t.Errorf("peers created = %d after budget exhausted, want 6", count)
	}
	if pending := fake.PendingCount(); pending != 0 {
		t.Errorf("pending timers = %d, want 0", pending)
	}
}

func TestReconnectResetsOnConnect(t *testing.T) {
	h, controller, fake := connectedHost(t, testControllerConfig())

	h.factory.last().setConnection(transport.ConnectionStateFailed)
	fake.Advance(3 * time.Second)
	if got := controller.ReconnectAttempts(); got != 1 {
		t.Fatalf("ReconnectAttempts = %d, want 1", got)
	}
	if state := h.session.State(); state != StateNegotiating {
		t.Errorf("state during reconnect = %s, want negotiating", state)
	}

	h.factory.last().setConnection(transport.ConnectionStateConnected)
	if got := controller.ReconnectAttempts(); got != 0 {
		t.Errorf("ReconnectAttempts after connect = %d, want 0", got)
	}
	params, ok := h.source.last().lastParams()
	if !ok {
		t.Fatal("encoder parameters not re-applied after reconnect")
	}
	if params.MaxBitrate != 4_000_000 {
		t.Errorf("re-applied max bitrate = %d, want 4000000", params.MaxBitrate)
	}
}

func TestReconnectSkippedWhenRecovered(t *testing.T) {
	h, controller, fake := connectedHost(t, testControllerConfig())

	peer := h.factory.last()
	peer.setConnection(transport.ConnectionStateDisconnected)
	fake.Advance(time.Second)
	peer.setConnection(transport.ConnectionStateConnected)
	fake.Advance(3 * time.Second)

	if count := h.factory.count(); count != 1 {
		t.Errorf("peers created = %d, want 1", count)
	}
	if got := controller.ReconnectAttempts(); got != 0 {
		t.Errorf("ReconnectAttempts = %d, want 0", got)
	}
}

func TestNegotiationFailureTriggersReconnect(t *testing.T) {
	h := newHarness(t, transport.RoleHost, true)
	controller, fake := newController(t, h, testControllerConfig())
	h.factory.failNext(errNoICE)
	if err := h.session.StartAsHost(context.Background()); err == nil {
		t.Fatal("StartAsHost succeeded with a failing factory")
	}

	fake.Advance(3 * time.Second)
	if count := h.factory.count(); count != 1 {
		t.Fatalf("peers created = %d, want 1 after retry", count)
	}
	if got := controller.ReconnectAttempts(); got != 1 {
		t.Errorf("ReconnectAttempts = %d, want 1", got)
	}
	h.expect(t, signaling.KindOffer)
}

func TestStatsPolling(t *testing.T) {
	h, controller, fake := connectedHost(t, testControllerConfig())
	want := transport.Stats{RTTMillis: 42, AvailableBandwidthBPS: 3_000_000, FramesPerSecond: 30, QualityLimitationReason: "none"}
	h.factory.last().setStats(want)

	fake.Advance(2 * time.Second)
	event := waitEvent(t, h.events, isType(EventStats))
	if event.Stats != want {
		t.Errorf("stats event = %+v, want %+v", event.Stats, want)
	}
	if got := controller.LastStats(); got != want {
		t.Errorf("LastStats = %+v, want %+v", got, want)
	}

	fake.Advance(2 * time.Second)
	waitEvent(t, h.events, isType(EventStats))
}

func TestBitrateDecreasesAfterThreeLowSamples(t *testing.T) {
	h, controller, fake := connectedHost(t, testControllerConfig())
	media := h.source.last()
	h.factory.last().setStats(transport.Stats{AvailableBandwidthBPS: 3_000_000, QualityLimitationReason: "bandwidth"})

	fake.Advance(5 * time.Second)
	fake.Advance(5 * time.Second)
	if got := controller.Targets().Max; got != 4_000_000 {
		t.Fatalf("max after two low samples = %d, want 4000000", got)
	}
	fake.Advance(5 * time.Second)
	if got := controller.Targets().Max; got != 3_200_000 {
		t.Fatalf("max after three low samples = %d, want 3200000", got)
	}
	params, _ := media.lastParams()
	if params.MaxBitrate != 3_200_000 {
		t.Errorf("pushed max bitrate = %d, want 3200000", params.MaxBitrate)
	}
}

func TestBitrateIncreaseCappedAtCeiling(t *testing.T) {
	h, controller, fake := connectedHost(t, testControllerConfig())
	h.factory.last().setStats(transport.Stats{AvailableBandwidthBPS: 50_000_000, QualityLimitationReason: "none"})

	for range 10 {
		fake.Advance(5 * time.Second)
		if got := controller.Targets().Max; got > DefaultBitrateCeiling {
			t.Fatalf("max = %d exceeds ceiling %d", got, DefaultBitrateCeiling)
		}
	}
	if got := controller.Targets().Max; got != DefaultBitrateCeiling {
		t.Errorf("max = %d, want ceiling %d", got, DefaultBitrateCeiling)
	}

	controller.SetGameMode(true)
	for range 10 {
		fake.Advance(5 * time.Second)
	}
	if got := controller.Targets().Max; got != GameModeBitrateCeiling {
		t.Errorf("game mode max = %d, want %d", got, GameModeBitrateCeiling)
	}
}

func TestViewerControllerDoesNotAdaptBitrate(t *testing.T) {
	h := newHarness(t, transport.RoleViewer, false)
	_, fake := newController(t, h, testControllerConfig())
	if err := h.session.StartAsViewer(context.Background()); err != nil {
		t.Fatalf("StartAsViewer: %v", err)
	}
	h.factory.last().setConnection(transport.ConnectionStateConnected)
	if pending := fake.PendingCount(); pending != 1 {
		t.Errorf("pending timers = %d, want 1 (stats only)", pending)
	}
}

func TestQualityAndGameMode(t *testing.T) {
	h, controller, _ := connectedHost(t, testControllerConfig())
	media := h.source.last()

	if err := controller.SetQuality("ultra"); err == nil {
		t.Error("SetQuality accepted an unknown preset")
	}
	if err := controller.SetQuality(QualityHigh); err != nil {
		t.Fatalf("SetQuality: %v", err)
	}
	params, _ := media.lastParams()
	if params.Width != 1920 || params.Height != 1080 || params.MaxFramerate != 60 || params.MaxBitrate != 6_000_000 {
		t.Errorf("high preset params = %+v", params)
	}

	controller.SetGameMode(true)
	params, _ = media.lastParams()
	if params.MaxBitrate != GameModeBitrateCeiling || params.MaxFramerate != GameModeFramerate ||
		params.ScaleDownBy != GameModeScaleDown || params.Priority != transport.PriorityHigh {
		t.Errorf("game mode params = %+v", params)
	}
	if !controller.GameMode() {
		t.Error("GameMode() = false after enabling")
	}

	controller.SetGameMode(false)
	if err := controller.SetQuality(QualityLow); err != nil {
		t.Fatalf("SetQuality: %v", err)
	}
	params, _ = media.lastParams()
	if params.Width != 1280 || params.MaxBitrate != 1_500_000 || params.Priority != transport.PriorityMedium {
		t.Errorf("low preset params = %+v", params)
	}
	waitEvent(t, h.events, isType(EventEncoderParams))
}

func TestControllerStopsWithSession(t *testing.T) {
	h, controller, fake := connectedHost(t, testControllerConfig())
	if pending := fake.PendingCount(); pending != 2 {
		t.Fatalf("pending timers = %d, want 2", pending)
	}
	if err := controller.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if pending := fake.PendingCount(); pending != 0 {
		t.Errorf("pending timers after close = %d, want 0", pending)
	}
	if state := h.session.State(); state != StateIdle {
		t.Errorf("state = %s, want idle", state)
	}
}
