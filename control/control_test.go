// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tandem/auth"
	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/lib/testutil"
	"github.com/bureau-foundation/tandem/packet"
	"github.com/bureau-foundation/tandem/session"
	"github.com/bureau-foundation/tandem/signaling"
	"github.com/bureau-foundation/tandem/transport"
)

const testPassword = "correct horse battery staple"

var (
	testKDF         = auth.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}
	testFingerprint = []byte("viewer-device-fingerprint")
	epoch           = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeControls struct {
	mu       sync.Mutex
	quality  session.Quality
	gameMode bool
}

func (f *fakeControls) State() session.State { return session.StateConnected }

func (f *fakeControls) Quality() session.Quality {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quality
}

func (f *fakeControls) SetQuality(quality session.Quality) error {
	if _, err := session.PresetFor(quality); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quality = quality
	return nil
}

func (f *fakeControls) GameMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gameMode
}

func (f *fakeControls) SetGameMode(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gameMode = enabled
}

func (f *fakeControls) ReconnectAttempts() int { return 2 }

func (f *fakeControls) LastStats() transport.Stats {
	return transport.Stats{RTTMillis: 12, FramesPerSecond: 60}
}

func (f *fakeControls) EncoderParams() transport.EncoderParams {
	return transport.EncoderParams{Width: 1920, Height: 1080, MaxFramerate: 60}
}

type recordingInjector struct {
	mu     sync.Mutex
	events []any
}

func (r *recordingInjector) record(event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingInjector) MouseMove(_ context.Context, event packet.MouseMove) error {
	return r.record(event)
}

func (r *recordingInjector) MouseButton(_ context.Context, event packet.MouseButton) error {
	return r.record(event)
}

func (r *recordingInjector) MouseScroll(_ context.Context, event packet.MouseScroll) error {
	return r.record(event)
}

func (r *recordingInjector) Key(_ context.Context, event packet.KeyEvent) error {
	return r.record(event)
}

func (r *recordingInjector) recorded() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

type fixture struct {
	clock         *clock.FakeClock
	credentials   *auth.Credentials
	authenticator *auth.Authenticator
	controls      *fakeControls
	injector      *recordingInjector
	host          *Host
}

type fixtureOptions struct {
	permissions auth.Permissions
	totp        bool
}

func newFixture(t *testing.T, options fixtureOptions) *fixture {
	t.Helper()
	credentials, err := auth.NewCredentials([]byte(testPassword), testKDF, options.totp)
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	permissions := options.permissions
	if permissions == nil {
		permissions = auth.Permissions{auth.PermissionControl, auth.PermissionView}
	}
	f := &fixture{
		clock:       clock.Fake(epoch),
		credentials: credentials,
		controls:    &fakeControls{quality: session.QualityMedium},
		injector:    &recordingInjector{},
	}
	f.authenticator, err = auth.NewAuthenticator(auth.AuthenticatorConfig{
		Credentials:  credentials,
		Clock:        f.clock,
		Logger:       testutil.DiscardLogger(),
		TOTPRequired: options.totp,
		Permissions:  permissions,
	})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	t.Cleanup(func() { f.authenticator.Close() })

	f.host, err = NewHost(HostConfig{
		Auth:     f.authenticator,
		Controls: f.controls,
		Injector: f.injector,
		Clock:    f.clock,
		Logger:   testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	return f
}

// serve runs the host on conn and returns a channel that yields
// Serve's result.
func (f *fixture) serve(t *testing.T, conn transport.MessageConn) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- f.host.Serve(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		f.host.Wait()
	})
	return result
}

// connect returns a viewer with an established secure channel to the
// fixture's host over an in-memory pipe.
func (f *fixture) connect(t *testing.T) (*Viewer, <-chan error) {
	t.Helper()
	viewerSide, hostSide := transport.MessagePipe()
	served := f.serve(t, hostSide)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	viewer, err := Dial(ctx, viewerSide, ViewerConfig{Clock: f.clock, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { viewer.Close() })
	return viewer, served
}

func login(t *testing.T, viewer *Viewer, password string) (*auth.SessionToken, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return viewer.Login(ctx, []byte(password), LoginOptions{Fingerprint: testFingerprint, DeviceName: "laptop"})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewHostValidatesConfig(t *testing.T) {
	if _, err := NewHost(HostConfig{Controls: &fakeControls{}}); err == nil {
		t.Error("expected error without an authenticator")
	}
	f := newFixture(t, fixtureOptions{})
	if _, err := NewHost(HostConfig{Auth: f.authenticator}); err == nil {
		t.Error("expected error without session controls")
	}
}

func TestHandleRejectsReservedCommands(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	defer func() {
		if recover() == nil {
			t.Error("registering auth.response did not panic")
		}
	}()
	f.host.Handle(CommandAuthResponse, nil)
}

func TestLoginAndCommands(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewer, _ := f.connect(t)
	ctx := testContext(t)

	token, err := login(t, viewer, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token.SessionID != viewer.SessionID() {
		t.Errorf("token session = %q, want %q", token.SessionID, viewer.SessionID())
	}
	if !token.Permissions.Has(auth.PermissionControl) {
		t.Errorf("token permissions = %v, want control", token.Permissions)
	}
	if viewer.Token() == nil {
		t.Error("viewer did not keep the token")
	}

	if err := viewer.SetQuality(ctx, session.QualityHigh); err != nil {
		t.Fatalf("SetQuality: %v", err)
	}
	if quality := f.controls.Quality(); quality != session.QualityHigh {
		t.Errorf("host quality = %s, want high", quality)
	}
	if err := viewer.SetGameMode(ctx, true); err != nil {
		t.Fatalf("SetGameMode: %v", err)
	}
	if !f.controls.GameMode() {
		t.Error("host game mode not enabled")
	}

	status, err := viewer.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "connected" || status.Quality != "high" || !status.GameMode {
		t.Errorf("status = %+v", status)
	}
	if status.ReconnectAttempts != 2 || status.Stats.RTTMillis != 12 || status.Encoder.Width != 1920 {
		t.Errorf("status details = %+v", status)
	}
}

func TestInvalidQualityIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewer, _ := f.connect(t)
	if _, err := login(t, viewer, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	err := viewer.SetQuality(testContext(t), session.Quality("ultra"))
	if !errors.Is(err, ErrRejected) {
		t.Errorf("SetQuality(ultra) = %v, want ErrRejected", err)
	}
	if quality := f.controls.Quality(); quality != session.QualityMedium {
		t.Errorf("host quality changed to %s", quality)
	}
}

func TestWrongPasswordIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewer, _ := f.connect(t)

	_, err := login(t, viewer, "wrong password")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Login = %v, want ErrRejected", err)
	}
	if viewer.Token() != nil {
		t.Error("viewer kept a token after a rejected login")
	}
	if err := viewer.SetGameMode(testContext(t), true); !errors.Is(err, ErrRejected) {
		t.Errorf("SetGameMode before login = %v, want ErrRejected", err)
	}
	if f.controls.GameMode() {
		t.Error("command applied without a login")
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewer, _ := f.connect(t)
	if err := viewer.call(testContext(t), "screen.rotate", nil, nil); !errors.Is(err, ErrRejected) {
		t.Errorf("unknown command = %v, want ErrRejected", err)
	}
}

func TestInputRequiresControlPermission(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewer, _ := f.connect(t)
	ctx := testContext(t)

	if err := viewer.SendInput(ctx, packet.MouseMove{X: 1, Y: 2}); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	// The host handles packets in order, so once a reply arrives the
	// input has been handled.
	viewer.Status(ctx)
	if events := f.injector.recorded(); len(events) != 0 {
		t.Fatalf("input injected before login: %v", events)
	}

	if _, err := login(t, viewer, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	key := packet.KeyEvent{Key: "a", Code: "KeyA", Pressed: true}
	if err := viewer.SendInput(ctx, key); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if err := viewer.SendInput(ctx, packet.MouseScroll{DeltaY: -3}); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if _, err := viewer.Status(ctx); err != nil {
		t.Fatalf("Status: %v", err)
	}
	events := f.injector.recorded()
	if len(events) != 2 {
		t.Fatalf("injected %d events, want 2: %v", len(events), events)
	}
	if got, ok := events[0].(packet.KeyEvent); !ok || got.Code != "KeyA" || !got.Pressed {
		t.Errorf("first event = %#v, want the key press", events[0])
	}
	if got, ok := events[1].(packet.MouseScroll); !ok || got.DeltaY != -3 {
		t.Errorf("second event = %#v, want the scroll", events[1])
	}
}

func TestViewOnlyTokenDropsInput(t *testing.T) {
	f := newFixture(t, fixtureOptions{permissions: auth.Permissions{auth.PermissionView}})
	viewer, _ := f.connect(t)
	ctx := testContext(t)
	if _, err := login(t, viewer, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := viewer.SendInput(ctx, packet.MouseButton{Button: "left", Pressed: true}); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if _, err := viewer.Status(ctx); err != nil {
		t.Fatalf("Status with a view token: %v", err)
	}
	if events := f.injector.recorded(); len(events) != 0 {
		t.Errorf("view-only token injected input: %v", events)
	}
}

func TestSendInputRejectsOtherBodies(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewer, _ := f.connect(t)
	err := viewer.SendInput(testContext(t), packet.Clipboard{MIME: "text/plain", Data: []byte("x")})
	if !errors.Is(err, ErrNotInput) {
		t.Errorf("SendInput(clipboard) = %v, want ErrNotInput", err)
	}
}

func TestExpiredTokenStopsInput(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewer, _ := f.connect(t)
	ctx := testContext(t)
	if _, err := login(t, viewer, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.clock.Advance(auth.DefaultTokenTTL + time.Minute)
	if err := viewer.SendInput(ctx, packet.MouseMove{X: 5, Y: 5}); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if err := viewer.SetGameMode(ctx, true); !errors.Is(err, ErrRejected) {
		t.Errorf("command with an expired token = %v, want ErrRejected", err)
	}
	if events := f.injector.recorded(); len(events) != 0 {
		t.Errorf("expired token injected input: %v", events)
	}
}

func TestTOTPRequired(t *testing.T) {
	f := newFixture(t, fixtureOptions{totp: true})
	viewer, _ := f.connect(t)
	ctx := testContext(t)

	_, err := viewer.Login(ctx, []byte(testPassword), LoginOptions{Fingerprint: testFingerprint})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Login without a code = %v, want ErrRejected", err)
	}

	code, err := auth.TOTPCode(f.credentials.TOTPSecret, f.clock.Now())
	if err != nil {
		t.Fatalf("TOTPCode: %v", err)
	}
	if _, err := viewer.Login(ctx, []byte(testPassword), LoginOptions{
		Fingerprint: testFingerprint,
		TOTPCode:    code,
	}); err != nil {
		t.Fatalf("Login with a code: %v", err)
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewer, _ := f.connect(t)
	if _, err := viewer.Ping(testContext(t)); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestClosingViewerRevokesOnlyItsToken(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	first, _ := f.connect(t)
	firstToken, err := login(t, first, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// A second viewer claiming the first one's session ID.
	viewerSide, hostSide := transport.MessagePipe()
	served := f.serve(t, hostSide)
	second, err := Dial(testContext(t), viewerSide, ViewerConfig{
		SessionID: first.SessionID(),
		Clock:     f.clock,
		Logger:    testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	secondToken, err := login(t, second, testPassword)
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}

	second.Close()
	if err := testutil.RequireReceive(t, served, 5*time.Second, "host Serve did not return"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err := f.authenticator.VerifyToken(secondToken.Token); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Errorf("closed viewer's token = %v, want ErrTokenRevoked", err)
	}
	if _, err := f.authenticator.VerifyToken(firstToken.Token); err != nil {
		t.Errorf("other viewer's token after close = %v, want valid", err)
	}
	if _, err := first.Status(testContext(t)); err != nil {
		t.Errorf("Status on the remaining viewer: %v", err)
	}
}

func TestReloginRevokesPreviousToken(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewer, _ := f.connect(t)
	previous, err := login(t, viewer, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	current, err := login(t, viewer, testPassword)
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if _, err := f.authenticator.VerifyToken(previous.Token); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Errorf("replaced token = %v, want ErrTokenRevoked", err)
	}
	if _, err := f.authenticator.VerifyToken(current.Token); err != nil {
		t.Errorf("current token = %v, want valid", err)
	}
}

func TestClosingViewerEndsSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewer, served := f.connect(t)
	token, err := login(t, viewer, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	viewer.Close()
	if err := testutil.RequireReceive(t, served, 5*time.Second, "host Serve did not return"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err := f.authenticator.VerifyToken(token.Token); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Errorf("token after disconnect = %v, want ErrTokenRevoked", err)
	}
	testutil.RequireClosed(t, viewer.Done(), time.Second, "viewer still running")
}

func TestSignalingFallback(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewerSignaler, hostSignaler := signaling.NewMemoryPair()
	defer viewerSignaler.Close()
	defer hostSignaler.Close()

	// Negotiation envelopes share the relay and must not reach the
	// control plane.
	var others []signaling.Kind
	var othersMu sync.Mutex
	subscription := hostSignaler.Subscribe(func(envelope signaling.Envelope) {
		if envelope.Kind != signaling.KindControl {
			othersMu.Lock()
			others = append(others, envelope.Kind)
			othersMu.Unlock()
		}
	})
	defer subscription.Close()

	f.serve(t, NewSignalingConn(hostSignaler))
	if err := viewerSignaler.Send(context.Background(), signaling.ViewerReady()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx := testContext(t)
	viewer, err := Dial(ctx, NewSignalingConn(viewerSignaler), ViewerConfig{Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("Dial over signaling: %v", err)
	}
	defer viewer.Close()
	if _, err := login(t, viewer, testPassword); err != nil {
		t.Fatalf("Login over signaling: %v", err)
	}
	if err := viewer.SetQuality(ctx, session.QualityLow); err != nil {
		t.Fatalf("SetQuality: %v", err)
	}
	if quality := f.controls.Quality(); quality != session.QualityLow {
		t.Errorf("host quality = %s, want low", quality)
	}

	othersMu.Lock()
	defer othersMu.Unlock()
	if len(others) != 1 || others[0] != signaling.KindViewerReady {
		t.Errorf("non-control envelopes = %v, want [viewer-ready]", others)
	}
}

func TestSignalingConnClose(t *testing.T) {
	local, remote := signaling.NewMemoryPair()
	defer local.Close()
	defer remote.Close()

	conn := NewSignalingConn(local)
	if local.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", local.Subscribers())
	}
	conn.Close()
	if local.Subscribers() != 0 {
		t.Errorf("subscribers after close = %d, want 0", local.Subscribers())
	}
	if _, err := conn.ReadMessage(context.Background()); err == nil {
		t.Error("ReadMessage after Close succeeded")
	}
	if err := conn.WriteMessage(context.Background(), []byte("x")); err == nil {
		t.Error("WriteMessage after Close succeeded")
	}
}

// keepOpen lets a test hand the same connection to a second Viewer.
type keepOpen struct {
	transport.MessageConn
}

func (keepOpen) Close() error { return nil }

func TestKeyExchangeRestartsChannel(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	viewerSide, hostSide := transport.MessagePipe()
	f.serve(t, hostSide)
	ctx := testContext(t)

	first, err := Dial(ctx, keepOpen{viewerSide}, ViewerConfig{Clock: f.clock, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	firstToken, err := login(t, first, testPassword)
	if err != nil {
		t.Fatalf("first Login: %v", err)
	}
	first.Close()

	second, err := Dial(ctx, viewerSide, ViewerConfig{Clock: f.clock, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("second Dial: %v", err)
	}
	defer second.Close()
	if second.SessionID() == first.SessionID() {
		t.Fatal("second viewer reused the first session ID")
	}

	if _, err := f.authenticator.VerifyToken(firstToken.Token); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Errorf("first token after restart = %v, want ErrTokenRevoked", err)
	}
	if _, err := second.Status(ctx); !errors.Is(err, ErrRejected) {
		t.Errorf("Status before login = %v, want ErrRejected", err)
	}
	if _, err := login(t, second, testPassword); err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if _, err := second.Status(ctx); err != nil {
		t.Errorf("Status after login: %v", err)
	}
}
