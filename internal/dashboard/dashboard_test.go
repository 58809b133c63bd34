// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dashboard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/tandem/control"
	"github.com/bureau-foundation/tandem/lib/tui"
	"github.com/bureau-foundation/tandem/session"
	"github.com/bureau-foundation/tandem/transport"
)

type fakeRemote struct {
	quality  session.Quality
	gameMode *bool
	err      error
}

func (f *fakeRemote) SetQuality(_ context.Context, quality session.Quality) error {
	f.quality = quality
	return f.err
}

func (f *fakeRemote) SetGameMode(_ context.Context, enabled bool) error {
	f.gameMode = &enabled
	return f.err
}

func newTestModel(remote Remote) Model {
	renderer := lipgloss.NewRenderer(io.Discard, termenv.WithProfile(termenv.Ascii))
	return New(remote, renderer, tui.DefaultTheme)
}

func keyPress(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func update(t *testing.T, model Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	updated, cmd := model.Update(msg)
	return updated.(Model), cmd
}

// run executes cmd and feeds its message back into the model.
func run(t *testing.T, model Model, cmd tea.Cmd) Model {
	t.Helper()
	if cmd == nil {
		t.Fatal("expected a command")
	}
	model, _ = update(t, model, cmd())
	return model
}

func connected(t *testing.T, model Model) Model {
	t.Helper()
	model, _ = update(t, model, ConnectedMsg{SessionID: "s-1", Permissions: []string{"control", "view"}})
	return model
}

func TestViewBeforeStatus(t *testing.T) {
	view := newTestModel(&fakeRemote{}).View()
	for _, want := range []string{"not connected", "waiting for the first status report", "quit"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestViewShowsStatus(t *testing.T) {
	model := connected(t, newTestModel(&fakeRemote{}))
	model, _ = update(t, model, StatusMsg{
		Status: control.Status{
			State:             "connected",
			Quality:           "high",
			GameMode:          true,
			ReconnectAttempts: 1,
			Stats: transport.Stats{
				RTTMillis:               42,
				AvailableBandwidthBPS:   8_500_000,
				FramesPerSecond:         60,
				QualityLimitationReason: "bandwidth",
			},
			Encoder: transport.EncoderParams{Width: 1920, Height: 1080, MaxBitrate: 10_000_000},
		},
		ControlRTT: 12 * time.Millisecond,
	})

	view := model.View()
	for _, want := range []string{
		"session s-1",
		"connected",
		"high",
		"42 ms",
		"8.5 Mbit/s",
		"60 fps",
		"10.0 Mbit/s",
		"1920x1080",
		"12ms",
		"limited by",
		"bandwidth",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestQualityKeys(t *testing.T) {
	remote := &fakeRemote{}
	model := connected(t, newTestModel(remote))

	for key, want := range map[rune]session.Quality{
		'1': session.QualityLow,
		'2': session.QualityMedium,
		'3': session.QualityHigh,
	} {
		next, cmd := update(t, model, keyPress(key))
		next = run(t, next, cmd)
		if remote.quality != want {
			t.Errorf("key %q set quality %q, want %q", key, remote.quality, want)
		}
		if !strings.Contains(next.View(), "quality "+string(want)) {
			t.Errorf("key %q: no confirmation in view", key)
		}
	}
}

func TestGameModeTogglesFromStatus(t *testing.T) {
	remote := &fakeRemote{}
	model := connected(t, newTestModel(remote))
	model, _ = update(t, model, StatusMsg{Status: control.Status{State: "connected", GameMode: true}})

	next, cmd := update(t, model, keyPress('g'))
	run(t, next, cmd)
	if remote.gameMode == nil || *remote.gameMode {
		t.Errorf("game mode request = %v, want off", remote.gameMode)
	}
}

func TestCommandFailureIsShown(t *testing.T) {
	remote := &fakeRemote{err: errors.New("host said no")}
	model := connected(t, newTestModel(remote))

	next, cmd := update(t, model, keyPress('3'))
	next = run(t, next, cmd)
	if view := next.View(); !strings.Contains(view, "quality high failed: host said no") {
		t.Errorf("view missing failure:\n%s", view)
	}
}

func TestCommandsNeedConnection(t *testing.T) {
	remote := &fakeRemote{}
	model := newTestModel(remote)

	next, cmd := update(t, model, keyPress('1'))
	next = run(t, next, cmd)
	if remote.quality != "" {
		t.Errorf("quality sent while disconnected: %q", remote.quality)
	}
	if !strings.Contains(next.View(), "failed") {
		t.Errorf("view missing failure:\n%s", next.View())
	}
}

func TestQuit(t *testing.T) {
	_, cmd := update(t, newTestModel(&fakeRemote{}), keyPress('q'))
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}

func TestDisconnectAndLogRecords(t *testing.T) {
	model := connected(t, newTestModel(&fakeRemote{}))
	model, _ = update(t, model, DisconnectedMsg{Reason: "closed"})
	if view := model.View(); !strings.Contains(view, "not connected") || !strings.Contains(view, "control connection lost: closed") {
		t.Errorf("view after disconnect:\n%s", view)
	}

	model, _ = update(t, model, tui.LogRecordMsg{Summary: "reconnecting (attempt=2)", Level: slog.LevelInfo})
	if view := model.View(); !strings.Contains(view, "reconnecting (attempt=2)") {
		t.Errorf("view missing log record:\n%s", view)
	}
}
