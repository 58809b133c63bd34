// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dashboard is the viewer's terminal status view. It shows the
// host's session health as reported over the control plane and lets
// the user switch quality presets and game mode.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/tandem/control"
	"github.com/bureau-foundation/tandem/lib/tui"
	"github.com/bureau-foundation/tandem/session"
)

// Remote is the host-side surface the dashboard drives.
type Remote interface {
	SetQuality(ctx context.Context, quality session.Quality) error
	SetGameMode(ctx context.Context, enabled bool) error
}

// StatusMsg is one status report from the host.
type StatusMsg struct {
	Status     control.Status
	ControlRTT time.Duration
}

// ConnectedMsg reports a successful login.
type ConnectedMsg struct {
	SessionID   string
	Permissions []string
}

// DisconnectedMsg reports that the control connection ended.
type DisconnectedMsg struct {
	Reason string
}

type commandDoneMsg struct {
	description string
	err         error
}

// KeyMap holds the dashboard's bindings.
type KeyMap struct {
	QualityLow    key.Binding
	QualityMedium key.Binding
	QualityHigh   key.Binding
	GameMode      key.Binding
	Quit          key.Binding
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.QualityLow, k.QualityMedium, k.QualityHigh, k.GameMode, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var DefaultKeyMap = KeyMap{
	QualityLow: key.NewBinding(
		key.WithKeys("1"),
		key.WithHelp("1", "low"),
	),
	QualityMedium: key.NewBinding(
		key.WithKeys("2"),
		key.WithHelp("2", "medium"),
	),
	QualityHigh: key.NewBinding(
		key.WithKeys("3"),
		key.WithHelp("3", "high"),
	),
	GameMode: key.NewBinding(
		key.WithKeys("g"),
		key.WithHelp("g", "game mode"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// commandTimeout bounds one quality or game-mode request.
const commandTimeout = 5 * time.Second

type styles struct {
	header lipgloss.Style
	label  lipgloss.Style
	value  lipgloss.Style
	faint  lipgloss.Style
	box    lipgloss.Style
	state  func(state string) lipgloss.Style
	notice func(level slog.Level) lipgloss.Style
}

func newStyles(renderer *lipgloss.Renderer, theme tui.Theme) styles {
	return styles{
		header: renderer.NewStyle().Bold(true).Foreground(theme.HeaderForeground),
		label:  renderer.NewStyle().Foreground(theme.FaintText).Width(20),
		value:  renderer.NewStyle().Foreground(theme.NormalText),
		faint:  renderer.NewStyle().Foreground(theme.HelpText),
		box: renderer.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(theme.BorderColor).
			Padding(0, 1),
		state: func(state string) lipgloss.Style {
			return renderer.NewStyle().Bold(true).Foreground(theme.StateColor(state))
		},
		notice: func(level slog.Level) lipgloss.Style {
			return renderer.NewStyle().Foreground(theme.LevelColor(level))
		},
	}
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	remote Remote
	keys   KeyMap
	help   help.Model
	styles styles

	connected   bool
	sessionID   string
	permissions []string
	status      *StatusMsg

	notice      string
	noticeLevel slog.Level
}

// New returns a dashboard that sends commands to remote. Styles are
// rendered for renderer's color profile.
func New(remote Remote, renderer *lipgloss.Renderer, theme tui.Theme) Model {
	helpModel := help.New()
	helpModel.Styles.ShortKey = renderer.NewStyle().Foreground(theme.NormalText)
	helpModel.Styles.ShortDesc = renderer.NewStyle().Foreground(theme.HelpText)
	helpModel.Styles.ShortSeparator = renderer.NewStyle().Foreground(theme.BorderColor)
	return Model{
		remote: remote,
		keys:   DefaultKeyMap,
		help:   helpModel,
		styles: newStyles(renderer, theme),
	}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
	case StatusMsg:
		m.status = &msg
	case ConnectedMsg:
		m.connected = true
		m.sessionID = msg.SessionID
		m.permissions = msg.Permissions
	case DisconnectedMsg:
		m.connected = false
		m.setNotice(slog.LevelWarn, "control connection lost: "+msg.Reason)
	case commandDoneMsg:
		if msg.err != nil {
			m.setNotice(slog.LevelWarn, fmt.Sprintf("%s failed: %v", msg.description, msg.err))
		} else {
			m.setNotice(slog.LevelInfo, msg.description)
		}
	case tui.LogRecordMsg:
		m.setNotice(msg.Level, msg.Summary)
	}
	return m, nil
}

func (m *Model) setNotice(level slog.Level, text string) {
	m.notice = text
	m.noticeLevel = level
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.QualityLow):
		return m, m.setQuality(session.QualityLow)
	case key.Matches(msg, m.keys.QualityMedium):
		return m, m.setQuality(session.QualityMedium)
	case key.Matches(msg, m.keys.QualityHigh):
		return m, m.setQuality(session.QualityHigh)
	case key.Matches(msg, m.keys.GameMode):
		enable := m.status == nil || !m.status.Status.GameMode
		return m, m.command(fmt.Sprintf("game mode %s", onOff(enable)), func(ctx context.Context) error {
			return m.remote.SetGameMode(ctx, enable)
		})
	}
	return m, nil
}

func (m Model) setQuality(quality session.Quality) tea.Cmd {
	return m.command(fmt.Sprintf("quality %s", quality), func(ctx context.Context) error {
		return m.remote.SetQuality(ctx, quality)
	})
}

// command runs call off the update loop and reports its outcome as a
// commandDoneMsg.
func (m Model) command(description string, call func(context.Context) error) tea.Cmd {
	if !m.connected {
		return func() tea.Msg {
			return commandDoneMsg{description: description, err: control.ErrNotLoggedIn}
		}
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return commandDoneMsg{description: description, err: call(ctx)}
	}
}

func (m Model) View() string {
	var body strings.Builder
	body.WriteString(m.styles.header.Render("Tandem"))
	if m.connected {
		body.WriteString(m.styles.faint.Render("  session " + m.sessionID))
	} else {
		body.WriteString(m.styles.faint.Render("  not connected"))
	}
	body.WriteString("\n\n")

	if m.status == nil {
		body.WriteString(m.styles.faint.Render("waiting for the first status report"))
	} else {
		status := m.status.Status
		rows := [][2]string{
			{"quality", status.Quality},
			{"game mode", onOff(status.GameMode)},
			{"round trip", fmt.Sprintf("%.0f ms", status.Stats.RTTMillis)},
			{"bandwidth", formatBitrate(status.Stats.AvailableBandwidthBPS)},
			{"frame rate", fmt.Sprintf("%.0f fps", status.Stats.FramesPerSecond)},
			{"encoder ceiling", formatBitrate(float64(status.Encoder.MaxBitrate))},
			{"resolution", fmt.Sprintf("%dx%d", status.Encoder.Width, status.Encoder.Height)},
			{"reconnects", fmt.Sprintf("%d", status.ReconnectAttempts)},
			{"control round trip", m.status.ControlRTT.Round(time.Millisecond).String()},
		}
		body.WriteString(m.styles.label.Render("state"))
		body.WriteString(m.styles.state(status.State).Render(status.State))
		for _, row := range rows {
			body.WriteString("\n")
			body.WriteString(m.styles.label.Render(row[0]))
			body.WriteString(m.styles.value.Render(row[1]))
		}
		if limit := status.Stats.QualityLimitationReason; limit != "" && limit != "none" {
			body.WriteString("\n")
			body.WriteString(m.styles.label.Render("limited by"))
			body.WriteString(m.styles.value.Render(limit))
		}
	}

	var view strings.Builder
	view.WriteString(m.styles.box.Render(body.String()))
	view.WriteString("\n")
	if m.notice != "" {
		view.WriteString(m.styles.notice(m.noticeLevel).Render(m.notice))
		view.WriteString("\n")
	}
	view.WriteString(m.help.View(m.keys))
	return view.String()
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func formatBitrate(bps float64) string {
	switch {
	case bps <= 0:
		return "unknown"
	case bps >= 1e6:
		return fmt.Sprintf("%.1f Mbit/s", bps/1e6)
	default:
		return fmt.Sprintf("%.0f kbit/s", bps/1e3)
	}
}
