// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"log/slog"

	"github.com/charmbracelet/lipgloss"
)

// Theme is the palette of Tandem's terminal views. Colors are ANSI
// 256-color codes.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color
	HelpText         lipgloss.Color

	// Session health.
	Healthy  lipgloss.Color
	Degraded lipgloss.Color
	Down     lipgloss.Color

	// Log lines in the status bar.
	WarnText  lipgloss.Color
	ErrorText lipgloss.Color
}

// StateColor colors a session state name. Connected is healthy, a
// session on its way up is degraded, and the rest are down.
func (theme Theme) StateColor(state string) lipgloss.Color {
	switch state {
	case "connected":
		return theme.Healthy
	case "idle", "negotiating", "reconnecting":
		return theme.Degraded
	case "failed", "disconnected":
		return theme.Down
	default:
		return theme.FaintText
	}
}

// LevelColor colors a log record by severity.
func (theme Theme) LevelColor(level slog.Level) lipgloss.Color {
	switch {
	case level >= slog.LevelError:
		return theme.ErrorText
	case level >= slog.LevelWarn:
		return theme.WarnText
	default:
		return theme.FaintText
	}
}

// DefaultTheme targets 256-color terminals with a dark background.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	HeaderForeground: lipgloss.Color("255"),
	BorderColor:      lipgloss.Color("240"),
	HelpText:         lipgloss.Color("241"),

	Healthy:  lipgloss.Color("114"), // green
	Degraded: lipgloss.Color("220"), // amber
	Down:     lipgloss.Color("196"), // red

	WarnText:  lipgloss.Color("220"),
	ErrorText: lipgloss.Color("196"),
}
