// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
)

// LogRecordMsg carries one log record into the program.
type LogRecordMsg struct {
	// Summary is "message (key=value, ...)".
	Summary string
	Level   slog.Level
}

// LogHandler is a slog.Handler that delivers records at or above its
// level to a bubbletea program as LogRecordMsg. Records that arrive
// before SetProgram are dropped.
//
// Handlers derived with WithAttrs and WithGroup share the program
// pointer, so one SetProgram call reaches all of them.
type LogHandler struct {
	level   slog.Leveler
	program *atomic.Pointer[tea.Program]
	attrs   []slog.Attr
	prefix  string
}

// NewLogHandler returns a handler for records at or above level.
func NewLogHandler(level slog.Leveler) *LogHandler {
	return &LogHandler{
		level:   level,
		program: &atomic.Pointer[tea.Program]{},
	}
}

// SetProgram starts delivery to program. Safe from any goroutine.
func (h *LogHandler) SetProgram(program *tea.Program) {
	h.program.Store(program)
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(_ context.Context, record slog.Record) error {
	program := h.program.Load()
	if program == nil {
		return nil
	}
	program.Send(LogRecordMsg{Summary: h.summarize(record), Level: record.Level})
	return nil
}

func (h *LogHandler) summarize(record slog.Record) string {
	var parts []string
	for _, attr := range h.attrs {
		parts = append(parts, fmt.Sprintf("%s=%s", attr.Key, attr.Value))
	}
	record.Attrs(func(attr slog.Attr) bool {
		parts = append(parts, fmt.Sprintf("%s%s=%s", h.prefix, attr.Key, attr.Value))
		return true
	})
	if len(parts) == 0 {
		return record.Message
	}
	return record.Message + " (" + strings.Join(parts, ", ") + ")"
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := *h
	derived.attrs = slices.Clone(h.attrs)
	for _, attr := range attrs {
		attr.Key = h.prefix + attr.Key
		derived.attrs = append(derived.attrs, attr)
	}
	return &derived
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	derived := *h
	derived.attrs = slices.Clone(h.attrs)
	derived.prefix = h.prefix + name + "."
	return &derived
}

var _ slog.Handler = (*LogHandler)(nil)
