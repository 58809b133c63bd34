// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/tandem/packet"
)

// InputInjector delivers viewer input to the host's desktop. The
// platform supplies the implementation.
type InputInjector interface {
	MouseMove(ctx context.Context, event packet.MouseMove) error
	MouseButton(ctx context.Context, event packet.MouseButton) error
	MouseScroll(ctx context.Context, event packet.MouseScroll) error
	Key(ctx context.Context, event packet.KeyEvent) error
}

// DiscardInjector drops all input.
type DiscardInjector struct{}

func (DiscardInjector) MouseMove(context.Context, packet.MouseMove) error     { return nil }
func (DiscardInjector) MouseButton(context.Context, packet.MouseButton) error { return nil }
func (DiscardInjector) MouseScroll(context.Context, packet.MouseScroll) error { return nil }
func (DiscardInjector) Key(context.Context, packet.KeyEvent) error            { return nil }

// LogInjector records input at debug level. Hosts without a platform
// injector use it.
type LogInjector struct {
	Logger *slog.Logger
}

func (l LogInjector) MouseMove(ctx context.Context, event packet.MouseMove) error {
	l.Logger.DebugContext(ctx, "input", "event", "mouse-move", "x", event.X, "y", event.Y)
	return nil
}

func (l LogInjector) MouseButton(ctx context.Context, event packet.MouseButton) error {
	l.Logger.DebugContext(ctx, "input", "event", "mouse-button",
		"button", event.Button, "pressed", event.Pressed, "x", event.X, "y", event.Y)
	return nil
}

func (l LogInjector) MouseScroll(ctx context.Context, event packet.MouseScroll) error {
	l.Logger.DebugContext(ctx, "input", "event", "mouse-scroll", "dx", event.DeltaX, "dy", event.DeltaY)
	return nil
}

func (l LogInjector) Key(ctx context.Context, event packet.KeyEvent) error {
	l.Logger.DebugContext(ctx, "input", "event", "key",
		"code", event.Code, "pressed", event.Pressed, "modifiers", event.Modifiers)
	return nil
}

var (
	_ InputInjector = DiscardInjector{}
	_ InputInjector = LogInjector{}
)

// injectPacket decodes an input packet and hands it to injector.
func injectPacket(ctx context.Context, injector InputInjector, p packet.Packet) error {
	switch p.Type {
	case packet.TypeMouseMove:
		var event packet.MouseMove
		if err := p.DecodeBody(&event); err != nil {
			return err
		}
		return injector.MouseMove(ctx, event)
	case packet.TypeMouseButton:
		var event packet.MouseButton
		if err := p.DecodeBody(&event); err != nil {
			return err
		}
		return injector.MouseButton(ctx, event)
	case packet.TypeMouseScroll:
		var event packet.MouseScroll
		if err := p.DecodeBody(&event); err != nil {
			return err
		}
		return injector.MouseScroll(ctx, event)
	case packet.TypeKeyEvent:
		var event packet.KeyEvent
		if err := p.DecodeBody(&event); err != nil {
			return err
		}
		return injector.Key(ctx, event)
	}
	return fmt.Errorf("%w: %s", ErrNotInput, p.Type)
}
