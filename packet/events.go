// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"fmt"

	"github.com/bureau-foundation/tandem/lib/codec"
)

// MouseMove is an absolute pointer position in host screen pixels.
type MouseMove struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// MouseButton is a press or release at a position.
type MouseButton struct {
	Button  string `json:"button"`
	Pressed bool   `json:"pressed"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
}

// MouseScroll is a wheel delta in lines.
type MouseScroll struct {
	DeltaX int `json:"dx"`
	DeltaY int `json:"dy"`
}

// KeyEvent carries both the layout-dependent key value and the
// physical key code, so the host can inject whichever its platform
// needs.
type KeyEvent struct {
	Key       string   `json:"key"`
	Code      string   `json:"code"`
	Pressed   bool     `json:"pressed"`
	Modifiers []string `json:"modifiers,omitempty"`
}

// Clipboard is clipboard content offered by one side.
type Clipboard struct {
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// FileChunk is one piece of a file transfer.
type FileChunk struct {
	TransferID string `json:"transfer_id"`
	Index      uint32 `json:"index"`
	Final      bool   `json:"final"`
	Data       []byte `json:"data"`
}

// Control is a named control-plane command with command-specific
// arguments.
type Control struct {
	Command string           `json:"command"`
	Args    codec.RawMessage `json:"args,omitempty"`
}

// Heartbeat keeps the control channel warm and measures round trips.
type Heartbeat struct {
	Sequence uint64 `json:"sequence"`
	SentAt   int64  `json:"sent_at"`
}

// bodyType maps each structured body to its packet type.
func bodyType(body any) (Type, error) {
	switch body.(type) {
	case MouseMove, *MouseMove:
		return TypeMouseMove, nil
	case MouseButton, *MouseButton:
		return TypeMouseButton, nil
	case MouseScroll, *MouseScroll:
		return TypeMouseScroll, nil
	case KeyEvent, *KeyEvent:
		return TypeKeyEvent, nil
	case Clipboard, *Clipboard:
		return TypeClipboard, nil
	case FileChunk, *FileChunk:
		return TypeFileChunk, nil
	case Control, *Control:
		return TypeControl, nil
	case Heartbeat, *Heartbeat:
		return TypeHeartbeat, nil
	}
	return 0, fmt.Errorf("packet: no packet type for body %T", body)
}

// EncodeBody CBOR-encodes a structured body and frames it with the
// matching packet type.
func EncodeBody(body any) ([]byte, error) {
	t, err := bodyType(body)
	if err != nil {
		return nil, err
	}
	payload, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("packet: encoding %s body: %w", t, err)
	}
	return Encode(t, payload)
}

// NewControl builds a control packet, encoding args when non-nil.
func NewControl(command string, args any) ([]byte, error) {
	control := Control{Command: command}
	if args != nil {
		encoded, err := codec.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("packet: encoding %s args: %w", command, err)
		}
		control.Args = encoded
	}
	return EncodeBody(control)
}

// DecodeBody decodes p's payload into the body pointer target, which
// must match p's type.
func (p Packet) DecodeBody(target any) error {
	t, err := bodyType(target)
	if err != nil {
		return err
	}
	if t != p.Type {
		return fmt.Errorf("packet: cannot decode %s packet into %T", p.Type, target)
	}
	if err := codec.Unmarshal(p.Payload, target); err != nil {
		return fmt.Errorf("packet: decoding %s body: %w", p.Type, err)
	}
	return nil
}

// DecodeArgs decodes a control command's arguments.
func (c Control) DecodeArgs(target any) error {
	if len(c.Args) == 0 {
		return fmt.Errorf("packet: control %q has no arguments", c.Command)
	}
	return codec.Unmarshal(c.Args, target)
}
