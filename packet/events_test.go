// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"testing"
)

func TestEncodeBodyChoosesType(t *testing.T) {
	tests := []struct {
		body any
		want Type
	}{
		{MouseMove{X: 10, Y: 20}, TypeMouseMove},
		{&MouseButton{Button: "left", Pressed: true}, TypeMouseButton},
		{MouseScroll{DeltaY: -3}, TypeMouseScroll},
		{KeyEvent{Key: "a", Code: "KeyA", Pressed: true}, TypeKeyEvent},
		{Clipboard{MIME: "text/plain", Data: []byte("hi")}, TypeClipboard},
		{FileChunk{TransferID: "t1", Data: []byte{1}}, TypeFileChunk},
		{Heartbeat{Sequence: 9}, TypeHeartbeat},
	}
	for _, test := range tests {
		data, err := EncodeBody(test.body)
		if err != nil {
			t.Fatalf("EncodeBody(%T): %v", test.body, err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if decoded.Type != test.want {
			t.Errorf("EncodeBody(%T) type = %s, want %s", test.body, decoded.Type, test.want)
		}
	}

	if _, err := EncodeBody(struct{}{}); err == nil {
		t.Error("EncodeBody accepted an unknown body")
	}
}

func TestKeyEventBody(t *testing.T) {
	data, err := EncodeBody(KeyEvent{Key: "C", Code: "KeyC", Pressed: true, Modifiers: []string{"ctrl", "shift"}})
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var event KeyEvent
	if err := decoded.DecodeBody(&event); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if event.Code != "KeyC" || !event.Pressed || len(event.Modifiers) != 2 || event.Modifiers[1] != "shift" {
		t.Errorf("decoded %+v", event)
	}

	var wrong MouseMove
	if err := decoded.DecodeBody(&wrong); err == nil {
		t.Error("DecodeBody into a mismatched body succeeded")
	}
}

func TestControlArgs(t *testing.T) {
	type qualityArgs struct {
		Preset string `json:"preset"`
	}
	data, err := NewControl("quality.set", qualityArgs{Preset: "high"})
	if err != nil {
		t.Fatalf("NewControl: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var control Control
	if err := decoded.DecodeBody(&control); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if control.Command != "quality.set" {
		t.Errorf("Command = %q", control.Command)
	}
	var args qualityArgs
	if err := control.DecodeArgs(&args); err != nil {
		t.Fatalf("DecodeArgs: %v", err)
	}
	if args.Preset != "high" {
		t.Errorf("Preset = %q, want high", args.Preset)
	}

	bare, err := NewControl("session.stats", nil)
	if err != nil {
		t.Fatalf("NewControl without args: %v", err)
	}
	decoded, _ = Decode(bare)
	control = Control{}
	if err := decoded.DecodeBody(&control); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if err := control.DecodeArgs(&args); err == nil {
		t.Error("DecodeArgs on a bare command succeeded")
	}
}
