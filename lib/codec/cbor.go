// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is Tandem's structured encoding for packet bodies,
// control commands, key-exchange payloads, and session tokens.
//
// Encoding is CBOR Core Deterministic (RFC 8949 §4.2), so the same
// value always produces the same bytes; token signatures depend on
// this. Decoding is configured for untrusted peer input: duplicate map
// keys are rejected and nesting and container sizes are bounded.
//
// Struct fields use json tags. fxamacker/cbor falls back to them when
// no cbor tag is present, which keeps the event bodies readable in
// logs and in the WebSocket relay's JSON frames.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Limits applied to every decode. Packet payloads are bounded by the
// data channel message size long before these trigger; they exist so a
// crafted body cannot make the decoder allocate unbounded memory.
const (
	maxNestedLevels  = 16
	maxContainerSize = 4096

	// MaxEncodedSize bounds the input to Unmarshal. No byte string
	// inside a value can be longer than the value itself.
	MaxEncodedSize = 16 << 20
)

// ErrTooLarge is returned by Unmarshal for input over MaxEncodedSize.
var ErrTooLarge = errors.New("codec: encoded value exceeds size limit")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: maxContainerSize,
		MaxMapPairs:      maxContainerSize,
		// any-typed targets (control command arguments) decode to
		// map[string]any rather than map[any]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error {
	if len(data) > MaxEncodedSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return decMode.Unmarshal(data, v)
}

// RawMessage is an already-encoded CBOR value, used to defer decoding
// of control command arguments until the command name is known.
type RawMessage = cbor.RawMessage
