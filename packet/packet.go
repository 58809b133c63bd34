// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package packet implements Tandem's binary wire format for input
// events, control commands, and screen frames.
//
// Every packet is a 6-byte header followed by the payload:
//
//	offset 0  type         1 byte, 0x01..0x0b
//	offset 1  flags        1 byte, reserved, written as 0
//	offset 2  payload_len  uint32 little-endian
//	offset 6  payload      payload_len bytes
//
// Decoding validates the header before touching any payload byte.
// Structured bodies (input events, control commands, frame metadata)
// are CBOR via lib/codec.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// HeaderSize is the fixed length of the packet header.
const HeaderSize = 6

// Type identifies what a packet carries.
type Type uint8

const (
	TypeMouseMove   Type = 0x01
	TypeMouseButton Type = 0x02
	TypeMouseScroll Type = 0x03
	TypeKeyEvent    Type = 0x04
	TypeScreenFrame Type = 0x05
	TypeClipboard   Type = 0x06
	TypeFileChunk   Type = 0x07
	TypeControl     Type = 0x08
	TypeHeartbeat   Type = 0x09
	TypeKeyExchange Type = 0x0a
	TypeEncrypted   Type = 0x0b
)

var typeNames = [...]string{
	TypeMouseMove:   "mouse-move",
	TypeMouseButton: "mouse-button",
	TypeMouseScroll: "mouse-scroll",
	TypeKeyEvent:    "key-event",
	TypeScreenFrame: "screen-frame",
	TypeClipboard:   "clipboard",
	TypeFileChunk:   "file-chunk",
	TypeControl:     "control",
	TypeHeartbeat:   "heartbeat",
	TypeKeyExchange: "key-exchange",
	TypeEncrypted:   "encrypted",
}

// Valid reports whether t is one of the defined packet types.
func (t Type) Valid() bool {
	return t >= TypeMouseMove && t <= TypeEncrypted
}

func (t Type) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// IsInput reports whether t is a pointer or keyboard event.
func (t Type) IsInput() bool {
	return t >= TypeMouseMove && t <= TypeKeyEvent
}

// Framing errors. They are returned before any payload byte is read.
var (
	ErrShortPacket      = errors.New("packet: input shorter than header")
	ErrTruncatedPayload = errors.New("packet: declared length exceeds input")
	ErrUnknownType      = errors.New("packet: unknown type")
	ErrPayloadTooLarge  = errors.New("packet: payload exceeds 4 GiB")
)

// Packet is a decoded packet. Timestamp is the local receive time and is
// not part of the wire format.
type Packet struct {
	Type      Type
	Timestamp time.Time
	Payload   []byte
}

// Encode serializes a packet of type t around payload.
func Encode(t Type, payload []byte) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(t))
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, ErrPayloadTooLarge
	}
	data := make([]byte, HeaderSize+len(payload))
	data[0] = byte(t)
	data[1] = 0
	binary.LittleEndian.PutUint32(data[2:HeaderSize], uint32(len(payload)))
	copy(data[HeaderSize:], payload)
	return data, nil
}

// Decode parses one packet from the front of data, stamped with the
// current time. Bytes after the declared payload are ignored.
func Decode(data []byte) (Packet, error) {
	return DecodeAt(data, time.Now())
}

// DecodeAt is Decode with an explicit receive time.
func DecodeAt(data []byte, now time.Time) (Packet, error) {
	packet, _, err := decodeOne(data, now)
	return packet, err
}

// DecodeStream parses back-to-back packets until data is exhausted. A
// framing error anywhere rejects the whole buffer.
func DecodeStream(data []byte, now time.Time) ([]Packet, error) {
	var packets []Packet
	for len(data) > 0 {
		packet, consumed, err := decodeOne(data, now)
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", len(packets), err)
		}
		packets = append(packets, packet)
		data = data[consumed:]
	}
	return packets, nil
}

func decodeOne(data []byte, now time.Time) (Packet, int, error) {
	if len(data) < HeaderSize {
		return Packet{}, 0, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	length := binary.LittleEndian.Uint32(data[2:HeaderSize])
	if uint64(length) > uint64(len(data)-HeaderSize) {
		return Packet{}, 0, fmt.Errorf("%w: declared %d, have %d", ErrTruncatedPayload, length, len(data)-HeaderSize)
	}
	t := Type(data[0])
	if !t.Valid() {
		return Packet{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[0])
	}
	end := HeaderSize + int(length)
	payload := make([]byte, length)
	copy(payload, data[HeaderSize:end])
	return Packet{Type: t, Timestamp: now, Payload: payload}, end, nil
}

// Marshal re-encodes p. The timestamp is dropped.
func (p Packet) Marshal() ([]byte, error) {
	return Encode(p.Type, p.Payload)
}
