// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/tandem/lib/codec"
)

// Screen-frame payloads are
//
//	[metadata_len uint32 LE][metadata (CBOR FrameMetadata)][frame bytes]
//
// so a receiver can read the metadata without touching the frame.

// ErrShortFrame is returned when a screen-frame payload cannot hold
// its metadata prefix.
var ErrShortFrame = errors.New("packet: screen-frame payload too short for metadata")

// Compression is the codec applied to the frame bytes of a screen
// frame. Values are wire constants.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// ParseCompression parses "none", "lz4", or "zstd".
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, fmt.Errorf("packet: unknown compression %q", name)
}

// FrameMetadata describes one screen frame. RawSize is the frame's
// length before compression and is filled in by NewScreenFrame.
type FrameMetadata struct {
	Sequence    uint64      `json:"sequence"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Keyframe    bool        `json:"keyframe"`
	Codec       string      `json:"codec"`
	Compression Compression `json:"compression"`
	RawSize     int         `json:"raw_size"`
	CapturedAt  int64       `json:"captured_at"`
}

// NewScreenFrame compresses frame as metadata.Compression requests and
// frames the result. Incompressible frames are sent uncompressed and
// the metadata says so.
func NewScreenFrame(metadata FrameMetadata, frame []byte) ([]byte, error) {
	body, compression, err := compress(frame, metadata.Compression)
	if err != nil {
		return nil, err
	}
	metadata.Compression = compression
	metadata.RawSize = len(frame)

	encoded, err := codec.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("packet: encoding frame metadata: %w", err)
	}
	if uint64(len(encoded)) > math.MaxUint32 {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, 4+len(encoded)+len(body))
	binary.LittleEndian.PutUint32(payload[:4], uint32(len(encoded)))
	copy(payload[4:], encoded)
	copy(payload[4+len(encoded):], body)
	return Encode(TypeScreenFrame, payload)
}

// SplitScreenFrame separates a screen-frame payload into its decoded
// metadata and the still-compressed frame bytes.
func SplitScreenFrame(payload []byte) (FrameMetadata, []byte, error) {
	var metadata FrameMetadata
	if len(payload) < 4 {
		return metadata, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(payload))
	}
	length := binary.LittleEndian.Uint32(payload[:4])
	if uint64(length) > uint64(len(payload)-4) {
		return metadata, nil, fmt.Errorf("%w: metadata length %d, have %d", ErrShortFrame, length, len(payload)-4)
	}
	end := 4 + int(length)
	if err := codec.Unmarshal(payload[4:end], &metadata); err != nil {
		return metadata, nil, fmt.Errorf("packet: decoding frame metadata: %w", err)
	}
	return metadata, payload[end:], nil
}

// ScreenFrame returns the metadata and decompressed frame bytes of a
// screen-frame packet.
func (p Packet) ScreenFrame() (FrameMetadata, []byte, error) {
	if p.Type != TypeScreenFrame {
		return FrameMetadata{}, nil, fmt.Errorf("packet: %s is not a screen frame", p.Type)
	}
	metadata, body, err := SplitScreenFrame(p.Payload)
	if err != nil {
		return metadata, nil, err
	}
	frame, err := decompress(body, metadata.Compression, metadata.RawSize)
	if err != nil {
		return metadata, nil, err
	}
	return metadata, frame, nil
}

// maxRawFrame bounds the decompression buffer; an 8K RGBA frame fits.
const maxRawFrame = 128 << 20

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("packet: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<28))
	if err != nil {
		panic("packet: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(frame []byte, compression Compression) ([]byte, Compression, error) {
	switch compression {
	case CompressionNone:
		return frame, CompressionNone, nil
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(frame)))
		written, err := lz4.CompressBlock(frame, destination, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("packet: lz4 compress: %w", err)
		}
		if written == 0 || written >= len(frame) {
			return frame, CompressionNone, nil
		}
		return destination[:written], CompressionLZ4, nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(frame, nil)
		if len(compressed) >= len(frame) {
			return frame, CompressionNone, nil
		}
		return compressed, CompressionZstd, nil
	}
	return nil, 0, fmt.Errorf("packet: unsupported compression %s", compression)
}

func decompress(body []byte, compression Compression, rawSize int) ([]byte, error) {
	if rawSize < 0 || rawSize > maxRawFrame {
		return nil, fmt.Errorf("packet: raw frame size %d out of range", rawSize)
	}
	switch compression {
	case CompressionNone:
		if len(body) != rawSize {
			return nil, fmt.Errorf("packet: frame is %d bytes, metadata says %d", len(body), rawSize)
		}
		return body, nil
	case CompressionLZ4:
		destination := make([]byte, rawSize)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("packet: lz4 decompress: %w", err)
		}
		if read != rawSize {
			return nil, fmt.Errorf("packet: lz4 produced %d bytes, metadata says %d", read, rawSize)
		}
		return destination, nil
	case CompressionZstd:
		frame, err := zstdDecoder.DecodeAll(body, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("packet: zstd decompress: %w", err)
		}
		if len(frame) != rawSize {
			return nil, fmt.Errorf("packet: zstd produced %d bytes, metadata says %d", len(frame), rawSize)
		}
		return frame, nil
	}
	return nil, fmt.Errorf("packet: unsupported compression %s", compression)
}
