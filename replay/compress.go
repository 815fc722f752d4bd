// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// codecKind identifies how a buffered payload is stored.
type codecKind uint8

const (
	codecNone codecKind = iota
	codecS2
	codecZstd
)

// Payloads at or above this size use zstd; smaller ones use the cheaper
// s2 encoding.
const zstdThreshold = 4096

var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// compress encodes a payload for buffering. Payloads below minSize are
// stored as-is, and the encoded form is only kept when it is actually
// smaller than the input.
func compress(payload []byte, minSize int) ([]byte, codecKind) {
	if len(payload) < minSize {
		return payload, codecNone
	}

	if len(payload) >= zstdThreshold {
		enc := zstdEnc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		if len(enc) < len(payload) {
			return enc, codecZstd
		}
		return payload, codecNone
	}

	enc := s2.Encode(nil, payload)
	if len(enc) < len(payload) {
		return enc, codecS2
	}
	return payload, codecNone
}

// decompress restores a buffered payload.
func decompress(payload []byte, codec codecKind) ([]byte, error) {
	switch codec {
	case codecNone:
		return payload, nil
	case codecS2:
		out, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("s2 decode: %w", err)
		}
		return out, nil
	case codecZstd:
		out, err := zstdDec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
}
