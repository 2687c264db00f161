// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm applied to a packet. The values
// are stored in bundles and must not change.
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
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses the String form of a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(text []byte) error {
	parsed, err := ParseCompression(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("bundle: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("bundle: zstd decoder initialization failed: " + err.Error())
	}
}

var errIncompressible = errors.New("data is incompressible")

// compress returns data compressed with the requested algorithm, or
// data itself with CompressionNone when compression would not shrink
// it.
func compress(data []byte, requested Compression) ([]byte, Compression, error) {
	var (
		compressed []byte
		err        error
	)
	switch requested {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression %s", requested)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, requested, nil
}

// decompressInto decompresses src into dst, which must be exactly the
// decoded size.
func decompressInto(dst, src []byte, compression Compression) error {
	switch compression {
	case CompressionNone:
		if len(src) != len(dst) {
			return fmt.Errorf("%w: stored packet is %d bytes, header says %d", ErrInvalidBundle, len(src), len(dst))
		}
		copy(dst, src)
		return nil

	case CompressionLZ4:
		read, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != len(dst) {
			return fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, len(dst))
		}
		return nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(src, dst[:0])
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != len(dst) {
			return fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), len(dst))
		}
		if len(dst) > 0 && &result[0] != &dst[0] {
			copy(dst, result)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown compression %d", ErrInvalidBundle, uint8(compression))
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}
