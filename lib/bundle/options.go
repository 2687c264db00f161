// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/bundlestore/lib/config"
	"github.com/bureau-foundation/bundlestore/lib/storage"
)

const (
	DefaultMaxBlobSize        = 10 << 20
	DefaultMinPacketSize      = 64 << 10
	DefaultMaxPacketSize      = 1 << 20
	DefaultMaxReferencePrefix = 32 << 20
)

// Options configures a Namespace.
type Options struct {
	// MaxVersion selects the writer format. Zero means Latest. It is
	// checked by CreateBlobWriter, not by NewNamespace.
	MaxVersion Version

	// Writer holds the default writer tuning.
	Writer WriterOptions

	// MaxReferencePrefix bounds how much of a bundle
	// ReadBundleReferences reads.
	MaxReferencePrefix int

	// Allocator accounts for every buffer the namespace hands out.
	// Nil creates a private allocator.
	Allocator *storage.Allocator

	// Logger receives debug events. Nil discards them.
	Logger *slog.Logger
}

// WriterOptions tunes bundle and packet sizes for a writer.
type WriterOptions struct {
	// MaxBlobSize is the encoded bundle size at which a writer
	// flushes the bundle and starts a new one.
	MaxBlobSize int

	// MinPacketSize and MaxPacketSize bound the decoded data size of
	// a packet.
	MinPacketSize int
	MaxPacketSize int

	// Compression is applied per packet. The zero value is none.
	Compression Compression
}

// DefaultWriterOptions returns the default writer tuning.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		MaxBlobSize:   DefaultMaxBlobSize,
		MinPacketSize: DefaultMinPacketSize,
		MaxPacketSize: DefaultMaxPacketSize,
		Compression:   CompressionLZ4,
	}
}

// DefaultOptions returns the default namespace options.
func DefaultOptions() Options {
	return Options{
		MaxVersion:         Latest,
		Writer:             DefaultWriterOptions(),
		MaxReferencePrefix: DefaultMaxReferencePrefix,
	}
}

// Validate checks the writer sizes.
func (o WriterOptions) Validate() error {
	var errs []error
	if o.MaxBlobSize <= 0 {
		errs = append(errs, fmt.Errorf("max blob size must be positive, got %d", o.MaxBlobSize))
	}
	if o.MinPacketSize < 0 {
		errs = append(errs, fmt.Errorf("min packet size must not be negative, got %d", o.MinPacketSize))
	}
	if o.MaxPacketSize <= 0 {
		errs = append(errs, fmt.Errorf("max packet size must be positive, got %d", o.MaxPacketSize))
	}
	if o.MinPacketSize > o.MaxPacketSize {
		errs = append(errs, fmt.Errorf("min packet size %d exceeds max packet size %d", o.MinPacketSize, o.MaxPacketSize))
	}
	if o.Compression > CompressionZstd {
		errs = append(errs, fmt.Errorf("unsupported compression %s", o.Compression))
	}
	return errors.Join(errs...)
}

func (o WriterOptions) withDefaults() WriterOptions {
	defaults := DefaultWriterOptions()
	if o.MaxBlobSize == 0 {
		o.MaxBlobSize = defaults.MaxBlobSize
	}
	if o.MaxPacketSize == 0 {
		o.MaxPacketSize = defaults.MaxPacketSize
	}
	if o.MinPacketSize == 0 {
		o.MinPacketSize = min(defaults.MinPacketSize, o.MaxPacketSize)
	}
	return o
}

func (o Options) withDefaults() Options {
	if o.MaxVersion == 0 {
		o.MaxVersion = Latest
	}
	o.Writer = o.Writer.withDefaults()
	if o.MaxReferencePrefix == 0 {
		o.MaxReferencePrefix = DefaultMaxReferencePrefix
	}
	if o.Allocator == nil {
		o.Allocator = storage.NewAllocator()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// OptionsFromConfig converts the bundle section of a configuration
// file into namespace options.
func OptionsFromConfig(cfg config.BundleConfig) (Options, error) {
	compression, err := ParseCompression(cfg.Compression)
	if err != nil {
		return Options{}, fmt.Errorf("bundle compression: %w", err)
	}
	if cfg.MaxVersion < 0 || cfg.MaxVersion > 255 {
		return Options{}, fmt.Errorf("bundle max_version %d is out of range", cfg.MaxVersion)
	}
	options := Options{
		MaxVersion: Version(cfg.MaxVersion),
		Writer: WriterOptions{
			MaxBlobSize:   int(cfg.MaxBlobSize),
			MinPacketSize: int(cfg.MinPacketSize),
			MaxPacketSize: int(cfg.MaxPacketSize),
			Compression:   compression,
		},
		MaxReferencePrefix: int(cfg.MaxReferencePrefix),
	}
	if err := options.Writer.withDefaults().Validate(); err != nil {
		return Options{}, err
	}
	return options, nil
}
