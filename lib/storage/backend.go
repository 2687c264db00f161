// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"io"
	"time"
)

// Backend is the physical store behind a namespace. Implementations
// own durability and retry policy. Callers propagate their errors
// unchanged.
type Backend interface {
	// ReadBlob returns length bytes of the object at the base of
	// locator, starting at offset. A negative length reads to the
	// end. Reads past the end are truncated. Missing objects return
	// an error wrapping ErrBlobNotFound.
	ReadBlob(ctx context.Context, locator BlobLocator, offset, length int64) ([]byte, error)

	// OpenBlob is ReadBlob as a stream.
	OpenBlob(ctx context.Context, locator BlobLocator, offset, length int64) (io.ReadCloser, error)

	// WriteBlob stores data under a new locator prefixed by
	// basePath. imports lists the base locators data references,
	// for backends that track reachability.
	WriteBlob(ctx context.Context, basePath string, data []byte, imports []BlobLocator) (BlobLocator, error)

	// TryReadRef returns the current value of name, or nil if it is
	// not set or has expired. cacheTime is how stale a cached value
	// the caller tolerates.
	TryReadRef(ctx context.Context, name RefName, cacheTime time.Duration) (*RefValue, error)

	// WriteRef sets name to value, replacing any previous value.
	WriteRef(ctx context.Context, name RefName, value RefValue, options RefOptions) error

	// DeleteRef removes name and reports whether it existed.
	DeleteRef(ctx context.Context, name RefName) (bool, error)

	// AddAlias records locator under name. Adding an existing
	// locator again replaces its rank and data.
	AddAlias(ctx context.Context, name string, locator BlobLocator, rank int, data []byte) error

	// RemoveAlias removes locator from name.
	RemoveAlias(ctx context.Context, name string, locator BlobLocator) error

	// FindAliases returns up to maxResults aliases under name,
	// highest rank first. maxResults <= 0 means no limit.
	FindAliases(ctx context.Context, name string, maxResults int) ([]AliasLocator, error)

	// GetStats adds the backend's counters to stats.
	GetStats(stats *Stats)
}

// RefValue is what a ref points at.
type RefValue struct {
	Hash    Hash
	Locator BlobLocator
}

// RefOptions controls how a ref is written.
type RefOptions struct {
	// Lifetime, when positive, expires the ref that long after it
	// was last written.
	Lifetime time.Duration
}
