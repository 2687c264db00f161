// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/bundlestore/lib/clock"
)

// MemoryBackend is a Backend that keeps everything in process memory.
// Objects are named by content hash under their base path, so writing
// the same bytes twice yields the same locator.
type MemoryBackend struct {
	clock clock.Clock

	mu      sync.RWMutex
	blobs   map[BlobLocator]memoryBlob
	refs    map[RefName]memoryRef
	aliases map[string][]AliasLocator

	reads        atomic.Int64
	bytesRead    atomic.Int64
	writes       atomic.Int64
	bytesWritten atomic.Int64
}

type memoryBlob struct {
	data    []byte
	imports []BlobLocator
}

type memoryRef struct {
	value   RefValue
	expires time.Time
}

// NewMemoryBackend returns an empty backend. A nil clock uses the real
// clock.
func NewMemoryBackend(c clock.Clock) *MemoryBackend {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryBackend{
		clock:   c,
		blobs:   make(map[BlobLocator]memoryBlob),
		refs:    make(map[RefName]memoryRef),
		aliases: make(map[string][]AliasLocator),
	}
}

// ReadBlob implements Backend.
func (b *MemoryBackend) ReadBlob(ctx context.Context, locator BlobLocator, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	blob, ok := b.blobs[locator.BaseLocator()]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("reading %s: %w", locator.BaseLocator(), ErrBlobNotFound)
	}
	if offset < 0 {
		return nil, fmt.Errorf("reading %s: negative offset %d", locator.BaseLocator(), offset)
	}

	size := int64(len(blob.data))
	start := min(offset, size)
	end := size
	if length >= 0 {
		end = min(start+length, size)
	}
	result := append([]byte(nil), blob.data[start:end]...)

	b.reads.Add(1)
	b.bytesRead.Add(int64(len(result)))
	return result, nil
}

// OpenBlob implements Backend.
func (b *MemoryBackend) OpenBlob(ctx context.Context, locator BlobLocator, offset, length int64) (io.ReadCloser, error) {
	data, err := b.ReadBlob(ctx, locator, offset, length)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// WriteBlob implements Backend.
func (b *MemoryBackend) WriteBlob(ctx context.Context, basePath string, data []byte, imports []BlobLocator) (BlobLocator, error) {
	if err := ctx.Err(); err != nil {
		return BlobLocator{}, err
	}
	basePath = strings.Trim(basePath, "/")
	name := HashBundle(data).String()[:32]
	if basePath != "" {
		name = basePath + "/" + name
	}
	locator, err := ParseBlobLocator(name)
	if err != nil {
		return BlobLocator{}, fmt.Errorf("writing blob under %q: %w", basePath, err)
	}
	if locator.Fragment() != "" {
		return BlobLocator{}, fmt.Errorf("writing blob: %w: base path %q contains a fragment", ErrInvalidLocator, basePath)
	}

	b.mu.Lock()
	if _, exists := b.blobs[locator]; !exists {
		b.blobs[locator] = memoryBlob{
			data:    append([]byte(nil), data...),
			imports: append([]BlobLocator(nil), imports...),
		}
	}
	b.mu.Unlock()

	b.writes.Add(1)
	b.bytesWritten.Add(int64(len(data)))
	return locator, nil
}

// Imports returns the import list recorded for a stored object.
func (b *MemoryBackend) Imports(locator BlobLocator) ([]BlobLocator, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	blob, ok := b.blobs[locator.BaseLocator()]
	if !ok {
		return nil, false
	}
	return append([]BlobLocator(nil), blob.imports...), true
}

// NumBlobs returns the number of stored objects.
func (b *MemoryBackend) NumBlobs() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}

// Reads returns the number of ReadBlob calls served.
func (b *MemoryBackend) Reads() int64 { return b.reads.Load() }

// TryReadRef implements Backend. The memory backend is never stale.
func (b *MemoryBackend) TryReadRef(ctx context.Context, name RefName, _ time.Duration) (*RefValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.refs[name]
	if !ok {
		return nil, nil
	}
	if !ref.expires.IsZero() && !now.Before(ref.expires) {
		delete(b.refs, name)
		return nil, nil
	}
	value := ref.value
	return &value, nil
}

// WriteRef implements Backend.
func (b *MemoryBackend) WriteRef(ctx context.Context, name RefName, value RefValue, options RefOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name.IsZero() {
		return fmt.Errorf("writing ref: %w: empty name", ErrInvalidRefName)
	}
	if !value.Locator.IsValid() {
		return fmt.Errorf("writing ref %s: %w", name, ErrInvalidLocator)
	}
	ref := memoryRef{value: value}
	if options.Lifetime > 0 {
		ref.expires = b.clock.Now().Add(options.Lifetime)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[name] = ref
	return nil
}

// DeleteRef implements Backend.
func (b *MemoryBackend) DeleteRef(ctx context.Context, name RefName) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, existed := b.refs[name]
	delete(b.refs, name)
	return existed, nil
}

// AddAlias implements Backend.
func (b *MemoryBackend) AddAlias(ctx context.Context, name string, locator BlobLocator, rank int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("adding alias: empty name")
	}
	entry := AliasLocator{Target: locator, Rank: rank, Data: append([]byte(nil), data...)}

	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.aliases[name]
	for i := range entries {
		if entries[i].Target == locator {
			entries[i] = entry
			return nil
		}
	}
	b.aliases[name] = append(entries, entry)
	return nil
}

// RemoveAlias implements Backend.
func (b *MemoryBackend) RemoveAlias(ctx context.Context, name string, locator BlobLocator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.aliases[name]
	for i := range entries {
		if entries[i].Target == locator {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(b.aliases, name)
	} else {
		b.aliases[name] = entries
	}
	return nil
}

// FindAliases implements Backend. Equal ranks keep insertion order.
func (b *MemoryBackend) FindAliases(ctx context.Context, name string, maxResults int) ([]AliasLocator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	results := append([]AliasLocator(nil), b.aliases[name]...)
	b.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Rank > results[j].Rank
	})
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// GetStats implements Backend.
func (b *MemoryBackend) GetStats(stats *Stats) {
	stats.Add("backend.reads", b.reads.Load())
	stats.Add("backend.bytes_read", b.bytesRead.Load())
	stats.Add("backend.writes", b.writes.Load())
	stats.Add("backend.bytes_written", b.bytesWritten.Load())
}
