// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
)

// BlobType identifies how a blob's payload is interpreted.
type BlobType struct {
	_       struct{} `cbor:",toarray"`
	Name    string
	Version int
}

// NewBlobType returns a BlobType.
func NewBlobType(name string, version int) BlobType {
	return BlobType{Name: name, Version: version}
}

func (t BlobType) String() string {
	return fmt.Sprintf("%s@%d", t.Name, t.Version)
}

// BlobData is a decoded blob. Data aliases memory owned by an internal
// buffer, so Release must be called once the caller is done with it.
type BlobData struct {
	Type    BlobType
	Data    []byte
	Imports []BlobRef

	buffer *Buffer
}

// NewBlobData returns a BlobData whose Data is backed by buffer. The
// BlobData takes over the caller's reference on buffer. buffer may be
// nil for data that is not allocator-tracked.
func NewBlobData(blobType BlobType, data []byte, imports []BlobRef, buffer *Buffer) *BlobData {
	return &BlobData{Type: blobType, Data: data, Imports: imports, buffer: buffer}
}

// Release returns the payload memory. Calling it again is a no-op.
func (d *BlobData) Release() {
	if d.buffer != nil {
		d.buffer.Release()
		d.buffer = nil
	}
	d.Data = nil
}

// BlobRef is a handle to a blob that may or may not have been flushed
// to the backend yet.
type BlobRef interface {
	// Innermost strips wrapping layers such as a hashed ref.
	Innermost() BlobRef

	// ReadBlobData reads and decodes the blob. The caller must
	// release the result.
	ReadBlobData(ctx context.Context) (*BlobData, error)

	// Flush persists the blob and everything it depends on.
	Flush(ctx context.Context) error

	// Locator returns the blob's locator if it has been flushed.
	Locator() (BlobLocator, bool)
}

// HashedBlobRef is a BlobRef that carries the blob's content hash.
type HashedBlobRef interface {
	BlobRef
	Hash() Hash
}

// NewHashedBlobRef attaches hash to ref.
func NewHashedBlobRef(hash Hash, ref BlobRef) HashedBlobRef {
	return hashedBlobRef{hash: hash, inner: ref}
}

type hashedBlobRef struct {
	hash  Hash
	inner BlobRef
}

func (r hashedBlobRef) Hash() Hash        { return r.hash }
func (r hashedBlobRef) Innermost() BlobRef { return r.inner.Innermost() }
func (r hashedBlobRef) Flush(ctx context.Context) error {
	return r.inner.Flush(ctx)
}
func (r hashedBlobRef) Locator() (BlobLocator, bool) { return r.inner.Locator() }
func (r hashedBlobRef) ReadBlobData(ctx context.Context) (*BlobData, error) {
	return r.inner.ReadBlobData(ctx)
}

// FlushedLocator flushes ref and returns its locator.
func FlushedLocator(ctx context.Context, ref BlobRef) (BlobLocator, error) {
	if err := ref.Flush(ctx); err != nil {
		return BlobLocator{}, fmt.Errorf("flushing blob: %w", err)
	}
	locator, ok := ref.Locator()
	if !ok {
		return BlobLocator{}, fmt.Errorf("blob has no locator after flush")
	}
	return locator, nil
}

// ReadBlobBytes reads ref and returns a private copy of its payload.
func ReadBlobBytes(ctx context.Context, ref BlobRef) ([]byte, error) {
	blob, err := ref.ReadBlobData(ctx)
	if err != nil {
		return nil, err
	}
	defer blob.Release()
	return append([]byte(nil), blob.Data...), nil
}

// BlobWriter creates blobs. Writers batch blobs into bundles and
// return refs that can be read immediately, before any flush.
type BlobWriter interface {
	// WriteBlob adds a blob. Writing a blob whose type, data, and
	// import hashes match an earlier one returns the earlier ref.
	WriteBlob(ctx context.Context, blobType BlobType, data []byte, imports []HashedBlobRef) (HashedBlobRef, error)

	// Flush writes every pending bundle to the backend.
	Flush(ctx context.Context) error

	// Close flushes and releases the writer.
	Close(ctx context.Context) error
}

// ImportHashes returns the hashes of refs in order.
func ImportHashes(refs []HashedBlobRef) []Hash {
	hashes := make([]Hash, len(refs))
	for i, ref := range refs {
		hashes[i] = ref.Hash()
	}
	return hashes
}
