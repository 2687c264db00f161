// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"context"
	"testing"

	"github.com/bureau-foundation/bundlestore/lib/storage"
)

var (
	leafType = storage.NewBlobType("test.leaf", 1)
	rootType = storage.NewBlobType("test.root", 2)
)

type testStore struct {
	namespace *Namespace
	backend   *storage.MemoryBackend
}

func newTestStore(t *testing.T, options Options, cache *Cache) testStore {
	t.Helper()
	backend := storage.NewMemoryBackend(nil)
	namespace, err := NewNamespace(backend, cache, options)
	if err != nil {
		t.Fatalf("NewNamespace failed: %v", err)
	}
	return testStore{namespace: namespace, backend: backend}
}

func newWriter(t *testing.T, namespace *Namespace, basePath string, options *WriterOptions) storage.BlobWriter {
	t.Helper()
	writer, err := namespace.CreateBlobWriter(basePath, options)
	if err != nil {
		t.Fatalf("CreateBlobWriter failed: %v", err)
	}
	return writer
}

func writeBlob(t *testing.T, writer storage.BlobWriter, blobType storage.BlobType, data []byte, imports ...storage.HashedBlobRef) storage.HashedBlobRef {
	t.Helper()
	ref, err := writer.WriteBlob(context.Background(), blobType, data, imports)
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	return ref
}

func flush(t *testing.T, writer storage.BlobWriter) {
	t.Helper()
	if err := writer.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func mustLocator(t *testing.T, ref storage.BlobRef) storage.BlobLocator {
	t.Helper()
	locator, ok := ref.Locator()
	if !ok {
		t.Fatal("ref has no locator")
	}
	return locator
}

// checkBlob reads ref and verifies its type, payload, and import count,
// returning the imports.
func checkBlob(t *testing.T, ref storage.BlobRef, blobType storage.BlobType, data []byte, imports int) []storage.BlobRef {
	t.Helper()
	blob, err := ref.ReadBlobData(context.Background())
	if err != nil {
		t.Fatalf("ReadBlobData failed: %v", err)
	}
	defer blob.Release()
	if blob.Type != blobType {
		t.Errorf("type = %s, want %s", blob.Type, blobType)
	}
	if !bytes.Equal(blob.Data, data) {
		t.Errorf("data = %q, want %q", truncate(blob.Data), truncate(data))
	}
	if len(blob.Imports) != imports {
		t.Fatalf("got %d imports, want %d", len(blob.Imports), imports)
	}
	return blob.Imports
}

func truncate(data []byte) []byte {
	if len(data) > 32 {
		return data[:32]
	}
	return data
}

func requireNoLiveBuffers(t *testing.T, namespace *Namespace) {
	t.Helper()
	namespace.Cache().Clear()
	if buffers, size := namespace.Allocator().Live(); buffers != 0 || size != 0 {
		t.Errorf("%d buffers (%d bytes) still live", buffers, size)
	}
}
