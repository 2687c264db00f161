// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/bureau-foundation/bundlestore/lib/codec"
	"github.com/bureau-foundation/bundlestore/lib/storage"
)

var errWriterClosed = errors.New("blob writer is closed")

// writerV1 accumulates blobs in memory and writes them out as a single
// flat-header bundle when the bundle reaches MaxBlobSize or on Flush.
type writerV1 struct {
	namespace *Namespace
	basePath  string
	options   WriterOptions

	mu      sync.Mutex
	current *pendingBundleV1
	dedup   map[storage.Hash]storage.HashedBlobRef
	closed  bool
}

type pendingBundleV1 struct {
	writer  *writerV1
	exports []pendingExportV1
	size    int
	// locator is set once the bundle has been written.
	locator storage.BlobLocator
}

type pendingExportV1 struct {
	blobType   storage.BlobType
	hash       storage.Hash
	data       []byte
	imports    []storage.BlobRef
	references []referenceV1
}

// referenceV1 is either an export of the same bundle (local >= 0) or
// a flushed blob elsewhere.
type referenceV1 struct {
	local   int
	locator storage.BlobLocator
}

func newWriterV1(namespace *Namespace, basePath string, options WriterOptions) *writerV1 {
	w := &writerV1{
		namespace: namespace,
		basePath:  basePath,
		options:   options,
		dedup:     make(map[storage.Hash]storage.HashedBlobRef),
	}
	w.current = &pendingBundleV1{writer: w}
	return w
}

func (w *writerV1) WriteBlob(ctx context.Context, blobType storage.BlobType, data []byte, imports []storage.HashedBlobRef) (storage.HashedBlobRef, error) {
	hash := storage.HashBlob(blobType, data, storage.ImportHashes(imports))

	w.mu.Lock()
	if existing, ok := w.dedup[hash]; ok {
		w.mu.Unlock()
		return existing, nil
	}
	w.mu.Unlock()

	// Foreign imports are flushed without holding the writer lock.
	external := make([]storage.BlobLocator, len(imports))
	for i, imported := range imports {
		if own, ok := imported.Innermost().(*refV1); ok && own.bundle.writer == w {
			continue
		}
		locator, err := importLocator(ctx, imported)
		if err != nil {
			return nil, fmt.Errorf("import %d: %w", i, err)
		}
		external[i] = locator
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errWriterClosed
	}
	if existing, ok := w.dedup[hash]; ok {
		return existing, nil
	}

	references := make([]referenceV1, len(imports))
	importRefs := make([]storage.BlobRef, len(imports))
	for i, imported := range imports {
		importRefs[i] = imported
		if external[i].IsValid() {
			references[i] = referenceV1{local: -1, locator: external[i]}
			continue
		}
		own := imported.Innermost().(*refV1)
		if own.bundle == w.current {
			references[i] = referenceV1{local: own.index}
		} else {
			references[i] = referenceV1{local: -1, locator: own.bundle.locator.WithFragment(strconv.Itoa(own.index))}
		}
	}

	bundle := w.current
	bundle.exports = append(bundle.exports, pendingExportV1{
		blobType:   blobType,
		hash:       hash,
		data:       append([]byte(nil), data...),
		imports:    importRefs,
		references: references,
	})
	bundle.size += len(data)
	ref := storage.NewHashedBlobRef(hash, &refV1{bundle: bundle, index: len(bundle.exports) - 1})
	w.dedup[hash] = ref

	if bundle.size >= w.options.MaxBlobSize {
		if err := w.flushLocked(ctx); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

// importLocator flushes a blob from another writer and returns its
// locator, which must address a blob inside a bundle.
func importLocator(ctx context.Context, ref storage.BlobRef) (storage.BlobLocator, error) {
	locator, err := storage.FlushedLocator(ctx, ref)
	if err != nil {
		return storage.BlobLocator{}, err
	}
	if _, _, ok := locator.Unwrap(); !ok {
		return storage.BlobLocator{}, fmt.Errorf("%w: import %s has no fragment", storage.ErrInvalidLocator, locator)
	}
	return locator, nil
}

func (w *writerV1) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *writerV1) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	err := w.flushLocked(ctx)
	w.closed = true
	return err
}

func (w *writerV1) flushBundle(ctx context.Context, bundle *pendingBundleV1) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bundle != w.current {
		return nil
	}
	return w.flushLocked(ctx)
}

func (w *writerV1) flushLocked(ctx context.Context) error {
	bundle := w.current
	if len(bundle.exports) == 0 {
		return nil
	}
	encoded, imports, err := encodeBundleV1(bundle.exports, w.options)
	if err != nil {
		return err
	}
	locator, err := w.namespace.backend.WriteBlob(ctx, w.basePath, encoded, imports)
	if err != nil {
		return fmt.Errorf("writing v1 bundle: %w", err)
	}
	w.namespace.logger.Debug("flushed bundle",
		"locator", locator,
		"version", VersionV1,
		"exports", len(bundle.exports),
		"size", len(encoded),
	)
	bundle.locator = locator
	for i := range bundle.exports {
		bundle.exports[i].data = nil
		bundle.exports[i].imports = nil
	}
	w.current = &pendingBundleV1{writer: w}
	return nil
}

func encodeBundleV1(exports []pendingExportV1, options WriterOptions) ([]byte, []storage.BlobLocator, error) {
	var header headerV1

	typeIndex := make(map[storage.BlobType]int)
	baseIndex := make(map[storage.BlobLocator]int)
	fragmentIndex := make([]map[string]int, 0)
	for _, export := range exports {
		if _, ok := typeIndex[export.blobType]; !ok {
			typeIndex[export.blobType] = len(header.Types)
			header.Types = append(header.Types, export.blobType)
		}
		for _, reference := range export.references {
			if reference.local >= 0 {
				continue
			}
			base, fragment, _ := reference.locator.Unwrap()
			index, ok := baseIndex[base]
			if !ok {
				index = len(header.Imports)
				baseIndex[base] = index
				header.Imports = append(header.Imports, importV1{Base: base.String()})
				fragmentIndex = append(fragmentIndex, make(map[string]int))
			}
			if _, ok := fragmentIndex[index][fragment]; !ok {
				fragmentIndex[index][fragment] = len(header.Imports[index].Fragments)
				header.Imports[index].Fragments = append(header.Imports[index].Fragments, fragment)
			}
		}
	}

	flatStart := make([]int, len(header.Imports))
	flatCount := 0
	for i, imported := range header.Imports {
		flatStart[i] = flatCount
		flatCount += len(imported.Fragments)
	}

	var body, packetData []byte
	finishPacket := func() error {
		if len(packetData) == 0 {
			return nil
		}
		payload, compression, err := compress(packetData, options.Compression)
		if err != nil {
			return fmt.Errorf("compressing v1 packet: %w", err)
		}
		body = append(body, payload...)
		header.Packets = append(header.Packets, packetV1{
			Compression:   compression,
			EncodedLength: len(payload),
			DecodedLength: len(packetData),
		})
		packetData = nil
		return nil
	}

	for _, export := range exports {
		if len(packetData) > 0 && len(packetData)+len(export.data) > options.MaxPacketSize {
			if err := finishPacket(); err != nil {
				return nil, nil, err
			}
		}
		references := make([]int, len(export.references))
		for i, reference := range export.references {
			if reference.local >= 0 {
				references[i] = flatCount + reference.local
				continue
			}
			base, fragment, _ := reference.locator.Unwrap()
			index := baseIndex[base]
			references[i] = flatStart[index] + fragmentIndex[index][fragment]
		}
		header.Exports = append(header.Exports, exportV1{
			Type:       typeIndex[export.blobType],
			Hash:       export.hash,
			Packet:     len(header.Packets),
			Offset:     len(packetData),
			Length:     len(export.data),
			References: references,
		})
		packetData = append(packetData, export.data...)
	}
	if err := finishPacket(); err != nil {
		return nil, nil, err
	}

	headerBytes, err := codec.Marshal(&header)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding v1 header: %w", err)
	}
	encoded := make([]byte, 0, SignatureSize+len(headerBytes)+len(body))
	encoded = AppendSignature(encoded, Signature{Version: VersionV1, Length: len(headerBytes)})
	encoded = append(encoded, headerBytes...)
	encoded = append(encoded, body...)

	imports := make([]storage.BlobLocator, len(header.Imports))
	for i, imported := range header.Imports {
		imports[i] = storage.MustParseBlobLocator(imported.Base)
	}
	return encoded, imports, nil
}

// refV1 is a blob written by a writerV1. Until its bundle is flushed
// it is read from the writer's memory.
type refV1 struct {
	bundle *pendingBundleV1
	index  int
}

func (r *refV1) Innermost() storage.BlobRef { return r }

func (r *refV1) Flush(ctx context.Context) error {
	return r.bundle.writer.flushBundle(ctx, r.bundle)
}

func (r *refV1) Locator() (storage.BlobLocator, bool) {
	w := r.bundle.writer
	w.mu.Lock()
	defer w.mu.Unlock()
	if !r.bundle.locator.IsValid() {
		return storage.BlobLocator{}, false
	}
	return r.bundle.locator.WithFragment(strconv.Itoa(r.index)), true
}

func (r *refV1) ReadBlobData(ctx context.Context) (*storage.BlobData, error) {
	w := r.bundle.writer
	w.mu.Lock()
	if !r.bundle.locator.IsValid() {
		export := r.bundle.exports[r.index]
		buffer := w.namespace.allocator.Wrap(append([]byte(nil), export.data...))
		imports := append([]storage.BlobRef(nil), export.imports...)
		w.mu.Unlock()
		return storage.NewBlobData(export.blobType, buffer.Bytes(), imports, buffer), nil
	}
	locator := r.bundle.locator
	w.mu.Unlock()

	flushed := &exportHandleV1{namespace: w.namespace, bundle: locator, index: r.index}
	return flushed.ReadBlobData(ctx)
}
