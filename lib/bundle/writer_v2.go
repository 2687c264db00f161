// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/bureau-foundation/bundlestore/lib/storage"
)

// writerV2 packs blobs into packets and packets into bundles. A packet
// is finished once its data passes MaxPacketSize (or would, after
// passing MinPacketSize). A bundle is written to the backend once its
// encoded size passes MaxBlobSize, or on Flush.
//
// Blobs are readable as soon as WriteBlob returns. Until their bundle
// is flushed they are served from the writer's memory.
type writerV2 struct {
	namespace *Namespace
	basePath  string
	options   WriterOptions

	mu      sync.Mutex
	bundle  *pendingBundle
	builder *packetBuilder
	dedup   map[storage.Hash]storage.HashedBlobRef
	closed  bool
}

type packetBuilder struct {
	packet      *pendingPacket
	header      packetHeader
	typeIndex   map[storage.BlobType]int
	importIndex map[packetImport]int
	data        []byte
}

func newWriterV2(namespace *Namespace, basePath string, options WriterOptions) *writerV2 {
	w := &writerV2{
		namespace: namespace,
		basePath:  basePath,
		options:   options,
		dedup:     make(map[storage.Hash]storage.HashedBlobRef),
	}
	w.startBundleLocked()
	return w
}

func (w *writerV2) startBundleLocked() {
	w.bundle = &pendingBundle{writer: w, importSet: make(map[storage.BlobLocator]struct{})}
	w.startPacketLocked()
}

func (w *writerV2) startPacketLocked() {
	w.builder = &packetBuilder{
		packet:      &pendingPacket{bundle: w.bundle},
		typeIndex:   make(map[storage.BlobType]int),
		importIndex: make(map[packetImport]int),
	}
}

func (b *packetBuilder) importEntry(entry packetImport) int {
	if index, ok := b.importIndex[entry]; ok {
		return index
	}
	index := len(b.header.Imports)
	b.header.Imports = append(b.header.Imports, entry)
	b.importIndex[entry] = index
	return index
}

func (b *packetBuilder) absoluteImport(locator storage.BlobLocator) int {
	base, fragment, _ := locator.Unwrap()
	baseIndex := b.importEntry(packetImport{Base: importAbsolute, Fragment: base.String()})
	return b.importEntry(packetImport{Base: baseIndex, Fragment: fragment})
}

// ownPendingExport returns the pending packet of ref if this writer
// created it.
func (w *writerV2) ownPendingExport(ref storage.BlobRef) (*ExportHandle, *pendingPacket, bool) {
	export, ok := ref.Innermost().(*ExportHandle)
	if !ok {
		return nil, nil, false
	}
	packet, ok := export.packet.(*pendingPacket)
	if !ok || packet.bundle.writer != w {
		return nil, nil, false
	}
	return export, packet, true
}

func (w *writerV2) WriteBlob(ctx context.Context, blobType storage.BlobType, data []byte, imports []storage.HashedBlobRef) (storage.HashedBlobRef, error) {
	hash := storage.HashBlob(blobType, data, storage.ImportHashes(imports))

	w.mu.Lock()
	if existing, ok := w.dedup[hash]; ok {
		w.mu.Unlock()
		return existing, nil
	}
	w.mu.Unlock()

	external := make([]storage.BlobLocator, len(imports))
	for i, imported := range imports {
		if _, _, own := w.ownPendingExport(imported); own {
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

	if len(w.builder.data) >= w.options.MinPacketSize && len(w.builder.data)+len(data) > w.options.MaxPacketSize {
		if err := w.finishPacketLocked(); err != nil {
			return nil, err
		}
	}
	builder := w.builder

	exportImports := make([]int, len(imports))
	importRefs := make([]storage.BlobRef, len(imports))
	for i, imported := range imports {
		importRefs[i] = imported
		if external[i].IsValid() {
			exportImports[i] = builder.absoluteImport(external[i])
			continue
		}
		export, packet, _ := w.ownPendingExport(imported)
		switch {
		case packet == builder.packet:
			exportImports[i] = builder.importEntry(packetImport{
				Base:     importThisPacket,
				Fragment: strconv.Itoa(export.index),
			})
		case packet.bundle == w.bundle:
			exportImports[i] = builder.importEntry(packetImport{
				Base:     importThisBundle,
				Fragment: packetRange{offset: packet.offset, length: packet.length}.String() + "&" + strconv.Itoa(export.index),
			})
		default:
			// Earlier bundles of this writer are always flushed.
			flushed := NewFlushedPacketHandle(packet.bundle.flushed, packet.offset, packet.length)
			locator, _ := flushed.Locator()
			exportImports[i] = builder.absoluteImport(locator.WithFragment(locator.Fragment() + "&" + strconv.Itoa(export.index)))
		}
	}

	typeIndex, ok := builder.typeIndex[blobType]
	if !ok {
		typeIndex = len(builder.header.Types)
		builder.typeIndex[blobType] = typeIndex
		builder.header.Types = append(builder.header.Types, blobType)
	}
	offset := len(builder.data)
	builder.data = append(builder.data, data...)
	end := len(builder.data)
	builder.header.Exports = append(builder.header.Exports, packetExport{
		Type:    typeIndex,
		Hash:    hash,
		Offset:  offset,
		Length:  len(data),
		Imports: exportImports,
	})
	builder.packet.exports = append(builder.packet.exports, pendingExport{
		blobType: blobType,
		data:     builder.data[offset:end:end],
		imports:  importRefs,
	})

	ref := storage.NewHashedBlobRef(hash, &ExportHandle{packet: builder.packet, index: len(builder.header.Exports) - 1})
	w.dedup[hash] = ref

	if len(builder.data) >= w.options.MaxPacketSize {
		if err := w.finishPacketLocked(); err != nil {
			return nil, err
		}
	}
	if len(w.bundle.encoded) >= w.options.MaxBlobSize {
		if err := w.flushLocked(ctx); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

func (w *writerV2) finishPacketLocked() error {
	builder := w.builder
	if len(builder.header.Exports) == 0 {
		return nil
	}
	encoded, err := encodePacket(&builder.header, builder.data, w.options.Compression)
	if err != nil {
		return err
	}
	absolute, err := builder.header.absoluteImports()
	if err != nil {
		return err
	}

	bundle := w.bundle
	packet := builder.packet
	packet.offset = len(bundle.encoded)
	packet.length = len(encoded)
	packet.finished = true
	bundle.encoded = append(bundle.encoded, encoded...)
	bundle.packets = append(bundle.packets, packet)
	for _, locator := range absolute {
		if _, seen := bundle.importSet[locator]; !seen {
			bundle.importSet[locator] = struct{}{}
			bundle.imports = append(bundle.imports, locator)
		}
	}
	w.startPacketLocked()
	return nil
}

func (w *writerV2) flushLocked(ctx context.Context) error {
	if err := w.finishPacketLocked(); err != nil {
		return err
	}
	bundle := w.bundle
	if len(bundle.packets) == 0 {
		return nil
	}
	locator, err := w.namespace.backend.WriteBlob(ctx, w.basePath, bundle.encoded, bundle.imports)
	if err != nil {
		return fmt.Errorf("writing v2 bundle: %w", err)
	}
	w.namespace.logger.Debug("flushed bundle",
		"locator", locator,
		"version", VersionV2,
		"packets", len(bundle.packets),
		"size", len(bundle.encoded),
	)
	bundle.flushed = FlushedBundle{namespace: w.namespace, locator: locator}
	bundle.isFlushed = true
	bundle.encoded = nil
	for _, packet := range bundle.packets {
		packet.exports = nil
	}
	w.startBundleLocked()
	return nil
}

func (w *writerV2) flushBundle(ctx context.Context, bundle *pendingBundle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bundle.isFlushed {
		return nil
	}
	return w.flushLocked(ctx)
}

func (w *writerV2) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *writerV2) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	err := w.flushLocked(ctx)
	w.closed = true
	return err
}

// pendingBundle is a bundle still being filled by a writerV2. All of
// its mutable state is guarded by the writer's mutex.
type pendingBundle struct {
	writer    *writerV2
	encoded   []byte
	packets   []*pendingPacket
	imports   []storage.BlobLocator
	importSet map[storage.BlobLocator]struct{}

	flushed   FlushedBundle
	isFlushed bool
}

func (b *pendingBundle) Flush(ctx context.Context) error {
	return b.writer.flushBundle(ctx, b)
}

func (b *pendingBundle) Locator() (storage.BlobLocator, bool) {
	b.writer.mu.Lock()
	defer b.writer.mu.Unlock()
	if !b.isFlushed {
		return storage.BlobLocator{}, false
	}
	return b.flushed.locator, true
}

// Read serves finished packets from memory until the bundle is
// flushed, then reads from the backend.
func (b *pendingBundle) Read(ctx context.Context, offset, length int) (*storage.Buffer, error) {
	b.writer.mu.Lock()
	if b.isFlushed {
		flushed := b.flushed
		b.writer.mu.Unlock()
		return flushed.Read(ctx, offset, length)
	}
	defer b.writer.mu.Unlock()
	if offset < 0 || offset > len(b.encoded) {
		return nil, fmt.Errorf("reading pending bundle: offset %d outside %d bytes", offset, len(b.encoded))
	}
	end := len(b.encoded)
	if length >= 0 {
		end = min(offset+length, end)
	}
	return b.writer.namespace.allocator.Wrap(append([]byte(nil), b.encoded[offset:end]...)), nil
}

func (b *pendingBundle) Open(ctx context.Context, offset, length int) (io.ReadCloser, error) {
	buffer, err := b.Read(ctx, offset, length)
	if err != nil {
		return nil, err
	}
	return openBuffer(buffer), nil
}

func (*pendingBundle) isBundleHandle() {}

// pendingPacket is a packet of a pendingBundle. offset and length are
// valid once finished.
type pendingPacket struct {
	bundle   *pendingBundle
	exports  []pendingExport
	finished bool
	offset   int
	length   int
}

type pendingExport struct {
	blobType storage.BlobType
	data     []byte
	imports  []storage.BlobRef
}

func (p *pendingPacket) Bundle() BundleHandle { return p.bundle }

func (p *pendingPacket) Flush(ctx context.Context) error { return p.bundle.Flush(ctx) }

func (p *pendingPacket) Flushed() (FlushedPacketHandle, bool) {
	p.bundle.writer.mu.Lock()
	defer p.bundle.writer.mu.Unlock()
	if !p.bundle.isFlushed {
		return FlushedPacketHandle{}, false
	}
	return NewFlushedPacketHandle(p.bundle.flushed, p.offset, p.length), true
}

func (p *pendingPacket) Locator() (storage.BlobLocator, bool) {
	flushed, ok := p.Flushed()
	if !ok {
		return storage.BlobLocator{}, false
	}
	return flushed.Locator()
}

func (*pendingPacket) isPacketHandle() {}

// readPending copies an export out of writer memory. It returns false
// once the bundle has been flushed.
func (p *pendingPacket) readPending(index int) (*storage.BlobData, bool) {
	w := p.bundle.writer
	w.mu.Lock()
	defer w.mu.Unlock()
	if p.bundle.isFlushed || index >= len(p.exports) {
		return nil, false
	}
	export := p.exports[index]
	buffer := w.namespace.allocator.Wrap(append([]byte(nil), export.data...))
	imports := append([]storage.BlobRef(nil), export.imports...)
	return storage.NewBlobData(export.blobType, buffer.Bytes(), imports, buffer), true
}
