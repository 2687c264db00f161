// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/bureau-foundation/bundlestore/lib/storage"
)

// BundleHandle refers to a bundle. It is either a [FlushedBundle],
// backed by a backend object, or a pending bundle still owned by the
// writer that is filling it. The set of implementations is closed.
type BundleHandle interface {
	// Flush persists the bundle if it is pending.
	Flush(ctx context.Context) error

	// Locator returns the bundle's base locator once flushed.
	Locator() (storage.BlobLocator, bool)

	// Read returns length bytes of the encoded bundle starting at
	// offset. The caller releases the buffer.
	Read(ctx context.Context, offset, length int) (*storage.Buffer, error)

	// Open is Read as a stream.
	Open(ctx context.Context, offset, length int) (io.ReadCloser, error)

	isBundleHandle()
}

// FlushedBundle is a bundle stored in the backend. It is a comparable
// value, so it can key maps of per-bundle work.
type FlushedBundle struct {
	namespace *Namespace
	locator   storage.BlobLocator
}

// Namespace returns the namespace the bundle belongs to.
func (b FlushedBundle) Namespace() *Namespace { return b.namespace }

// BaseLocator returns the bundle's backend locator.
func (b FlushedBundle) BaseLocator() storage.BlobLocator { return b.locator }

func (b FlushedBundle) String() string { return b.locator.String() }

func (FlushedBundle) Flush(context.Context) error { return nil }

func (b FlushedBundle) Locator() (storage.BlobLocator, bool) { return b.locator, true }

func (b FlushedBundle) Read(ctx context.Context, offset, length int) (*storage.Buffer, error) {
	data, err := b.namespace.backend.ReadBlob(ctx, b.locator, int64(offset), int64(length))
	if err != nil {
		return nil, err
	}
	return b.namespace.allocator.Wrap(data), nil
}

func (b FlushedBundle) Open(ctx context.Context, offset, length int) (io.ReadCloser, error) {
	return b.namespace.backend.OpenBlob(ctx, b.locator, int64(offset), int64(length))
}

func (FlushedBundle) isBundleHandle() {}

// PacketHandle refers to one packet of a V2 bundle. It is either a
// [FlushedPacketHandle] or a packet in a pending bundle.
type PacketHandle interface {
	// Bundle returns the bundle containing the packet.
	Bundle() BundleHandle

	// Flush persists the containing bundle.
	Flush(ctx context.Context) error

	// Locator returns "<bundle>#<offset>,<length>" once flushed.
	Locator() (storage.BlobLocator, bool)

	// Flushed returns the flushed form of the packet, if there is
	// one yet.
	Flushed() (FlushedPacketHandle, bool)

	isPacketHandle()
}

// FlushedPacketHandle addresses a packet by byte range within a
// flushed bundle.
type FlushedPacketHandle struct {
	bundle FlushedBundle
	offset int
	length int
}

// NewFlushedPacketHandle returns a packet handle.
func NewFlushedPacketHandle(bundle FlushedBundle, offset, length int) FlushedPacketHandle {
	return FlushedPacketHandle{bundle: bundle, offset: offset, length: length}
}

// FlushedBundle returns the bundle containing the packet.
func (h FlushedPacketHandle) FlushedBundle() FlushedBundle { return h.bundle }

// Offset returns the packet's byte offset within its bundle.
func (h FlushedPacketHandle) Offset() int { return h.offset }

// Length returns the packet's encoded length.
func (h FlushedPacketHandle) Length() int { return h.length }

func (h FlushedPacketHandle) fragment() string {
	return packetRange{offset: h.offset, length: h.length}.String()
}

func (h FlushedPacketHandle) String() string {
	return h.bundle.locator.String() + "#" + h.fragment()
}

func (h FlushedPacketHandle) Bundle() BundleHandle { return h.bundle }

func (FlushedPacketHandle) Flush(context.Context) error { return nil }

func (h FlushedPacketHandle) Locator() (storage.BlobLocator, bool) {
	return h.bundle.locator.WithFragment(h.fragment()), true
}

func (h FlushedPacketHandle) Flushed() (FlushedPacketHandle, bool) { return h, true }

func (FlushedPacketHandle) isPacketHandle() {}

// End returns the offset just past the packet.
func (h FlushedPacketHandle) End() int { return h.offset + h.length }

// ExportHandle addresses one export of a V2 packet. It implements
// storage.BlobRef.
type ExportHandle struct {
	packet PacketHandle
	index  int
}

// NewExportHandle returns a handle to export index of packet.
func NewExportHandle(packet PacketHandle, index int) *ExportHandle {
	return &ExportHandle{packet: packet, index: index}
}

// Packet returns the packet containing the export.
func (h *ExportHandle) Packet() PacketHandle { return h.packet }

// Index returns the export index within its packet.
func (h *ExportHandle) Index() int { return h.index }

func (h *ExportHandle) Innermost() storage.BlobRef { return h }

func (h *ExportHandle) Flush(ctx context.Context) error { return h.packet.Flush(ctx) }

func (h *ExportHandle) Locator() (storage.BlobLocator, bool) {
	packet, ok := h.packet.Locator()
	if !ok {
		return storage.BlobLocator{}, false
	}
	return packet.WithFragment(packet.Fragment() + "&" + strconv.Itoa(h.index)), true
}

func (h *ExportHandle) String() string {
	if locator, ok := h.Locator(); ok {
		return locator.String()
	}
	return fmt.Sprintf("pending#%d", h.index)
}

// ReadBlobData reads the export, decoding its packet through the
// namespace cache once the packet is flushed.
func (h *ExportHandle) ReadBlobData(ctx context.Context) (*storage.BlobData, error) {
	if pending, ok := h.packet.(*pendingPacket); ok {
		if blob, ok := pending.readPending(h.index); ok {
			return blob, nil
		}
	}
	flushed, ok := h.packet.Flushed()
	if !ok {
		return nil, fmt.Errorf("export %d: packet is neither pending nor flushed", h.index)
	}
	packet, err := flushed.bundle.namespace.ReadPacket(ctx, flushed)
	if err != nil {
		return nil, err
	}
	defer packet.Release()
	return packet.Export(h.index)
}

// FlushedExport reports the flushed packet and export index that ref
// resolves to. It returns false for refs that do not address a V2
// export, or whose bundle has not been flushed.
func FlushedExport(ref storage.BlobRef) (FlushedPacketHandle, int, bool) {
	export, ok := ref.Innermost().(*ExportHandle)
	if !ok {
		return FlushedPacketHandle{}, 0, false
	}
	packet, ok := export.packet.Flushed()
	if !ok {
		return FlushedPacketHandle{}, 0, false
	}
	return packet, export.index, true
}

func openBuffer(buffer *storage.Buffer) io.ReadCloser {
	return &bufferReader{Reader: bytes.NewReader(buffer.Bytes()), buffer: buffer}
}

type bufferReader struct {
	*bytes.Reader
	buffer *storage.Buffer
}

func (r *bufferReader) Close() error {
	if r.buffer != nil {
		r.buffer.Release()
		r.buffer = nil
	}
	return nil
}
