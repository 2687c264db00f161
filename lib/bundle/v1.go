// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/bureau-foundation/bundlestore/lib/codec"
	"github.com/bureau-foundation/bundlestore/lib/storage"
)

// V1 bundle layout:
//
//	[0:8]       signature (version 1, length = header length)
//	[8:8+n]     CBOR headerV1
//	[8+n:]      packets, each compressed independently, in order
//
// Export references index a flat space: first every imported
// fragment, in import order, then the bundle's own exports.
type headerV1 struct {
	Types   []storage.BlobType `cbor:"types"`
	Imports []importV1         `cbor:"imports"`
	Exports []exportV1         `cbor:"exports"`
	Packets []packetV1         `cbor:"packets"`
}

type importV1 struct {
	_         struct{} `cbor:",toarray"`
	Base      string
	Fragments []string
}

type exportV1 struct {
	_          struct{} `cbor:",toarray"`
	Type       int
	Hash       storage.Hash
	Packet     int
	Offset     int
	Length     int
	References []int
}

type packetV1 struct {
	_             struct{} `cbor:",toarray"`
	Compression   Compression
	EncodedLength int
	DecodedLength int
}

// decodedHeaderV1 is a parsed V1 header with the derived offsets a
// reader needs. It is immutable and cached by the namespace.
type decodedHeaderV1 struct {
	header        *headerV1
	encodedSize   int
	packetOffsets []int
	importFlat    []storage.BlobLocator
}

func (h *decodedHeaderV1) cacheSize() int64 { return int64(h.encodedSize) }
func (h *decodedHeaderV1) cacheRetain()     {}
func (h *decodedHeaderV1) cacheRelease()    {}

func decodeHeaderV1(data []byte, headerLength int) (*decodedHeaderV1, error) {
	var header headerV1
	if err := codec.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: decoding v1 header: %v", ErrInvalidBundle, err)
	}

	decoded := &decodedHeaderV1{header: &header, encodedSize: headerLength}
	for _, imported := range header.Imports {
		base, err := storage.ParseBlobLocator(imported.Base)
		if err != nil {
			return nil, fmt.Errorf("%w: v1 import base: %v", ErrInvalidBundle, err)
		}
		for _, fragment := range imported.Fragments {
			decoded.importFlat = append(decoded.importFlat, base.WithFragment(fragment))
		}
	}

	offset := SignatureSize + headerLength
	for i, packet := range header.Packets {
		if packet.EncodedLength < 0 || packet.DecodedLength < 0 || packet.EncodedLength > math.MaxInt-offset {
			return nil, fmt.Errorf("%w: v1 packet %d has lengths %d/%d", ErrInvalidBundle, i, packet.EncodedLength, packet.DecodedLength)
		}
		decoded.packetOffsets = append(decoded.packetOffsets, offset)
		offset += packet.EncodedLength
	}

	referenceLimit := len(decoded.importFlat) + len(header.Exports)
	for i, export := range header.Exports {
		if export.Type < 0 || export.Type >= len(header.Types) {
			return nil, fmt.Errorf("%w: v1 export %d has type %d of %d", ErrInvalidBundle, i, export.Type, len(header.Types))
		}
		if export.Packet < 0 || export.Packet >= len(header.Packets) {
			return nil, fmt.Errorf("%w: v1 export %d is in packet %d of %d", ErrInvalidBundle, i, export.Packet, len(header.Packets))
		}
		if !withinBounds(export.Offset, export.Length, header.Packets[export.Packet].DecodedLength) {
			return nil, fmt.Errorf("%w: v1 export %d exceeds its packet", ErrInvalidBundle, i)
		}
		for _, reference := range export.References {
			if reference < 0 || reference >= referenceLimit {
				return nil, fmt.Errorf("%w: v1 export %d references %d of %d", ErrInvalidBundle, i, reference, referenceLimit)
			}
		}
	}
	return decoded, nil
}

// packetDataV1 is a decompressed V1 packet.
type packetDataV1 struct {
	buffer *storage.Buffer
}

func (p *packetDataV1) cacheSize() int64 { return int64(p.buffer.Len()) }
func (p *packetDataV1) cacheRetain()     { p.buffer.Retain() }
func (p *packetDataV1) cacheRelease()    { p.buffer.Release() }

// exportHandleV1 addresses an export of a flushed V1 bundle by its
// global index. V1 reads are not batched.
type exportHandleV1 struct {
	namespace *Namespace
	bundle    storage.BlobLocator
	index     int
}

func (h *exportHandleV1) Innermost() storage.BlobRef { return h }

func (h *exportHandleV1) Flush(context.Context) error { return nil }

func (h *exportHandleV1) Locator() (storage.BlobLocator, bool) {
	return h.bundle.WithFragment(strconv.Itoa(h.index)), true
}

func (h *exportHandleV1) ReadBlobData(ctx context.Context) (*storage.BlobData, error) {
	header, err := h.namespace.readHeaderV1(ctx, h.bundle)
	if err != nil {
		return nil, err
	}
	if h.index >= len(header.header.Exports) {
		return nil, fmt.Errorf("%w: v1 export %d of %d in %s", ErrInvalidBundle, h.index, len(header.header.Exports), h.bundle)
	}
	export := header.header.Exports[h.index]

	imports := make([]storage.BlobRef, len(export.References))
	for i, reference := range export.References {
		if reference < len(header.importFlat) {
			imports[i], err = h.namespace.CreateBlobRef(header.importFlat[reference])
			if err != nil {
				return nil, fmt.Errorf("resolving v1 reference %d: %w", reference, err)
			}
		} else {
			imports[i] = &exportHandleV1{namespace: h.namespace, bundle: h.bundle, index: reference - len(header.importFlat)}
		}
	}

	packet, err := h.namespace.readPacketV1(ctx, h.bundle, header, export.Packet)
	if err != nil {
		return nil, err
	}
	if !withinBounds(export.Offset, export.Length, packet.buffer.Len()) {
		packet.buffer.Release()
		return nil, fmt.Errorf("%w: v1 export %d exceeds packet %d of %s", ErrInvalidBundle, h.index, export.Packet, h.bundle)
	}
	end := export.Offset + export.Length
	data := packet.buffer.Bytes()[export.Offset:end:end]
	return storage.NewBlobData(header.header.Types[export.Type], data, imports, packet.buffer), nil
}
