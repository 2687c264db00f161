// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/bureau-foundation/bundlestore/lib/codec"
	"github.com/bureau-foundation/bundlestore/lib/storage"
)

// Encoded V2 packet layout:
//
//	[0:8]    signature (version 2, length = whole encoded packet)
//	[8]      compression
//	[9:12]   reserved, zero
//	[12:16]  decoded payload length, uint32 little-endian
//	[16:]    payload, compressed
//
// Decoded payload layout:
//
//	[0:4]    header length, uint32 little-endian
//	[4:4+n]  CBOR packetHeader
//	[4+n:]   export data, addressed by export offsets
const packetPrefixSize = 16

// Import base values with special meaning. Non-negative values index
// another import entry, which must be absolute.
const (
	// importAbsolute entries carry a base locator in Fragment. These
	// are the entries a garbage collector follows.
	importAbsolute = -1
	// importThisBundle entries carry a packet fragment and export
	// index ("offset,length&index") within the containing bundle.
	importThisBundle = -2
	// importThisPacket entries carry an export index within the
	// containing packet.
	importThisPacket = -3
)

type packetHeader struct {
	Types   []storage.BlobType `cbor:"types"`
	Imports []packetImport     `cbor:"imports"`
	Exports []packetExport     `cbor:"exports"`
}

type packetImport struct {
	_        struct{} `cbor:",toarray"`
	Base     int
	Fragment string
}

type packetExport struct {
	_       struct{} `cbor:",toarray"`
	Type    int
	Hash    storage.Hash
	Offset  int
	Length  int
	Imports []int
}

// encodePacket serializes a packet header and its export data into the
// encoded V2 packet form.
func encodePacket(header *packetHeader, data []byte, requested Compression) ([]byte, error) {
	headerBytes, err := codec.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encoding packet header: %w", err)
	}
	decoded := make([]byte, 0, 4+len(headerBytes)+len(data))
	decoded = binary.LittleEndian.AppendUint32(decoded, uint32(len(headerBytes)))
	decoded = append(decoded, headerBytes...)
	decoded = append(decoded, data...)

	payload, compression, err := compress(decoded, requested)
	if err != nil {
		return nil, fmt.Errorf("compressing packet: %w", err)
	}

	encoded := make([]byte, 0, packetPrefixSize+len(payload))
	encoded = AppendSignature(encoded, Signature{Version: VersionV2, Length: packetPrefixSize + len(payload)})
	encoded = append(encoded, byte(compression), 0, 0, 0)
	encoded = binary.LittleEndian.AppendUint32(encoded, uint32(len(decoded)))
	encoded = append(encoded, payload...)
	return encoded, nil
}

// packetPrefix is the decoded fixed prefix of an encoded packet.
type packetPrefix struct {
	encodedLength int
	compression   Compression
	decodedLength int
}

func readPacketPrefix(data []byte) (packetPrefix, error) {
	signature, err := ReadSignature(data)
	if err != nil {
		return packetPrefix{}, err
	}
	if signature.Version != VersionV2 {
		return packetPrefix{}, fmt.Errorf("%w: packet has version %s", ErrUnsupportedVersion, signature.Version)
	}
	if len(data) < packetPrefixSize {
		return packetPrefix{}, fmt.Errorf("%w: packet prefix truncated at %d bytes", ErrInvalidBundle, len(data))
	}
	if data[9] != 0 || data[10] != 0 || data[11] != 0 {
		return packetPrefix{}, fmt.Errorf("%w: non-zero reserved bytes in packet prefix", ErrInvalidBundle)
	}
	prefix := packetPrefix{
		encodedLength: signature.Length,
		compression:   Compression(data[8]),
		decodedLength: int(binary.LittleEndian.Uint32(data[12:16])),
	}
	if prefix.encodedLength < packetPrefixSize {
		return packetPrefix{}, fmt.Errorf("%w: packet length %d is smaller than its prefix", ErrInvalidBundle, prefix.encodedLength)
	}
	return prefix, nil
}

// decodePacketInto decompresses an encoded packet into dst and parses
// its header. It returns the header and the export data region of dst.
func decodePacketInto(dst, encoded []byte, prefix packetPrefix) (*packetHeader, []byte, error) {
	if len(encoded) < prefix.encodedLength {
		return nil, nil, fmt.Errorf("%w: packet is %d bytes, signature says %d", ErrInvalidBundle, len(encoded), prefix.encodedLength)
	}
	if err := decompressInto(dst, encoded[packetPrefixSize:prefix.encodedLength], prefix.compression); err != nil {
		return nil, nil, err
	}
	header, data, err := parseDecodedPacket(dst)
	if err != nil {
		return nil, nil, err
	}
	return header, data, nil
}

func parseDecodedPacket(decoded []byte) (*packetHeader, []byte, error) {
	if len(decoded) < 4 {
		return nil, nil, fmt.Errorf("%w: decoded packet is %d bytes", ErrInvalidBundle, len(decoded))
	}
	headerLength := int(binary.LittleEndian.Uint32(decoded[:4]))
	if headerLength > len(decoded)-4 {
		return nil, nil, fmt.Errorf("%w: packet header length %d exceeds packet", ErrInvalidBundle, headerLength)
	}
	var header packetHeader
	if err := codec.Unmarshal(decoded[4:4+headerLength], &header); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding packet header: %v", ErrInvalidBundle, err)
	}
	data := decoded[4+headerLength:]
	if err := header.validate(len(data)); err != nil {
		return nil, nil, err
	}
	return &header, data, nil
}

func (h *packetHeader) validate(dataLength int) error {
	for i, imported := range h.Imports {
		switch {
		case imported.Base >= len(h.Imports):
			return fmt.Errorf("%w: import %d has base %d of %d", ErrInvalidBundle, i, imported.Base, len(h.Imports))
		case imported.Base >= 0 && h.Imports[imported.Base].Base != importAbsolute:
			return fmt.Errorf("%w: import %d is relative to a non-absolute import", ErrInvalidBundle, i)
		case imported.Base < importThisPacket:
			return fmt.Errorf("%w: import %d has base %d", ErrInvalidBundle, i, imported.Base)
		}
	}
	for i, export := range h.Exports {
		if export.Type < 0 || export.Type >= len(h.Types) {
			return fmt.Errorf("%w: export %d has type %d of %d", ErrInvalidBundle, i, export.Type, len(h.Types))
		}
		if !withinBounds(export.Offset, export.Length, dataLength) {
			return fmt.Errorf("%w: export %d range [%d,+%d) exceeds packet data of %d bytes", ErrInvalidBundle, i, export.Offset, export.Length, dataLength)
		}
		for _, index := range export.Imports {
			if index < 0 || index >= len(h.Imports) {
				return fmt.Errorf("%w: export %d references import %d of %d", ErrInvalidBundle, i, index, len(h.Imports))
			}
		}
	}
	return nil
}

// withinBounds reports whether [offset, offset+length) lies inside
// size bytes without overflowing.
func withinBounds(offset, length, size int) bool {
	return offset >= 0 && length >= 0 && length <= size && offset <= size-length
}

// absoluteImports returns the base locators of every absolute import.
func (h *packetHeader) absoluteImports() ([]storage.BlobLocator, error) {
	var locators []storage.BlobLocator
	for _, imported := range h.Imports {
		if imported.Base != importAbsolute {
			continue
		}
		locator, err := storage.ParseBlobLocator(imported.Fragment)
		if err != nil {
			return nil, fmt.Errorf("%w: absolute import: %v", ErrInvalidBundle, err)
		}
		locators = append(locators, locator)
	}
	return locators, nil
}

// Packet is a decoded V2 packet. Its memory is reference counted:
// every holder calls Release once, and exports read from it retain
// the packet memory until their BlobData is released.
type Packet struct {
	namespace *Namespace
	handle    FlushedPacketHandle
	header    *packetHeader
	buffer    *storage.Buffer
	data      []byte
}

// Handle returns the handle the packet was decoded from.
func (p *Packet) Handle() FlushedPacketHandle { return p.handle }

// NumExports returns the number of exports in the packet.
func (p *Packet) NumExports() int { return len(p.header.Exports) }

// DecodedSize returns the size of the decoded packet.
func (p *Packet) DecodedSize() int { return p.buffer.Len() }

// Retain adds a reference to the packet and returns it.
func (p *Packet) Retain() *Packet {
	p.buffer.Retain()
	return p
}

// Release drops a reference to the packet.
func (p *Packet) Release() { p.buffer.Release() }

func (p *Packet) cacheSize() int64 { return int64(p.buffer.Len()) }
func (p *Packet) cacheRetain()     { p.buffer.Retain() }
func (p *Packet) cacheRelease()    { p.buffer.Release() }

// ExportHash returns the content hash of an export.
func (p *Packet) ExportHash(index int) storage.Hash {
	return p.header.Exports[index].Hash
}

// Export returns the payload and imports of one export. The result
// shares the packet's memory and must be released.
func (p *Packet) Export(index int) (*storage.BlobData, error) {
	if index < 0 || index >= len(p.header.Exports) {
		return nil, fmt.Errorf("%w: export %d of %d in packet %s", ErrInvalidBundle, index, len(p.header.Exports), p.handle)
	}
	export := p.header.Exports[index]
	imports := make([]storage.BlobRef, len(export.Imports))
	for i, importIndex := range export.Imports {
		ref, err := p.resolveImport(importIndex)
		if err != nil {
			return nil, fmt.Errorf("resolving import %d of export %d: %w", i, index, err)
		}
		imports[i] = ref
	}
	data := p.data[export.Offset : export.Offset+export.Length : export.Offset+export.Length]
	return storage.NewBlobData(p.header.Types[export.Type], data, imports, p.buffer.Retain()), nil
}

func (p *Packet) resolveImport(index int) (storage.BlobRef, error) {
	imported := p.header.Imports[index]
	switch {
	case imported.Base == importThisPacket:
		exportIndex, err := strconv.Atoi(imported.Fragment)
		if err != nil || exportIndex < 0 {
			return nil, fmt.Errorf("%w: packet-relative import %q", ErrInvalidBundle, imported.Fragment)
		}
		return &ExportHandle{packet: p.handle, index: exportIndex}, nil

	case imported.Base == importThisBundle:
		packet, exportIndex, err := parsePacketExportFragment(imported.Fragment)
		if err != nil {
			return nil, err
		}
		return &ExportHandle{
			packet: NewFlushedPacketHandle(p.handle.bundle, packet.offset, packet.length),
			index:  exportIndex,
		}, nil

	case imported.Base == importAbsolute:
		locator, err := storage.ParseBlobLocator(imported.Fragment)
		if err != nil {
			return nil, err
		}
		return p.namespace.CreateBlobRef(locator)

	default:
		base, err := storage.ParseBlobLocator(p.header.Imports[imported.Base].Fragment)
		if err != nil {
			return nil, err
		}
		return p.namespace.CreateBlobRef(base.WithFragment(imported.Fragment))
	}
}

type packetRange struct {
	offset int
	length int
}

func (r packetRange) String() string {
	return strconv.Itoa(r.offset) + "," + strconv.Itoa(r.length)
}

// parsePacketExportFragment parses "offset,length&index".
func parsePacketExportFragment(fragment string) (packetRange, int, error) {
	packetPart, indexPart, found := strings.Cut(fragment, "&")
	if !found {
		return packetRange{}, 0, fmt.Errorf("%w: fragment %q has no export index", storage.ErrInvalidLocator, fragment)
	}
	packet, err := parsePacketFragment(packetPart)
	if err != nil {
		return packetRange{}, 0, err
	}
	index, err := parseNonNegative(indexPart)
	if err != nil {
		return packetRange{}, 0, fmt.Errorf("%w: fragment %q: export index: %v", storage.ErrInvalidLocator, fragment, err)
	}
	return packet, index, nil
}

// parsePacketFragment parses "offset,length".
func parsePacketFragment(fragment string) (packetRange, error) {
	offsetPart, lengthPart, found := strings.Cut(fragment, ",")
	if !found {
		return packetRange{}, fmt.Errorf("%w: packet fragment %q is not offset,length", storage.ErrInvalidLocator, fragment)
	}
	offset, err := parseNonNegative(offsetPart)
	if err != nil {
		return packetRange{}, fmt.Errorf("%w: packet fragment %q: offset: %v", storage.ErrInvalidLocator, fragment, err)
	}
	length, err := parseNonNegative(lengthPart)
	if err != nil || length < packetPrefixSize {
		return packetRange{}, fmt.Errorf("%w: packet fragment %q: bad length", storage.ErrInvalidLocator, fragment)
	}
	return packetRange{offset: offset, length: length}, nil
}

// parseNonNegative accepts only plain decimal digits, so "+1" and
// " 1" are rejected.
func parseNonNegative(value string) (int, error) {
	if !isDigits(value) {
		return 0, fmt.Errorf("%q is not a non-negative integer", value)
	}
	return strconv.Atoi(value)
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return false
		}
	}
	return true
}
