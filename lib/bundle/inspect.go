// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"

	"github.com/bureau-foundation/bundlestore/lib/storage"
)

// Summary describes the structure of an encoded bundle.
type Summary struct {
	Version Version
	Size    int
	Packets []PacketSummary
	// Imports lists the base locators the bundle references.
	Imports []storage.BlobLocator
}

// PacketSummary describes one packet of a bundle. For V1 bundles
// Offset is the packet's position in the bundle body.
type PacketSummary struct {
	Offset        int
	EncodedLength int
	DecodedLength int
	Compression   Compression
	Exports       []ExportSummary
}

// ExportSummary describes one export.
type ExportSummary struct {
	// Index is the export's locator index: within its packet for V2,
	// across the bundle for V1.
	Index   int
	Type    storage.BlobType
	Hash    storage.Hash
	Length  int
	Imports int
}

// Inspect decodes the structure of a complete encoded bundle without a
// namespace. It is meant for diagnostics.
func Inspect(data []byte) (*Summary, error) {
	signature, err := ReadSignature(data)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Version: signature.Version, Size: len(data)}
	if signature.Version <= LatestV1 {
		return summary, inspectV1(summary, data, signature)
	}
	return summary, inspectV2(summary, data)
}

func inspectV1(summary *Summary, data []byte, signature Signature) error {
	end := SignatureSize + signature.Length
	if end > len(data) {
		return fmt.Errorf("%w: v1 header ends at %d of %d bytes", ErrInvalidBundle, end, len(data))
	}
	header, err := decodeHeaderV1(data[SignatureSize:end], signature.Length)
	if err != nil {
		return err
	}
	for i, packet := range header.header.Packets {
		summary.Packets = append(summary.Packets, PacketSummary{
			Offset:        header.packetOffsets[i],
			EncodedLength: packet.EncodedLength,
			DecodedLength: packet.DecodedLength,
			Compression:   packet.Compression,
		})
	}
	for i, export := range header.header.Exports {
		packet := &summary.Packets[export.Packet]
		packet.Exports = append(packet.Exports, ExportSummary{
			Index:   i,
			Type:    header.header.Types[export.Type],
			Hash:    export.Hash,
			Length:  export.Length,
			Imports: len(export.References),
		})
	}
	for _, imported := range header.header.Imports {
		summary.Imports = append(summary.Imports, storage.MustParseBlobLocator(imported.Base))
	}
	summary.Imports = sortedUnique(summary.Imports)
	return nil
}

func inspectV2(summary *Summary, data []byte) error {
	for offset := 0; offset < len(data); {
		prefix, err := readPacketPrefix(data[offset:])
		if err != nil {
			return fmt.Errorf("packet at %d: %w", offset, err)
		}
		end := offset + prefix.encodedLength
		if end > len(data) {
			return fmt.Errorf("%w: packet at %d ends past the bundle", ErrInvalidBundle, offset)
		}
		if prefix.decodedLength > maxDecodedPacketSize {
			return fmt.Errorf("%w: packet at %d claims %d decoded bytes", ErrInvalidBundle, offset, prefix.decodedLength)
		}
		decoded := make([]byte, prefix.decodedLength)
		header, _, err := decodePacketInto(decoded, data[offset:end], prefix)
		if err != nil {
			return fmt.Errorf("packet at %d: %w", offset, err)
		}
		packet := PacketSummary{
			Offset:        offset,
			EncodedLength: prefix.encodedLength,
			DecodedLength: prefix.decodedLength,
			Compression:   prefix.compression,
		}
		for i, export := range header.Exports {
			packet.Exports = append(packet.Exports, ExportSummary{
				Index:   i,
				Type:    header.Types[export.Type],
				Hash:    export.Hash,
				Length:  export.Length,
				Imports: len(export.Imports),
			})
		}
		absolute, err := header.absoluteImports()
		if err != nil {
			return fmt.Errorf("packet at %d: %w", offset, err)
		}
		summary.Imports = append(summary.Imports, absolute...)
		summary.Packets = append(summary.Packets, packet)
		offset = end
	}
	summary.Imports = sortedUnique(summary.Imports)
	return nil
}
