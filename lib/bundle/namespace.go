// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/bundlestore/lib/storage"
)

// maxDecodedPacketSize rejects packet prefixes that claim an absurd
// decoded size before anything is allocated.
const maxDecodedPacketSize = 1 << 30

// Namespace is the entry point to a bundle store: it turns locators
// into readable refs, creates writers, publishes refs and aliases, and
// enumerates bundle imports for garbage collection.
type Namespace struct {
	backend   storage.Backend
	cache     *Cache
	allocator *storage.Allocator
	options   Options
	logger    *slog.Logger

	headerReads    atomic.Int64
	packetReads    atomic.Int64
	packetsDecoded atomic.Int64
	bytesDecoded   atomic.Int64
}

// NewNamespace returns a namespace over backend. A nil cache caches
// nothing. Zero-valued options take their defaults.
func NewNamespace(backend storage.Backend, cache *Cache, options Options) (*Namespace, error) {
	if backend == nil {
		return nil, fmt.Errorf("bundle namespace requires a backend")
	}
	if cache == nil {
		cache = NoCache()
	}
	options = options.withDefaults()
	if err := options.Writer.Validate(); err != nil {
		return nil, fmt.Errorf("invalid writer options: %w", err)
	}
	if options.MaxReferencePrefix < SignatureSize {
		return nil, fmt.Errorf("max reference prefix %d is smaller than a signature", options.MaxReferencePrefix)
	}
	return &Namespace{
		backend:   backend,
		cache:     cache,
		allocator: options.Allocator,
		options:   options,
		logger:    options.Logger,
	}, nil
}

// Backend returns the namespace's backend.
func (n *Namespace) Backend() storage.Backend { return n.backend }

// Allocator returns the allocator that owns every buffer the namespace
// hands out.
func (n *Namespace) Allocator() *storage.Allocator { return n.allocator }

// Cache returns the namespace's packet cache.
func (n *Namespace) Cache() *Cache { return n.cache }

// Bundle returns the flushed bundle at the base of locator.
func (n *Namespace) Bundle(locator storage.BlobLocator) FlushedBundle {
	return FlushedBundle{namespace: n, locator: locator.BaseLocator()}
}

// CreateBlobRef returns a ref for a locator with a V1 ("#index") or V2
// ("#offset,length&index") fragment.
func (n *Namespace) CreateBlobRef(locator storage.BlobLocator) (storage.BlobRef, error) {
	base, fragment, ok := locator.Unwrap()
	if !ok {
		return nil, fmt.Errorf("%w: %s has no export fragment", storage.ErrInvalidLocator, locator)
	}
	if isDigits(fragment) {
		index, err := strconv.Atoi(fragment)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", storage.ErrInvalidLocator, locator, err)
		}
		return &exportHandleV1{namespace: n, bundle: base, index: index}, nil
	}
	packet, index, err := parsePacketExportFragment(fragment)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", locator, err)
	}
	return &ExportHandle{
		packet: NewFlushedPacketHandle(n.Bundle(base), packet.offset, packet.length),
		index:  index,
	}, nil
}

// CreateBlobWriter returns a writer for new bundles under basePath.
// The format follows Options.MaxVersion. override, when non-nil,
// replaces the namespace's writer tuning.
func (n *Namespace) CreateBlobWriter(basePath string, override *WriterOptions) (storage.BlobWriter, error) {
	if strings.ContainsAny(basePath, "# \t\r\n") {
		return nil, fmt.Errorf("%w: base path %q", storage.ErrInvalidLocator, basePath)
	}
	options := n.options.Writer
	if override != nil {
		options = override.withDefaults()
		if err := options.Validate(); err != nil {
			return nil, fmt.Errorf("invalid writer options: %w", err)
		}
	}
	switch version := n.options.MaxVersion; {
	case version >= VersionV1 && version <= LatestV1:
		return newWriterV1(n, basePath, options), nil
	case version > LatestV1 && version <= LatestV2:
		return newWriterV2(n, basePath, options), nil
	default:
		return nil, fmt.Errorf("%w: cannot create a writer for %s", ErrUnsupportedVersion, version)
	}
}

// ReadPacket returns a decoded packet, from the cache when possible.
// The caller releases the result.
func (n *Namespace) ReadPacket(ctx context.Context, handle FlushedPacketHandle) (*Packet, error) {
	key := handle.String()
	if cached, ok := n.cache.get(key); ok {
		return cached.(*Packet), nil
	}
	n.packetReads.Add(1)
	encoded, err := handle.bundle.Read(ctx, handle.offset, handle.length)
	if err != nil {
		return nil, fmt.Errorf("reading packet %s: %w", handle, err)
	}
	defer encoded.Release()
	packet, err := n.DecodePacket(handle, encoded.Bytes())
	if err != nil {
		return nil, err
	}
	n.cache.add(key, packet)
	return packet, nil
}

// DecodePacket decodes the encoded bytes of the packet at handle. It
// does not consult or fill the cache. The caller releases the result.
func (n *Namespace) DecodePacket(handle FlushedPacketHandle, encoded []byte) (*Packet, error) {
	prefix, err := readPacketPrefix(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding packet %s: %w", handle, err)
	}
	if prefix.encodedLength != len(encoded) || prefix.encodedLength != handle.length {
		return nil, fmt.Errorf("decoding packet %s: %w: signature length %d, read %d bytes",
			handle, ErrInvalidBundle, prefix.encodedLength, len(encoded))
	}
	if prefix.decodedLength > maxDecodedPacketSize {
		return nil, fmt.Errorf("decoding packet %s: %w: decoded size %d", handle, ErrInvalidBundle, prefix.decodedLength)
	}

	buffer := n.allocator.Alloc(prefix.decodedLength)
	header, data, err := decodePacketInto(buffer.Bytes(), encoded, prefix)
	if err != nil {
		buffer.Release()
		return nil, fmt.Errorf("decoding packet %s: %w", handle, err)
	}
	n.packetsDecoded.Add(1)
	n.bytesDecoded.Add(int64(prefix.decodedLength))
	return &Packet{namespace: n, handle: handle, header: header, buffer: buffer, data: data}, nil
}

func (n *Namespace) readHeaderV1(ctx context.Context, bundle storage.BlobLocator) (*decodedHeaderV1, error) {
	key := bundle.String() + "#v1"
	if cached, ok := n.cache.get(key); ok {
		return cached.(*decodedHeaderV1), nil
	}
	n.headerReads.Add(1)

	prefix, err := n.backend.ReadBlob(ctx, bundle, 0, SignatureSize)
	if err != nil {
		return nil, fmt.Errorf("reading v1 signature of %s: %w", bundle, err)
	}
	signature, err := ReadSignature(prefix)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", bundle, err)
	}
	if signature.Version > LatestV1 {
		return nil, fmt.Errorf("%w: %s is a %s bundle addressed by export index", storage.ErrInvalidLocator, bundle, signature.Version)
	}
	headerBytes, err := n.backend.ReadBlob(ctx, bundle, SignatureSize, int64(signature.Length))
	if err != nil {
		return nil, fmt.Errorf("reading v1 header of %s: %w", bundle, err)
	}
	if len(headerBytes) != signature.Length {
		return nil, fmt.Errorf("reading v1 header of %s: %w: %d of %d bytes", bundle, ErrInvalidBundle, len(headerBytes), signature.Length)
	}
	header, err := decodeHeaderV1(headerBytes, signature.Length)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", bundle, err)
	}
	n.cache.add(key, header)
	return header, nil
}

// readPacketV1 returns a decompressed V1 packet with a reference held
// for the caller.
func (n *Namespace) readPacketV1(ctx context.Context, bundle storage.BlobLocator, header *decodedHeaderV1, index int) (*packetDataV1, error) {
	key := bundle.String() + "#v1p" + strconv.Itoa(index)
	if cached, ok := n.cache.get(key); ok {
		return cached.(*packetDataV1), nil
	}
	n.packetReads.Add(1)

	info := header.header.Packets[index]
	if info.DecodedLength > maxDecodedPacketSize {
		return nil, fmt.Errorf("reading %s packet %d: %w: decoded size %d", bundle, index, ErrInvalidBundle, info.DecodedLength)
	}
	encoded, err := n.backend.ReadBlob(ctx, bundle, int64(header.packetOffsets[index]), int64(info.EncodedLength))
	if err != nil {
		return nil, fmt.Errorf("reading %s packet %d: %w", bundle, index, err)
	}
	if len(encoded) != info.EncodedLength {
		return nil, fmt.Errorf("reading %s packet %d: %w: %d of %d bytes", bundle, index, ErrInvalidBundle, len(encoded), info.EncodedLength)
	}
	buffer := n.allocator.Alloc(info.DecodedLength)
	if err := decompressInto(buffer.Bytes(), encoded, info.Compression); err != nil {
		buffer.Release()
		return nil, fmt.Errorf("reading %s packet %d: %w", bundle, index, err)
	}
	n.packetsDecoded.Add(1)
	n.bytesDecoded.Add(int64(info.DecodedLength))

	packet := &packetDataV1{buffer: buffer}
	n.cache.add(key, packet)
	return packet, nil
}

// ReadBundleReferences returns the base locators of every bundle that
// the bundle at locator imports. Only a bounded prefix of the bundle is
// read: V1 headers must fit inside it, and V2 packets past its end are
// not inspected.
func (n *Namespace) ReadBundleReferences(ctx context.Context, locator storage.BlobLocator) ([]storage.BlobLocator, error) {
	base := locator.BaseLocator()
	data, err := n.backend.ReadBlob(ctx, base, 0, int64(n.options.MaxReferencePrefix))
	if err != nil {
		return nil, fmt.Errorf("reading references of %s: %w", base, err)
	}
	signature, err := ReadSignature(data)
	if err != nil {
		return nil, fmt.Errorf("reading references of %s: %w", base, err)
	}

	var references []storage.BlobLocator
	switch {
	case signature.Version <= LatestV1:
		end := SignatureSize + signature.Length
		if end > len(data) {
			return nil, fmt.Errorf("reading references of %s: %w: v1 header ends at %d, past the %d byte prefix",
				base, ErrInvalidBundle, end, len(data))
		}
		header, err := decodeHeaderV1(data[SignatureSize:end], signature.Length)
		if err != nil {
			return nil, fmt.Errorf("reading references of %s: %w", base, err)
		}
		for _, imported := range header.header.Imports {
			references = append(references, storage.MustParseBlobLocator(imported.Base))
		}

	case signature.Version <= LatestV2:
		references, err = n.readPacketReferences(data)
		if err != nil {
			return nil, fmt.Errorf("reading references of %s: %w", base, err)
		}
	}
	return sortedUnique(references), nil
}

func (n *Namespace) readPacketReferences(data []byte) ([]storage.BlobLocator, error) {
	var references []storage.BlobLocator
	for offset := 0; offset+packetPrefixSize <= len(data); {
		prefix, err := readPacketPrefix(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("packet at %d: %w", offset, err)
		}
		end := offset + prefix.encodedLength
		if end > len(data) {
			break
		}
		if prefix.decodedLength > maxDecodedPacketSize {
			return nil, fmt.Errorf("packet at %d: %w: decoded size %d", offset, ErrInvalidBundle, prefix.decodedLength)
		}
		buffer := n.allocator.Alloc(prefix.decodedLength)
		header, _, err := decodePacketInto(buffer.Bytes(), data[offset:end], prefix)
		if err != nil {
			buffer.Release()
			return nil, fmt.Errorf("packet at %d: %w", offset, err)
		}
		absolute, err := header.absoluteImports()
		buffer.Release()
		if err != nil {
			return nil, fmt.Errorf("packet at %d: %w", offset, err)
		}
		references = append(references, absolute...)
		offset = end
	}
	return references, nil
}

func sortedUnique(locators []storage.BlobLocator) []storage.BlobLocator {
	sort.Slice(locators, func(i, j int) bool { return locators[i].String() < locators[j].String() })
	unique := locators[:0]
	for i, locator := range locators {
		if i == 0 || locator != locators[i-1] {
			unique = append(unique, locator)
		}
	}
	return unique
}

// TryReadRef resolves a ref. It returns nil, nil when the ref is not
// set.
func (n *Namespace) TryReadRef(ctx context.Context, name storage.RefName, cacheTime time.Duration) (storage.HashedBlobRef, error) {
	value, err := n.backend.TryReadRef(ctx, name, cacheTime)
	if err != nil {
		return nil, fmt.Errorf("reading ref %s: %w", name, err)
	}
	if value == nil {
		return nil, nil
	}
	ref, err := n.CreateBlobRef(value.Locator)
	if err != nil {
		return nil, fmt.Errorf("reading ref %s: %w", name, err)
	}
	return storage.NewHashedBlobRef(value.Hash, ref), nil
}

// WriteRef flushes target and points name at it.
func (n *Namespace) WriteRef(ctx context.Context, name storage.RefName, target storage.HashedBlobRef, options storage.RefOptions) error {
	locator, err := storage.FlushedLocator(ctx, target)
	if err != nil {
		return fmt.Errorf("writing ref %s: %w", name, err)
	}
	if err := n.backend.WriteRef(ctx, name, storage.RefValue{Hash: target.Hash(), Locator: locator}, options); err != nil {
		return fmt.Errorf("writing ref %s: %w", name, err)
	}
	return nil
}

// DeleteRef removes name and reports whether it existed.
func (n *Namespace) DeleteRef(ctx context.Context, name storage.RefName) (bool, error) {
	existed, err := n.backend.DeleteRef(ctx, name)
	if err != nil {
		return false, fmt.Errorf("deleting ref %s: %w", name, err)
	}
	return existed, nil
}

// AddAlias flushes target and records it under name.
func (n *Namespace) AddAlias(ctx context.Context, name string, target storage.BlobRef, rank int, data []byte) error {
	locator, err := storage.FlushedLocator(ctx, target)
	if err != nil {
		return fmt.Errorf("adding alias %s: %w", name, err)
	}
	if err := n.backend.AddAlias(ctx, name, locator, rank, data); err != nil {
		return fmt.Errorf("adding alias %s: %w", name, err)
	}
	return nil
}

// RemoveAlias removes target from name.
func (n *Namespace) RemoveAlias(ctx context.Context, name string, target storage.BlobRef) error {
	locator, err := storage.FlushedLocator(ctx, target)
	if err != nil {
		return fmt.Errorf("removing alias %s: %w", name, err)
	}
	if err := n.backend.RemoveAlias(ctx, name, locator); err != nil {
		return fmt.Errorf("removing alias %s: %w", name, err)
	}
	return nil
}

// FindAliases returns the aliases under name, highest rank first.
func (n *Namespace) FindAliases(ctx context.Context, name string, maxResults int) ([]storage.BlobAlias, error) {
	found, err := n.backend.FindAliases(ctx, name, maxResults)
	if err != nil {
		return nil, fmt.Errorf("finding aliases %s: %w", name, err)
	}
	aliases := make([]storage.BlobAlias, 0, len(found))
	for _, alias := range found {
		target, err := n.CreateBlobRef(alias.Target)
		if err != nil {
			return nil, fmt.Errorf("finding aliases %s: %w", name, err)
		}
		aliases = append(aliases, storage.BlobAlias{Target: target, Rank: alias.Rank, Data: alias.Data})
	}
	return aliases, nil
}

// GetStats adds cache, backend, and reader counters to stats.
func (n *Namespace) GetStats(stats *storage.Stats) {
	n.cache.GetStats(stats)
	n.backend.GetStats(stats)
	stats.Add("bundle.header_reads", n.headerReads.Load())
	stats.Add("bundle.packet_reads", n.packetReads.Load())
	stats.Add("bundle.packets_decoded", n.packetsDecoded.Load())
	stats.Add("bundle.bytes_decoded", n.bytesDecoded.Load())
}
