// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/bundlestore/lib/codec"
	"github.com/bureau-foundation/bundlestore/lib/storage"
)

// Blob types written by this package.
var (
	DirectoryType = storage.NewBlobType("nodes.directory", 1)
	LeafType      = storage.NewBlobType("nodes.leaf", 1)
	InteriorType  = storage.NewBlobType("nodes.interior", 1)
)

// ErrInvalidNode is returned when a blob does not decode as the node
// type it was read as.
var ErrInvalidNode = errors.New("invalid node")

// FileEntryFlags are per-file attributes restored on extraction.
type FileEntryFlags uint32

const (
	// Executable marks a file with any execute permission bit set.
	Executable FileEntryFlags = 1 << iota

	// ReadOnly marks a file with no write permission bits set.
	ReadOnly

	// HasModTime means ModTime is meaningful.
	HasModTime
)

func (f FileEntryFlags) String() string {
	var names []string
	if f&Executable != 0 {
		names = append(names, "executable")
	}
	if f&ReadOnly != 0 {
		names = append(names, "read-only")
	}
	if f&HasModTime != 0 {
		names = append(names, "mtime")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ChunkedDataNodeType tags a ChunkedDataNodeRef.
type ChunkedDataNodeType uint8

const (
	// Leaf refs point at a blob holding file bytes.
	Leaf ChunkedDataNodeType = 1

	// Interior refs point at a blob listing child refs, in file order.
	Interior ChunkedDataNodeType = 2
)

func (t ChunkedDataNodeType) String() string {
	switch t {
	case Leaf:
		return "leaf"
	case Interior:
		return "interior"
	default:
		return fmt.Sprintf("ChunkedDataNodeType(%d)", uint8(t))
	}
}

// LegacyLength is the length recorded by old writers for leaves whose
// size must be learned by reading the blob.
const LegacyLength = -1

// ChunkedDataNodeRef points at a region of file content.
type ChunkedDataNodeRef struct {
	Type ChunkedDataNodeType

	// Length is the number of content bytes under the ref, or
	// LegacyLength for an old-format leaf.
	Length int64

	Handle storage.HashedBlobRef
}

// FileEntry is one file in a directory.
type FileEntry struct {
	Name    string
	Flags   FileEntryFlags
	Length  int64
	ModTime time.Time

	// Hash is the content hash of the whole file.
	Hash storage.Hash

	Target ChunkedDataNodeRef
}

// DirectoryEntry is one subdirectory.
type DirectoryEntry struct {
	Name string

	// Length is the total file size under the subdirectory.
	Length int64

	Handle storage.HashedBlobRef
}

// DirectoryNode lists a directory's files and subdirectories, each
// sorted by name.
type DirectoryNode struct {
	Length      int64
	Files       []FileEntry
	Directories []DirectoryEntry
}

// The directory payload is CBOR. Refs are not stored in the payload;
// they are the blob's imports, files first and then directories, in
// entry order. Each entry carries the hash of its import so the
// decoded refs are hashed refs again.
type directoryPayload struct {
	Length      int64                   `cbor:"length"`
	Files       []filePayload           `cbor:"files"`
	Directories []directoryEntryPayload `cbor:"directories"`
}

type filePayload struct {
	_       struct{} `cbor:",toarray"`
	Name    string
	Flags   FileEntryFlags
	Length  int64
	ModTime int64
	Hash    storage.Hash
	Target  refPayload
}

type directoryEntryPayload struct {
	_      struct{} `cbor:",toarray"`
	Name   string
	Length int64
	Hash   storage.Hash
}

type refPayload struct {
	_      struct{} `cbor:",toarray"`
	Type   ChunkedDataNodeType
	Length int64
	Hash   storage.Hash
}

func newRefPayload(ref ChunkedDataNodeRef) refPayload {
	return refPayload{Type: ref.Type, Length: ref.Length, Hash: ref.Handle.Hash()}
}

func (p refPayload) decode(handle storage.BlobRef) (ChunkedDataNodeRef, error) {
	if p.Type != Leaf && p.Type != Interior {
		return ChunkedDataNodeRef{}, fmt.Errorf("%w: unknown chunk type %d", ErrInvalidNode, p.Type)
	}
	if p.Length < 0 && (p.Type != Leaf || p.Length != LegacyLength) {
		return ChunkedDataNodeRef{}, fmt.Errorf("%w: %s length %d", ErrInvalidNode, p.Type, p.Length)
	}
	return ChunkedDataNodeRef{
		Type:   p.Type,
		Length: p.Length,
		Handle: storage.NewHashedBlobRef(p.Hash, handle),
	}, nil
}

// WriteDirectory encodes node and writes it as a directory blob.
func WriteDirectory(ctx context.Context, writer storage.BlobWriter, node *DirectoryNode) (storage.HashedBlobRef, error) {
	payload := directoryPayload{
		Length:      node.Length,
		Files:       make([]filePayload, len(node.Files)),
		Directories: make([]directoryEntryPayload, len(node.Directories)),
	}
	imports := make([]storage.HashedBlobRef, 0, len(node.Files)+len(node.Directories))
	for i, file := range node.Files {
		var modTime int64
		if file.Flags&HasModTime != 0 {
			modTime = file.ModTime.UnixNano()
		}
		payload.Files[i] = filePayload{
			Name:    file.Name,
			Flags:   file.Flags,
			Length:  file.Length,
			ModTime: modTime,
			Hash:    file.Hash,
			Target:  newRefPayload(file.Target),
		}
		imports = append(imports, file.Target.Handle)
	}
	for i, directory := range node.Directories {
		payload.Directories[i] = directoryEntryPayload{
			Name:   directory.Name,
			Length: directory.Length,
			Hash:   directory.Handle.Hash(),
		}
		imports = append(imports, directory.Handle)
	}

	data, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding directory node: %w", err)
	}
	return writer.WriteBlob(ctx, DirectoryType, data, imports)
}

// ReadDirectory reads and decodes a directory node.
func ReadDirectory(ctx context.Context, ref storage.BlobRef) (*DirectoryNode, error) {
	blob, err := ref.ReadBlobData(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading directory node: %w", err)
	}
	defer blob.Release()
	return DecodeDirectory(blob)
}

// DecodeDirectory decodes a directory blob. The result does not alias
// the blob's memory.
func DecodeDirectory(blob *storage.BlobData) (*DirectoryNode, error) {
	if blob.Type != DirectoryType {
		return nil, fmt.Errorf("%w: blob type %s is not %s", ErrInvalidNode, blob.Type, DirectoryType)
	}
	var payload directoryPayload
	if err := codec.Unmarshal(blob.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding directory: %v", ErrInvalidNode, err)
	}
	if want := len(payload.Files) + len(payload.Directories); len(blob.Imports) != want {
		return nil, fmt.Errorf("%w: directory has %d imports for %d entries", ErrInvalidNode, len(blob.Imports), want)
	}

	node := &DirectoryNode{
		Length:      payload.Length,
		Files:       make([]FileEntry, len(payload.Files)),
		Directories: make([]DirectoryEntry, len(payload.Directories)),
	}
	for i, file := range payload.Files {
		target, err := file.Target.decode(blob.Imports[i])
		if err != nil {
			return nil, fmt.Errorf("file %q: %w", file.Name, err)
		}
		entry := FileEntry{
			Name:   file.Name,
			Flags:  file.Flags,
			Length: file.Length,
			Hash:   file.Hash,
			Target: target,
		}
		if file.Flags&HasModTime != 0 {
			entry.ModTime = time.Unix(0, file.ModTime)
		}
		node.Files[i] = entry
	}
	for i, directory := range payload.Directories {
		node.Directories[i] = DirectoryEntry{
			Name:   directory.Name,
			Length: directory.Length,
			Handle: storage.NewHashedBlobRef(directory.Hash, blob.Imports[len(payload.Files)+i]),
		}
	}
	return node, nil
}

// WriteInterior writes an interior node over children, which must be
// in file order.
func WriteInterior(ctx context.Context, writer storage.BlobWriter, children []ChunkedDataNodeRef) (ChunkedDataNodeRef, error) {
	payload := make([]refPayload, len(children))
	imports := make([]storage.HashedBlobRef, len(children))
	var length int64
	for i, child := range children {
		if child.Length < 0 {
			return ChunkedDataNodeRef{}, fmt.Errorf("interior child %d has no explicit length", i)
		}
		payload[i] = newRefPayload(child)
		imports[i] = child.Handle
		length += child.Length
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		return ChunkedDataNodeRef{}, fmt.Errorf("encoding interior node: %w", err)
	}
	handle, err := writer.WriteBlob(ctx, InteriorType, data, imports)
	if err != nil {
		return ChunkedDataNodeRef{}, err
	}
	return ChunkedDataNodeRef{Type: Interior, Length: length, Handle: handle}, nil
}

// ReadInterior reads the children of an interior node.
func ReadInterior(ctx context.Context, ref storage.BlobRef) ([]ChunkedDataNodeRef, error) {
	blob, err := ref.ReadBlobData(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading interior node: %w", err)
	}
	defer blob.Release()
	return DecodeInterior(blob)
}

// DecodeInterior decodes an interior blob.
func DecodeInterior(blob *storage.BlobData) ([]ChunkedDataNodeRef, error) {
	if blob.Type != InteriorType {
		return nil, fmt.Errorf("%w: blob type %s is not %s", ErrInvalidNode, blob.Type, InteriorType)
	}
	var payload []refPayload
	if err := codec.Unmarshal(blob.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding interior: %v", ErrInvalidNode, err)
	}
	if len(payload) != len(blob.Imports) {
		return nil, fmt.Errorf("%w: interior has %d imports for %d children", ErrInvalidNode, len(blob.Imports), len(payload))
	}
	children := make([]ChunkedDataNodeRef, len(payload))
	for i, child := range payload {
		decoded, err := child.decode(blob.Imports[i])
		if err != nil {
			return nil, fmt.Errorf("interior child %d: %w", i, err)
		}
		children[i] = decoded
	}
	return children, nil
}

// ReadData reads all content under ref into memory. Intended for
// small files and tests; Extract streams instead.
func ReadData(ctx context.Context, ref ChunkedDataNodeRef) ([]byte, error) {
	var out []byte
	err := walkLeaves(ctx, ref, func(leaf storage.BlobRef) error {
		blob, err := leaf.ReadBlobData(ctx)
		if err != nil {
			return fmt.Errorf("reading leaf: %w", err)
		}
		defer blob.Release()
		out = append(out, blob.Data...)
		return nil
	})
	return out, err
}

func walkLeaves(ctx context.Context, ref ChunkedDataNodeRef, visit func(storage.BlobRef) error) error {
	if ref.Type == Leaf {
		return visit(ref.Handle)
	}
	children, err := ReadInterior(ctx, ref.Handle)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := walkLeaves(ctx, child, visit); err != nil {
			return err
		}
	}
	return nil
}
