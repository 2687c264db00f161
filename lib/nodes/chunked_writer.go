// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/bundlestore/lib/storage"
)

// DefaultMaxInteriorChildren bounds the fan-out of interior nodes.
const DefaultMaxInteriorChildren = 64

// ChunkedDataWriter turns byte streams into chunk trees.
type ChunkedDataWriter struct {
	writer              storage.BlobWriter
	chunking            ChunkingOptions
	maxInteriorChildren int
}

// NewChunkedDataWriter returns a writer storing chunks through writer.
// A zero maxInteriorChildren selects DefaultMaxInteriorChildren.
func NewChunkedDataWriter(writer storage.BlobWriter, chunking ChunkingOptions, maxInteriorChildren int) (*ChunkedDataWriter, error) {
	if err := chunking.Validate(); err != nil {
		return nil, err
	}
	if maxInteriorChildren == 0 {
		maxInteriorChildren = DefaultMaxInteriorChildren
	}
	if maxInteriorChildren < 2 {
		return nil, fmt.Errorf("interior nodes need at least 2 children, got %d", maxInteriorChildren)
	}
	return &ChunkedDataWriter{
		writer:              writer,
		chunking:            chunking,
		maxInteriorChildren: maxInteriorChildren,
	}, nil
}

// FileContent is the result of writing one stream.
type FileContent struct {
	Root   ChunkedDataNodeRef
	Length int64
	Hash   storage.Hash
}

// Write chunks r into leaves, then groups them into interior levels
// until a single root remains. Empty input produces one empty leaf.
func (w *ChunkedDataWriter) Write(ctx context.Context, r io.Reader) (FileContent, error) {
	chunker, err := NewChunker(r, w.chunking)
	if err != nil {
		return FileContent{}, err
	}
	hasher := storage.NewContentHasher()

	var (
		level  []ChunkedDataNodeRef
		length int64
	)
	for {
		chunk, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return FileContent{}, err
		}
		leaf, err := w.writeLeaf(ctx, chunk)
		if err != nil {
			return FileContent{}, err
		}
		hasher.Write(chunk)
		length += int64(len(chunk))
		level = append(level, leaf)
	}
	if len(level) == 0 {
		leaf, err := w.writeLeaf(ctx, nil)
		if err != nil {
			return FileContent{}, err
		}
		level = append(level, leaf)
	}

	for len(level) > 1 {
		next := make([]ChunkedDataNodeRef, 0, (len(level)+w.maxInteriorChildren-1)/w.maxInteriorChildren)
		for start := 0; start < len(level); start += w.maxInteriorChildren {
			group := level[start:min(start+w.maxInteriorChildren, len(level))]
			if len(group) == 1 {
				next = append(next, group[0])
				continue
			}
			interior, err := WriteInterior(ctx, w.writer, group)
			if err != nil {
				return FileContent{}, fmt.Errorf("writing interior node: %w", err)
			}
			next = append(next, interior)
		}
		level = next
	}

	return FileContent{Root: level[0], Length: length, Hash: hasher.Sum()}, nil
}

func (w *ChunkedDataWriter) writeLeaf(ctx context.Context, data []byte) (ChunkedDataNodeRef, error) {
	handle, err := w.writer.WriteBlob(ctx, LeafType, data, nil)
	if err != nil {
		return ChunkedDataNodeRef{}, fmt.Errorf("writing leaf: %w", err)
	}
	return ChunkedDataNodeRef{Type: Leaf, Length: int64(len(data)), Handle: handle}, nil
}
