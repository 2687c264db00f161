// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bureau-foundation/bundlestore/lib/storage"
)

// CopyOptions configures CopyFromDirectory.
type CopyOptions struct {
	// Chunking selects chunk sizes. The zero value uses
	// DefaultChunkingOptions.
	Chunking ChunkingOptions

	// MaxInteriorChildren bounds interior node fan-out. Zero uses
	// DefaultMaxInteriorChildren.
	MaxInteriorChildren int

	// Logger receives a debug event for every skipped entry.
	Logger *slog.Logger
}

// CopyFromDirectory stores the tree rooted at dir and returns its root
// node and a ref to it. File modes become Executable and ReadOnly
// flags, and every file records its modification time. Symlinks and
// special files are skipped. The writer is not flushed.
func CopyFromDirectory(ctx context.Context, dir string, writer storage.BlobWriter, options CopyOptions) (*DirectoryNode, storage.HashedBlobRef, error) {
	if options.Chunking == (ChunkingOptions{}) {
		options.Chunking = DefaultChunkingOptions()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	chunked, err := NewChunkedDataWriter(writer, options.Chunking, options.MaxInteriorChildren)
	if err != nil {
		return nil, nil, err
	}
	copier := &directoryCopier{writer: writer, chunked: chunked, logger: options.Logger}
	return copier.copyDirectory(ctx, dir)
}

type directoryCopier struct {
	writer  storage.BlobWriter
	chunked *ChunkedDataWriter
	logger  *slog.Logger
}

func (c *directoryCopier) copyDirectory(ctx context.Context, dir string) (*DirectoryNode, storage.HashedBlobRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	node := &DirectoryNode{}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		switch mode := entry.Type(); {
		case mode.IsDir():
			child, handle, err := c.copyDirectory(ctx, path)
			if err != nil {
				return nil, nil, err
			}
			node.Directories = append(node.Directories, DirectoryEntry{
				Name:   entry.Name(),
				Length: child.Length,
				Handle: handle,
			})
			node.Length += child.Length

		case mode.IsRegular():
			file, err := c.copyFile(ctx, path, entry)
			if err != nil {
				return nil, nil, err
			}
			node.Files = append(node.Files, file)
			node.Length += file.Length

		default:
			c.logger.Debug("skipping non-regular file", "path", path, "mode", mode.String())
		}
	}

	handle, err := WriteDirectory(ctx, c.writer, node)
	if err != nil {
		return nil, nil, fmt.Errorf("writing directory %s: %w", dir, err)
	}
	return node, handle, nil
}

func (c *directoryCopier) copyFile(ctx context.Context, path string, entry fs.DirEntry) (FileEntry, error) {
	info, err := entry.Info()
	if err != nil {
		return FileEntry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	file, err := os.Open(path)
	if err != nil {
		return FileEntry{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	content, err := c.chunked.Write(ctx, file)
	if err != nil {
		return FileEntry{}, fmt.Errorf("storing %s: %w", path, err)
	}
	if content.Length != info.Size() {
		return FileEntry{}, fmt.Errorf("storing %s: file changed size from %d to %d while reading", path, info.Size(), content.Length)
	}

	return FileEntry{
		Name:    entry.Name(),
		Flags:   flagsFromMode(info.Mode()) | HasModTime,
		Length:  content.Length,
		ModTime: info.ModTime(),
		Hash:    content.Hash,
		Target:  content.Root,
	}, nil
}

func flagsFromMode(mode fs.FileMode) FileEntryFlags {
	var flags FileEntryFlags
	if mode.Perm()&0o111 != 0 {
		flags |= Executable
	}
	if mode.Perm()&0o222 == 0 {
		flags |= ReadOnly
	}
	return flags
}

// fileMode is the permission set extraction applies for flags.
func fileMode(flags FileEntryFlags) fs.FileMode {
	mode := fs.FileMode(0o644)
	if flags&Executable != 0 {
		mode = 0o755
	}
	if flags&ReadOnly != 0 {
		mode &^= 0o222
	}
	return mode
}
