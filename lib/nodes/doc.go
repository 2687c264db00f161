// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nodes stores directory trees as blobs and extracts them back
// onto the filesystem.
//
// A tree is a [DirectoryNode] per directory. Each file entry points at
// its content through a [ChunkedDataNodeRef]: either a leaf blob that
// holds the bytes directly, or an interior blob listing child refs.
// Content is split with GearHash content-defined chunking so that
// identical regions of different files produce identical leaves, and
// the bundle writer's deduplication stores them once.
//
// [CopyFromDirectory] is the write path. [Extract] is the read path: a
// pipeline that walks the tree, feeds leaf reads to a
// [batchread.Reader] and copies each decoded chunk into a
// memory-mapped view of its destination file. A file's permissions and
// modification time are applied only after every one of its chunks has
// been written.
package nodes
