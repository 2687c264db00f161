// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the addressing primitives and contracts that
// the bundle store is built on.
//
// A [BlobLocator] names a blob inside a namespace. Its base part names
// a physical object in the [Backend] (a bundle); an optional fragment
// after '#' names something inside it. A [RefName] is a mutable,
// last-write-wins pointer to a blob. Aliases are secondary,
// rank-ordered lookup records.
//
// [BlobRef] is the handle through which callers read blob payloads and
// imports. [BlobWriter] produces new blobs; implementations batch them
// into bundles and deduplicate by [Hash].
//
// Memory ownership is explicit. Payload bytes handed out by readers
// live in a [Buffer] obtained from an [Allocator], and every consumer
// releases exactly what it was given. The allocator counts live
// buffers so tests can assert that success, error, and cancellation
// paths all leave zero bytes outstanding.
//
// [MemoryBackend] is a complete in-process Backend. Physical
// persistence is left to other Backend implementations.
package storage
