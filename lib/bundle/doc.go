// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle implements the bundle container format and the
// namespace that reads and writes it.
//
// A bundle is a write-once backend object holding many small blobs.
// Two formats coexist. V1 bundles have a single flat header listing
// every export, addressed by "#<index>". V2 bundles are a sequence of
// self-describing packets, each compressed independently with its own
// export and import tables, addressed by
// "#<packet offset>,<packet length>&<export index>". V2 locators let a
// reader fetch exactly one packet's byte range without reading a
// header first, which is what makes batched, coalesced reads possible.
//
// Import tables are what garbage collection walks.
// [Namespace.ReadBundleReferences] extracts them from a bounded prefix
// of a bundle without decoding any export data.
//
// Handles form closed sets. A [BundleHandle] is a [FlushedBundle] or a
// pending bundle owned by a writer; a [PacketHandle] is a
// [FlushedPacketHandle] or a pending packet. Blobs written by a writer
// can be read before the writer flushes, and become addressable by
// locator afterwards.
//
// Decoded packets are cached in a size-bounded [Cache] shared by all
// readers of a namespace. Every buffer is drawn from the namespace's
// [storage.Allocator].
package bundle
