// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package batchread turns a stream of independent blob reads into as
// few backend reads as possible.
//
// Callers send [Request] values, each carrying a blob ref and an
// arbitrary context, on [Reader.Requests] and close the channel when
// done. The reader groups requests by bundle and packet, merges nearby
// packets into one ranged read, decodes each packet once, and emits one
// [Item] per request on [Reader.Responses], in batches. Refs that do
// not address a flushed V2 export are read one at a time on a separate
// path.
//
// Every [Response] owns the blob memory of its items and must be
// released by the consumer. After the pipeline finishes, [Reader.Close]
// releases anything still buffered.
package batchread
