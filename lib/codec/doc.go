// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR configuration shared by every
// structured payload in the bundle store: V1 bundle headers, V2 packet
// headers, and the directory and interior chunk node payloads.
//
// Encoding is deterministic. A node's blob hash is computed over its
// encoded bytes, so two writers encoding the same directory must
// produce the same bytes for deduplication to work.
//
//	data, err := codec.Marshal(header)
//	err = codec.Unmarshal(data, &header)
//
// Struct types in this module use `cbor` tags with `toarray` where the
// layout is fixed and compactness matters (export tables, child lists).
package codec
