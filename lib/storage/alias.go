// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

// AliasLocator is an alias record as the backend stores it.
type AliasLocator struct {
	Target BlobLocator
	// Rank orders candidates under one alias name, highest first.
	Rank int
	Data []byte
}

// BlobAlias is an alias resolved to a readable blob.
type BlobAlias struct {
	Target BlobRef
	Rank   int
	Data   []byte
}
