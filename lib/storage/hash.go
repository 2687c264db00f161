// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 keyed digest.
type Hash [32]byte

// domainKey values are ASCII domain names zero-padded to 32 bytes.
// Changing one invalidates every hash in that domain.
type domainKey [32]byte

var (
	blobDomainKey = domainKey{
		'b', 'u', 'n', 'd', 'l', 'e', 's', 't', 'o', 'r', 'e', '.',
		'b', 'l', 'o', 'b', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	bundleDomainKey = domainKey{
		'b', 'u', 'n', 'd', 'l', 'e', 's', 't', 'o', 'r', 'e', '.',
		'b', 'u', 'n', 'd', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	contentDomainKey = domainKey{
		'b', 'u', 'n', 'd', 'l', 'e', 's', 't', 'o', 'r', 'e', '.',
		'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashBlob computes the identity of a blob: its type, its payload, and
// the hashes of the blobs it imports. Two blobs with equal hashes are
// interchangeable, which is what writer deduplication relies on.
func HashBlob(blobType BlobType, data []byte, imports []Hash) Hash {
	hasher := newKeyedHasher(blobDomainKey)

	var scratch [8]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(blobType.Name)))
	hasher.Write(scratch[:4])
	hasher.Write([]byte(blobType.Name))
	binary.LittleEndian.PutUint32(scratch[:4], uint32(blobType.Version))
	hasher.Write(scratch[:4])

	binary.LittleEndian.PutUint64(scratch[:], uint64(len(data)))
	hasher.Write(scratch[:])
	hasher.Write(data)

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(imports)))
	hasher.Write(scratch[:4])
	for _, imported := range imports {
		hasher.Write(imported[:])
	}

	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// HashBundle hashes encoded bundle bytes. Backends that name objects
// by content use it so identical bundles share a locator.
func HashBundle(data []byte) Hash {
	hasher := newKeyedHasher(bundleDomainKey)
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// ContentHasher hashes whole-file content incrementally, independent
// of how the content is chunked.
type ContentHasher struct {
	hasher *blake3.Hasher
}

// NewContentHasher returns an empty ContentHasher.
func NewContentHasher() *ContentHasher {
	return &ContentHasher{hasher: newKeyedHasher(contentDomainKey)}
}

// Write implements io.Writer. It never fails.
func (h *ContentHasher) Write(p []byte) (int, error) {
	return h.hasher.Write(p)
}

// Sum returns the hash of everything written so far.
func (h *ContentHasher) Sum() Hash {
	var hash Hash
	copy(hash[:], h.hasher.Sum(nil))
	return hash
}

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a 64-character hex string.
func ParseHash(value string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return hash, fmt.Errorf("parsing blob hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("blob hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

func newKeyedHasher(key domainKey) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("storage: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}
