// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
)

// RandomBytes returns n pseudo-random bytes derived from seed. The same
// seed always yields the same bytes, so content sizes and chunk
// boundaries are stable across runs.
func RandomBytes(seed uint64, n int) []byte {
	source := rand.NewChaCha8(seedKey(seed))
	data := make([]byte, n)
	_, _ = source.Read(data)
	return data
}

func seedKey(seed uint64) [32]byte {
	var key [32]byte
	for i := range 8 {
		key[i] = byte(seed >> (8 * i))
	}
	return key
}

// WriteTree creates files under root from a map of slash-separated
// relative paths to contents, creating parent directories as needed.
func WriteTree(t testing.TB, root string, files map[string][]byte) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("creating parent of %s: %v", name, err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
}
