// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/bundlestore/lib/bundle"
	"github.com/bureau-foundation/bundlestore/lib/storage"
)

var testType = storage.NewBlobType("test.blob", 1)

// writeBundles writes a bundle importing a blob from a second bundle
// and saves the importing bundle to a file. It returns the file and
// the imported bundle's base locator.
func writeBundles(t *testing.T) (string, storage.BlobLocator) {
	t.Helper()
	ctx := context.Background()
	backend := storage.NewMemoryBackend(nil)
	namespace, err := bundle.NewNamespace(backend, nil, bundle.Options{})
	if err != nil {
		t.Fatalf("NewNamespace failed: %v", err)
	}

	shared, err := namespace.CreateBlobWriter("shared", nil)
	if err != nil {
		t.Fatal(err)
	}
	base, err := shared.WriteBlob(ctx, testType, []byte("shared"), nil)
	if err != nil {
		t.Fatal(err)
	}
	baseLocator, err := storage.FlushedLocator(ctx, base)
	if err != nil {
		t.Fatal(err)
	}

	writer, err := namespace.CreateBlobWriter("main", nil)
	if err != nil {
		t.Fatal(err)
	}
	first, err := writer.WriteBlob(ctx, testType, []byte("first"), []storage.HashedBlobRef{base})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writer.WriteBlob(ctx, testType, []byte("second"), []storage.HashedBlobRef{first}); err != nil {
		t.Fatal(err)
	}
	locator, err := storage.FlushedLocator(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	data, err := backend.ReadBlob(ctx, locator.BaseLocator(), 0, -1)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "bundle.blob")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, baseLocator.BaseLocator()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("BUNDLESTORE_CONFIG", "")
	var stdout bytes.Buffer
	err := rootCommand(&stdout).Execute(args)
	return stdout.String(), err
}

func TestSignature(t *testing.T) {
	path, _ := writeBundles(t)
	output, err := execute(t, "signature", path)
	if err != nil {
		t.Fatalf("signature failed: %v", err)
	}
	if !strings.Contains(output, "version:  v2") {
		t.Errorf("output = %q", output)
	}

	garbage := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(garbage, []byte("not a bundle at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "signature", garbage); err == nil {
		t.Error("signature accepted a file without a bundle signature")
	}
}

func TestPacketsJSON(t *testing.T) {
	path, base := writeBundles(t)
	output, err := execute(t, "packets", "--json", path)
	if err != nil {
		t.Fatalf("packets failed: %v", err)
	}
	var result struct {
		Version string       `json:"version"`
		Packets []packetView `json:"packets"`
		Imports []string     `json:"imports"`
	}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Fatalf("decoding %q: %v", output, err)
	}
	if result.Version != "v2" || len(result.Packets) != 1 || len(result.Packets[0].Exports) != 2 {
		t.Errorf("result = %+v", result)
	}
	if len(result.Imports) != 1 || result.Imports[0] != base.String() {
		t.Errorf("imports = %v, want [%s]", result.Imports, base)
	}
	if export := result.Packets[0].Exports[0]; export.Type != testType.String() || export.Length != 5 || export.Imports != 1 {
		t.Errorf("first export = %+v", export)
	}
}

func TestPacketsText(t *testing.T) {
	path, _ := writeBundles(t)
	output, err := execute(t, "packets", "--exports", path)
	if err != nil {
		t.Fatalf("packets failed: %v", err)
	}
	for _, want := range []string{"v2", "1 packets", "OFFSET", "#0", "#1", testType.String()} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestRefs(t *testing.T) {
	path, base := writeBundles(t)
	output, err := execute(t, "refs", path)
	if err != nil {
		t.Fatalf("refs failed: %v", err)
	}
	if strings.TrimSpace(output) != base.String() {
		t.Errorf("refs = %q, want %s", output, base)
	}
}

func TestRefsRejectsInvalidConfig(t *testing.T) {
	path, _ := writeBundles(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("bundle:\n  compression: brotli\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "refs", "--config", configPath, path); err == nil || !strings.Contains(err.Error(), "compression") {
		t.Errorf("refs with bad config = %v", err)
	}
}

func TestSuggestions(t *testing.T) {
	_, err := execute(t, "pakcets")
	if err == nil || !strings.Contains(err.Error(), `did you mean "packets"`) {
		t.Errorf("unknown command error = %v", err)
	}
	_, err = execute(t, "packets", "--jsn", "file")
	if err == nil || !strings.Contains(err.Error(), "did you mean --json") {
		t.Errorf("unknown flag error = %v", err)
	}
	if _, err := execute(t, "signature"); err == nil {
		t.Error("signature without a file succeeded")
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"refs", "refs", 0},
		{"pakcets", "packets", 2},
		{"sig", "signature", 6},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}

func TestVersion(t *testing.T) {
	output, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(output, "Bundle formats: v1-v2") || !strings.Contains(output, "Go: ") {
		t.Errorf("output = %q", output)
	}
}
