// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bureau-foundation/bundlestore/lib/clock"
)

func TestMemoryBackendReadWrite(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(nil)

	locator, err := backend.WriteBlob(ctx, "tools/", []byte("0123456789"), nil)
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	again, err := backend.WriteBlob(ctx, "tools", []byte("0123456789"), nil)
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	if again != locator {
		t.Errorf("identical content got %v and %v", locator, again)
	}
	if backend.NumBlobs() != 1 {
		t.Errorf("NumBlobs = %d, want 1", backend.NumBlobs())
	}

	tests := []struct {
		offset, length int64
		want           string
	}{
		{0, -1, "0123456789"},
		{2, 3, "234"},
		{8, 10, "89"},
		{20, 5, ""},
	}
	for _, test := range tests {
		data, err := backend.ReadBlob(ctx, locator.WithFragment("3"), test.offset, test.length)
		if err != nil {
			t.Fatalf("ReadBlob(%d, %d) failed: %v", test.offset, test.length, err)
		}
		if string(data) != test.want {
			t.Errorf("ReadBlob(%d, %d) = %q, want %q", test.offset, test.length, data, test.want)
		}
	}

	stream, err := backend.OpenBlob(ctx, locator, 5, -1)
	if err != nil {
		t.Fatalf("OpenBlob failed: %v", err)
	}
	defer stream.Close()
	streamed, _ := io.ReadAll(stream)
	if string(streamed) != "56789" {
		t.Errorf("OpenBlob = %q, want %q", streamed, "56789")
	}

	_, err = backend.ReadBlob(ctx, MustParseBlobLocator("tools/missing"), 0, -1)
	if !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("missing read error = %v, want ErrBlobNotFound", err)
	}

	stats := NewStats()
	backend.GetStats(stats)
	if stats.Get("backend.writes") != 2 {
		t.Errorf("backend.writes = %d, want 2", stats.Get("backend.writes"))
	}
	if stats.Get("backend.reads") != backend.Reads() {
		t.Errorf("backend.reads = %d, want %d", stats.Get("backend.reads"), backend.Reads())
	}
}

func TestMemoryBackendRefs(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	backend := NewMemoryBackend(fake)
	name := MustParseRefName("builds/latest")
	value := RefValue{Hash: HashBundle([]byte("x")), Locator: MustParseBlobLocator("b/1#0")}

	if got, err := backend.TryReadRef(ctx, name, 0); err != nil || got != nil {
		t.Fatalf("TryReadRef on empty = (%v, %v), want (nil, nil)", got, err)
	}
	if err := backend.WriteRef(ctx, name, value, RefOptions{Lifetime: time.Minute}); err != nil {
		t.Fatalf("WriteRef failed: %v", err)
	}
	got, err := backend.TryReadRef(ctx, name, 0)
	if err != nil || got == nil || *got != value {
		t.Fatalf("TryReadRef = (%v, %v), want %v", got, err, value)
	}

	fake.Advance(time.Minute)
	if got, _ := backend.TryReadRef(ctx, name, 0); got != nil {
		t.Errorf("ref did not expire: %v", got)
	}

	if err := backend.WriteRef(ctx, name, value, RefOptions{}); err != nil {
		t.Fatalf("WriteRef failed: %v", err)
	}
	existed, err := backend.DeleteRef(ctx, name)
	if err != nil || !existed {
		t.Errorf("DeleteRef = (%v, %v), want (true, nil)", existed, err)
	}
	existed, _ = backend.DeleteRef(ctx, name)
	if existed {
		t.Error("second DeleteRef reported existing")
	}
}

func TestMemoryBackendAliasesOrderedByRank(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(nil)
	low := MustParseBlobLocator("b/low#0")
	high := MustParseBlobLocator("b/high#0")
	tie := MustParseBlobLocator("b/tie#0")

	for _, entry := range []struct {
		locator BlobLocator
		rank    int
	}{{low, 1}, {high, 5}, {tie, 1}} {
		if err := backend.AddAlias(ctx, "tool", entry.locator, entry.rank, nil); err != nil {
			t.Fatalf("AddAlias failed: %v", err)
		}
	}

	aliases, err := backend.FindAliases(ctx, "tool", 0)
	if err != nil {
		t.Fatalf("FindAliases failed: %v", err)
	}
	want := []BlobLocator{high, low, tie}
	if len(aliases) != len(want) {
		t.Fatalf("got %d aliases, want %d", len(aliases), len(want))
	}
	for i := range want {
		if aliases[i].Target != want[i] {
			t.Errorf("aliases[%d] = %v, want %v", i, aliases[i].Target, want[i])
		}
	}

	limited, _ := backend.FindAliases(ctx, "tool", 1)
	if len(limited) != 1 || limited[0].Target != high {
		t.Errorf("limited = %v, want [%v]", limited, high)
	}

	if err := backend.RemoveAlias(ctx, "tool", high); err != nil {
		t.Fatalf("RemoveAlias failed: %v", err)
	}
	remaining, _ := backend.FindAliases(ctx, "tool", 0)
	if len(remaining) != 2 || remaining[0].Target != low {
		t.Errorf("after remove = %v", remaining)
	}
}

func TestMemoryBackendHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend := NewMemoryBackend(nil)
	if _, err := backend.WriteBlob(ctx, "x", []byte("a"), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("WriteBlob error = %v, want context.Canceled", err)
	}
}
