// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"testing"

	"github.com/bureau-foundation/bundlestore/lib/codec"
)

func TestParseBlobLocator(t *testing.T) {
	tests := []struct {
		input    string
		valid    bool
		base     string
		fragment string
	}{
		{"tools/abc123", true, "tools/abc123", ""},
		{"tools/abc123#7", true, "tools/abc123", "7"},
		{"tools/abc123#0,512&3", true, "tools/abc123", "0,512&3"},
		{"", false, "", ""},
		{"#3", false, "", ""},
		{"tools/abc#", false, "", ""},
		{"tools/abc#1#2", false, "", ""},
		{"tools/a b", false, "", ""},
		{"tools/a\n", false, "", ""},
	}
	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			locator, err := ParseBlobLocator(test.input)
			if !test.valid {
				if !errors.Is(err, ErrInvalidLocator) {
					t.Fatalf("ParseBlobLocator(%q) error = %v, want ErrInvalidLocator", test.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseBlobLocator(%q) failed: %v", test.input, err)
			}
			if got := locator.BaseLocator().String(); got != test.base {
				t.Errorf("BaseLocator = %q, want %q", got, test.base)
			}
			if got := locator.Fragment(); got != test.fragment {
				t.Errorf("Fragment = %q, want %q", got, test.fragment)
			}
			_, _, hasFragment := locator.Unwrap()
			if hasFragment != (test.fragment != "") {
				t.Errorf("Unwrap ok = %v, want %v", hasFragment, test.fragment != "")
			}
		})
	}
}

func TestWithFragmentReplacesExisting(t *testing.T) {
	locator := MustParseBlobLocator("base#4")
	if got := locator.WithFragment("0,10&1").String(); got != "base#0,10&1" {
		t.Errorf("WithFragment = %q, want %q", got, "base#0,10&1")
	}
}

func TestLocatorEquality(t *testing.T) {
	a := MustParseBlobLocator("x/y#1")
	b := MustParseBlobLocator("x/y").WithFragment("1")
	if a != b {
		t.Errorf("%v != %v", a, b)
	}
}

func TestLocatorCBORText(t *testing.T) {
	type wrapper struct {
		Locator BlobLocator `cbor:"locator"`
	}
	original := wrapper{Locator: MustParseBlobLocator("a/b#0,5&2")}
	data, err := codec.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded wrapper
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Locator != original.Locator {
		t.Errorf("Locator = %v, want %v", decoded.Locator, original.Locator)
	}
}

func TestParseRefName(t *testing.T) {
	name, err := ParseRefName("Builds/Main-123.ok")
	if err != nil {
		t.Fatalf("ParseRefName failed: %v", err)
	}
	if name.String() != "builds/main-123.ok" {
		t.Errorf("name = %q, want lowercase", name)
	}
	for _, bad := range []string{"", "/lead", "trail/", "a//b", "space here", "semi;colon"} {
		if _, err := ParseRefName(bad); !errors.Is(err, ErrInvalidRefName) {
			t.Errorf("ParseRefName(%q) error = %v, want ErrInvalidRefName", bad, err)
		}
	}
}
