// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"strings"
)

// BlobLocator identifies a blob within a namespace. The zero value is
// the invalid locator.
//
// Grammar:
//
//	<base>                              whole object
//	<base>#<digits>                     V1 export index
//	<base>#<offset>,<length>&<index>    V2 packet-relative export
//
// The package only splits base from fragment. Interpreting fragments
// is the bundle layer's job.
type BlobLocator struct {
	value string
}

const fragmentSeparator = '#'

// ParseBlobLocator validates value and returns it as a locator. It
// rejects empty strings, whitespace and control characters, a second
// '#', and an empty base or fragment.
func ParseBlobLocator(value string) (BlobLocator, error) {
	if value == "" {
		return BlobLocator{}, fmt.Errorf("%w: empty", ErrInvalidLocator)
	}
	for i := 0; i < len(value); i++ {
		if value[i] <= ' ' || value[i] == 0x7f {
			return BlobLocator{}, fmt.Errorf("%w: %q contains byte 0x%02x at %d", ErrInvalidLocator, value, value[i], i)
		}
	}
	base, fragment, found := strings.Cut(value, string(fragmentSeparator))
	if base == "" {
		return BlobLocator{}, fmt.Errorf("%w: %q has an empty base", ErrInvalidLocator, value)
	}
	if found && (fragment == "" || strings.IndexByte(fragment, fragmentSeparator) >= 0) {
		return BlobLocator{}, fmt.Errorf("%w: %q has a malformed fragment", ErrInvalidLocator, value)
	}
	return BlobLocator{value: value}, nil
}

// MustParseBlobLocator is ParseBlobLocator for constants and tests.
func MustParseBlobLocator(value string) BlobLocator {
	locator, err := ParseBlobLocator(value)
	if err != nil {
		panic(err)
	}
	return locator
}

// String returns the canonical form.
func (l BlobLocator) String() string { return l.value }

// IsValid reports whether l is non-zero.
func (l BlobLocator) IsValid() bool { return l.value != "" }

// Unwrap splits l into its base locator and fragment. ok is false
// when l has no fragment.
func (l BlobLocator) Unwrap() (base BlobLocator, fragment string, ok bool) {
	head, tail, found := strings.Cut(l.value, string(fragmentSeparator))
	if !found {
		return l, "", false
	}
	return BlobLocator{value: head}, tail, true
}

// BaseLocator returns l without its fragment.
func (l BlobLocator) BaseLocator() BlobLocator {
	base, _, _ := l.Unwrap()
	return base
}

// Fragment returns the part after '#', or "".
func (l BlobLocator) Fragment() string {
	_, fragment, _ := l.Unwrap()
	return fragment
}

// WithFragment returns the base of l with fragment attached. Any
// existing fragment is replaced.
func (l BlobLocator) WithFragment(fragment string) BlobLocator {
	return BlobLocator{value: l.BaseLocator().value + string(fragmentSeparator) + fragment}
}

// MarshalText implements encoding.TextMarshaler.
func (l BlobLocator) MarshalText() ([]byte, error) {
	return []byte(l.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The empty
// string decodes to the zero locator.
func (l *BlobLocator) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*l = BlobLocator{}
		return nil
	}
	parsed, err := ParseBlobLocator(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
