// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"strings"
)

// MaxRefNameLength bounds the byte length of a ref name.
const MaxRefNameLength = 256

// RefName names a mutable pointer to a blob. Names are case-insensitive
// and stored lowercase.
type RefName struct {
	name string
}

// ParseRefName lowercases value and checks that it is 1 to
// MaxRefNameLength bytes of [a-z0-9._/-] with no leading or trailing
// '/' and no empty path segments.
func ParseRefName(value string) (RefName, error) {
	normalized := strings.ToLower(value)
	if normalized == "" || len(normalized) > MaxRefNameLength {
		return RefName{}, fmt.Errorf("%w: %q must be 1 to %d bytes", ErrInvalidRefName, value, MaxRefNameLength)
	}
	for i := 0; i < len(normalized); i++ {
		c := normalized[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-', c == '/':
		default:
			return RefName{}, fmt.Errorf("%w: %q contains %q", ErrInvalidRefName, value, c)
		}
	}
	if strings.HasPrefix(normalized, "/") || strings.HasSuffix(normalized, "/") || strings.Contains(normalized, "//") {
		return RefName{}, fmt.Errorf("%w: %q has an empty path segment", ErrInvalidRefName, value)
	}
	return RefName{name: normalized}, nil
}

// MustParseRefName is ParseRefName for constants and tests.
func MustParseRefName(value string) RefName {
	name, err := ParseRefName(value)
	if err != nil {
		panic(err)
	}
	return name
}

func (n RefName) String() string { return n.name }

// IsZero reports whether n is the zero RefName.
func (n RefName) IsZero() bool { return n.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (n RefName) MarshalText() ([]byte, error) {
	return []byte(n.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *RefName) UnmarshalText(text []byte) error {
	parsed, err := ParseRefName(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
