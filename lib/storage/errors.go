// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

var (
	// ErrBlobNotFound is returned by a Backend when the base locator
	// of a read does not exist.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrInvalidLocator is returned when a locator or its fragment
	// does not follow the locator grammar.
	ErrInvalidLocator = errors.New("invalid blob locator")

	// ErrInvalidRefName is returned by ParseRefName.
	ErrInvalidRefName = errors.New("invalid ref name")
)
