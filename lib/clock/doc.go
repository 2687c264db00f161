// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the time source so that extraction progress
// and ref lifetimes can be tested without sleeping.
//
// Production code takes a [Clock] in its options and defaults to
// [Real]. Tests pass a [FakeClock] and call [FakeClock.Advance].
package clock
