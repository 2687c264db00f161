// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern for pipeline channels so that a hung stage fails the test
// instead of hanging it. They are the only place tests use real
// wall-clock timeouts.
//
// [RandomBytes] produces deterministic file content for chunking and
// round-trip tests. [WriteTree] lays out a directory fixture.
package testutil
