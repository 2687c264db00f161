// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for bundlestore binaries.
//
// Release builds inject the version and commit with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/bundlestore/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds fall back to the VCS stamp the Go toolchain
// records in the binary.
package version
