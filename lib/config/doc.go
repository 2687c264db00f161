// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the bundlestore YAML configuration.
//
// The file has four sections: bundle (writer format and sizes), cache
// (packet cache capacity), extract (pipeline task counts and batching),
// and log. Every field has a default, so an empty file is valid.
// Sizes accept human units:
//
//	bundle:
//	  max_version: 2
//	  max_blob_size: 10MiB
//	  compression: zstd
//	  base_path: ${BUNDLESTORE_PREFIX:-tools}
//	cache:
//	  max_size: 512MiB
//	extract:
//	  coalesce_below: 2MiB
//	  progress_interval: 5s
//
// [Load] reads the file named by BUNDLESTORE_CONFIG. [LoadFile] reads
// an explicit path. Neither validates; call [Config.Validate].
package config
