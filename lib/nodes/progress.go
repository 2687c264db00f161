// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
)

// ExtractStats is a progress sample. Rates are bytes per second over
// the whole extraction so far, and stay zero during the first second.
type ExtractStats struct {
	Files        int64
	ExtractSize  int64
	ExtractRate  float64
	DownloadSize int64
	DownloadRate float64
	Elapsed      time.Duration
}

// ProgressFunc receives progress samples. It is called from one
// goroutine at a time.
type ProgressFunc func(ExtractStats)

// ExtractStatsLogger returns a ProgressFunc that logs each sample at
// info level. totalFiles and totalSize are shown as proportions when
// positive.
func ExtractStatsLogger(logger *slog.Logger, totalFiles, totalSize int64) ProgressFunc {
	return func(stats ExtractStats) {
		files := humanize.Comma(stats.Files)
		if totalFiles > 0 {
			files = fmt.Sprintf("%s/%s", files, humanize.Comma(totalFiles))
		}
		size := humanize.IBytes(uint64(stats.ExtractSize))
		if totalSize > 0 {
			size = fmt.Sprintf("%s/%s (%.0f%%)", size, humanize.IBytes(uint64(totalSize)),
				100*float64(stats.ExtractSize)/float64(totalSize))
		}
		logger.Info("extracting",
			"files", files,
			"size", size,
			"extract_rate", humanize.IBytes(uint64(stats.ExtractRate))+"/s",
			"downloaded", humanize.IBytes(uint64(stats.DownloadSize)),
			"download_rate", humanize.IBytes(uint64(stats.DownloadRate))+"/s",
			"elapsed", stats.Elapsed.Round(time.Second),
		)
	}
}

func rate(size int64, elapsed time.Duration) float64 {
	if elapsed <= time.Second {
		return 0
	}
	return float64(size) / elapsed.Seconds()
}
