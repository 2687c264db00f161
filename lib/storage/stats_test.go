// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStatsAccumulateAndLog(t *testing.T) {
	stats := NewStats()
	stats.Add("b.reads", 2)
	stats.Add("a.hits", 1)
	stats.Add("b.reads", 3)

	if got := stats.Get("b.reads"); got != 5 {
		t.Errorf("b.reads = %d, want 5", got)
	}
	names := stats.Names()
	if len(names) != 2 || names[0] != "a.hits" {
		t.Errorf("Names = %v, want sorted", names)
	}

	var output bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&output, nil))
	logger.Info("stats", "counters", stats)
	if !strings.Contains(output.String(), "counters.b.reads=5") {
		t.Errorf("log output = %q", output.String())
	}
}
