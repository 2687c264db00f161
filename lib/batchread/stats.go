// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package batchread

import "github.com/bureau-foundation/bundlestore/lib/storage"

// Stats is a snapshot of a reader's counters.
type Stats struct {
	Requests     int64
	Reads        int64
	Bundles      int64
	Packets      int64
	BytesRead    int64
	BytesDecoded int64
}

// Stats returns the current counters.
func (r *Reader[C]) Stats() Stats {
	return Stats{
		Requests:     r.numRequests.Load(),
		Reads:        r.numReads.Load(),
		Bundles:      r.numBundles.Load(),
		Packets:      r.numPackets.Load(),
		BytesRead:    r.bytesRead.Load(),
		BytesDecoded: r.bytesDecoded.Load(),
	}
}

// AddTo adds the counters to a stats sink under "batchread.".
func (s Stats) AddTo(stats *storage.Stats) {
	stats.Add("batchread.requests", s.Requests)
	stats.Add("batchread.reads", s.Reads)
	stats.Add("batchread.bundles", s.Bundles)
	stats.Add("batchread.packets", s.Packets)
	stats.Add("batchread.bytes_read", s.BytesRead)
	stats.Add("batchread.bytes_decoded", s.BytesDecoded)
}
