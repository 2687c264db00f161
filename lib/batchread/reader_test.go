// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package batchread

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/bureau-foundation/bundlestore/lib/bundle"
	"github.com/bureau-foundation/bundlestore/lib/pipeline"
	"github.com/bureau-foundation/bundlestore/lib/storage"
)

var chunkType = storage.NewBlobType("test.chunk", 1)

type fixture struct {
	namespace *bundle.Namespace
	backend   *storage.MemoryBackend
}

func newFixture(t *testing.T, options bundle.Options) fixture {
	t.Helper()
	backend := storage.NewMemoryBackend(nil)
	namespace, err := bundle.NewNamespace(backend, nil, options)
	if err != nil {
		t.Fatalf("NewNamespace failed: %v", err)
	}
	return fixture{namespace: namespace, backend: backend}
}

// writeBlobs writes payloads with one writer, flushes unless pending is
// set, and returns refs rebuilt from locators (or the writer's own
// refs when pending).
func (f fixture) writeBlobs(t *testing.T, options *bundle.WriterOptions, pending bool, payloads ...[]byte) []storage.BlobRef {
	t.Helper()
	ctx := context.Background()
	writer, err := f.namespace.CreateBlobWriter("chunks", options)
	if err != nil {
		t.Fatalf("CreateBlobWriter failed: %v", err)
	}
	written := make([]storage.HashedBlobRef, len(payloads))
	for i, payload := range payloads {
		written[i], err = writer.WriteBlob(ctx, chunkType, payload, nil)
		if err != nil {
			t.Fatalf("WriteBlob failed: %v", err)
		}
	}
	refs := make([]storage.BlobRef, len(payloads))
	if pending {
		for i, ref := range written {
			refs[i] = ref
		}
		return refs
	}
	if err := writer.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	for i, ref := range written {
		locator, ok := ref.Locator()
		if !ok {
			t.Fatal("flushed ref has no locator")
		}
		refs[i], err = f.namespace.CreateBlobRef(locator)
		if err != nil {
			t.Fatalf("CreateBlobRef failed: %v", err)
		}
	}
	return refs
}

// packetPayloads returns n payloads that each fill a packet of the
// onePerPacket options.
func packetPayloads(n int) [][]byte {
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, 64)
	}
	return payloads
}

var onePerPacket = &bundle.WriterOptions{MinPacketSize: 16, MaxPacketSize: 64, Compression: bundle.CompressionNone}

type result struct {
	data    string
	context int
}

// run sends one request per ref, with the ref's index as context, and
// collects every result.
func run(ctx context.Context, reader *Reader[int], refs []storage.BlobRef) ([]result, error) {
	p := pipeline.New(ctx)
	p.Go(func(ctx context.Context) error {
		defer close(reader.Requests())
		for i, ref := range refs {
			select {
			case reader.Requests() <- Request[int]{Ref: ref, Context: i}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	reader.AddToPipeline(p, 4, 4)

	var (
		mu      sync.Mutex
		results []result
	)
	p.Go(func(ctx context.Context) error {
		for response := range reader.Responses() {
			mu.Lock()
			for _, item := range response.Items {
				results = append(results, result{data: string(item.Blob.Data), context: item.Context})
			}
			mu.Unlock()
			response.Release()
		}
		return nil
	})

	err := p.Wait()
	reader.Close()
	sort.Slice(results, func(i, j int) bool { return results[i].context < results[j].context })
	return results, err
}

func checkResults(t *testing.T, results []result, payloads [][]byte) {
	t.Helper()
	if len(results) != len(payloads) {
		t.Fatalf("got %d results, want %d", len(results), len(payloads))
	}
	for i, result := range results {
		if result.context != i {
			t.Fatalf("result %d has context %d", i, result.context)
		}
		if result.data != string(payloads[i]) {
			t.Errorf("result %d = %q, want %q", i, result.data, payloads[i])
		}
	}
}

func requireNoLiveBuffers(t *testing.T, namespace *bundle.Namespace) {
	t.Helper()
	namespace.Cache().Clear()
	if buffers, size := namespace.Allocator().Live(); buffers != 0 || size != 0 {
		t.Errorf("%d buffers (%d bytes) still live", buffers, size)
	}
}

func TestCoalescesNearbyPackets(t *testing.T) {
	f := newFixture(t, bundle.Options{})
	payloads := packetPayloads(6)
	refs := f.writeBlobs(t, onePerPacket, false, payloads...)

	readsBefore := f.backend.Reads()
	reader := New[int](Options{})
	results, err := run(context.Background(), reader, refs)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	checkResults(t, results, payloads)

	stats := reader.Stats()
	if stats.Reads != 1 || stats.Bundles != 1 || stats.Packets != 6 || stats.Requests != 6 {
		t.Errorf("stats = %+v, want 1 read, 1 bundle, 6 packets, 6 requests", stats)
	}
	if reads := f.backend.Reads() - readsBefore; reads != 1 {
		t.Errorf("backend served %d reads, want 1", reads)
	}
	requireNoLiveBuffers(t, f.namespace)
}

func TestSplitsReadsAcrossLargeGaps(t *testing.T) {
	f := newFixture(t, bundle.Options{})
	payloads := packetPayloads(3)
	refs := f.writeBlobs(t, onePerPacket, false, payloads...)

	// Skip the middle packet so the remaining two are a packet apart.
	wanted := []storage.BlobRef{refs[0], refs[2]}
	wantPayloads := [][]byte{payloads[0], payloads[2]}

	tight := New[int](Options{CoalesceBelow: 1})
	results, err := run(context.Background(), tight, wanted)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	checkResults(t, results, wantPayloads)
	if reads := tight.Stats().Reads; reads != 2 {
		t.Errorf("tight coalescing issued %d reads, want 2", reads)
	}

	loose := New[int](Options{})
	results, err = run(context.Background(), loose, wanted)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	checkResults(t, results, wantPayloads)
	if reads := loose.Stats().Reads; reads != 1 {
		t.Errorf("default coalescing issued %d reads, want 1", reads)
	}
	if read := loose.Stats().BytesRead; read <= tight.Stats().BytesRead {
		t.Errorf("coalesced read moved %d bytes, split reads %d; expected the gap to be read", read, tight.Stats().BytesRead)
	}
	requireNoLiveBuffers(t, f.namespace)
}

func TestCoalescedRangeCoversEnclosedPackets(t *testing.T) {
	f := newFixture(t, bundle.DefaultOptions())
	owner := f.namespace.Bundle(storage.MustParseBlobLocator("plan/bundle"))
	reader := New[int](Options{CoalesceBelow: 60})

	// The second packet ends inside the first, so the gap to the third
	// is measured from the end of the first.
	var exports []packetExport[int]
	for i, span := range [][2]int{{0, 100}, {10, 10}, {150, 10}} {
		exports = append(exports, packetExport[int]{
			packet: bundle.NewFlushedPacketHandle(owner, span[0], span[1]),
			export: exportRequest[int]{index: 0, context: i},
		})
	}
	if err := reader.dispatchBundle(context.Background(), owner, exports); err != nil {
		t.Fatalf("dispatchBundle failed: %v", err)
	}
	close(reader.bundleRequests)

	var requests []bundleRequest[int]
	for request := range reader.bundleRequests {
		requests = append(requests, request)
	}
	if len(requests) != 1 {
		t.Fatalf("got %d reads, want 1", len(requests))
	}
	if requests[0].offset != 0 || requests[0].end != 160 || len(requests[0].packets) != 3 {
		t.Errorf("read = [%d,%d) over %d packets, want [0,160) over 3", requests[0].offset, requests[0].end, len(requests[0].packets))
	}
}

func TestFanOutDecodesPacketOnce(t *testing.T) {
	f := newFixture(t, bundle.Options{})
	const exports = 10
	payloads := make([][]byte, exports)
	for i := range payloads {
		payloads[i] = []byte(fmt.Sprintf("export %d", i))
	}
	refs := f.writeBlobs(t, nil, false, payloads...)

	// Request every export twice with distinct contexts.
	doubled := append(append([]storage.BlobRef(nil), refs...), refs...)
	reader := New[int](Options{})
	results, err := run(context.Background(), reader, doubled)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	checkResults(t, results, append(append([][]byte(nil), payloads...), payloads...))

	if got := reader.Stats().Packets; got != 1 {
		t.Errorf("decoded %d packets, want 1", got)
	}
	stats := storage.NewStats()
	f.namespace.GetStats(stats)
	if got := stats.Get("bundle.packets_decoded"); got != 1 {
		t.Errorf("namespace decoded %d packets, want 1", got)
	}
	requireNoLiveBuffers(t, f.namespace)
}

func TestDirectPathServesUnbatchableRefs(t *testing.T) {
	v1 := newFixture(t, bundle.Options{MaxVersion: bundle.VersionV1})
	v1Payloads := [][]byte{[]byte("legacy one"), []byte("legacy two")}
	v1Refs := v1.writeBlobs(t, nil, false, v1Payloads...)

	v2 := newFixture(t, bundle.Options{})
	pendingPayloads := [][]byte{[]byte("pending")}
	pendingRefs := v2.writeBlobs(t, nil, true, pendingPayloads...)

	reader := New[int](Options{})
	results, err := run(context.Background(), reader, append(v1Refs, pendingRefs...))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	checkResults(t, results, append(v1Payloads, pendingPayloads...))
	if stats := reader.Stats(); stats.Reads != 0 || stats.Requests != 3 {
		t.Errorf("stats = %+v, want 0 batched reads and 3 requests", stats)
	}
	requireNoLiveBuffers(t, v1.namespace)
	requireNoLiveBuffers(t, v2.namespace)
}

func TestDirectPathPropagatesErrors(t *testing.T) {
	f := newFixture(t, bundle.Options{})
	missing, err := f.namespace.CreateBlobRef(storage.MustParseBlobLocator("chunks/missing#0"))
	if err != nil {
		t.Fatalf("CreateBlobRef failed: %v", err)
	}
	reader := New[int](Options{})
	if _, err := run(context.Background(), reader, []storage.BlobRef{missing}); !errors.Is(err, storage.ErrBlobNotFound) {
		t.Errorf("run error = %v, want ErrBlobNotFound", err)
	}
}

func TestBatchedReadPropagatesErrors(t *testing.T) {
	f := newFixture(t, bundle.Options{})
	missing, err := f.namespace.CreateBlobRef(storage.MustParseBlobLocator("chunks/missing#0,64&0"))
	if err != nil {
		t.Fatalf("CreateBlobRef failed: %v", err)
	}
	reader := New[int](Options{})
	if _, err := run(context.Background(), reader, []storage.BlobRef{missing}); !errors.Is(err, storage.ErrBlobNotFound) {
		t.Errorf("run error = %v, want ErrBlobNotFound", err)
	}
	requireNoLiveBuffers(t, f.namespace)
}

func TestCancellationReleasesBuffers(t *testing.T) {
	f := newFixture(t, bundle.Options{})
	payloads := packetPayloads(20)
	refs := f.writeBlobs(t, onePerPacket, false, payloads...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := New[int](Options{CoalesceBelow: 1, ResponseBuffer: 1})
	p := pipeline.New(ctx)
	p.Go(func(ctx context.Context) error {
		defer close(reader.Requests())
		for i, ref := range refs {
			select {
			case reader.Requests() <- Request[int]{Ref: ref, Context: i}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	reader.AddToPipeline(p, 2, 2)

	// Take one response, then cancel with the rest of the pipeline
	// still holding data.
	first, ok := <-reader.Responses()
	if !ok {
		t.Fatal("responses closed early")
	}
	first.Release()
	cancel()

	if err := p.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
	reader.Close()
	requireNoLiveBuffers(t, f.namespace)
}

func TestStatsAddTo(t *testing.T) {
	stats := storage.NewStats()
	Stats{Requests: 3, Reads: 1, BytesRead: 100}.AddTo(stats)
	if stats.Get("batchread.requests") != 3 || stats.Get("batchread.reads") != 1 || stats.Get("batchread.bytes_read") != 100 {
		t.Errorf("AddTo recorded %v", stats.Names())
	}
}
