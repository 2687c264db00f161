// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package batchread

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/bureau-foundation/bundlestore/lib/bundle"
	"github.com/bureau-foundation/bundlestore/lib/pipeline"
	"github.com/bureau-foundation/bundlestore/lib/storage"
)

const (
	DefaultMinQueueLength = 2000
	DefaultCoalesceBelow  = 2 << 20
	DefaultRequestBuffer  = 1024
	DefaultResponseBuffer = 64

	// internalBuffer sizes the channels between the reader's own
	// stages.
	internalBuffer = 16
)

// Options tunes a Reader. Zero values take the defaults.
type Options struct {
	// MinQueueLength is how many batchable requests are gathered
	// before the oldest bundle is dispatched, unless the request
	// channel is closed first.
	MinQueueLength int

	// CoalesceBelow merges two packet reads of one bundle into a
	// single read when the second starts less than this many bytes
	// after the first ends.
	CoalesceBelow int

	RequestBuffer  int
	ResponseBuffer int
}

func (o Options) withDefaults() Options {
	if o.MinQueueLength <= 0 {
		o.MinQueueLength = DefaultMinQueueLength
	}
	if o.CoalesceBelow <= 0 {
		o.CoalesceBelow = DefaultCoalesceBelow
	}
	if o.RequestBuffer <= 0 {
		o.RequestBuffer = DefaultRequestBuffer
	}
	if o.ResponseBuffer <= 0 {
		o.ResponseBuffer = DefaultResponseBuffer
	}
	return o
}

// Request asks for one blob. Context travels with the result.
type Request[C any] struct {
	Ref     storage.BlobRef
	Context C
}

// Item is one decoded blob and the context of its request.
type Item[C any] struct {
	Blob    *storage.BlobData
	Context C
}

// Response is a batch of items, usually every requested export of one
// packet.
type Response[C any] struct {
	Items []Item[C]
}

// Release frees the blob memory of every item.
func (r Response[C]) Release() {
	for _, item := range r.Items {
		if item.Blob != nil {
			item.Blob.Release()
		}
	}
}

// Reader is a batching blob reader. Create one with New, attach it to
// a pipeline with AddToPipeline, feed it through Requests, and consume
// Responses.
type Reader[C any] struct {
	options Options

	requests        chan Request[C]
	direct          chan Request[C]
	bundleRequests  chan bundleRequest[C]
	bundleResponses chan bundleResponse[C]
	responses       chan Response[C]

	numRequests  atomic.Int64
	numReads     atomic.Int64
	numBundles   atomic.Int64
	numPackets   atomic.Int64
	bytesRead    atomic.Int64
	bytesDecoded atomic.Int64
}

type exportRequest[C any] struct {
	index   int
	context C
}

type packetRequest[C any] struct {
	handle  bundle.FlushedPacketHandle
	exports []exportRequest[C]
}

// bundleRequest is one ranged read covering one or more packets.
type bundleRequest[C any] struct {
	bundle  bundle.FlushedBundle
	offset  int
	end     int
	packets []packetRequest[C]
}

type bundleResponse[C any] struct {
	request bundleRequest[C]
	data    *storage.Buffer
}

// New returns a reader.
func New[C any](options Options) *Reader[C] {
	options = options.withDefaults()
	return &Reader[C]{
		options:         options,
		requests:        make(chan Request[C], options.RequestBuffer),
		direct:          make(chan Request[C], internalBuffer),
		bundleRequests:  make(chan bundleRequest[C], internalBuffer),
		bundleResponses: make(chan bundleResponse[C], internalBuffer),
		responses:       make(chan Response[C], options.ResponseBuffer),
	}
}

// Requests is where callers send requests. The caller closes it once
// every request has been sent.
func (r *Reader[C]) Requests() chan<- Request[C] { return r.requests }

// Responses delivers results. It is closed once every request has been
// answered or the pipeline has failed.
func (r *Reader[C]) Responses() <-chan Response[C] { return r.responses }

// AddToPipeline starts the reader's stages on p: one grouping task,
// readTasks backend readers, decodeTasks packet decoders, and one
// reader for refs that cannot be batched. A Reader may be added to
// only one pipeline, once.
func (r *Reader[C]) AddToPipeline(p *pipeline.Pipeline, readTasks, decodeTasks int) {
	readTasks = max(readTasks, 1)
	decodeTasks = max(decodeTasks, 1)

	p.Go(r.groupRequests)
	p.GoN(readTasks, r.readBundles, func() { close(r.bundleResponses) })

	producers := make([]pipeline.Task, 0, decodeTasks+1)
	for range decodeTasks {
		producers = append(producers, r.decodePackets)
	}
	producers = append(producers, r.readDirect)
	p.GoAll(func() { close(r.responses) }, producers...)
}

// Close releases responses and bundle reads that were produced but
// never consumed. Call it after the pipeline has finished.
func (r *Reader[C]) Close() {
	drain(r.bundleResponses, func(response bundleResponse[C]) { response.data.Release() })
	drain(r.responses, Response[C].Release)
}

// drain consumes whatever is buffered in ch without blocking.
func drain[T any](ch <-chan T, release func(T)) {
	for {
		select {
		case value, ok := <-ch:
			if !ok {
				return
			}
			release(value)
		default:
			return
		}
	}
}

// groupRequests gathers requests, routes unbatchable ones to the
// direct path, and dispatches per-bundle read plans.
func (r *Reader[C]) groupRequests(ctx context.Context) error {
	defer close(r.bundleRequests)
	defer close(r.direct)

	var (
		queueLength int
		inputClosed bool
		order       []bundle.FlushedBundle
		batches     = make(map[bundle.FlushedBundle][]packetExport[C])
	)

	for {
		for !inputClosed {
			request, ok, err := r.nextRequest(ctx, queueLength < r.options.MinQueueLength)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if request == nil {
				inputClosed = true
				break
			}
			r.numRequests.Add(1)

			packet, index, batchable := bundle.FlushedExport(request.Ref)
			if !batchable {
				if err := send(ctx, r.direct, *request); err != nil {
					return err
				}
				continue
			}
			owner := packet.FlushedBundle()
			if _, seen := batches[owner]; !seen {
				order = append(order, owner)
			}
			batches[owner] = append(batches[owner], packetExport[C]{
				packet: packet,
				export: exportRequest[C]{index: index, context: request.Context},
			})
			queueLength++
		}

		if queueLength == 0 {
			return nil
		}

		owner := order[0]
		order = order[1:]
		exports := batches[owner]
		delete(batches, owner)
		queueLength -= len(exports)

		if err := r.dispatchBundle(ctx, owner, exports); err != nil {
			return err
		}
	}
}

type packetExport[C any] struct {
	packet bundle.FlushedPacketHandle
	export exportRequest[C]
}

// nextRequest receives one request. Without block it returns ok false
// when nothing is immediately available. A nil request with ok true
// means the channel was closed.
func (r *Reader[C]) nextRequest(ctx context.Context, block bool) (*Request[C], bool, error) {
	select {
	case request, open := <-r.requests:
		if !open {
			return nil, true, nil
		}
		return &request, true, nil
	default:
	}
	if !block {
		return nil, false, nil
	}
	select {
	case request, open := <-r.requests:
		if !open {
			return nil, true, nil
		}
		return &request, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// dispatchBundle plans the reads for one bundle: exports are grouped
// by packet, packets sorted by offset, and neighbours closer than
// CoalesceBelow merged into one ranged read.
func (r *Reader[C]) dispatchBundle(ctx context.Context, owner bundle.FlushedBundle, exports []packetExport[C]) error {
	r.numBundles.Add(1)

	var packets []packetRequest[C]
	byOffset := make(map[int]int)
	for _, export := range exports {
		index, ok := byOffset[export.packet.Offset()]
		if !ok {
			index = len(packets)
			byOffset[export.packet.Offset()] = index
			packets = append(packets, packetRequest[C]{handle: export.packet})
		}
		packets[index].exports = append(packets[index].exports, export.export)
	}
	sort.SliceStable(packets, func(i, j int) bool {
		return packets[i].handle.Offset() < packets[j].handle.Offset()
	})

	for first := 0; first < len(packets); {
		last := first
		end := packets[first].handle.End()
		for last+1 < len(packets) && packets[last+1].handle.Offset() < end+r.options.CoalesceBelow {
			last++
			end = max(end, packets[last].handle.End())
		}
		request := bundleRequest[C]{
			bundle:  owner,
			offset:  packets[first].handle.Offset(),
			end:     end,
			packets: packets[first : last+1],
		}
		if err := send(ctx, r.bundleRequests, request); err != nil {
			return err
		}
		first = last + 1
	}
	return nil
}

func (r *Reader[C]) readBundles(ctx context.Context) error {
	for {
		request, ok, err := receive(ctx, r.bundleRequests)
		if err != nil || !ok {
			return err
		}
		data, err := request.bundle.Read(ctx, request.offset, request.end-request.offset)
		if err != nil {
			return fmt.Errorf("reading %s [%d,%d): %w", request.bundle, request.offset, request.end, err)
		}
		r.numReads.Add(1)
		r.bytesRead.Add(int64(data.Len()))

		if err := send(ctx, r.bundleResponses, bundleResponse[C]{request: request, data: data}); err != nil {
			data.Release()
			return err
		}
	}
}

func (r *Reader[C]) decodePackets(ctx context.Context) error {
	for {
		response, ok, err := receive(ctx, r.bundleResponses)
		if err != nil || !ok {
			return err
		}
		err = r.decodeBundleResponse(ctx, response)
		response.data.Release()
		if err != nil {
			return err
		}
	}
}

func (r *Reader[C]) decodeBundleResponse(ctx context.Context, response bundleResponse[C]) error {
	data := response.data.Bytes()
	for _, request := range response.request.packets {
		start := request.handle.Offset() - response.request.offset
		end := start + request.handle.Length()
		if end > len(data) {
			return fmt.Errorf("decoding %s: %w: read returned %d of %d bytes",
				request.handle, bundle.ErrInvalidBundle, len(data), response.request.end-response.request.offset)
		}
		namespace := request.handle.FlushedBundle().Namespace()
		packet, err := namespace.DecodePacket(request.handle, data[start:end])
		if err != nil {
			return err
		}
		r.numPackets.Add(1)
		r.bytesDecoded.Add(int64(packet.DecodedSize()))

		items := make([]Item[C], 0, len(request.exports))
		for _, export := range request.exports {
			blob, err := packet.Export(export.index)
			if err != nil {
				packet.Release()
				Response[C]{Items: items}.Release()
				return err
			}
			items = append(items, Item[C]{Blob: blob, Context: export.context})
		}
		packet.Release()

		if err := send(ctx, r.responses, Response[C]{Items: items}); err != nil {
			Response[C]{Items: items}.Release()
			return err
		}
	}
	return nil
}

// readDirect serves refs that are not flushed V2 exports, one read
// each.
func (r *Reader[C]) readDirect(ctx context.Context) error {
	for {
		request, ok, err := receive(ctx, r.direct)
		if err != nil || !ok {
			return err
		}
		blob, err := request.Ref.ReadBlobData(ctx)
		if err != nil {
			return fmt.Errorf("reading blob: %w", err)
		}
		response := Response[C]{Items: []Item[C]{{Blob: blob, Context: request.Context}}}
		if err := send(ctx, r.responses, response); err != nil {
			response.Release()
			return err
		}
	}
}

func send[T any](ctx context.Context, ch chan<- T, value T) error {
	select {
	case ch <- value:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func receive[T any](ctx context.Context, ch <-chan T) (T, bool, error) {
	select {
	case value, ok := <-ch:
		return value, ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}
