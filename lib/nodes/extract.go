// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/bundlestore/lib/batchread"
	"github.com/bureau-foundation/bundlestore/lib/clock"
	"github.com/bureau-foundation/bundlestore/lib/config"
	"github.com/bureau-foundation/bundlestore/lib/pipeline"
	"github.com/bureau-foundation/bundlestore/lib/storage"
)

const (
	maxReadTasks   = 16
	maxDecodeTasks = 16
	maxWriteTasks  = 16

	// One write task per this many bytes of content, up to
	// maxWriteTasks.
	bytesPerWriteTask = 16 << 20

	// Items of one response are written in groups of this size, the
	// groups concurrently.
	writeGroupSize = 64

	DefaultProgressInterval = 5 * time.Second
)

// ExtractOptions configures Extract. Zero values select defaults.
type ExtractOptions struct {
	ReadTasks   int
	DecodeTasks int
	WriteTasks  int

	// BatchReader tunes request coalescing.
	BatchReader batchread.Options

	// Progress, if set, is called every ProgressInterval and once
	// after the last chunk is written.
	Progress         ProgressFunc
	ProgressInterval time.Duration

	// Stats, if set, receives the batch reader's counters when
	// extraction returns.
	Stats *storage.Stats

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o ExtractOptions) withDefaults(totalSize int64) ExtractOptions {
	if o.ReadTasks <= 0 {
		o.ReadTasks = maxReadTasks
	}
	if o.DecodeTasks <= 0 {
		o.DecodeTasks = min(runtime.NumCPU(), maxDecodeTasks)
	}
	if o.WriteTasks <= 0 {
		o.WriteTasks = int(min(1+totalSize/bytesPerWriteTask, maxWriteTasks))
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// ExtractOptionsFromConfig converts the extract section of a
// configuration file.
func ExtractOptionsFromConfig(cfg config.ExtractConfig) ExtractOptions {
	return ExtractOptions{
		ReadTasks:   cfg.ReadTasks,
		DecodeTasks: cfg.DecodeTasks,
		WriteTasks:  cfg.WriteTasks,
		BatchReader: batchread.Options{
			MinQueueLength: cfg.MinQueueLength,
			CoalesceBelow:  int(cfg.CoalesceBelow),
		},
		ProgressInterval: cfg.ProgressInterval,
	}
}

// ExtractRef reads the directory node at ref and extracts it into dir.
func ExtractRef(ctx context.Context, ref storage.BlobRef, dir string, options ExtractOptions) error {
	node, err := ReadDirectory(ctx, ref)
	if err != nil {
		return err
	}
	return Extract(ctx, node, dir, options)
}

// Extract writes the tree under node into dir, creating it if needed.
// Existing files at the same paths are overwritten. On cancellation
// the context error is returned once every stage has stopped and all
// buffers are released.
func Extract(ctx context.Context, node *DirectoryNode, dir string, options ExtractOptions) error {
	options = options.withDefaults(node.Length)
	e := &extractor{
		options: options,
		reader:  batchread.New[*chunkWrite](options.BatchReader),
		start:   options.Clock.Now(),
	}

	p := pipeline.New(ctx)
	p.Go(func(ctx context.Context) error {
		defer close(e.reader.Requests())
		return e.walk(ctx, node, dir)
	})
	e.reader.AddToPipeline(p, options.ReadTasks, options.DecodeTasks)
	written := p.GoN(options.WriteTasks, e.writeResponses, nil)
	if options.Progress != nil {
		p.Go(func(ctx context.Context) error {
			e.reportProgress(ctx, written)
			return nil
		})
	}

	err := p.Wait()
	e.reader.Close()
	if abandonErr := e.abandon(); err == nil {
		err = abandonErr
	}
	if options.Stats != nil {
		e.reader.Stats().AddTo(options.Stats)
	}
	if err != nil {
		return err
	}

	options.Logger.Debug("extracted directory",
		"dir", dir,
		"files", e.files.Load(),
		"bytes", e.written.Load(),
		"elapsed", clock.Since(options.Clock, e.start),
	)
	return nil
}

// chunkWrite is the caller context attached to each batch read: where
// the decoded leaf lands.
type chunkWrite struct {
	file   *outputFile
	offset int64
	length int64
}

type extractor struct {
	options ExtractOptions
	reader  *batchread.Reader[*chunkWrite]
	start   time.Time

	files   atomic.Int64
	written atomic.Int64

	mu     sync.Mutex
	opened []*outputFile
}

func (e *extractor) walk(ctx context.Context, node *DirectoryNode, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	for _, file := range node.Files {
		if err := checkEntryName(file.Name); err != nil {
			return err
		}
		if err := e.queueFile(ctx, file, filepath.Join(dir, file.Name)); err != nil {
			return err
		}
	}
	for _, directory := range node.Directories {
		if err := checkEntryName(directory.Name); err != nil {
			return err
		}
		child, err := ReadDirectory(ctx, directory.Handle)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Join(dir, directory.Name), err)
		}
		if err := e.walk(ctx, child, filepath.Join(dir, directory.Name)); err != nil {
			return err
		}
	}
	return nil
}

func checkEntryName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("%w: entry name %q", ErrInvalidNode, name)
	}
	return nil
}

// queueFile registers every chunk of entry. The last chunk queued is
// held back until the walk of the file is complete, so the pending
// count cannot reach zero while chunks are still being discovered.
func (e *extractor) queueFile(ctx context.Context, entry FileEntry, path string) error {
	file := &outputFile{path: path, entry: entry}
	if entry.Length == 0 {
		created, err := openDestination(path, 0)
		if err != nil {
			return err
		}
		created.Close()
		return e.complete(file)
	}

	e.mu.Lock()
	e.opened = append(e.opened, file)
	e.mu.Unlock()

	queue := &chunkQueue{reader: e.reader}
	end, err := e.expand(ctx, queue, file, entry.Target, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if end != entry.Length {
		return fmt.Errorf("%s: %w: content is %d bytes, entry says %d", path, ErrInvalidNode, end, entry.Length)
	}
	return queue.flush(ctx)
}

// expand queues the leaves under ref starting at offset and returns
// the offset just past them.
func (e *extractor) expand(ctx context.Context, queue *chunkQueue, file *outputFile, ref ChunkedDataNodeRef, offset int64) (int64, error) {
	if ref.Type == Leaf {
		length := ref.Length
		if length == LegacyLength {
			blob, err := ref.Handle.ReadBlobData(ctx)
			if err != nil {
				return 0, fmt.Errorf("reading legacy leaf: %w", err)
			}
			length = int64(len(blob.Data))
			blob.Release()
		}
		return offset + length, queue.add(ctx, ref.Handle, &chunkWrite{file: file, offset: offset, length: length})
	}

	blob, err := ref.Handle.ReadBlobData(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading interior node: %w", err)
	}
	if blob.Type == LeafType {
		// Interior refs to leaf blobs occur in old trees.
		length := int64(len(blob.Data))
		blob.Release()
		return offset + length, queue.add(ctx, ref.Handle, &chunkWrite{file: file, offset: offset, length: length})
	}
	children, err := DecodeInterior(blob)
	blob.Release()
	if err != nil {
		return 0, err
	}
	for _, child := range children {
		offset, err = e.expand(ctx, queue, file, child, offset)
		if err != nil {
			return 0, err
		}
	}
	return offset, nil
}

// chunkQueue sends chunk reads for one file, always one behind.
type chunkQueue struct {
	reader  *batchread.Reader[*chunkWrite]
	pending *batchread.Request[*chunkWrite]
}

func (q *chunkQueue) add(ctx context.Context, ref storage.BlobRef, chunk *chunkWrite) error {
	if chunk.length == 0 {
		return nil
	}
	chunk.file.remaining.Add(1)
	if err := q.flush(ctx); err != nil {
		return err
	}
	q.pending = &batchread.Request[*chunkWrite]{Ref: ref, Context: chunk}
	return nil
}

func (q *chunkQueue) flush(ctx context.Context) error {
	if q.pending == nil {
		return nil
	}
	select {
	case q.reader.Requests() <- *q.pending:
		q.pending = nil
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *extractor) writeResponses(context.Context) error {
	for response := range e.reader.Responses() {
		err := e.writeItems(response.Items)
		response.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *extractor) writeItems(items []batchread.Item[*chunkWrite]) error {
	if len(items) <= writeGroupSize {
		return e.writeGroup(items)
	}
	var group errgroup.Group
	for start := 0; start < len(items); start += writeGroupSize {
		chunk := items[start:min(start+writeGroupSize, len(items))]
		group.Go(func() error { return e.writeGroup(chunk) })
	}
	return group.Wait()
}

func (e *extractor) writeGroup(items []batchread.Item[*chunkWrite]) error {
	for _, item := range items {
		if err := e.writeChunk(item.Context, item.Blob.Data); err != nil {
			return err
		}
	}
	return nil
}

func (e *extractor) writeChunk(chunk *chunkWrite, data []byte) error {
	file := chunk.file
	if int64(len(data)) != chunk.length {
		return fmt.Errorf("writing %s: chunk at offset %d is %d bytes, expected %d",
			file.path, chunk.offset, len(data), chunk.length)
	}
	if chunk.offset+chunk.length > file.entry.Length {
		return fmt.Errorf("writing %s: chunk at offset %d runs past the %d byte file",
			file.path, chunk.offset, file.entry.Length)
	}
	mapping, err := file.view()
	if err != nil {
		return err
	}
	copy(mapping[chunk.offset:], data)
	e.written.Add(chunk.length)

	if file.remaining.Add(-1) == 0 {
		return e.complete(file)
	}
	return nil
}

func (e *extractor) complete(file *outputFile) error {
	if err := file.finish(); err != nil {
		return err
	}
	e.files.Add(1)
	return nil
}

// abandon releases the mappings of files that never completed.
func (e *extractor) abandon() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for _, file := range e.opened {
		if err := file.unmap(); err != nil && first == nil {
			first = err
		}
	}
	e.opened = nil
	return first
}

func (e *extractor) reportProgress(ctx context.Context, written <-chan struct{}) {
	ticker := e.options.Clock.NewTicker(e.options.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.options.Progress(e.sample())
		case <-written:
			e.options.Progress(e.sample())
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *extractor) sample() ExtractStats {
	elapsed := clock.Since(e.options.Clock, e.start)
	extracted := e.written.Load()
	downloaded := e.reader.Stats().BytesRead
	return ExtractStats{
		Files:        e.files.Load(),
		ExtractSize:  extracted,
		ExtractRate:  rate(extracted, elapsed),
		DownloadSize: downloaded,
		DownloadRate: rate(downloaded, elapsed),
		Elapsed:      elapsed,
	}
}
