// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/bundlestore/lib/batchread"
	"github.com/bureau-foundation/bundlestore/lib/bundle"
	"github.com/bureau-foundation/bundlestore/lib/clock"
	"github.com/bureau-foundation/bundlestore/lib/config"
	"github.com/bureau-foundation/bundlestore/lib/storage"
	"github.com/bureau-foundation/bundlestore/lib/testutil"
)

// sourceTree writes a tree covering nested directories, a
// multi-chunk file, duplicate content, an empty file, and executable
// and read-only modes.
func sourceTree(t *testing.T) (string, map[string][]byte) {
	t.Helper()
	root := t.TempDir()
	shared := testutil.RandomBytes(10, 3000)
	files := map[string][]byte{
		"README":           []byte("top level\n"),
		"bin/tool":         testutil.RandomBytes(11, 20000),
		"data/a/copy.bin":  shared,
		"data/b/copy.bin":  shared,
		"data/empty":       nil,
		"docs/manual.txt":  bytes.Repeat([]byte("manual "), 500),
		"docs/deep/x/y/z":  []byte("deep"),
		"locked/readonly":  []byte("do not touch"),
		"data/a/other.bin": testutil.RandomBytes(12, 777),
	}
	testutil.WriteTree(t, root, files)
	if err := os.Chmod(filepath.Join(root, "bin/tool"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(root, "locked/readonly"), 0o444); err != nil {
		t.Fatal(err)
	}
	stamp := time.Unix(1600000000, 0)
	if err := os.Chtimes(filepath.Join(root, "README"), stamp, stamp); err != nil {
		t.Fatal(err)
	}
	return root, files
}

// copyTree stores dir and returns a ref to its root resolved from the
// flushed locator.
func copyTree(t *testing.T, namespace *bundle.Namespace, dir string) (*DirectoryNode, storage.BlobRef) {
	t.Helper()
	writer := newWriter(t, namespace)
	node, ref, err := CopyFromDirectory(context.Background(), dir, writer, CopyOptions{Chunking: smallChunks})
	if err != nil {
		t.Fatalf("CopyFromDirectory failed: %v", err)
	}
	return node, reopen(t, namespace, ref)
}

func compareTrees(t *testing.T, source, extracted string, files map[string][]byte) {
	t.Helper()
	for name, want := range files {
		sourcePath := filepath.Join(source, filepath.FromSlash(name))
		path := filepath.Join(extracted, filepath.FromSlash(name))
		got, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("reading extracted %s: %v", name, err)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: extracted %d bytes differ from the %d source bytes", name, len(got), len(want))
		}
		sourceInfo, err := os.Stat(sourcePath)
		if err != nil {
			t.Fatal(err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != fileMode(flagsFromMode(sourceInfo.Mode())) {
			t.Errorf("%s: mode %v, source %v", name, info.Mode().Perm(), sourceInfo.Mode().Perm())
		}
		if !info.ModTime().Equal(sourceInfo.ModTime()) {
			t.Errorf("%s: mtime %v, source %v", name, info.ModTime(), sourceInfo.ModTime())
		}
	}
}

func TestCopyAndExtractRoundTrip(t *testing.T) {
	namespace := newNamespace(t, nil)
	source, files := sourceTree(t)
	node, ref := copyTree(t, namespace, source)

	var total int64
	for _, content := range files {
		total += int64(len(content))
	}
	if node.Length != total {
		t.Errorf("root length = %d, want %d", node.Length, total)
	}

	target := filepath.Join(t.TempDir(), "out")
	stats := storage.NewStats()
	if err := ExtractRef(context.Background(), ref, target, ExtractOptions{Stats: stats}); err != nil {
		t.Fatalf("ExtractRef failed: %v", err)
	}
	compareTrees(t, source, target, files)
	if stats.Get("batchread.requests") == 0 {
		t.Error("extraction did not go through the batch reader")
	}
	requireNoLiveBuffers(t, namespace)
}

func TestExtractOverwritesExistingFiles(t *testing.T) {
	namespace := newNamespace(t, nil)
	source, files := sourceTree(t)
	_, ref := copyTree(t, namespace, source)

	target := t.TempDir()
	testutil.WriteTree(t, target, map[string][]byte{
		"docs/manual.txt": bytes.Repeat([]byte("stale and much longer "), 1000),
		"locked/readonly": []byte("old"),
	})
	if err := os.Chmod(filepath.Join(target, "locked/readonly"), 0o444); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(target, "docs/manual.txt"), filepath.Join(target, "README")); err != nil {
		t.Fatal(err)
	}

	if err := ExtractRef(context.Background(), ref, target, ExtractOptions{}); err != nil {
		t.Fatalf("ExtractRef failed: %v", err)
	}
	compareTrees(t, source, target, files)
	info, err := os.Lstat(filepath.Join(target, "README"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.Mode().IsRegular() {
		t.Errorf("README is %v, want a regular file replacing the symlink", info.Mode())
	}
}

func TestCopyDeduplicatesContent(t *testing.T) {
	namespace := newNamespace(t, nil)
	source, _ := sourceTree(t)
	node, ref := copyTree(t, namespace, source)

	decoded, err := ReadDirectory(context.Background(), ref)
	if err != nil {
		t.Fatalf("ReadDirectory failed: %v", err)
	}
	data := findDirectory(t, decoded, "data")
	a := findDirectory(t, data, "a")
	b := findDirectory(t, data, "b")
	first, _ := a.Files[0].Target.Handle.Locator()
	second, _ := b.Files[0].Target.Handle.Locator()
	if a.Files[0].Name != "copy.bin" || b.Files[0].Name != "copy.bin" {
		t.Fatalf("unexpected files %q and %q", a.Files[0].Name, b.Files[0].Name)
	}
	if first != second {
		t.Errorf("identical files stored at %s and %s", first, second)
	}
	if a.Files[0].Hash != b.Files[0].Hash {
		t.Error("identical files have different content hashes")
	}
	if len(node.Directories) != 4 {
		t.Errorf("root has %d directories, want 4", len(node.Directories))
	}
}

func findDirectory(t *testing.T, node *DirectoryNode, name string) *DirectoryNode {
	t.Helper()
	for _, entry := range node.Directories {
		if entry.Name == name {
			child, err := ReadDirectory(context.Background(), entry.Handle)
			if err != nil {
				t.Fatalf("ReadDirectory(%s) failed: %v", name, err)
			}
			return child
		}
	}
	t.Fatalf("no directory %q", name)
	return nil
}

func TestCopySkipsSymlinks(t *testing.T) {
	namespace := newNamespace(t, nil)
	source := t.TempDir()
	testutil.WriteTree(t, source, map[string][]byte{"real": []byte("content")})
	if err := os.Symlink("real", filepath.Join(source, "link")); err != nil {
		t.Fatal(err)
	}
	node, _ := copyTree(t, namespace, source)
	if len(node.Files) != 1 || node.Files[0].Name != "real" {
		t.Errorf("files = %+v, want only the regular file", node.Files)
	}
}

func TestExtractLegacyLeafLength(t *testing.T) {
	ctx := context.Background()
	namespace := newNamespace(t, nil)
	writer := newWriter(t, namespace)

	content := testutil.RandomBytes(20, 5000)
	leaf, err := writer.WriteBlob(ctx, LeafType, content, nil)
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	ref, err := WriteDirectory(ctx, writer, &DirectoryNode{
		Length: int64(len(content)),
		Files: []FileEntry{{
			Name:   "legacy",
			Length: int64(len(content)),
			Target: ChunkedDataNodeRef{Type: Leaf, Length: LegacyLength, Handle: leaf},
		}},
	})
	if err != nil {
		t.Fatalf("WriteDirectory failed: %v", err)
	}

	target := t.TempDir()
	if err := ExtractRef(ctx, reopen(t, namespace, ref), target, ExtractOptions{}); err != nil {
		t.Fatalf("ExtractRef failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(target, "legacy"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("extracted %d bytes, want %d", len(got), len(content))
	}
	requireNoLiveBuffers(t, namespace)
}

func TestExtractRejectsLengthMismatch(t *testing.T) {
	ctx := context.Background()
	namespace := newNamespace(t, nil)
	writer := newWriter(t, namespace)
	leaf, err := writer.WriteBlob(ctx, LeafType, []byte("short"), nil)
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	node := &DirectoryNode{Files: []FileEntry{{
		Name:   "wrong",
		Length: 100,
		Target: ChunkedDataNodeRef{Type: Leaf, Length: 5, Handle: leaf},
	}}}
	if err := Extract(ctx, node, t.TempDir(), ExtractOptions{}); !errors.Is(err, ErrInvalidNode) {
		t.Errorf("Extract = %v, want ErrInvalidNode", err)
	}
	requireNoLiveBuffers(t, namespace)
}

func TestExtractRejectsTraversal(t *testing.T) {
	node := &DirectoryNode{Files: []FileEntry{{Name: "../escape"}}}
	if err := Extract(context.Background(), node, t.TempDir(), ExtractOptions{}); !errors.Is(err, ErrInvalidNode) {
		t.Errorf("Extract = %v, want ErrInvalidNode", err)
	}
}

func TestFileFinishesAfterLastChunk(t *testing.T) {
	dir := t.TempDir()
	modTime := time.Unix(1500000000, 0)
	file := &outputFile{
		path: filepath.Join(dir, "out"),
		entry: FileEntry{
			Name:    "out",
			Flags:   ReadOnly | HasModTime,
			Length:  8,
			ModTime: modTime,
		},
	}
	file.remaining.Store(2)
	e := &extractor{}

	// The second half arrives first.
	if err := e.writeChunk(&chunkWrite{file: file, offset: 4, length: 4}, []byte("5678")); err != nil {
		t.Fatalf("writeChunk failed: %v", err)
	}
	info, err := os.Stat(file.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o200 == 0 || info.ModTime().Equal(modTime) {
		t.Fatalf("file finalized early: mode %v, mtime %v", info.Mode().Perm(), info.ModTime())
	}
	if e.files.Load() != 0 {
		t.Fatal("file counted before its last chunk")
	}

	if err := e.writeChunk(&chunkWrite{file: file, offset: 0, length: 4}, []byte("1234")); err != nil {
		t.Fatalf("writeChunk failed: %v", err)
	}
	info, err = os.Stat(file.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o444 || !info.ModTime().Equal(modTime) {
		t.Errorf("after last chunk: mode %v, mtime %v", info.Mode().Perm(), info.ModTime())
	}
	if e.files.Load() != 1 || e.written.Load() != 8 {
		t.Errorf("counted %d files, %d bytes", e.files.Load(), e.written.Load())
	}
	if got, _ := os.ReadFile(file.path); string(got) != "12345678" {
		t.Errorf("content = %q", got)
	}
}

func TestWriteChunkRejectsOverrun(t *testing.T) {
	file := &outputFile{path: filepath.Join(t.TempDir(), "out"), entry: FileEntry{Length: 4}}
	file.remaining.Store(1)
	e := &extractor{}
	if err := e.writeChunk(&chunkWrite{file: file, offset: 2, length: 4}, []byte("abcd")); err == nil {
		t.Error("writeChunk accepted a chunk past the end of the file")
	}
}

// cancellingBackend cancels a context after a number of reads.
type cancellingBackend struct {
	*storage.MemoryBackend
	after  int64
	reads  atomic.Int64
	cancel context.CancelFunc
}

func (b *cancellingBackend) ReadBlob(ctx context.Context, locator storage.BlobLocator, offset, length int64) ([]byte, error) {
	if b.reads.Add(1) == b.after {
		b.cancel()
	}
	return b.MemoryBackend.ReadBlob(ctx, locator, offset, length)
}

func TestCancellationReleasesBuffers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := &cancellingBackend{MemoryBackend: storage.NewMemoryBackend(nil), after: 3, cancel: cancel}
	// Small packets spread the tree over many reads.
	namespace := newNamespaceWithOptions(t, backend, bundle.Options{
		Writer: bundle.WriterOptions{MinPacketSize: 1024, MaxPacketSize: 4096},
	})

	source := t.TempDir()
	files := make(map[string][]byte)
	for i := range 40 {
		files[filepath.Join("dir", string(rune('a'+i%26)), "file"+string(rune('0'+i/26)))] = testutil.RandomBytes(uint64(100+i), 4000)
	}
	testutil.WriteTree(t, source, files)
	_, ref := copyTree(t, namespace, source)
	namespace.Cache().Clear()

	err := ExtractRef(ctx, ref, t.TempDir(), ExtractOptions{
		ReadTasks:   2,
		DecodeTasks: 2,
		WriteTasks:  2,
		BatchReader: batchread.Options{MinQueueLength: 1, CoalesceBelow: 1},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ExtractRef = %v, want context.Canceled", err)
	}
	requireNoLiveBuffers(t, namespace)
}

func TestProgressReportsFinalSample(t *testing.T) {
	namespace := newNamespace(t, nil)
	source, files := sourceTree(t)
	_, ref := copyTree(t, namespace, source)

	var total int64
	for _, content := range files {
		total += int64(len(content))
	}

	fake := clock.Fake(time.Unix(0, 0))
	var (
		mu      sync.Mutex
		samples []ExtractStats
	)
	err := ExtractRef(context.Background(), ref, t.TempDir(), ExtractOptions{
		Clock:            fake,
		ProgressInterval: time.Second,
		Progress: func(stats ExtractStats) {
			mu.Lock()
			samples = append(samples, stats)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("ExtractRef failed: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("got %d samples without the clock advancing, want 1", len(samples))
	}
	final := samples[0]
	if final.Files != int64(len(files)) || final.ExtractSize != total {
		t.Errorf("final sample = %+v, want %d files and %d bytes", final, len(files), total)
	}
	if final.ExtractRate != 0 {
		t.Errorf("rate %v reported before a second elapsed", final.ExtractRate)
	}
}

func TestExtractStatsLogger(t *testing.T) {
	var buffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buffer, nil))

	ExtractStatsLogger(logger, 10, 2048)(ExtractStats{Files: 5, ExtractSize: 1024, Elapsed: 3 * time.Second})
	line := buffer.String()
	for _, want := range []string{"msg=extracting", "files=5/10", "50%", "elapsed=3s"} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}

	buffer.Reset()
	ExtractStatsLogger(logger, 0, 0)(ExtractStats{Files: 5, ExtractSize: 1024})
	if line := buffer.String(); !strings.Contains(line, "files=5 ") || strings.Contains(line, "%") {
		t.Errorf("log line without totals = %q", line)
	}
}

func TestRate(t *testing.T) {
	if got := rate(1000, time.Second); got != 0 {
		t.Errorf("rate at one second = %v, want 0", got)
	}
	if got := rate(1000, 2*time.Second); got != 500 {
		t.Errorf("rate = %v, want 500", got)
	}
}

func TestOpenFailureIsFileOpenError(t *testing.T) {
	ctx := context.Background()
	namespace := newNamespace(t, nil)
	writer := newWriter(t, namespace)
	leaf, err := writer.WriteBlob(ctx, LeafType, []byte("content"), nil)
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	node := &DirectoryNode{Files: []FileEntry{{
		Name:   "blocked",
		Length: 7,
		Target: ChunkedDataNodeRef{Type: Leaf, Length: 7, Handle: leaf},
	}}}

	target := t.TempDir()
	if err := os.Mkdir(filepath.Join(target, "blocked"), 0o755); err != nil {
		t.Fatal(err)
	}
	err = Extract(ctx, node, target, ExtractOptions{})
	var openErr *FileOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Extract = %v, want a FileOpenError", err)
	}
	if openErr.Path != filepath.Join(target, "blocked") {
		t.Errorf("Path = %q", openErr.Path)
	}
	requireNoLiveBuffers(t, namespace)
}

func TestParseLockHolders(t *testing.T) {
	locks := strings.Join([]string{
		"1: POSIX  ADVISORY  WRITE 3568 fd:00:2531452 0 EOF",
		"1: -> POSIX  ADVISORY  WRITE 4000 fd:00:2531452 0 EOF",
		"2: FLOCK  ADVISORY  READ  1234 08:01:99 0 EOF",
		"3: OFDLCK ADVISORY  READ  -1 fd:00:2531452 0 EOF",
		"4: POSIX  ADVISORY  WRITE 5555 08:01:2531452 0 EOF",
		"5: FLOCK  ADVISORY  WRITE 6666 fd:01:2531452 0 EOF",
		"6: POSIX  ADVISORY  WRITE 7777 zz:00:2531452 0 EOF",
		"garbage",
	}, "\n")
	holders := parseLockHolders(strings.NewReader(locks), lockedFile{major: 0xfd, minor: 0, inode: 2531452})
	if len(holders) != 2 {
		t.Fatalf("holders = %+v, want the 2 entries on device fd:00", holders)
	}
	if holders[0] != (LockHolder{PID: 3568, Kind: "POSIX", Access: "WRITE"}) {
		t.Errorf("holders[0] = %+v", holders[0])
	}
	if holders[1].Kind != "OFDLCK" || holders[1].PID != -1 {
		t.Errorf("holders[1] = %+v", holders[1])
	}

	err := &FileOpenError{Path: "/x", Err: os.ErrPermission, Holders: holders[:1]}
	if got := err.Error(); !strings.Contains(got, "unknown[3568] POSIX WRITE") {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Error("FileOpenError does not unwrap")
	}
}

func TestExtractOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Extract.WriteTasks = 3
	options := ExtractOptionsFromConfig(cfg.Extract)
	if options.WriteTasks != 3 || options.BatchReader.MinQueueLength != 2000 || options.BatchReader.CoalesceBelow != 2<<20 {
		t.Errorf("options = %+v", options)
	}

	defaults := options.withDefaults(100 << 20)
	if defaults.ReadTasks != 16 || defaults.WriteTasks != 3 || defaults.ProgressInterval != 5*time.Second {
		t.Errorf("defaults = %+v", defaults)
	}
	if sized := (ExtractOptions{}).withDefaults(100 << 20); sized.WriteTasks != 7 {
		t.Errorf("write tasks for 100 MiB = %d, want 7", sized.WriteTasks)
	}
	if sized := (ExtractOptions{}).withDefaults(10 << 30); sized.WriteTasks != 16 {
		t.Errorf("write tasks for 10 GiB = %d, want 16", sized.WriteTasks)
	}
}
