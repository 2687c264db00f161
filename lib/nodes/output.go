// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// outputFile is one destination file. remaining counts chunks that
// have been queued but not yet written; the goroutine that brings it
// to zero finalizes the file.
type outputFile struct {
	path  string
	entry FileEntry

	remaining atomic.Int64

	openOnce sync.Once
	openErr  error

	mu      sync.Mutex
	mapping []byte
}

// view maps the file on first use. Concurrent writers share the
// mapping and write disjoint ranges of it.
func (f *outputFile) view() ([]byte, error) {
	f.openOnce.Do(func() {
		mapping, err := mapDestination(f.path, f.entry.Length)
		f.mu.Lock()
		f.mapping, f.openErr = mapping, err
		f.mu.Unlock()
	})
	return f.mapping, f.openErr
}

// unmap releases the mapping if there is one. Safe to call more than
// once.
func (f *outputFile) unmap() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mapping == nil {
		return nil
	}
	err := unix.Munmap(f.mapping)
	f.mapping = nil
	if err != nil {
		return fmt.Errorf("unmapping %s: %w", f.path, err)
	}
	return nil
}

// finish unmaps the file and applies its permissions and modification
// time.
func (f *outputFile) finish() error {
	if err := f.unmap(); err != nil {
		return err
	}
	if err := os.Chmod(f.path, fileMode(f.entry.Flags)); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", f.path, err)
	}
	if f.entry.Flags&HasModTime != 0 {
		if err := os.Chtimes(f.path, f.entry.ModTime, f.entry.ModTime); err != nil {
			return fmt.Errorf("setting modification time on %s: %w", f.path, err)
		}
	}
	return nil
}

// openDestination opens path for writing at the given length. An
// existing symlink is replaced and an existing read-only file is made
// writable first.
func openDestination(path string, length int64) (*os.File, error) {
	if info, err := os.Lstat(path); err == nil {
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			if err := os.Remove(path); err != nil {
				return nil, newFileOpenError(path, err)
			}
		case info.Mode().IsRegular() && info.Mode().Perm()&0o200 == 0:
			if err := os.Chmod(path, info.Mode().Perm()|0o200); err != nil {
				return nil, newFileOpenError(path, err)
			}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, newFileOpenError(path, err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, newFileOpenError(path, err)
	}
	if err := unix.Ftruncate(int(file.Fd()), length); err != nil {
		file.Close()
		return nil, fmt.Errorf("resizing %s to %d bytes: %w", path, length, err)
	}
	return file, nil
}

// mapDestination opens path at length and maps it shared and
// writable. The descriptor is closed once the mapping exists.
func mapDestination(path string, length int64) ([]byte, error) {
	file, err := openDestination(path, length)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	mapping, err := unix.Mmap(int(file.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", path, err)
	}
	return mapping, nil
}
