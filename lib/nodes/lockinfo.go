// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// FileOpenError is returned when extraction cannot open a destination
// file. Holders lists processes with a lock on the file, when they
// could be found.
type FileOpenError struct {
	Path    string
	Err     error
	Holders []LockHolder
}

func (e *FileOpenError) Error() string {
	if len(e.Holders) == 0 {
		return fmt.Sprintf("opening %s: %v", e.Path, e.Err)
	}
	holders := make([]string, len(e.Holders))
	for i, holder := range e.Holders {
		holders[i] = holder.String()
	}
	return fmt.Sprintf("opening %s: %v (locked by %s)", e.Path, e.Err, strings.Join(holders, ", "))
}

func (e *FileOpenError) Unwrap() error { return e.Err }

// LockHolder is one entry of /proc/locks.
type LockHolder struct {
	PID     int
	Command string
	Kind    string // POSIX, FLOCK, OFDLCK
	Access  string // READ or WRITE
}

func (h LockHolder) String() string {
	name := h.Command
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("%s[%d] %s %s", name, h.PID, h.Kind, h.Access)
}

const procLocks = "/proc/locks"

// newFileOpenError attaches lock holders to an open failure. Lookup
// failures leave Holders empty.
func newFileOpenError(path string, err error) *FileOpenError {
	openErr := &FileOpenError{Path: path, Err: err}
	var stat unix.Stat_t
	if statErr := unix.Stat(path, &stat); statErr != nil {
		return openErr
	}
	locks, lockErr := os.Open(procLocks)
	if lockErr != nil {
		return openErr
	}
	defer locks.Close()
	dev := uint64(stat.Dev)
	openErr.Holders = parseLockHolders(locks, lockedFile{
		major: unix.Major(dev),
		minor: unix.Minor(dev),
		inode: uint64(stat.Ino),
	})
	for i := range openErr.Holders {
		if comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", openErr.Holders[i].PID)); err == nil {
			openErr.Holders[i].Command = strings.TrimSpace(string(comm))
		}
	}
	return openErr
}

// lockedFile identifies a file the way /proc/locks does.
type lockedFile struct {
	major, minor uint32
	inode        uint64
}

// parseLockHolders returns the holders of locks on file. Lines have
// the form
//
//	1: POSIX  ADVISORY  WRITE 3568 fd:00:2531452 0 EOF
//
// with the device major and minor in hex. Blocked waiters insert "->"
// after the ordinal.
func parseLockHolders(r io.Reader, file lockedFile) []LockHolder {
	var holders []LockHolder
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 1 && fields[1] == "->" {
			continue
		}
		if len(fields) < 6 {
			continue
		}
		locked, ok := parseLockedFile(fields[5])
		if !ok || locked != file {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		holders = append(holders, LockHolder{PID: pid, Kind: fields[1], Access: fields[3]})
	}
	return holders
}

func parseLockedFile(field string) (lockedFile, bool) {
	parts := strings.Split(field, ":")
	if len(parts) != 3 {
		return lockedFile{}, false
	}
	major, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return lockedFile{}, false
	}
	minor, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return lockedFile{}, false
	}
	inode, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return lockedFile{}, false
	}
	return lockedFile{major: uint32(major), minor: uint32(minor), inode: inode}, true
}
