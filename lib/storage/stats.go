// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"log/slog"
	"sort"
	"sync"
)

// Stats collects named counters from the components of a namespace.
// It is safe for concurrent use.
type Stats struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewStats returns an empty Stats.
func NewStats() *Stats {
	return &Stats{values: make(map[string]int64)}
}

// Add adds delta to the counter name.
func (s *Stats) Add(name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] += delta
}

// Get returns the value of name, or zero.
func (s *Stats) Get(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name]
}

// Names returns the counter names in sorted order.
func (s *Stats) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogValue implements slog.LogValuer so a Stats can be logged as a
// group of counters.
func (s *Stats) LogValue() slog.Value {
	names := s.Names()
	attrs := make([]slog.Attr, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, slog.Int64(name, s.Get(name)))
	}
	return slog.GroupValue(attrs...)
}
