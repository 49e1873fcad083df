package dio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sync"
)

// sparsePageSize is the allocation granularity of a sparse backing.
const sparsePageSize = 65536

// Sparse is a memory-backed device that only materializes written
// pages, so multi-gigabyte volume layouts can be exercised without
// committing the memory.
type Sparse struct {
	mu    sync.RWMutex
	size  int64
	pages map[int64][]byte
}

// NewSparse builds a sparse memory device of the given size.
func NewSparse(size int64) *Sparse {
	return &Sparse{size: size, pages: make(map[int64][]byte)}
}

// Size returns the device size.
func (s *Sparse) Size() int64 {
	return s.size
}

// Pages returns how many pages have been materialized.
func (s *Sparse) Pages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// ReadAt implements io.ReaderAt; unwritten regions read as zeroes.
func (s *Sparse) ReadAt(p []byte, off int64) (int, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for n < len(p) && off+int64(n) < s.size {
		cur := off + int64(n)
		base := cur &^ (sparsePageSize - 1)
		in := int(cur - base)
		want := len(p) - n
		if want > sparsePageSize-in {
			want = sparsePageSize - in
		}
		if page, ok := s.pages[base]; ok {
			copy(p[n:n+want], page[in:])
		} else {
			for i := n; i < n+want; i++ {
				p[i] = 0
			}
		}
		n += want
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (s *Sparse) WriteAt(p []byte, off int64) (int, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if off+int64(len(p)) > s.size {
		return 0, fmt.Errorf("sparse write past end: %x+%x > %x", off, len(p), s.size)
	}

	n := 0
	for n < len(p) {
		cur := off + int64(n)
		base := cur &^ (sparsePageSize - 1)
		in := int(cur - base)
		want := len(p) - n
		if want > sparsePageSize-in {
			want = sparsePageSize - in
		}
		page, ok := s.pages[base]
		if !ok {
			page = make([]byte, sparsePageSize)
			s.pages[base] = page
		}
		copy(page[in:], p[n:n+want])
		n += want
	}
	return n, nil
}

// Sync is a no-op barrier.
func (s *Sparse) Sync() error {
	return nil
}
