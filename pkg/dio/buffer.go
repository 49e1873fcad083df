package dio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"
	"sync"
)

// Buffer is a memory-backed device, used by tests and by callers that
// stage a volume image before writing it out.
type Buffer struct {
	mu sync.RWMutex
	p  []byte

	// FailWrites makes every write return an error, for exercising the
	// read-only degradation path.
	FailWrites bool
}

// NewBuffer allocates a memory device of the given size.
func NewBuffer(size int64) *Buffer {
	return &Buffer{p: make([]byte, size)}
}

// Size returns the device size.
func (b *Buffer) Size() int64 {
	return int64(len(b.p))
}

// Bytes exposes the raw image.
func (b *Buffer) Bytes() []byte {
	return b.p
}

// ReadAt implements io.ReaderAt.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if off >= int64(len(b.p)) {
		return 0, io.EOF
	}
	n := copy(p, b.p[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrites {
		return 0, fmt.Errorf("write failure injected at %x", off)
	}
	if off+int64(len(p)) > int64(len(b.p)) {
		return 0, io.ErrShortWrite
	}
	return copy(b.p[off:], p), nil
}

// Sync is a no-op barrier.
func (b *Buffer) Sync() error {
	return nil
}
