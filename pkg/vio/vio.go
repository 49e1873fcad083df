package vio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
)

// Buffer helpers shared by the block staging paths: the dio cache zeroes
// recycled buffers and invalidated ranges, the codec pads decompressed
// payloads back to their logical size, and the flush path pads images
// out to their physical block size.

// Zero clears p in place. The doubling copy beats a byte loop on the
// 16-64KiB buffers the engine recycles.
func Zero(p []byte) {

	if len(p) == 0 {
		return
	}
	p[0] = 0
	for bp := 1; bp < len(p); bp *= 2 {
		copy(p[bp:], p[:bp])
	}
}

// Pad returns p at exactly size bytes: truncated if longer, extended
// with a zeroed tail if shorter. The input is never grown in place, so
// callers can pad a slice aliasing a cached device buffer without
// scribbling past it.
func Pad(p []byte, size int) []byte {

	if len(p) >= size {
		return p[:size]
	}
	out := make([]byte, size)
	copy(out, p)
	return out
}

// IsZero reports whether p holds only zero bytes, a word at a time. The
// auto-zero compression method uses it to elide all-zero blocks.
func IsZero(p []byte) bool {

	for len(p) >= 8 {
		if binary.LittleEndian.Uint64(p) != 0 {
			return false
		}
		p = p[8:]
	}
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
