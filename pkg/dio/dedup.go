package dio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"hash/crc64"
	"sync"
)

// Dedup granularity: 1/64th of a buffer, i.e. one validity bit per 1KiB.
const dedupShift = 10

var dedupTable = crc64.MakeTable(crc64.ISO)

// DedupHash computes the content hash used to key the dedup registry.
func DedupHash(p []byte) uint64 {
	return crc64.Checksum(p, dedupTable)
}

type dedupEntry struct {
	off   int64
	bytes int
}

// dedup is the per-device content registry. Entries are advisory: a hit
// is always re-verified against the actual buffer contents before a write
// is redirected.
type dedup struct {
	mu      sync.Mutex
	entries map[uint64]dedupEntry
}

var dedups = struct {
	mu sync.Mutex
	m  map[*Device]*dedup
}{m: make(map[*Device]*dedup)}

func (dev *Device) dedupRegistry() *dedup {
	dedups.mu.Lock()
	defer dedups.mu.Unlock()
	d, ok := dedups.m[dev]
	if !ok {
		d = &dedup{entries: make(map[uint64]dedupEntry)}
		dedups.m[dev] = d
	}
	return d
}

// DedupSet registers the content of [off, off+size) within the handle's
// buffer, marking the covered validity bits.
func (dev *Device) DedupSet(h *Handle, off int64, size int) uint64 {

	hash := DedupHash(h.Data(off, size))

	d := dev.dedupRegistry()
	d.mu.Lock()
	d.entries[hash] = dedupEntry{off: off, bytes: size}
	d.mu.Unlock()

	dev.mu.Lock()
	h.dedupMark(off-h.base, int64(size))
	dev.mu.Unlock()

	return hash
}

// DedupLookup resolves a content hash to a physical extent of the given
// size. The caller must verify the candidate's bytes before adopting it.
func (dev *Device) DedupLookup(hash uint64, size int) (int64, bool) {

	d := dev.dedupRegistry()
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[hash]
	if !ok || e.bytes != size {
		return 0, false
	}
	return e.off, true
}

// DedupDelete drops any registration covering the extent, called when the
// extent's content is about to become stale.
func (dev *Device) DedupDelete(off int64, size int) {

	d := dev.dedupRegistry()
	d.mu.Lock()
	for hash, e := range d.entries {
		if e.off < off+int64(size) && off < e.off+int64(e.bytes) {
			delete(d.entries, hash)
		}
	}
	d.mu.Unlock()
}

func (h *Handle) dedupMark(begin, size int64) {
	first := begin >> dedupShift
	last := (begin + size - 1) >> dedupShift
	for i := first; i <= last; i++ {
		h.dedupValid |= uint64(1) << uint(i)
	}
}

func (h *Handle) dedupClear(begin, size int64) {
	if size <= 0 {
		return
	}
	first := begin >> dedupShift
	last := (begin + size - 1) >> dedupShift
	for i := first; i <= last; i++ {
		h.dedupValid &^= uint64(1) << uint(i)
	}
}
