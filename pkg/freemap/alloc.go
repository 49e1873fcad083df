package freemap

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"sync/atomic"

	"github.com/cloudfoundry/bytefmt"

	"github.com/vorteil/vcow/pkg/chain"
	"github.com/vorteil/vcow/pkg/ondisk"
)

// Alloc finds a physical offset for a block of the given byte size and
// stores it (with its radix) into bref.DataOff. The search starts from
// the class heuristic hint, scans 2MiB segments forward then backward
// within each leaf, and iterates leaves wrapping once past the end of
// the volume before giving up with no-space.
func (fm *Freemap) Alloc(bref *ondisk.Blockref, bytes int) chain.Error {

	radix := ondisk.SizeRadix(bytes)
	if radix < 0 {
		return chain.ErrInval
	}
	if radix < ondisk.RadixMin {
		radix = ondisk.RadixMin
	}
	size := ondisk.RadixSize(radix)

	hdr := &fm.dev.Set.Header

	// free-space floor: normal allocations fail below the reserve,
	// emergency mode pushes through
	if !fm.dev.Emergency &&
		hdr.AllocatorFree < hdr.FreeReserved+uint64(size) {
		fm.log.Warnf("allocator: %s free, below reserve of %s",
			bytefmt.ByteSize(hdr.AllocatorFree), bytefmt.ByteSize(hdr.FreeReserved))
		return chain.ErrNoSpace
	}

	slot := heurSlot(bref.Type, radix)
	hint := int64(atomic.LoadUint64(&fm.heur[slot]))
	if hint < int64(hdr.AllocatorBeg) || hint >= fm.dev.Set.TotalSize() {
		hint = int64(hdr.AllocatorBeg)
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	total := fm.dev.Set.TotalSize()
	leafKey := hint &^ (leafSpan - 1)
	wraps := 0

	for wraps < 2 {
		off, e := fm.allocFromLeaf(leafKey, hint, bref.Type, radix, int(size))
		if e == 0 && off != 0 {
			bref.DataOff = ondisk.MakeOff(off, radix)
			atomic.StoreUint64(&fm.heur[slot], uint64(off))
			hdr.AllocatorFree -= uint64(size)
			return 0
		}
		if e.Fatal() && e != chain.ErrNoSpace {
			return e
		}

		leafKey += leafSpan
		hint = leafKey
		if leafKey >= total {
			leafKey = int64(hdr.AllocatorBeg) &^ (leafSpan - 1)
			hint = leafKey
			wraps++
		}
	}

	fm.log.Warnf("allocator: out of space for %s request", bytefmt.ByteSize(uint64(size)))
	return chain.ErrNoSpace
}

// allocFromLeaf attempts an allocation within one leaf. Returns the
// physical byte offset or zero when the leaf cannot satisfy the
// request.
func (fm *Freemap) allocFromLeaf(leafKey, hint int64, typ uint8, radix int, size int) (int64, chain.Error) {

	leaf, e := fm.getLeaf(leafKey, true)
	if e != 0 {
		return 0, e
	}
	if leaf == nil {
		return 0, chain.ErrNoSpace
	}
	defer func() {
		leaf.Unlock(0)
		leaf.Unref()
	}()

	// the per-leaf radix hint mask shortcuts leaves already known not
	// to satisfy this class
	meta := leaf.Bref.Freemap()
	if meta.Bigmask&(uint32(1)<<uint(radix)) == 0 {
		return 0, chain.ErrNoSpace
	}

	if e := leaf.Modify(fm.mtid, 0, 0); e != 0 {
		return 0, e
	}
	fl, le := loadLeaf(leaf)
	if le != 0 {
		return 0, le
	}

	start := 0
	if hint > leafKey {
		start = int((hint - leafKey) >> ondisk.FreemapLevel0Radix)
		if start >= ondisk.FreemapCount {
			start = 0
		}
	}

	class := uint16(typ)<<8 | uint16(radix)

	// forward from the hint, then backward
	for i := start; i < ondisk.FreemapCount; i++ {
		if off := fm.allocFromBmap(&fl.Bmaps[i], leafKey, i, class, radix, size); off != 0 {
			storeLeaf(leaf, fl)
			return off, 0
		}
	}
	for i := start - 1; i >= 0; i-- {
		if off := fm.allocFromBmap(&fl.Bmaps[i], leafKey, i, class, radix, size); off != 0 {
			storeLeaf(leaf, fl)
			return off, 0
		}
	}

	// nothing fits: clear this class's radix bit so later scans skip
	// the leaf until a free returns space
	meta = leaf.Bref.Freemap()
	meta.Bigmask &^= uint32(1) << uint(radix)
	leaf.Bref.SetFreemap(meta)
	storeLeaf(leaf, fl)

	return 0, chain.ErrNoSpace
}

// allocFromBmap scans one 2MiB segment. Requests of a full block or
// more take aligned runs of 2-bit states; smaller requests pack through
// the linear sub-allocator.
func (fm *Freemap) allocFromBmap(bm *ondisk.BmapData, leafKey int64, idx int,
	class uint16, radix int, size int) int64 {

	if bm.Avail <= 0 && radix >= ondisk.FreemapBlockRadix {
		return 0
	}
	if bm.Class != 0 && bm.Class != class {
		// segments cluster by allocation class
		return 0
	}

	bmBase := leafKey + int64(idx)<<ondisk.FreemapLevel0Radix

	if radix < ondisk.FreemapBlockRadix {
		// linear packing inside a 16KiB block
		if bm.Linear > 0 && int(bm.Linear&ondisk.FreemapBlockMask) != 0 &&
			int(bm.Linear&ondisk.FreemapBlockMask)+size <= ondisk.FreemapBlockSize {
			blk := int(bm.Linear >> ondisk.FreemapBlockRadix)
			if bm.State(blk) == ondisk.BitmapAlloc {
				off := bmBase + int64(bm.Linear)
				bm.Linear += int32(size)
				bm.Class = class
				return off
			}
		}
		// open a fresh block for linear packing
		for blk := 0; blk < ondisk.BmapBlocks; blk++ {
			if bm.State(blk) != ondisk.BitmapFree {
				continue
			}
			bm.SetState(blk, ondisk.BitmapAlloc)
			bm.Avail -= ondisk.FreemapBlockSize
			bm.Linear = int32(blk<<ondisk.FreemapBlockRadix + size)
			bm.Class = class
			return bmBase + int64(blk)<<ondisk.FreemapBlockRadix
		}
		return 0
	}

	// aligned run of whole 16KiB blocks
	nblocks := int(ondisk.RadixSize(radix) >> ondisk.FreemapBlockRadix)
	for blk := 0; blk+nblocks <= ondisk.BmapBlocks; blk += nblocks {
		run := true
		for j := 0; j < nblocks; j++ {
			if bm.State(blk+j) != ondisk.BitmapFree {
				run = false
				break
			}
		}
		if !run {
			continue
		}
		for j := 0; j < nblocks; j++ {
			bm.SetState(blk+j, ondisk.BitmapAlloc)
		}
		bm.Avail -= int32(size)
		bm.Class = class
		return bmBase + int64(blk)<<ondisk.FreemapBlockRadix
	}

	return 0
}
