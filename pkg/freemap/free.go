package freemap

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/cloudfoundry/bytefmt"

	"github.com/vorteil/vcow/pkg/chain"
	"github.com/vorteil/vcow/pkg/dio"
	"github.com/vorteil/vcow/pkg/elog"
	"github.com/vorteil/vcow/pkg/ondisk"
)

// MayFree transitions an extent to possibly-free (11 -> 10). The space
// is not reusable until a bulkfree pass proves no live blockref still
// reaches it; that keeps snapshot roots honest.
func (fm *Freemap) MayFree(dataOff uint64, bytes int64) {

	off := ondisk.OffBase(dataOff)
	if bytes <= 0 {
		bytes = ondisk.RadixSize(ondisk.OffRadix(dataOff))
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	leaf, e := fm.getLeaf(off, true)
	if e != 0 || leaf == nil {
		fm.log.Errorf("freemap: mayfree %x: leaf unavailable: %v", off, e)
		return
	}
	defer func() {
		leaf.Unlock(0)
		leaf.Unref()
	}()

	if e := leaf.Modify(fm.mtid, 0, 0); e != 0 {
		fm.log.Errorf("freemap: mayfree %x: %v", off, e)
		return
	}
	fl, le := loadLeaf(leaf)
	if le != 0 {
		return
	}

	leafKey := off &^ (leafSpan - 1)
	first := (off - leafKey) >> ondisk.FreemapBlockRadix
	last := (off + bytes - 1 - leafKey) >> ondisk.FreemapBlockRadix

	for blk := first; blk <= last; blk++ {
		bi := int(blk) / ondisk.BmapBlocks
		bj := int(blk) % ondisk.BmapBlocks
		if bi >= ondisk.FreemapCount {
			break
		}
		bm := &fl.Bmaps[bi]
		if bm.State(bj) == ondisk.BitmapAlloc {
			bm.SetState(bj, ondisk.BitmapPossible)
			bm.Linear = 0
		}
	}

	storeLeaf(leaf, fl)
}

// refSet is the reachability bitmap a bulkfree/fixup scan builds: one
// entry per referenced 16KiB block.
type refSet map[int64]struct{}

func (rs refSet) add(dataOff uint64) {
	off := ondisk.OffBase(dataOff)
	bytes := ondisk.RadixSize(ondisk.OffRadix(dataOff))
	for b := off &^ int64(ondisk.FreemapBlockMask); b < off+bytes; b += ondisk.FreemapBlockSize {
		rs[b] = struct{}{}
	}
}

// scanTopology walks the committed topology from the volume header root
// blocksets, visiting every reachable blockref. It reads media directly
// through the dio cache; callers flush first so the media image is
// complete.
func (fm *Freemap) scanTopology(visit func(*ondisk.Blockref)) chain.Error {

	hdr := &fm.dev.Set.Header

	var walk func(bref *ondisk.Blockref) chain.Error
	walk = func(bref *ondisk.Blockref) chain.Error {
		if bref.Type == ondisk.TypeEmpty {
			return 0
		}
		visit(bref)
		if bref.DataOff == 0 {
			return 0
		}

		var tableOff int64
		var count int
		switch bref.Type {
		case ondisk.TypeInode:
			tableOff = ondisk.InodeMetaSize
			count = ondisk.BlocksetCount
		case ondisk.TypeIndirect, ondisk.TypeFreemapNode:
			tableOff = 0
			count = int(bref.Bytes()) / ondisk.BlockrefSize
		default:
			return 0
		}

		dev, local, err := fm.dev.Set.Resolve(bref.DataOff)
		if err != nil {
			return chain.ErrBadBref
		}
		h, err := dev.Get(local, int(bref.Bytes()), dio.OpRead)
		if err != nil {
			if h != nil {
				dev.Put(h)
			}
			return chain.ErrIO
		}
		data := h.Data(local, int(bref.Bytes()))

		if bref.Type == ondisk.TypeInode {
			var ip ondisk.InodeData
			if ip.Unmarshal(data) != nil || ip.DirectData() {
				dev.Put(h)
				return 0
			}
		}

		var e chain.Error
		for i := 0; i < count; i++ {
			var sub ondisk.Blockref
			if sub.Unmarshal(data[tableOff+int64(i)*ondisk.BlockrefSize:]) != nil {
				continue
			}
			if sub.Type == ondisk.TypeEmpty {
				continue
			}
			if we := walk(&sub); we != 0 {
				e |= we
			}
		}
		dev.Put(h)
		return e
	}

	var e chain.Error
	for i := range hdr.SrootBlockset {
		if we := walk(&hdr.SrootBlockset[i]); we != 0 {
			e |= we
		}
	}
	return e
}

// BulkFree walks the live topology to build a reachability bitmap, then
// transitions possibly-free states to free (10 -> 00) for every extent
// no live blockref references. Returns the number of bytes returned to
// the allocator.
func (fm *Freemap) BulkFree(progress elog.ProgressReporter) (int64, chain.Error) {

	refs := make(refSet)
	if e := fm.scanTopology(func(bref *ondisk.Blockref) {
		if bref.DataOff != 0 {
			refs.add(bref.DataOff)
		}
	}); e.Has(chain.ErrIO | chain.ErrBadBref) {
		return 0, e
	}

	total := fm.dev.Set.TotalSize()
	var bar elog.Progress
	if progress != nil {
		bar = progress.NewProgress("bulkfree", total)
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	var freed int64
	for leafKey := int64(0); leafKey < total; leafKey += leafSpan {
		n, e := fm.bulkFreeLeaf(leafKey, refs)
		if e != 0 && e != chain.ErrNoEntry {
			if bar != nil {
				bar.Finish(false)
			}
			return freed, e
		}
		freed += n
		if bar != nil {
			covered := leafSpan
			if leafKey+covered > total {
				covered = total - leafKey
			}
			bar.Increment(covered)
		}
	}

	fm.dev.Set.Header.AllocatorFree += uint64(freed)
	if bar != nil {
		bar.Finish(true)
	}
	fm.log.Infof("bulkfree reclaimed %s", bytefmt.ByteSize(uint64(freed)))
	return freed, 0
}

func (fm *Freemap) bulkFreeLeaf(leafKey int64, refs refSet) (int64, chain.Error) {

	leaf, e := fm.getLeaf(leafKey, false)
	if e != 0 {
		return 0, e
	}
	if leaf == nil {
		return 0, chain.ErrNoEntry
	}
	defer func() {
		leaf.Unlock(0)
		leaf.Unref()
	}()

	fl, le := loadLeaf(leaf)
	if le != 0 {
		return 0, le
	}

	var freed int64
	dirty := false
	for i := range fl.Bmaps {
		bm := &fl.Bmaps[i]
		bmBase := leafKey + int64(i)<<ondisk.FreemapLevel0Radix
		for blk := 0; blk < ondisk.BmapBlocks; blk++ {
			if bm.State(blk) != ondisk.BitmapPossible {
				continue
			}
			off := bmBase + int64(blk)*ondisk.FreemapBlockSize
			if _, live := refs[off]; live {
				// still referenced, likely through a snapshot:
				// re-arm as allocated
				bm.SetState(blk, ondisk.BitmapAlloc)
				dirty = true
				continue
			}
			bm.SetState(blk, ondisk.BitmapFree)
			bm.Avail += ondisk.FreemapBlockSize
			freed += ondisk.FreemapBlockSize
			dirty = true
		}
	}

	if dirty {
		if e := leaf.Modify(fm.mtid, 0, 0); e != 0 {
			return 0, e
		}
		storeLeaf(leaf, fl)
		meta := leaf.Bref.Freemap()
		meta.Bigmask = ^uint32(0)
		leaf.Bref.SetFreemap(meta)
	}

	return freed, 0
}

// Fixup is the mount-time recovery pass: the last flush may have
// committed topology whose freemap writes never reached disk, so any
// extent the topology references but the freemap calls free is re-marked
// allocated.
func (fm *Freemap) Fixup() (int64, chain.Error) {

	refs := make(refSet)
	if e := fm.scanTopology(func(bref *ondisk.Blockref) {
		if bref.DataOff != 0 {
			refs.add(bref.DataOff)
		}
	}); e.Has(chain.ErrIO | chain.ErrBadBref) {
		return 0, e
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	var fixed int64
	for off := range refs {
		leaf, e := fm.getLeaf(off, true)
		if e != 0 || leaf == nil {
			continue
		}
		fl, le := loadLeaf(leaf)
		if le == 0 {
			leafKey := off &^ (leafSpan - 1)
			blk := int((off - leafKey) >> ondisk.FreemapBlockRadix)
			bi := blk / ondisk.BmapBlocks
			bj := blk % ondisk.BmapBlocks
			bm := &fl.Bmaps[bi]
			if bm.State(bj) == ondisk.BitmapFree {
				if e := leaf.Modify(fm.mtid, 0, 0); e == 0 {
					bm.SetState(bj, ondisk.BitmapAlloc)
					bm.Avail -= ondisk.FreemapBlockSize
					if fm.dev.Set.Header.AllocatorFree >= ondisk.FreemapBlockSize {
						fm.dev.Set.Header.AllocatorFree -= ondisk.FreemapBlockSize
					}
					storeLeaf(leaf, fl)
					fixed += ondisk.FreemapBlockSize
				}
			}
		}
		leaf.Unlock(0)
		leaf.Unref()
	}

	if fixed > 0 {
		fm.log.Warnf("freemap fixup re-armed %s of referenced space",
			bytefmt.ByteSize(uint64(fixed)))
	}
	return fixed, 0
}
