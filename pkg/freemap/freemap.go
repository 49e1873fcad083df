package freemap

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"sync"

	"github.com/vorteil/vcow/pkg/chain"
	"github.com/vorteil/vcow/pkg/elog"
	"github.com/vorteil/vcow/pkg/ondisk"
)

// Heuristic clustering: allocations are classed by (blockref type,
// radix) so inodes land near inodes and data near data. The hints are
// racy single words; correctness never depends on them.
const (
	HeurNRadix = 8
	HeurTypes  = 8
	Heur       = HeurTypes * HeurNRadix
)

// Freemap is the hierarchical 2-bit allocator for one device/volume set.
// Its own blocks are chains under the freemap root and are never
// allocated through itself; they rotate through reserved-zone sub-slots.
type Freemap struct {
	dev    *chain.Dev
	fchain *chain.Chain
	log    elog.Logger

	// mu is the per-device allocation lock, held briefly around leaf
	// mutation.
	mu sync.Mutex

	heur [Heur]uint64

	// mtid is the sub-transaction id freemap mutations are stamped
	// with; the transaction layer refreshes it per flush epoch.
	mtid uint64
}

// New attaches an allocator to the freemap root chain.
func New(dev *chain.Dev, fchain *chain.Chain, log elog.Logger) *Freemap {
	if log == nil {
		log = &elog.NilLogger{}
	}
	return &Freemap{dev: dev, fchain: fchain, log: log}
}

// SetMTID updates the sub-transaction id used for freemap block COW.
func (fm *Freemap) SetMTID(mtid uint64) {
	fm.mu.Lock()
	fm.mtid = mtid
	fm.mu.Unlock()
}

func heurSlot(typ uint8, radix int) int {
	r := radix - ondisk.RadixMin
	if r < 0 {
		r = 0
	}
	if r >= HeurNRadix {
		r = HeurNRadix - 1
	}
	return (int(typ)%HeurTypes)*HeurNRadix + r
}

// leafSpan is the device range one freemap leaf covers.
const leafSpan = int64(1) << ondisk.FreemapLevel1Radix

// getLeaf walks the freemap hierarchy down to the leaf covering off,
// materializing missing interior nodes and the leaf itself when create
// is set. The returned leaf chain is locked exclusively; the caller
// must Unlock+Unref it.
func (fm *Freemap) getLeaf(off int64, create bool) (*chain.Chain, chain.Error) {

	parent := fm.fchain
	parent.Ref()
	parent.Lock(chain.ResolveAlways)

	levels := []int{4, 3, 2}
	for _, level := range levels {
		key := ondisk.FreemapBase(uint64(off), level)
		keybits := ondisk.FreemapLevelRadix(level)
		keyEnd := ondisk.KeyRangeEnd(key, keybits)

		ch, _, e := chain.Lookup(&parent, key, keyEnd, chain.LookupMatchind)
		if e.Fatal() {
			parent.Unlock(0)
			parent.Unref()
			return nil, e
		}
		if ch != nil && (ch.Bref.Type != ondisk.TypeFreemapNode || ch.Bref.Key != key ||
			ch.Bref.KeyBits != keybits) {
			// lookup descended past our level or found foreign
			// structure; treat as the node itself if it matches,
			// otherwise keep descending from what it gave us
			if ch.Bref.Type == ondisk.TypeFreemapLeaf {
				parent.Unlock(0)
				parent.Unref()
				return ch, 0
			}
		}
		if ch == nil {
			if !create {
				parent.Unlock(0)
				parent.Unref()
				return nil, 0
			}
			var ce chain.Error
			ch, ce = chain.Create(&parent, key, keybits, ondisk.TypeFreemapNode,
				ondisk.FreemapLevelNPSize, fm.mtid, 0, 0)
			if ce != 0 {
				parent.Unlock(0)
				parent.Unref()
				return nil, ce
			}
		}
		parent.Unlock(0)
		parent.Unref()
		parent = ch
	}

	key := ondisk.FreemapBase(uint64(off), 1)
	keyEnd := ondisk.KeyRangeEnd(key, ondisk.FreemapLevel1Radix)

	leaf, _, e := chain.Lookup(&parent, key, keyEnd, chain.LookupMatchind)
	if e.Fatal() {
		parent.Unlock(0)
		parent.Unref()
		return nil, e
	}
	if leaf == nil {
		if !create {
			parent.Unlock(0)
			parent.Unref()
			return nil, 0
		}
		var ce chain.Error
		leaf, ce = chain.Create(&parent, key, ondisk.FreemapLevel1Radix,
			ondisk.TypeFreemapLeaf, ondisk.FreemapLevelNPSize, fm.mtid, 0, 0)
		if ce != 0 {
			parent.Unlock(0)
			parent.Unref()
			return nil, ce
		}
		fm.initLeaf(leaf, int64(key))
	}
	parent.Unlock(0)
	parent.Unref()
	return leaf, 0
}

// initLeaf populates a freshly-created leaf: reserved-zone areas, static
// pre-allocations below the allocator floor, and any overhang past the
// end of the volume set are marked armored; everything else is free.
func (fm *Freemap) initLeaf(leaf *chain.Chain, base int64) {

	if e := leaf.Modify(fm.mtid, 0, chain.ModifyOptData); e != 0 {
		return
	}

	var fl ondisk.FreemapLeaf
	total := fm.dev.Set.TotalSize()
	allocBeg := int64(fm.dev.Set.Header.AllocatorBeg)

	for i := range fl.Bmaps {
		bm := &fl.Bmaps[i]
		bmBase := base + int64(i)<<ondisk.FreemapLevel0Radix
		avail := int32(0)

		for blk := 0; blk < ondisk.BmapBlocks; blk++ {
			off := bmBase + int64(blk)*ondisk.FreemapBlockSize
			zoneOff := off & ondisk.ZoneMask
			switch {
			case off >= total:
				bm.SetState(blk, ondisk.BitmapArmored)
			case zoneOff < ondisk.ZoneSegBytes:
				bm.SetState(blk, ondisk.BitmapArmored)
			case off < allocBeg:
				bm.SetState(blk, ondisk.BitmapArmored)
			default:
				bm.SetState(blk, ondisk.BitmapFree)
				avail += ondisk.FreemapBlockSize
			}
		}
		bm.Avail = avail
	}

	copy(leaf.Data(), fl.Marshal())
	leaf.Bref.SetFreemap(ondisk.FreemapMeta{
		Avail:   uint64(leafAvail(&fl)),
		Bigmask: ^uint32(0),
	})
}

func leafAvail(fl *ondisk.FreemapLeaf) int64 {
	var total int64
	for i := range fl.Bmaps {
		total += int64(fl.Bmaps[i].Avail)
	}
	return total
}

// loadLeaf decodes a locked leaf chain's content.
func loadLeaf(leaf *chain.Chain) (*ondisk.FreemapLeaf, chain.Error) {
	fl := new(ondisk.FreemapLeaf)
	data := leaf.Data()
	if len(data) < ondisk.FreemapLevelNPSize {
		return nil, chain.ErrBadBref
	}
	if err := fl.Unmarshal(data); err != nil {
		return nil, chain.ErrBadBref
	}
	return fl, 0
}

// storeLeaf writes a mutated leaf image back into the chain's modified
// buffer and refreshes the blockref bookkeeping.
func storeLeaf(leaf *chain.Chain, fl *ondisk.FreemapLeaf) {
	copy(leaf.Data(), fl.Marshal())
	meta := leaf.Bref.Freemap()
	meta.Avail = uint64(leafAvail(fl))
	leaf.Bref.SetFreemap(meta)
}
