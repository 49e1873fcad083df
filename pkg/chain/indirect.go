package chain

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vcow/pkg/ondisk"
)

// indirectBytes is the physical size of a general-topology indirect
// block; freemap interior nodes use the freemap block size instead.
const indirectBytes = 65536

// collapseThreshold is the live-entry count below which an indirect node
// is absorbed back into its parent at flush time.
const collapseThreshold = 4

// locateSplitPoint picks the key range for a new indirect block: halve
// the parent's span at the bit that captures the densest cluster of
// existing entries, then tighten the range while the whole cluster
// still fits, minimizing predicted future splits.
func (parent *Chain) locateSplitPoint(hintKey uint64) (key uint64, keybits uint8) {

	var keys []uint64

	parent.childMu.Lock()
	for _, c := range parent.children {
		if c.testFlags(FlagDeleted) == 0 {
			keys = append(keys, c.Bref.Key)
		}
	}
	for i := range parent.base {
		if parent.base[i].Type != ondisk.TypeEmpty {
			keys = append(keys, parent.base[i].Key)
		}
	}
	parent.childMu.Unlock()
	keys = append(keys, hintKey)

	parentBits := int(parent.Bref.KeyBits)
	if parent.Bref.Type == ondisk.TypeVolume || parent.Bref.Type == ondisk.TypeFreemap ||
		parent.Bref.Type == ondisk.TypeInode {
		parentBits = 64
	}

	spanMask := func(bits int) uint64 {
		if bits >= 64 {
			return ^uint64(0)
		}
		return (uint64(1) << uint(bits)) - 1
	}
	countIn := func(base uint64, bits int) int {
		n := 0
		for _, k := range keys {
			if k&^spanMask(bits) == base {
				n++
			}
		}
		return n
	}

	// halve the parent's range and take the denser side; this always
	// moves at least half the entries, so the split makes room
	bits := parentBits - 1
	var base uint64
	best := -1
	for _, k := range keys {
		b := k &^ spanMask(bits)
		if n := countIn(b, bits); n > best {
			best = n
			base = b
		}
	}

	// tighten while the whole cluster fits in a half
	for bits > 1 {
		half := bits - 1
		loBase := base
		hiBase := base | (uint64(1) << uint(half))
		switch {
		case countIn(loBase, half) == best:
			bits = half
		case countIn(hiBase, half) == best:
			base = hiBase
			bits = half
		default:
			return base, uint8(bits)
		}
	}

	return base, uint8(bits)
}

// createIndirect materializes an indirect block splitting the parent's
// key range, migrating every covered entry beneath it. Returns the new
// indirect (or the parent itself when the hint key falls outside the
// promoted range). The parent must be locked exclusively.
func (parent *Chain) createIndirect(hintKey uint64, mtid uint64) (*Chain, Error) {

	dev := parent.Dev

	key, keybits := parent.locateSplitPoint(hintKey)
	keyEnd := ondisk.KeyRangeEnd(key, keybits)

	typ := uint8(ondisk.TypeIndirect)
	bytes := indirectBytes
	if parent.Bref.Type == ondisk.TypeFreemapNode || parent.Bref.Type == ondisk.TypeFreemap {
		typ = ondisk.TypeFreemapNode
		bytes = ondisk.FreemapLevelNPSize
	}

	ind := New(dev, ondisk.Blockref{
		Type:      typ,
		Methods:   ondisk.EncMethods(ondisk.CompNone, dev.CheckAlgo),
		Key:       key,
		KeyBits:   keybits,
		ModifyTID: mtid,
	})
	ind.Bytes = bytes
	ind.setFlags(FlagInitial)
	if e := ind.Modify(mtid, 0, ModifyOptData); e != 0 {
		return nil, e
	}
	ind.setFlags(FlagInitial)

	// the parent's table is edited in place, so COW it first
	if e := parent.Modify(mtid, 0, 0); e != 0 {
		return nil, e
	}

	// migrate media-only entries in range
	ind.baseEnsure()
	for i := range parent.base {
		bref := &parent.base[i]
		if bref.Type == ondisk.TypeEmpty || bref.Key < key || bref.KeyEnd() > keyEnd {
			continue
		}
		shadow := parent.liveChild(bref.Key)
		if shadow != nil {
			continue
		}
		moved := *bref
		ind.baseInsert(&moved)
		parent.base[i] = ondisk.Blockref{}
		parent.syncBase(i)
	}

	// migrate in-memory children in range
	parent.childMu.Lock()
	var movers []*Chain
	for _, c := range parent.children {
		if c.Bref.Key >= key && c.Bref.KeyEnd() <= keyEnd {
			movers = append(movers, c)
		}
	}
	parent.childMu.Unlock()

	for _, c := range movers {
		parent.removeChild(c)
		c.parent = nil
		ind.addChild(c)
		if c.testFlags(FlagDeleted) == 0 {
			// the chain's blockref now belongs in the indirect's
			// table, not the old parent's
			c.clearFlags(FlagBmapped)
			c.setFlags(FlagUpdate)
		}
	}

	parent.addChild(ind)
	ind.setOnFlush()

	if hintKey >= key && hintKey <= keyEnd {
		return ind, 0
	}
	return parent, 0
}

// collapseIndirect absorbs a nearly-empty indirect node back into its
// parent. Called only at flush time, with both chains locked, and never
// across a PFS boundary. Returns true when the node was absorbed.
func (parent *Chain) collapseIndirect(ind *Chain, mtid uint64) bool {

	if ind.Bref.Type != ondisk.TypeIndirect {
		return false
	}
	if ind.testFlags(FlagPFSBoundary) != 0 {
		return false
	}
	if ind.baseLiveCount() >= collapseThreshold {
		return false
	}

	// room check: every surviving entry must fit beside the parent's
	// existing ones once the indirect's slot is recycled
	free := parent.baseCapacity() - parent.baseLiveCount()
	if ind.baseLiveCount() > free {
		return false
	}

	if e := parent.Modify(mtid, 0, 0); e != 0 {
		return false
	}

	// media entries move up
	for i := range ind.base {
		bref := &ind.base[i]
		if bref.Type == ondisk.TypeEmpty {
			continue
		}
		if ind.liveChild(bref.Key) != nil {
			continue
		}
		moved := *bref
		if !parent.baseInsert(&moved) {
			return false
		}
		ind.base[i] = ondisk.Blockref{}
		ind.syncBase(i)
	}

	// in-memory children move up
	ind.childMu.Lock()
	movers := make([]*Chain, len(ind.children))
	copy(movers, ind.children)
	ind.childMu.Unlock()

	for _, c := range movers {
		ind.removeChild(c)
		c.parent = nil
		parent.addChild(c)
		if c.testFlags(FlagDeleted) == 0 {
			c.clearFlags(FlagBmapped)
			c.setFlags(FlagUpdate)
		}
	}

	ind.setFlags(FlagDeleted)
	ind.destroy(mtid)
	if ind.Bref.DataOff != 0 && parent.Dev.Alloc != nil {
		parent.Dev.Alloc.MayFree(ind.Bref.DataOff, ind.Bref.Bytes())
	}
	ind.clearFlags(FlagModified | FlagUpdate)
	parent.setFlags(FlagUpdate)

	return true
}
