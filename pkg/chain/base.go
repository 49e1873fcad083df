package chain

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vcow/pkg/ondisk"
)

// syncBase writes a block-table slot through to the chain's content
// buffer so the media image and the decoded cache stay coherent. Volume
// and freemap root chains have no media buffer; their table lives in the
// working volume header and is copied out at commit.
func (ch *Chain) syncBase(i int) {

	switch ch.Bref.Type {
	case ondisk.TypeIndirect, ondisk.TypeFreemapNode:
		if len(ch.data) >= (i+1)*ondisk.BlockrefSize {
			copy(ch.data[i*ondisk.BlockrefSize:], ch.base[i].Marshal())
		}
	case ondisk.TypeInode:
		off := ondisk.InodeMetaSize + i*ondisk.BlockrefSize
		if len(ch.data) >= off+ondisk.BlockrefSize {
			copy(ch.data[off:], ch.base[i].Marshal())
		}
	case ondisk.TypeVolume, ondisk.TypeFreemap:
	}
	ch.baseDirty = true
}

// baseEnsure materializes an empty decoded block table on a chain whose
// data has never been resolved into one.
func (ch *Chain) baseEnsure() {
	if ch.base == nil {
		ch.base = make([]ondisk.Blockref, ch.baseCapacity())
	}
}

// baseInsert places a blockref into a free slot of the block table.
// The caller must have COW'd the chain already. Returns false when the
// table is full.
func (ch *Chain) baseInsert(bref *ondisk.Blockref) bool {

	ch.baseEnsure()
	for i := range ch.base {
		if ch.base[i].Type == ondisk.TypeEmpty {
			ch.base[i] = *bref
			ch.syncBase(i)
			return true
		}
	}
	return false
}

// baseDelete removes the slot holding key from the block table. Returns
// the removed blockref, or nil if the key has no slot.
func (ch *Chain) baseDelete(key uint64) *ondisk.Blockref {

	for i := range ch.base {
		if ch.base[i].Type != ondisk.TypeEmpty && ch.base[i].Key == key {
			old := ch.base[i]
			ch.base[i] = ondisk.Blockref{}
			ch.syncBase(i)
			return &old
		}
	}
	return nil
}

// baseFind returns the table slot covering key, or -1.
func (ch *Chain) baseFind(key uint64) int {
	for i := range ch.base {
		if ch.base[i].Type != ondisk.TypeEmpty && ch.base[i].Key == key {
			return i
		}
	}
	return -1
}

// baseLiveCount counts the distinct live entries a lookup would see:
// media slots not shadowed by an in-memory chain plus live in-memory
// children.
func (ch *Chain) baseLiveCount() int {

	ch.childMu.Lock()
	defer ch.childMu.Unlock()

	count := 0
	for _, c := range ch.children {
		if c.testFlags(FlagDeleted) == 0 {
			count++
		}
	}

	for i := range ch.base {
		if ch.base[i].Type == ondisk.TypeEmpty {
			continue
		}
		shadowed := false
		for _, c := range ch.children {
			if c.Bref.Key == ch.base[i].Key {
				shadowed = true
				break
			}
		}
		if !shadowed {
			count++
		}
	}
	return count
}
