package chain

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vcow/pkg/ondisk"
)

// Children returns a snapshot of the in-memory children set, ordered by
// (key, modify_tid). The flush engine iterates over this snapshot so the
// child spinlock is never held across settlement.
func (ch *Chain) Children() []*Chain {
	ch.childMu.Lock()
	kids := make([]*Chain, len(ch.children))
	copy(kids, ch.children)
	ch.childMu.Unlock()
	return kids
}

// SetFlag sets flag bits from outside the package; used by the flush and
// cluster layers.
func (ch *Chain) SetFlag(bits uint32) {
	ch.setFlags(bits)
}

// ClearFlag clears flag bits from outside the package.
func (ch *Chain) ClearFlag(bits uint32) {
	ch.clearFlags(bits)
}

// SetError accumulates sticky error bits on the chain.
func (ch *Chain) SetError(e Error) {
	ch.setErr(e)
}

// Base exposes the decoded media block table. Valid only while the chain
// is locked with data resolved.
func (ch *Chain) Base() []ondisk.Blockref {
	return ch.base
}

// BaseInsert places a blockref into the chain's block table. The chain
// must be locked exclusively and already COW'd this transaction.
func (ch *Chain) BaseInsert(bref *ondisk.Blockref) bool {
	return ch.baseInsert(bref)
}

// BaseDelete removes the table slot holding key, if any.
func (ch *Chain) BaseDelete(key uint64) bool {
	return ch.baseDelete(key) != nil
}

// BaseFind looks up a key's table slot index, or -1.
func (ch *Chain) BaseFind(key uint64) int {
	return ch.baseFind(key)
}

// CollapseIndirect absorbs a nearly-empty indirect child back into this
// chain at flush time.
func (ch *Chain) CollapseIndirect(ind *Chain, mtid uint64) bool {
	return ch.collapseIndirect(ind, mtid)
}

// LiveCount returns the number of distinct live entries a lookup of this
// chain would see.
func (ch *Chain) LiveCount() int {
	return ch.baseLiveCount()
}
