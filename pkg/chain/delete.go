package chain

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vcow/pkg/ondisk"
)

// Delete flags.
const (
	DeletePermanent = 0x01 // free the extent once the flush commits
)

// Delete unhooks ch from its parent's block table: the chain is marked
// DELETED (shadowing any media slot until flush performs the
// base_delete) and the parent is marked UPDATE. A deleted chain persists
// in memory until its lock and any in-flight flush complete. Both parent
// and child must be locked exclusively.
func Delete(parent, ch *Chain, mtid uint64, flags int) Error {

	dev := ch.Dev

	if dev.ReadOnly() {
		return ErrReadOnly
	}
	if ch.parent != parent {
		return ErrAgain
	}
	if ch.testFlags(FlagDeleted) != 0 {
		return ErrNoEntry
	}

	ch.setFlags(FlagDeleted)
	ch.Bref.ModifyTID = mtid

	if flags&DeletePermanent != 0 || ch.testFlags(FlagBmapped) == 0 {
		// never reached media, or permanently deleted: IO can be
		// skipped entirely
		ch.destroy(mtid)
	}

	if ch.testFlags(FlagBmapped) == 0 && ch.testFlags(FlagModified) != 0 {
		// never flushed: release the pending allocation now
		if ch.Bref.DataOff != 0 && dev.Alloc != nil &&
			ch.Bref.Type != ondisk.TypeFreemapNode &&
			ch.Bref.Type != ondisk.TypeFreemapLeaf {
			dev.Alloc.MayFree(ch.Bref.DataOff, ch.Bref.Bytes())
		}
		ch.clearFlags(FlagModified | FlagUpdate)
	}

	parent.setFlags(FlagUpdate)
	parent.setOnFlush()

	return 0
}

// destroy marks the chain and every in-memory descendant so pending IO
// can be shortcut. Indirect nodes carry the hint recursively.
func (ch *Chain) destroy(mtid uint64) {

	ch.setFlags(FlagDestroy)

	if ch.Bref.Type != ondisk.TypeIndirect && ch.Bref.Type != ondisk.TypeFreemapNode {
		return
	}

	ch.childMu.Lock()
	kids := make([]*Chain, len(ch.children))
	copy(kids, ch.children)
	ch.childMu.Unlock()

	for _, c := range kids {
		c.setFlags(FlagDeleted)
		c.destroy(mtid)
	}
}

// DeleteDeferred queues a chain that cannot be destroyed right now (held
// lock, pending IO); the next flush drains the queue before descending.
func DeleteDeferred(ch *Chain) {
	ch.Dev.FlushQPush(ch)
}
