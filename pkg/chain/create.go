package chain

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vcow/pkg/ondisk"
)

// Create flags.
const (
	CreateOptData = 0x01 // caller fills the data buffer itself
)

func coversRange(t uint8, brefKey uint64, brefEnd uint64, key, keyEnd uint64) bool {
	if t != ondisk.TypeIndirect && t != ondisk.TypeFreemapNode {
		return false
	}
	return brefKey <= key && keyEnd <= brefEnd
}

// Create allocates a fresh chain of the given type under *parentp and
// links it in. Indirect blocks covering the key are descended through,
// and *parentp tracks the final parent. The parent's media block table
// is not touched; the new chain carries UPDATE so the next flush
// inserts its blockref. When the final parent's table is full an
// indirect block is materialized to split the range. The parent must be
// locked exclusively inside a transaction.
func Create(parentp **Chain, key uint64, keybits uint8, typ uint8, bytes int,
	mtid uint64, dedupOff uint64, flags int) (*Chain, Error) {

	parent := *parentp
	dev := parent.Dev

	if dev.ReadOnly() {
		return nil, ErrReadOnly
	}
	if !ondisk.KeyAligned(key, keybits) {
		return nil, ErrInval
	}
	keyEnd := ondisk.KeyRangeEnd(key, keybits)

	// position at the parent actually governing the key, descending
	// through any indirect layers
	for {
		if e := parent.Err(); e.Fatal() {
			return nil, e
		}
		if parent.Bref.Type != ondisk.TypeVolume && parent.Bref.Type != ondisk.TypeFreemap &&
			parent.Bref.Type != ondisk.TypeInode {
			if key < parent.Bref.Key || keyEnd > parent.Bref.KeyEnd() {
				return nil, ErrInval
			}
		}

		dup, bref := parent.combinedFind(key, keyEnd)

		var down *Chain
		if dup != nil {
			if coversRange(dup.Bref.Type, dup.Bref.Key, dup.Bref.KeyEnd(), key, keyEnd) {
				down = dup
			} else {
				dup.Unref()
				return nil, ErrExists
			}
		} else if bref != nil {
			if coversRange(bref.Type, bref.Key, bref.KeyEnd(), key, keyEnd) {
				down = parent.realize(bref)
			} else {
				return nil, ErrExists
			}
		}

		if down == nil {
			break
		}
		down.Lock(ResolveAlways)
		parent.Unlock(0)
		parent.Unref()
		*parentp = down
		parent = down
	}

	// a full block table forces an indirect split before the insert
	for splits := 0; parent.baseLiveCount() >= parent.baseCapacity() &&
		parent.baseCapacity() > 0; splits++ {
		if splits > 64 {
			return nil, ErrNoSpace
		}
		ind, e := parent.createIndirect(key, mtid)
		if e != 0 {
			return nil, e
		}
		if ind == parent {
			continue
		}
		ind.Lock(ResolveAlways)
		parent.Unlock(0)
		parent.Unref()
		*parentp = ind
		parent = ind
	}

	ch := New(dev, ondisk.Blockref{
		Type:      typ,
		Methods:   ondisk.EncMethods(dev.CompAlgo, dev.CheckAlgo),
		Key:       key,
		KeyBits:   keybits,
		ModifyTID: mtid,
	})
	if typ == ondisk.TypeDirent && bytes == 0 {
		// short dirent names ride the check area, which therefore
		// cannot hold a check code
		ch.Bref.Methods = ondisk.EncMethods(ondisk.CompNone, ondisk.CheckNone)
	}
	ch.Bytes = bytes
	ch.setFlags(FlagInitial)

	if bytes > 0 || typ == ondisk.TypeInode {
		if e := ch.Modify(mtid, dedupOff, ModifyOptData); e != 0 {
			return nil, e
		}
		ch.setFlags(FlagInitial) // still implicitly zero until written
	} else {
		ch.setFlags(FlagModified | FlagUpdate)
		ch.Bref.ModifyTID = mtid
		ch.allocTID = mtid
	}

	parent.addChild(ch)
	ch.setOnFlush()
	ch.Lock(ResolveAlways)

	return ch, 0
}
