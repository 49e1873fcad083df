package chain

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vcow/pkg/ondisk"
)

// Modify flags.
const (
	ModifyOptData  = 0x01 // caller will rewrite everything; skip the copy-in
	ModifyNoRedup  = 0x02 // ignore any dedup hint
	ModifyInPlace  = 0x04 // emergency mode: reuse the existing block
	ModifyKeepTIDs = 0x08 // cluster sync: adopt TIDs from the source side
)

// Modify performs the copy-on-write of a chain's backing store: a fresh
// physical block is allocated (or a dedup extent adopted), prior
// contents are staged into a private buffer, and the chain is marked so
// the next flush re-emits its blockref. The chain must be locked
// exclusively inside a transaction.
func (ch *Chain) Modify(mtid uint64, dedupOff uint64, flags int) Error {

	dev := ch.Dev

	if dev.ReadOnly() {
		ch.setErr(ErrReadOnly)
		return ErrReadOnly
	}
	if e := ch.Err(); e.Fatal() {
		return e
	}

	oldOff := ch.Bref.DataOff

	// A block already reallocated inside this transaction is reused;
	// rewriting it cannot tear a committed snapshot.
	reuse := ch.testFlags(FlagModified) != 0 && ch.allocTID == mtid && oldOff != 0
	if flags&ModifyInPlace != 0 && dev.Emergency && oldOff != 0 {
		reuse = true
	}

	if !reuse {
		var newOff uint64

		switch {
		case dedupOff != 0 && flags&ModifyNoRedup == 0:
			newOff = dedupOff
		case ch.Bref.Type == ondisk.TypeVolume || ch.Bref.Type == ondisk.TypeFreemap:
			// root chains have no media block of their own
		case ch.Bref.Type == ondisk.TypeFreemapNode || ch.Bref.Type == ondisk.TypeFreemapLeaf:
			// freemap blocks rotate through reserved sub-slots
			copyIdx := ondisk.FreemapNextCopy(oldOff)
			level := 1
			if ch.Bref.Type == ondisk.TypeFreemapNode {
				level = freemapNodeLevel(ch.Bref.KeyBits)
			}
			base := ondisk.FreemapBlockOff(ch.Bref.Key, level, copyIdx)
			newOff = ondisk.MakeOff(base, 15) // 32KiB
		default:
			if dev.Alloc == nil {
				ch.setErr(ErrNoSpace)
				return ErrNoSpace
			}
			nbref := ch.Bref
			if e := dev.Alloc.Alloc(&nbref, ch.Bytes); e != 0 {
				ch.setErr(e)
				return e
			}
			newOff = nbref.DataOff
		}

		if oldOff != 0 && newOff != oldOff {
			// the old block becomes stale; defer its free so
			// snapshots keep their claim until bulkfree proves
			// otherwise
			if dev.Alloc != nil &&
				ch.Bref.Type != ondisk.TypeFreemapNode &&
				ch.Bref.Type != ondisk.TypeFreemapLeaf {
				dev.Alloc.MayFree(oldOff, ch.Bref.Bytes())
			}
			if d, local, err := dev.Set.Resolve(oldOff); err == nil {
				d.DedupDelete(local, int(ch.Bref.Bytes()))
			}
		}

		ch.Bref.DataOff = newOff
		ch.allocTID = mtid
	}

	// stage content privately so the cached media buffer is never
	// scribbled on
	if ch.testFlags(FlagInitial) != 0 {
		ch.data = make([]byte, ch.Bytes)
		ch.clearFlags(FlagInitial)
		ch.decodeBase()
	} else if flags&ModifyOptData == 0 {
		if ch.data == nil {
			ch.resolveData()
			if e := ch.Err(); e.Fatal() {
				return e
			}
		}
		if ch.diohandle != nil || len(ch.data) != ch.Bytes {
			priv := make([]byte, ch.Bytes)
			copy(priv, ch.data)
			ch.dropDIO()
			ch.data = priv
		}
	} else {
		ch.dropDIO()
		ch.data = make([]byte, ch.Bytes)
	}

	if flags&ModifyKeepTIDs == 0 {
		ch.Bref.ModifyTID = mtid
	}
	if ch.testFlags(FlagModified) == 0 {
		ch.setFlags(FlagModified)
	}
	ch.setFlags(FlagUpdate)
	ch.setOnFlush()

	return 0
}

// dropDIO releases only the dio handle, keeping decoded state.
func (ch *Chain) dropDIO() {
	if ch.diohandle != nil {
		ch.diodev.Put(ch.diohandle)
		ch.diohandle = nil
		ch.diodev = nil
	}
}

// setOnFlush propagates the needs-flush hint up the parent links.
func (ch *Chain) setOnFlush() {
	for p := ch; p != nil; p = p.parent {
		if p.testFlags(FlagOnFlush) != 0 {
			break
		}
		p.setFlags(FlagOnFlush)
	}
}

// freemapNodeLevel recovers the freemap level from a node's keybits.
func freemapNodeLevel(keybits uint8) int {
	switch keybits {
	case ondisk.FreemapLevel2Radix:
		return 2
	case ondisk.FreemapLevel3Radix:
		return 3
	default:
		return 4
	}
}

// Resize is a modify that grows or shrinks the chain's logical size.
// Shrinking invalidates the tail so stale bytes cannot resurface.
func (ch *Chain) Resize(nradix int, mtid uint64, flags int) Error {

	nbytes := int(ondisk.RadixSize(nradix))
	if nbytes == ch.Bytes {
		return ch.Modify(mtid, 0, flags)
	}

	obytes := ch.Bytes
	odata := ch.data

	ch.Bytes = nbytes
	if ch.Bref.Type == ondisk.TypeData {
		ch.Bref.KeyBits = uint8(nradix)
		if ch.testFlags(FlagBmapped) != 0 {
			ch.setFlags(FlagBmapUpd)
		}
	}

	// force reallocation at the new size
	ch.allocTID = 0
	if e := ch.Modify(mtid, 0, flags|ModifyOptData); e != 0 {
		ch.Bytes = obytes
		return e
	}

	if odata != nil && flags&ModifyOptData == 0 {
		n := obytes
		if nbytes < n {
			n = nbytes
		}
		copy(ch.data, odata[:n])
	}

	return 0
}
