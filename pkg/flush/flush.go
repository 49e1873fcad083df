package flush

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vcow/pkg/chain"
	"github.com/vorteil/vcow/pkg/codec"
	"github.com/vorteil/vcow/pkg/dio"
	"github.com/vorteil/vcow/pkg/ondisk"
	"github.com/vorteil/vcow/pkg/vio"
)

// Flush flags.
const (
	FlushTop       = 0x01 // invoked on a topology root
	FlushAll       = 0x02 // cross PFS boundaries
	FlushInodeStop = 0x04 // stop at sub-inodes
	FlushFsSync    = 0x08 // full filesystem sync
)

// flushDepthLimit caps descent recursion; deeper chains are pushed onto
// a deferral list and re-driven from the top.
const flushDepthLimit = 60

// Chain aliases the chain node type; the flush engine is all about them.
type Chain = chain.Chain

type flusher struct {
	dev      *chain.Dev
	mtid     uint64
	flags    int
	collapse bool

	depth  int
	deferq []*chain.Chain
	errs   chain.Error
	wrote  bool
}

// Run flushes the dirty subtree under root: a top-down descent
// collecting work, then bottom-up settlement writing modified blocks and
// refreshing parent block tables. Returns accumulated errors and whether
// any IO was issued.
func Run(root *chain.Chain, mtid uint64, flags int, collapse bool) (chain.Error, bool) {

	fl := &flusher{
		dev:      root.Dev,
		mtid:     mtid,
		flags:    flags,
		collapse: collapse,
	}

	// deferred destructions first so they cannot interfere with
	// topology invariants mid-descent; holding the queue's reference
	// was what kept these chains alive, so releasing it here lets the
	// settled ones recycle
	for _, ch := range fl.dev.FlushQDrain() {
		ch.Lock(chain.ResolveNever)
		ch.SetFlag(chain.FlagDestroy)
		ch.Unlock(0)
		ch.Unref()
	}

	root.Ref()
	root.Lock(chain.ResolveAlways)
	fl.flushCore(root)
	root.Unlock(0)
	root.Unref()

	// the deferral list re-drives deep subtrees until it empties
	for len(fl.deferq) > 0 {
		q := fl.deferq
		fl.deferq = nil
		for _, ch := range q {
			fl.depth = 0
			ch.Lock(chain.ResolveAlways)
			fl.flushCore(ch)
			ch.Unlock(0)
			ch.Unref()
		}
	}

	return fl.errs, fl.wrote
}

// flushCore settles one locked chain: recurse into dirty children, then
// write them out and refresh this chain's block table.
func (fl *flusher) flushCore(parent *Chain) {
	fl.flushRecurse(parent)
}

func (fl *flusher) flushRecurse(parent *Chain) {

	const dirtyMask = chain.FlagModified | chain.FlagOnFlush | chain.FlagDestroy |
		chain.FlagUpdate | chain.FlagDeleted

	parent.ClearFlag(chain.FlagOnFlush)

	kids := parent.Children()

	for _, child := range kids {
		f := child.Flags()
		if f&dirtyMask == 0 {
			continue
		}
		if f&chain.FlagPFSBoundary != 0 && fl.flags&FlushAll == 0 {
			continue
		}
		if fl.flags&FlushInodeStop != 0 && child.Bref.Type == ondisk.TypeInode &&
			parent.Bref.Type != ondisk.TypeVolume {
			continue
		}

		if fl.depth >= flushDepthLimit {
			child.Ref()
			fl.deferq = append(fl.deferq, child)
			fl.errs |= chain.ErrDepth
			continue
		}

		child.Lock(chain.ResolveMaybe)

		fl.depth++
		fl.flushRecurse(child)
		fl.depth--

		fl.settleChild(parent, child)

		child.Unlock(0)
	}

	if fl.collapse && parent.Bref.Type != ondisk.TypeInode {
		for _, child := range kids {
			if child.Bref.Type != ondisk.TypeIndirect {
				continue
			}
			if child.Flags()&chain.FlagDeleted != 0 {
				continue
			}
			child.Lock(chain.ResolveAlways)
			if parent.CollapseIndirect(child, fl.mtid) {
				fl.wrote = true
			}
			child.Unlock(0)
		}
	}
}

// settleChild performs the bottom-up step for one child: write modified
// content, then propagate the blockref into the parent's table.
func (fl *flusher) settleChild(parent, child *Chain) {

	f := child.Flags()

	// removal from the parent's media table
	if f&chain.FlagDeleted != 0 {
		if f&chain.FlagBmapped != 0 {
			if e := parent.Modify(fl.mtid, 0, 0); e != 0 {
				fl.errs |= e
				return
			}
			parent.BaseDelete(child.Bref.Key)
			child.ClearFlag(chain.FlagBmapped)
			fl.wrote = true

			if f&chain.FlagDestroy != 0 && child.Bref.DataOff != 0 &&
				fl.dev.Alloc != nil &&
				child.Bref.Type != ondisk.TypeFreemapNode &&
				child.Bref.Type != ondisk.TypeFreemapLeaf {
				// permanent delete: release the extent now that
				// the removal is part of this flush epoch
				fl.dev.Alloc.MayFree(child.Bref.DataOff, child.Bref.Bytes())
			}
		}
		child.ClearFlag(chain.FlagModified | chain.FlagUpdate | chain.FlagBmapUpd)
		return
	}

	// content settlement
	if f&chain.FlagModified != 0 {
		if f&chain.FlagDestroy != 0 {
			child.ClearFlag(chain.FlagModified)
		} else if e := fl.writeChain(child); e != 0 {
			fl.errs |= e
			return
		}
	}

	// blockref propagation
	if child.Flags()&(chain.FlagUpdate|chain.FlagBmapUpd) != 0 ||
		child.Flags()&chain.FlagBmapped == 0 {
		if e := parent.Modify(fl.mtid, 0, 0); e != 0 {
			fl.errs |= e
			return
		}

		fl.rollupStats(child)

		if child.Flags()&chain.FlagBmapped != 0 {
			parent.BaseDelete(child.Bref.Key)
		}
		if !parent.BaseInsert(&child.Bref) {
			fl.errs |= chain.ErrNoSpace
			return
		}
		child.SetFlag(chain.FlagBmapped)
		child.ClearFlag(chain.FlagUpdate | chain.FlagBmapUpd)
		fl.wrote = true
	}
}

// writeChain emits a modified chain's content through the dio layer,
// settling its checksum and mirror tid.
func (fl *flusher) writeChain(ch *Chain) chain.Error {

	if ch.Bref.DataOff == 0 {
		if ch.Bref.Type == ondisk.TypeVolume || ch.Bref.Type == ondisk.TypeFreemap {
			ch.ClearFlag(chain.FlagModified)
			return 0
		}
		if ch.Bytes == 0 {
			// dirents with short names have no data block
			ch.Bref.MirrorTID = fl.mtid
			ch.ClearFlag(chain.FlagModified)
			return 0
		}
		return chain.ErrBadBref
	}

	physical := int(ch.Bref.Bytes())
	image := ch.Data()

	// compression applies to plain data blocks only
	comp, check := ondisk.DecMethods(ch.Bref.Methods)
	if ch.Bref.Type == ondisk.TypeData && comp != ondisk.CompNone {
		if out, ok := codec.Compress(comp, image); ok && len(out) <= physical {
			image = out
		} else {
			comp = ondisk.CompNone
			ch.Bref.Methods = ondisk.EncMethods(comp, check)
		}
	}

	image = vio.Pad(image, physical)

	if err := ch.Bref.CheckBytes(image); err != nil {
		return chain.ErrInval
	}

	dev, local, err := fl.dev.Set.Resolve(ch.Bref.DataOff)
	if err != nil {
		return chain.ErrBadBref
	}
	h, err := dev.Get(local, physical, dio.OpWriteNew)
	if err != nil {
		if h != nil {
			dev.Put(h)
		}
		fl.dev.SetReadOnly()
		return chain.ErrIO
	}
	copy(h.Data(local, physical), image)
	dev.SetDirty(h)
	dev.Put(h)

	if werr := dev.WriteError(); werr != nil {
		fl.dev.SetReadOnly()
		return chain.ErrIO
	}

	ch.Bref.MirrorTID = fl.mtid
	ch.ClearFlag(chain.FlagModified | chain.FlagInitial)
	fl.wrote = true
	return 0
}

// rollupStats aggregates the subtree's data/inode counts into the
// chain's embedded statistics area.
func (fl *flusher) rollupStats(ch *Chain) {

	switch ch.Bref.Type {
	case ondisk.TypeInode, ondisk.TypeIndirect:
	default:
		return
	}

	var st ondisk.Stats
	if ch.Bref.Type == ondisk.TypeInode {
		st.InodeCount = 1
	}
	for _, bref := range ch.Base() {
		switch bref.Type {
		case ondisk.TypeData:
			st.DataCount += uint64(bref.Bytes())
		case ondisk.TypeInode, ondisk.TypeIndirect:
			sub := bref.Stats()
			st.DataCount += sub.DataCount
			st.InodeCount += sub.InodeCount
		}
	}
	ch.Bref.SetStats(st)
}
