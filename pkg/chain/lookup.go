package chain

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vcow/pkg/ondisk"
)

// Lookup flags, continuing the lock mode word.
const (
	LookupNodata   = 0x0100 // return the chain with data unresolved
	LookupShared   = 0x0200 // shared locks throughout
	LookupMatchind = 0x0400 // return an indirect whose range equals the request
	LookupNodirect = 0x0800 // hide inode-embedded byte 0 from data lookups
	LookupNolock   = 0x1000 // internal: candidate already locked
)

func lookupLockMode(flags int) int {
	how := ResolveAlways
	if flags&LookupNodata != 0 {
		how = ResolveNever
	}
	if flags&LookupShared != 0 {
		how |= LockShared
	}
	return how
}

// getParent acquires ch's parent in the only legal order: reference the
// parent, drop the child's lock, lock the parent, then re-validate the
// linkage. Returns the locked parent or nil if the chain became an
// orphan in the window.
func getParent(ch *Chain, how int) *Chain {

	for {
		parent := ch.parent
		if parent == nil {
			return nil
		}
		parent.Ref()
		ch.Unlock(how)
		parent.Lock(how & (LockShared | resolveMask))

		if ch.parent == parent {
			return parent
		}

		// raced a reparent; back out and retry
		parent.Unlock(how)
		parent.Unref()
		ch.Lock(how)
	}
}

// combinedFind scans the live children set and the media block table of
// a locked parent for the first entry intersecting [keyBeg, keyEnd].
// In-memory chains shadow their media entries, including chains already
// marked deleted. Returns either a chain or a media blockref.
func (parent *Chain) combinedFind(keyBeg, keyEnd uint64) (*Chain, *ondisk.Blockref) {

	var bestChain *Chain
	var bestBref *ondisk.Blockref
	var bestKey uint64

	parent.childMu.Lock()
	for _, c := range parent.children {
		if c.testFlags(FlagDeleted) != 0 {
			continue
		}
		if c.Bref.KeyEnd() < keyBeg || c.Bref.Key > keyEnd {
			continue
		}
		if bestChain == nil || c.Bref.Key < bestKey {
			bestChain = c
			bestKey = c.Bref.Key
		}
	}
	shadowed := func(key uint64) bool {
		for _, c := range parent.children {
			if c.Bref.Key == key {
				return true
			}
		}
		return false
	}

	for i := range parent.base {
		bref := &parent.base[i]
		if bref.Type == ondisk.TypeEmpty {
			continue
		}
		if bref.KeyEnd() < keyBeg || bref.Key > keyEnd {
			continue
		}
		if shadowed(bref.Key) {
			continue
		}
		if (bestChain == nil && bestBref == nil) || bref.Key < bestKey {
			bestBref = bref
			bestChain = nil
			bestKey = bref.Key
		}
	}
	parent.childMu.Unlock()

	if bestChain != nil {
		bestChain.Ref()
		return bestChain, nil
	}
	return nil, bestBref
}

// realize returns the in-memory chain for a media blockref under parent,
// creating and linking it if no live chain exists yet.
func (parent *Chain) realize(bref *ondisk.Blockref) *Chain {

	parent.childMu.Lock()
	for _, c := range parent.children {
		if c.Bref.Key == bref.Key && c.Bref.ModifyTID == bref.ModifyTID &&
			c.testFlags(FlagDeleted) == 0 {
			c.Ref()
			parent.childMu.Unlock()
			return c
		}
	}
	parent.childMu.Unlock()

	ch := New(parent.Dev, *bref)
	if err := bref.Validate(ondisk.ZoneSegBytes); err != nil {
		ch.setErr(ErrBadBref)
		parent.Dev.Log.Errorf("chain: %v", err)
	}
	ch.setFlags(FlagBmapped)
	parent.addChild(ch)
	return ch
}

// Lookup descends from *parentp through indirect blocks and returns the
// first live chain whose key range intersects [keyBeg, keyEnd], locked
// according to flags, plus the key to continue iteration from. The
// caller supplies *parentp locked and referenced; on return it may point
// at a different (deeper or shallower) chain, still locked and
// referenced. A nil chain with a zero error means no intersection.
//
// Keys are not returned in order across the indirect hierarchy, so
// iteration must continue until keyNext exceeds keyEnd rather than
// assume monotonicity.
func Lookup(parentp **Chain, keyBeg, keyEnd uint64, flags int) (*Chain, uint64, Error) {

	how := lookupLockMode(flags)
	parent := *parentp

	for {
		if e := parent.Err(); e.Fatal() {
			return nil, keyBeg, e
		}

		// An inode holding inline content presents it as the data
		// at byte offset zero unless the caller masks it out.
		if parent.Bref.Type == ondisk.TypeInode && flags&LookupNodirect == 0 &&
			keyBeg == 0 && parent.data != nil && len(parent.base) == 0 {
			var ip ondisk.InodeData
			if ip.Unmarshal(parent.data) == nil && ip.DirectData() {
				parent.Ref()
				return parent, keyEnd + 1, 0
			}
		}

		bestChain, bestBref := parent.combinedFind(keyBeg, keyEnd)

		if bestChain == nil && bestBref == nil {
			// nothing in this parent; ascend if the request range
			// extends beyond an indirect parent's coverage
			if parent.parent != nil &&
				(parent.Bref.Type == ondisk.TypeIndirect ||
					parent.Bref.Type == ondisk.TypeFreemapNode) &&
				parent.Bref.KeyEnd() < keyEnd {
				next := parent.Bref.KeyEnd() + 1
				up := getParent(parent, how)
				if up == nil {
					parent.Lock(how)
					return nil, keyBeg, ErrAgain
				}
				parent.Unref()
				*parentp = up
				parent = up
				keyBeg = next
				if keyBeg == 0 {
					return nil, keyBeg, 0 // wrapped the key space
				}
				continue
			}
			return nil, keyEnd + 1, 0
		}

		var ch *Chain
		if bestChain != nil {
			ch = bestChain
		} else {
			ch = parent.realize(bestBref)
		}

		indirect := ch.Bref.Type == ondisk.TypeIndirect ||
			ch.Bref.Type == ondisk.TypeFreemapNode

		if indirect && flags&LookupMatchind != 0 &&
			ch.Bref.Key == keyBeg && ch.Bref.KeyEnd() == keyEnd {
			indirect = false
		}

		if !indirect {
			if e := ch.Lock(how); e != 0 {
				// return the errored chain so bulk scans can
				// record and skip it
				return ch, ch.Bref.KeyEnd() + 1, e
			}
			return ch, ch.Bref.KeyEnd() + 1, 0
		}

		// descend: the child becomes the new parent
		ch.Lock(how&(LockShared) | ResolveAlways)
		parent.Unlock(how)
		parent.Unref()
		*parentp = ch
		parent = ch
		if keyBeg < ch.Bref.Key {
			keyBeg = ch.Bref.Key
		}
	}
}

// Next advances a key-ordered iteration: it releases the current chain
// and looks up the next intersection starting at keyNext. Returns nil
// when keyNext has passed keyEnd or wrapped the key space.
func Next(parentp **Chain, ch *Chain, keyNext, keyEnd uint64, flags int) (*Chain, uint64, Error) {

	how := lookupLockMode(flags)

	if ch != nil {
		if ch == *parentp {
			ch.Unref() // inline-data case returned the parent itself
		} else {
			ch.Unlock(how)
			ch.Unref()
		}
	}

	if keyNext == 0 || keyNext > keyEnd {
		return nil, keyNext, 0
	}

	return Lookup(parentp, keyNext, keyEnd, flags)
}
