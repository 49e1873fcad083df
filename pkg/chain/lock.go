package chain

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"sync"

	"github.com/vorteil/vcow/pkg/codec"
	"github.com/vorteil/vcow/pkg/dio"
	"github.com/vorteil/vcow/pkg/ondisk"
)

// Lock/resolve mode word. The low nibble selects data resolution, the
// rest are flags.
const (
	ResolveNever  = 1 // reserve the lock without touching data
	ResolveMaybe  = 2 // resolve data only if already cached
	ResolveAlways = 3 // read the backing block if needed

	resolveMask = 0x0F

	LockShared   = 0x10 // shared instead of exclusive
	LockNonblock = 0x20 // fail with ErrAgain instead of sleeping
	LockAgain    = 0x40 // explicit same-thread shared re-acquisition
)

// lock is the chain lock word: shared/exclusive with blocking
// acquisition, try-acquire, and opportunistic upgrade. Writers waiting
// block new shared acquisitions unless LockAgain is passed.
type lock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	shared  int
	excl    bool
	waiting int
}

func (lk *lock) init() {
	lk.cond = sync.NewCond(&lk.mu)
}

func (lk *lock) acquire(shared, nonblock, again bool) bool {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	for {
		if shared {
			if !lk.excl && (lk.waiting == 0 || again) {
				lk.shared++
				return true
			}
		} else {
			if !lk.excl && lk.shared == 0 {
				lk.excl = true
				return true
			}
		}
		if nonblock {
			return false
		}
		if !shared {
			lk.waiting++
			lk.cond.Wait()
			lk.waiting--
		} else {
			lk.cond.Wait()
		}
	}
}

func (lk *lock) release(shared bool) {
	lk.mu.Lock()
	if shared {
		lk.shared--
		if lk.shared < 0 {
			lk.mu.Unlock()
			panic("chain: shared lock underflow")
		}
	} else {
		if !lk.excl {
			lk.mu.Unlock()
			panic("chain: exclusive lock not held")
		}
		lk.excl = false
	}
	lk.mu.Unlock()
	lk.cond.Broadcast()
}

// tryUpgrade converts a single shared hold into exclusive without
// sleeping. Failure means the caller must release and re-lock.
func (lk *lock) tryUpgrade() bool {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.excl || lk.shared != 1 {
		return false
	}
	lk.shared = 0
	lk.excl = true
	return true
}

// Lock acquires the chain lock in the requested mode and resolves data
// accordingly. The returned error is the chain's accumulated sticky
// error; callers decide whether to skip or abort.
func (ch *Chain) Lock(how int) Error {

	shared := how&LockShared != 0
	nonblock := how&LockNonblock != 0
	again := how&LockAgain != 0

	if !ch.lk.acquire(shared, nonblock, again) {
		return ErrAgain
	}

	switch how & resolveMask {
	case ResolveNever:
	case ResolveMaybe:
		if ch.data == nil {
			break
		}
		fallthrough
	case ResolveAlways:
		if ch.data == nil {
			ch.resolveData()
		}
	}

	return ch.Err()
}

// Unlock releases the chain lock. Data stays cached until the chain is
// recycled.
func (ch *Chain) Unlock(how int) {
	ch.lk.release(how&LockShared != 0)
}

// TryUpgrade attempts an opportunistic shared-to-exclusive upgrade.
// On failure the caller must release, re-lock exclusively, and re-check
// its invariants (parent unchanged, chain not deleted).
func (ch *Chain) TryUpgrade() bool {
	return ch.lk.tryUpgrade()
}

// resolveData loads and validates the chain's content. Errors accumulate
// on the chain rather than aborting, so scans can skip damaged blocks.
func (ch *Chain) resolveData() {

	bref := &ch.Bref

	if ch.testFlags(FlagInitial) != 0 {
		ch.data = make([]byte, ch.Bytes)
		ch.decodeBase()
		return
	}

	if bref.Type == ondisk.TypeVolume || bref.Type == ondisk.TypeFreemap {
		ch.loadVolumeBase()
		return
	}

	if bref.DataOff == 0 || ch.Bytes == 0 {
		ch.data = make([]byte, ch.Bytes)
		ch.decodeBase()
		return
	}

	physical := int(bref.Bytes())
	dev, local, err := ch.Dev.Set.Resolve(bref.DataOff)
	if err != nil {
		ch.setErr(ErrBadBref)
		return
	}

	h, err := dev.Get(local, physical, dio.OpRead)
	if err != nil {
		if h != nil {
			dev.Put(h)
		}
		ch.setErr(ErrIO)
		return
	}

	raw := h.Data(local, physical)

	if err := bref.VerifyCheck(raw); err != nil {
		ch.Dev.Log.Errorf("chain %016x: %v", bref.Key, err)
		ch.setErr(ErrCheck)
		dev.Put(h)
		return
	}

	comp, _ := ondisk.DecMethods(bref.Methods)
	if comp != ondisk.CompNone && bref.Type == ondisk.TypeData {
		data, err := codec.Decompress(comp, raw, ch.Bytes)
		if err != nil {
			ch.Dev.Log.Errorf("chain %016x: %v", bref.Key, err)
			ch.setErr(ErrCheck)
			dev.Put(h)
			return
		}
		ch.data = data
		dev.Put(h)
	} else {
		ch.diohandle = h
		ch.diodev = dev
		ch.data = raw
	}

	ch.decodeBase()
}

// loadVolumeBase populates the synthetic block table of the volume and
// freemap root chains from the working volume header.
func (ch *Chain) loadVolumeBase() {

	hdr := &ch.Dev.Set.Header
	var bs *ondisk.Blockset
	if ch.Bref.Type == ondisk.TypeVolume {
		bs = &hdr.SrootBlockset
	} else {
		bs = &hdr.FreemapBlockset
	}

	ch.base = make([]ondisk.Blockref, len(bs))
	copy(ch.base, bs[:])
	ch.data = []byte{}
}

// decodeBase builds the decoded media block table for parent-capable
// chain types.
func (ch *Chain) decodeBase() {

	switch ch.Bref.Type {
	case ondisk.TypeInode:
		var ip ondisk.InodeData
		if len(ch.data) >= ondisk.InodeSize {
			if err := ip.Unmarshal(ch.data); err != nil {
				ch.setErr(ErrBadBref)
				return
			}
			if ip.DirectData() {
				ch.base = nil
				return
			}
			bs := ip.Blockset()
			ch.base = make([]ondisk.Blockref, len(bs))
			copy(ch.base, bs[:])
		} else {
			ch.base = make([]ondisk.Blockref, ondisk.BlocksetCount)
		}
	case ondisk.TypeIndirect:
		count := ch.Bytes / ondisk.BlockrefSize
		ch.base = make([]ondisk.Blockref, count)
		for i := 0; i < count; i++ {
			if len(ch.data) >= (i+1)*ondisk.BlockrefSize {
				_ = ch.base[i].Unmarshal(ch.data[i*ondisk.BlockrefSize:])
			}
		}
	case ondisk.TypeFreemapNode:
		var fn ondisk.FreemapNode
		if len(ch.data) >= ondisk.FreemapLevelNPSize {
			if err := fn.Unmarshal(ch.data); err != nil {
				ch.setErr(ErrBadBref)
				return
			}
			ch.base = make([]ondisk.Blockref, len(fn.Brefs))
			copy(ch.base, fn.Brefs[:])
		} else {
			ch.base = make([]ondisk.Blockref, ondisk.FreemapNodeCount)
		}
	default:
		ch.base = nil
	}
}

// baseCapacity returns the size of the chain's media block table, or
// zero for leaf types.
func (ch *Chain) baseCapacity() int {
	switch ch.Bref.Type {
	case ondisk.TypeInode:
		return ondisk.BlocksetCount
	case ondisk.TypeIndirect:
		return ch.Bytes / ondisk.BlockrefSize
	case ondisk.TypeFreemapNode:
		return ondisk.FreemapNodeCount
	case ondisk.TypeVolume, ondisk.TypeFreemap:
		return ondisk.BlocksetCount
	default:
		return 0
	}
}
