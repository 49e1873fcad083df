package chain

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"container/list"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vorteil/vcow/pkg/dio"
	"github.com/vorteil/vcow/pkg/elog"
	"github.com/vorteil/vcow/pkg/ondisk"
	"github.com/vorteil/vcow/pkg/volume"
)

// Chain flag bits (§ flags word of the in-memory node).
const (
	FlagModified    uint32 = 1 << iota // content differs from media; new block allocated
	FlagUpdate                         // parent blockref needs refresh
	FlagInitial                        // backing storage assigned but contents implicitly zero
	FlagOnFlush                        // somewhere under this chain a flush is required
	FlagDestroy                        // IO for the block can be skipped
	FlagDeleted                        // removed from the parent's block table
	FlagBmapped                        // present in the parent's media block table
	FlagBmapUpd                        // present but the blockref needs a rewrite
	FlagPFSBoundary                    // crossing into another PFS root
	FlagOnLRU                          // parked on the device LRU, refs == 0
	FlagOnFlushQ                       // queued for deferred destruction
)

// Allocator is the freemap interface the chain layer allocates through.
// Freemap blocks themselves never pass through Alloc; they are assigned
// from the reserved-zone rotation.
type Allocator interface {
	Alloc(bref *ondisk.Blockref, bytes int) Error
	MayFree(dataOff uint64, bytes int64)
}

// Dev is the device-scoped core shared by every chain of a mount: volume
// addressing, the allocator hookup, the chain LRU, and the deferred
// destruction queue.
type Dev struct {
	Set *volume.Set
	Log elog.Logger

	Alloc Allocator

	CompAlgo  uint8
	CheckAlgo uint8

	Emergency bool
	readOnly  uint32

	lruMu  sync.Mutex
	lru    *list.List
	lruCap int

	flushqMu sync.Mutex
	flushq   []*Chain

	// TID state advanced by the transaction layer.
	MirrorTID  uint64
	ModifyTID  uint64
	FreemapTID uint64
}

// NewDev assembles a chain core over an opened volume set.
func NewDev(set *volume.Set, log elog.Logger) *Dev {
	if log == nil {
		log = &elog.NilLogger{}
	}
	return &Dev{
		Set:       set,
		Log:       log,
		CheckAlgo: ondisk.CheckISCSI32,
		lru:       list.New(),
		lruCap:    4096,
		MirrorTID: set.Header.MirrorTID,
		ModifyTID: set.Header.MirrorTID,
	}
}

// SetReadOnly degrades the mount after a device write failure.
func (dev *Dev) SetReadOnly() {
	atomic.StoreUint32(&dev.readOnly, 1)
}

// ReadOnly reports whether the mount has degraded to read-only.
func (dev *Dev) ReadOnly() bool {
	return atomic.LoadUint32(&dev.readOnly) != 0
}

// Chain is the in-memory representation of a blockref: the node of the
// topology. The parent link is weak; the parent's media buffer is pinned
// through a wire count on its dio handle instead of ownership.
type Chain struct {
	Dev  *Dev
	Bref ondisk.Blockref

	// Bytes is the logical size of the chain's content, which differs
	// from the physical block size when the block is compressed.
	Bytes int

	parent *Chain

	childMu  sync.Mutex // protects children; never held across sleeps
	children []*Chain   // ordered by (key, modify_tid)

	refs  int32
	holds int32
	flags uint32
	errs  uint32 // accumulated Error bits, sticky

	// allocTID remembers which sub-transaction allocated the current
	// backing block; a block allocated in the running transaction may
	// be rewritten in place.
	allocTID uint64

	lk lock

	diohandle *dio.Handle
	diodev    *dio.Device
	data      []byte

	base      []ondisk.Blockref // decoded media block table, valid while data is
	baseDirty bool

	lruElem *list.Element
}

// New constructs an unresolved chain for a blockref. The caller receives
// one reference.
func New(dev *Dev, bref ondisk.Blockref) *Chain {
	ch := &Chain{
		Dev:   dev,
		Bref:  bref,
		refs:  1,
		Bytes: logicalBytes(&bref),
	}
	ch.lk.init()
	return ch
}

// logicalBytes derives the in-memory content size for a blockref.
func logicalBytes(bref *ondisk.Blockref) int {
	switch bref.Type {
	case ondisk.TypeInode:
		return ondisk.InodeSize
	case ondisk.TypeVolume:
		return 0
	case ondisk.TypeFreemapNode, ondisk.TypeFreemapLeaf:
		return ondisk.FreemapLevelNPSize
	case ondisk.TypeData:
		if bref.KeyBits != 0 {
			return int(ondisk.RadixSize(int(bref.KeyBits)))
		}
		return int(bref.Bytes())
	case ondisk.TypeDirent:
		if dh := bref.Dirent(); int(dh.NameLen) > ondisk.DirentShortNameMax {
			return int(bref.Bytes())
		}
		return 0
	default:
		return int(bref.Bytes())
	}
}

// Ref acquires a structural reference keeping the chain struct alive.
func (ch *Chain) Ref() {
	if atomic.AddInt32(&ch.refs, 1) == 1 {
		ch.Dev.lruRemove(ch)
	}
}

// Unref releases a structural reference. A chain whose last reference
// drops and which carries neither MODIFIED nor UPDATE becomes
// recyclable and is parked on the device LRU.
func (ch *Chain) Unref() {
	n := atomic.AddInt32(&ch.refs, -1)
	if n < 0 {
		panic("chain: negative refs")
	}
	if n == 0 {
		if ch.testFlags(FlagModified|FlagUpdate|FlagOnFlushQ) == 0 {
			ch.Dev.lruInsert(ch)
		}
	}
}

// Hold acquires a hold gating lock acquisition without implying
// structural ownership changes beyond a reference.
func (ch *Chain) Hold() {
	ch.Ref()
	atomic.AddInt32(&ch.holds, 1)
}

// Unhold is the cheap counterpart of Hold.
func (ch *Chain) Unhold() {
	if atomic.AddInt32(&ch.holds, -1) < 0 {
		panic("chain: negative holds")
	}
	ch.Unref()
}

// Refs returns the current structural reference count.
func (ch *Chain) Refs() int32 {
	return atomic.LoadInt32(&ch.refs)
}

// Parent returns the current parent back-pointer. Only stable while the
// chain is locked.
func (ch *Chain) Parent() *Chain {
	return ch.parent
}

// Err returns the accumulated sticky error bits.
func (ch *Chain) Err() Error {
	return Error(atomic.LoadUint32(&ch.errs))
}

// setErr accumulates error bits.
func (ch *Chain) setErr(e Error) {
	if e == 0 {
		return
	}
	for {
		v := atomic.LoadUint32(&ch.errs)
		if atomic.CompareAndSwapUint32(&ch.errs, v, v|uint32(e)) {
			return
		}
	}
}

func (ch *Chain) setFlags(bits uint32) uint32 {
	for {
		v := atomic.LoadUint32(&ch.flags)
		if atomic.CompareAndSwapUint32(&ch.flags, v, v|bits) {
			return v
		}
	}
}

func (ch *Chain) clearFlags(bits uint32) uint32 {
	for {
		v := atomic.LoadUint32(&ch.flags)
		if atomic.CompareAndSwapUint32(&ch.flags, v, v&^bits) {
			return v
		}
	}
}

func (ch *Chain) testFlags(bits uint32) uint32 {
	return atomic.LoadUint32(&ch.flags) & bits
}

// Flags returns a snapshot of the flags word.
func (ch *Chain) Flags() uint32 {
	return atomic.LoadUint32(&ch.flags)
}

// Data returns the chain's resolved content. Valid only while locked
// with data resolved.
func (ch *Chain) Data() []byte {
	return ch.data
}

// lruInsert parks a refs==0 chain on the device LRU, evicting past the
// cap.
func (dev *Dev) lruInsert(ch *Chain) {
	dev.lruMu.Lock()
	if ch.lruElem == nil && atomic.LoadInt32(&ch.refs) == 0 {
		ch.lruElem = dev.lru.PushFront(ch)
		ch.setFlags(FlagOnLRU)
	}
	for dev.lru.Len() > dev.lruCap {
		elem := dev.lru.Back()
		victim := elem.Value.(*Chain)
		dev.lru.Remove(elem)
		victim.lruElem = nil
		victim.clearFlags(FlagOnLRU)
		dev.lruMu.Unlock()
		victim.reclaim()
		dev.lruMu.Lock()
	}
	dev.lruMu.Unlock()
}

func (dev *Dev) lruRemove(ch *Chain) {
	dev.lruMu.Lock()
	if ch.lruElem != nil {
		dev.lru.Remove(ch.lruElem)
		ch.lruElem = nil
		ch.clearFlags(FlagOnLRU)
	}
	dev.lruMu.Unlock()
}

// reclaim frees an evicted chain's backing resources and detaches it
// from its parent.
func (ch *Chain) reclaim() {

	if atomic.LoadInt32(&ch.refs) != 0 {
		return
	}
	if ch.testFlags(FlagModified|FlagUpdate) != 0 {
		return
	}

	parent := ch.parent
	if parent != nil {
		parent.removeChild(ch)
		ch.parent = nil
	}
	ch.dropData()
}

// dropData releases the chain's dio handle and content.
func (ch *Chain) dropData() {
	ch.dropDIO()
	ch.data = nil
	ch.base = nil
	ch.baseDirty = false
}

// childIndex finds the insertion slot for (key, mtid) in the ordered
// children set.
func (parent *Chain) childIndex(key uint64, mtid uint64) int {
	return sort.Search(len(parent.children), func(i int) bool {
		c := parent.children[i]
		if c.Bref.Key != key {
			return c.Bref.Key >= key
		}
		return c.Bref.ModifyTID >= mtid
	})
}

// addChild links a child into the ordered set and wires the parent's
// buffer so the parent block stays pinned while children exist.
func (parent *Chain) addChild(child *Chain) {
	parent.childMu.Lock()
	i := parent.childIndex(child.Bref.Key, child.Bref.ModifyTID)
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = child
	child.parent = parent
	if parent.diohandle != nil {
		parent.diodev.Wire(parent.diohandle)
	}
	parent.childMu.Unlock()
}

// removeChild unlinks a child and unwires the parent's buffer.
func (parent *Chain) removeChild(child *Chain) {
	parent.childMu.Lock()
	for i, c := range parent.children {
		if c == child {
			copy(parent.children[i:], parent.children[i+1:])
			parent.children = parent.children[:len(parent.children)-1]
			break
		}
	}
	if parent.diohandle != nil {
		parent.diodev.Unwire(parent.diohandle)
	}
	parent.childMu.Unlock()
}

// liveChild returns the live (not deleted) in-memory child covering key,
// if any.
func (parent *Chain) liveChild(key uint64) *Chain {
	parent.childMu.Lock()
	defer parent.childMu.Unlock()
	for _, c := range parent.children {
		if c.testFlags(FlagDeleted) != 0 {
			continue
		}
		if key >= c.Bref.Key && key <= c.Bref.KeyEnd() {
			return c
		}
	}
	return nil
}

// FlushQPush queues a chain whose destruction must be deferred to the
// next flush.
func (dev *Dev) FlushQPush(ch *Chain) {
	dev.flushqMu.Lock()
	if ch.testFlags(FlagOnFlushQ) == 0 {
		ch.Ref()
		ch.setFlags(FlagOnFlushQ)
		dev.flushq = append(dev.flushq, ch)
	}
	dev.flushqMu.Unlock()
}

// FlushQDrain removes and returns all queued deferred destructions.
func (dev *Dev) FlushQDrain() []*Chain {
	dev.flushqMu.Lock()
	q := dev.flushq
	dev.flushq = nil
	dev.flushqMu.Unlock()
	for _, ch := range q {
		ch.clearFlags(FlagOnFlushQ)
	}
	return q
}

// CountChildren returns the number of live in-memory children, used by
// tests and the collapse heuristics.
func (ch *Chain) CountChildren() int {
	ch.childMu.Lock()
	defer ch.childMu.Unlock()
	n := 0
	for _, c := range ch.children {
		if c.testFlags(FlagDeleted) == 0 {
			n++
		}
	}
	return n
}
