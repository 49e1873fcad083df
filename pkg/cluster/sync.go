package cluster

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vorteil/vcow/pkg/chain"
	"github.com/vorteil/vcow/pkg/elog"
	"github.com/vorteil/vcow/pkg/flush"
	"github.com/vorteil/vcow/pkg/ondisk"
)

// Sync thread control bits.
const (
	ThreadStop uint32 = 1 << iota
	ThreadFreeze
	ThreadUnfreeze
	ThreadFrozen
	ThreadRemaster
	ThreadXopQ
)

// deferLimit bounds the deferred-inode LIFO; past it the scan returns to
// the top with EAGAIN.
const deferLimit = 1000

// Thread is the long-lived per-slot synchronization worker. It sleeps on
// its flags word with a poll timer and drives the local replica toward
// the quorum state whenever the modify_tid diverges.
type Thread struct {
	dev    *chain.Dev
	tm     *flush.Mgr
	quorum Quorum
	log    elog.Logger

	// root is the local PFS root inode chain being synchronized.
	root *chain.Chain

	flags uint32
	mu    sync.Mutex
	cond  *sync.Cond
	poll  time.Duration

	wg sync.WaitGroup

	// bar tracks the replay backlog while a convergence cycle runs.
	bar elog.Progress

	// deferred inodes are synchronized subtree-first, LIFO
	deferq []uint64
}

// NewThread builds a sync thread for one cluster slot.
func NewThread(dev *chain.Dev, tm *flush.Mgr, root *chain.Chain, quorum Quorum,
	poll time.Duration, log elog.Logger) *Thread {

	if log == nil {
		log = &elog.NilLogger{}
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	thr := &Thread{
		dev:    dev,
		tm:     tm,
		quorum: quorum,
		root:   root,
		poll:   poll,
		log:    log,
	}
	thr.cond = sync.NewCond(&thr.mu)
	return thr
}

// Start launches the worker.
func (thr *Thread) Start() {
	thr.wg.Add(1)
	go thr.run()
}

// Signal sets control bits and wakes the thread.
func (thr *Thread) Signal(bits uint32) {
	for {
		v := atomic.LoadUint32(&thr.flags)
		if atomic.CompareAndSwapUint32(&thr.flags, v, v|bits) {
			break
		}
	}
	thr.mu.Lock()
	thr.cond.Broadcast()
	thr.mu.Unlock()
}

// Stop requests termination and waits for the worker to drain. In-flight
// work completes; deferrals drain with an in-progress status.
func (thr *Thread) Stop() {
	thr.Signal(ThreadStop)
	thr.wg.Wait()
}

// Frozen reports whether the thread has acknowledged a freeze.
func (thr *Thread) Frozen() bool {
	return atomic.LoadUint32(&thr.flags)&ThreadFrozen != 0
}

func (thr *Thread) run() {

	defer thr.wg.Done()

	timer := time.NewTimer(thr.poll)
	defer timer.Stop()

	wake := make(chan struct{}, 1)
	go func() {
		for {
			thr.mu.Lock()
			thr.cond.Wait()
			thr.mu.Unlock()
			select {
			case wake <- struct{}{}:
			default:
			}
			if atomic.LoadUint32(&thr.flags)&ThreadStop != 0 {
				return
			}
		}
	}()

	for {
		v := atomic.LoadUint32(&thr.flags)

		if v&ThreadStop != 0 {
			if len(thr.deferq) > 0 {
				thr.log.Debugf("sync: stopping with %d deferred inodes in progress", len(thr.deferq))
				thr.deferq = nil
			}
			return
		}

		if v&ThreadFreeze != 0 {
			thr.setBits(ThreadFrozen)
			thr.clearBits(ThreadFreeze)
		}
		if v&ThreadUnfreeze != 0 {
			thr.clearBits(ThreadFrozen | ThreadUnfreeze)
		}

		if atomic.LoadUint32(&thr.flags)&ThreadFrozen == 0 {
			if v&ThreadRemaster != 0 {
				thr.clearBits(ThreadRemaster)
			}
			if e := thr.SyncOnce(); e != 0 && e != chain.ErrAgain {
				if !e.Has(chain.ErrIncomplete) {
					thr.log.Warnf("sync: cycle failed: %v", e)
				}
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(thr.poll)
		select {
		case <-wake:
		case <-timer.C:
		}
	}
}

func (thr *Thread) setBits(bits uint32) {
	for {
		v := atomic.LoadUint32(&thr.flags)
		if atomic.CompareAndSwapUint32(&thr.flags, v, v|bits) {
			return
		}
	}
}

func (thr *Thread) clearBits(bits uint32) {
	for {
		v := atomic.LoadUint32(&thr.flags)
		if atomic.CompareAndSwapUint32(&thr.flags, v, v&^bits) {
			return
		}
	}
}

// SyncOnce performs one convergence cycle: probe the quorum, and if the
// local replica diverges, run the joint key-ordered scan replaying
// insert/replace/destroy against the local chain layer.
func (thr *Thread) SyncOnce() chain.Error {

	remoteTID, e := thr.quorum.ModifyTID()
	if e != 0 {
		return e
	}

	if thr.root.Bref.ModifyTID == remoteTID {
		return 0 // in sync
	}

	// the backlog length is unknown up front; the spinner counts
	// replayed entries
	if pr, ok := thr.log.(elog.ProgressReporter); ok {
		thr.bar = pr.NewProgress("sync backlog", 0)
	}
	defer func() {
		if thr.bar != nil {
			thr.bar.Finish(true)
			thr.bar = nil
		}
	}()

	rounds := 0
	for {
		deferred, e := thr.syncScan()
		if e != 0 {
			return e
		}
		if len(deferred) == 0 {
			break
		}
		if rounds++; rounds > deferLimit {
			return chain.ErrAgain
		}
	}

	// adopt the consensus tid only once the whole subtree converged
	t := thr.tm.Begin(flush.TransNormal)
	thr.root.Lock(chain.ResolveAlways)
	if e := thr.root.Modify(t.MTID, 0, chain.ModifyKeepTIDs); e == 0 {
		thr.root.Bref.ModifyTID = remoteTID
		thr.root.Bref.UpdateTID = remoteTID
	}
	thr.root.Unlock(0)
	t.Done()

	return 0
}

// syncScan walks local and remote key spaces side by side. Reads hold
// shared locks; each mutation upgrades by releasing and re-locking the
// parent exclusively, re-verifying the linkage afterward.
func (thr *Thread) syncScan() ([]uint64, chain.Error) {

	var deferred []uint64

	parent := thr.root
	parent.Ref()
	parent.Lock(chain.ResolveAlways | howShared)

	keyBeg := uint64(1)
	keyEnd := ^uint64(0)

	local, localNext, le := chain.Lookup(&parent, keyBeg, keyEnd,
		chain.LookupShared|chain.LookupNodirect)
	if le.Fatal() {
		thr.unwind(parent, local)
		return nil, le
	}

	remote, remoteNext, re := thr.quorum.Lookup(keyBeg, keyEnd)
	if re != 0 && re != chain.ErrEOF {
		thr.unwind(parent, local)
		return nil, re
	}

	for local != nil || remote != nil {

		var cmp int
		switch {
		case local == nil:
			cmp = 1 // local is missing entries
		case remote == nil:
			cmp = -1 // local has extra entries
		case local.Bref.Key < remote.Bref.Key:
			cmp = -1
		case local.Bref.Key > remote.Bref.Key:
			cmp = 1
		default:
			cmp = 0
		}

		switch {
		case cmp < 0:
			e := thr.syncDestroy(&parent, local)
			if e != 0 && e != chain.ErrAgain {
				thr.unwind(parent, nil)
				return deferred, e
			}
			local = nil
			local, localNext, le = chain.Lookup(&parent, localNext, keyEnd,
				chain.LookupShared|chain.LookupNodirect)

		case cmp > 0:
			e := thr.syncInsert(&parent, remote)
			if e != 0 && e != chain.ErrAgain {
				thr.unwind(parent, local)
				return deferred, e
			}
			remote, remoteNext, re = thr.quorum.Lookup(remoteNext, keyEnd)

		default:
			if local.Bref.ModifyTID != remote.Bref.ModifyTID {
				deferInum, e := thr.syncReplace(&parent, local, remote)
				if e != 0 && e != chain.ErrAgain {
					thr.unwind(parent, nil)
					return deferred, e
				}
				if deferInum != 0 {
					if len(deferred) >= deferLimit {
						thr.unwind(parent, nil)
						return deferred, chain.ErrAgain
					}
					deferred = append(deferred, deferInum)
				}
				local = nil
			}
			if local != nil {
				local.Unlock(howShared)
				local.Unref()
				local = nil
			}
			local, localNext, le = chain.Lookup(&parent, localNext, keyEnd,
				chain.LookupShared|chain.LookupNodirect)
			remote, remoteNext, re = thr.quorum.Lookup(remoteNext, keyEnd)
		}

		if le.Fatal() {
			thr.unwind(parent, local)
			return deferred, le
		}
		if re != 0 && re != chain.ErrEOF {
			thr.unwind(parent, local)
			return deferred, re
		}
	}

	thr.unwind(parent, local)
	return deferred, 0
}

// howShared is the shared lock mode used for scan-side locking.
const howShared = chain.LockShared

// bump advances the backlog spinner by one replayed entry.
func (thr *Thread) bump() {
	if thr.bar != nil {
		thr.bar.Increment(1)
	}
}

func (thr *Thread) unwind(parent *chain.Chain, local *chain.Chain) {
	if local != nil && local != parent {
		local.Unlock(howShared)
		local.Unref()
	}
	parent.Unlock(howShared)
	parent.Unref()
}

// relockExclusive drops the shared parent lock and takes it exclusively.
// It always returns true; callers re-check the linkage themselves.
func relockExclusive(parent *chain.Chain) bool {
	parent.Unlock(howShared)
	parent.Lock(chain.ResolveAlways)
	return true
}

func relockShared(parent *chain.Chain) {
	parent.Unlock(0)
	parent.Lock(chain.ResolveAlways | howShared)
}

// syncDestroy removes a local entry the quorum no longer has.
func (thr *Thread) syncDestroy(parentp **chain.Chain, local *chain.Chain) chain.Error {

	parent := *parentp

	local.Unlock(howShared)
	relockExclusive(parent)
	defer relockShared(parent)

	local.Lock(chain.ResolveNever)
	defer func() {
		local.Unlock(0)
		local.Unref()
	}()

	if local.Parent() != parent {
		return chain.ErrAgain
	}

	t := thr.tm.Begin(flush.TransNormal)
	defer t.Done()

	thr.log.Debugf("sync: destroy key %016x", local.Bref.Key)
	e := chain.Delete(parent, local, t.MTID, chain.DeletePermanent)
	if e == 0 {
		thr.bump()
	}
	return e
}

// syncInsert copies a quorum entry the local replica is missing.
func (thr *Thread) syncInsert(parentp **chain.Chain, remote *Entry) chain.Error {

	relockExclusive(*parentp)
	defer func() {
		// creation may have repositioned the parent; re-lock
		// whatever it is now
		relockShared(*parentp)
	}()

	t := thr.tm.Begin(flush.TransNormal)
	defer t.Done()

	thr.log.Debugf("sync: insert key %016x", remote.Bref.Key)

	ch, e := chain.Create(parentp, remote.Bref.Key, remote.Bref.KeyBits,
		remote.Bref.Type, len(remote.Data), t.MTID, 0, 0)
	if e != 0 {
		return e
	}

	if len(remote.Data) > 0 {
		copy(ch.Data(), remote.Data)
		ch.ClearFlag(chain.FlagInitial)
	}
	ch.Bref.Methods = remote.Bref.Methods
	ch.Bref.Embed = remote.Bref.Embed
	if _, check := ondisk.DecMethods(remote.Bref.Methods); check == ondisk.CheckNone {
		ch.Bref.Check = remote.Bref.Check // short dirent names ride the check area
	}
	ch.Bref.ModifyTID = remote.Bref.ModifyTID
	ch.Bref.UpdateTID = remote.Bref.UpdateTID

	ch.Unlock(0)
	ch.Unref()
	thr.bump()
	return 0
}

// syncReplace overwrites a divergent local entry with the quorum copy.
// Inodes are not adopted wholesale: their subtree must converge first,
// so the inode number is returned for deferral. PFS roots only take a
// restricted subset of fields so the root's identity survives.
func (thr *Thread) syncReplace(parentp **chain.Chain, local *chain.Chain,
	remote *Entry) (uint64, chain.Error) {

	parent := *parentp

	local.Unlock(howShared)
	relockExclusive(parent)
	defer relockShared(parent)

	local.Lock(chain.ResolveAlways)
	defer func() {
		local.Unlock(0)
		local.Unref()
	}()

	if local.Parent() != parent {
		return 0, chain.ErrAgain
	}

	t := thr.tm.Begin(flush.TransNormal)
	defer t.Done()

	thr.log.Debugf("sync: replace key %016x", remote.Bref.Key)

	if local.Bref.Type == ondisk.TypeInode && remote.Bref.Type == ondisk.TypeInode {
		return thr.replaceInode(local, remote, t.MTID)
	}

	// resize if necessary, then overwrite
	if len(remote.Data) != local.Bytes {
		radix := ondisk.SizeRadix(len(remote.Data))
		if radix < ondisk.RadixMin {
			radix = ondisk.RadixMin
		}
		if e := local.Resize(radix, t.MTID, 0); e != 0 {
			return 0, e
		}
	} else if e := local.Modify(t.MTID, 0, chain.ModifyKeepTIDs); e != 0 {
		return 0, e
	}

	copy(local.Data(), remote.Data)
	local.Bref.Type = remote.Bref.Type
	local.Bref.Methods = remote.Bref.Methods
	local.Bref.KeyBits = remote.Bref.KeyBits
	local.Bref.Embed = remote.Bref.Embed
	local.Bref.ModifyTID = remote.Bref.ModifyTID
	local.Bref.UpdateTID = remote.Bref.UpdateTID
	if _, check := ondisk.DecMethods(remote.Bref.Methods); check == ondisk.CheckNone {
		local.Bref.Check = remote.Bref.Check
	}

	thr.bump()
	return 0, 0
}

// replaceInode merges a quorum inode. Non-root inodes keep their local
// blockset and defer subtree convergence; PFS roots copy only the
// restricted field subset and preserve their blockset and its computed
// check.
func (thr *Thread) replaceInode(local *chain.Chain, remote *Entry, mtid uint64) (uint64, chain.Error) {

	var lip, rip ondisk.InodeData
	if lip.Unmarshal(local.Data()) != nil || rip.Unmarshal(remote.Data) != nil {
		return 0, chain.ErrBadBref
	}

	if e := local.Modify(mtid, 0, chain.ModifyKeepTIDs); e != 0 {
		return 0, e
	}
	if lip.Unmarshal(local.Data()) != nil {
		return 0, chain.ErrBadBref
	}

	pfsRoot := lip.Meta.Uflags&ondisk.InodeFlagPFSRoot != 0

	lip.Meta.Mtime = rip.Meta.Mtime
	lip.Meta.Ctime = rip.Meta.Ctime
	lip.Meta.Atime = rip.Meta.Atime
	lip.Meta.UID = rip.Meta.UID
	lip.Meta.GID = rip.Meta.GID
	lip.Meta.Mode = rip.Meta.Mode
	lip.Meta.DataQuota = rip.Meta.DataQuota
	lip.Meta.InodeQuota = rip.Meta.InodeQuota
	lip.Meta.CompAlgo = rip.Meta.CompAlgo
	lip.Meta.CheckAlgo = rip.Meta.CheckAlgo
	lip.Meta.AttrTID = rip.Meta.AttrTID
	lip.Meta.DirentTID = rip.Meta.DirentTID

	if !pfsRoot {
		lip.Meta.Size = rip.Meta.Size
		lip.Meta.Nlinks = rip.Meta.Nlinks
	}

	copy(local.Data(), lip.Marshal())
	thr.bump()

	if pfsRoot {
		// identity fields, the blockset, and its check stay local
		return 0, 0
	}

	// subtree first; the caller defers adoption of the remote tid
	return rip.Meta.Inum, 0
}
