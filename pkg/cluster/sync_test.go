package cluster

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vcow/pkg/chain"
	"github.com/vorteil/vcow/pkg/dio"
	"github.com/vorteil/vcow/pkg/flush"
	"github.com/vorteil/vcow/pkg/ondisk"
	"github.com/vorteil/vcow/pkg/volume"
)

const testSize = int64(256) * 1024 * 1024

type bumpAlloc struct {
	mu   sync.Mutex
	next int64
}

func (a *bumpAlloc) Alloc(bref *ondisk.Blockref, bytes int) chain.Error {
	radix := ondisk.SizeRadix(bytes)
	if radix < ondisk.RadixMin {
		radix = ondisk.RadixMin
	}
	size := ondisk.RadixSize(radix)
	a.mu.Lock()
	off := (a.next + size - 1) &^ (size - 1)
	a.next = off + size
	a.mu.Unlock()
	bref.DataOff = ondisk.MakeOff(off, radix)
	return 0
}

func (a *bumpAlloc) MayFree(dataOff uint64, bytes int64) {
}

// replica is one cluster slot's standalone world: device, chain core,
// transaction manager, and a root inode chain.
type replica struct {
	dev  *chain.Dev
	tm   *flush.Mgr
	root *chain.Chain
}

func newReplica(t *testing.T) *replica {

	d, err := dio.NewDevice(dio.NewSparse(testSize), testSize, 128, nil)
	require.NoError(t, err)

	set := &volume.Set{
		Volumes: []*volume.Volume{{Dev: d, ID: 0, Loff: 0, Size: testSize}},
	}
	set.Header.TotalSize = uint64(testSize)
	set.Header.AllocatorBeg = uint64(ondisk.ZoneSegBytes)
	set.Header.MirrorTID = 1

	dev := chain.NewDev(set, nil)
	dev.Alloc = &bumpAlloc{next: ondisk.ZoneSegBytes}

	root := chain.New(dev, ondisk.Blockref{Type: ondisk.TypeInode})
	root.Bytes = ondisk.InodeSize
	root.SetFlag(chain.FlagInitial | chain.FlagModified)

	return &replica{dev: dev, tm: flush.NewMgr(dev), root: root}
}

// put creates or replaces a data entry with the given content and
// modify_tid.
func (r *replica) put(t *testing.T, key uint64, content string, mtid uint64) {

	parent := r.root
	parent.Ref()
	require.Zero(t, parent.Lock(chain.ResolveAlways))

	ch, e := chain.Create(&parent, key, 12, ondisk.TypeData, 4096, mtid, 0, 0)
	require.Zero(t, e)
	copy(ch.Data(), content)
	ch.ClearFlag(chain.FlagInitial)
	ch.Bref.ModifyTID = mtid
	ch.Unlock(0)
	ch.Unref()

	parent.Unlock(0)
	parent.Unref()
}

// get returns the content and modify_tid of an entry, or nil.
func (r *replica) get(t *testing.T, key uint64) ([]byte, uint64) {

	parent := r.root
	parent.Ref()
	require.Zero(t, parent.Lock(chain.ResolveAlways|chain.LockShared))

	ch, _, e := chain.Lookup(&parent, key, ondisk.KeyRangeEnd(key, 12),
		chain.LookupShared|chain.LookupNodirect)
	require.False(t, e.Fatal())

	var data []byte
	var mtid uint64
	if ch != nil {
		raw := ch.Data()
		data = make([]byte, len(raw))
		copy(data, raw)
		mtid = ch.Bref.ModifyTID
		if ch != parent {
			ch.Unlock(chain.LockShared)
		}
		ch.Unref()
	}

	parent.Unlock(chain.LockShared)
	parent.Unref()
	return data, mtid
}

func (r *replica) setRootTID(tid uint64) {
	r.root.Bref.ModifyTID = tid
	r.root.Bref.UpdateTID = tid
}

func TestSyncNoopWhenConverged(t *testing.T) {

	leader := newReplica(t)
	follower := newReplica(t)
	leader.setRootTID(50)
	follower.setRootTID(50)

	thr := NewThread(follower.dev, follower.tm, follower.root,
		NewLoopback(1, leader.root), time.Second, nil)

	assert.Zero(t, thr.SyncOnce())
}

func TestSyncReplaceConverges(t *testing.T) {

	leader := newReplica(t)
	follower := newReplica(t)

	leader.put(t, 0x1000, "fresh quorum content", 100)
	leader.setRootTID(100)

	follower.put(t, 0x1000, "stale local content!!", 99)
	follower.setRootTID(99)

	thr := NewThread(follower.dev, follower.tm, follower.root,
		NewLoopback(1, leader.root), time.Second, nil)

	require.Zero(t, thr.SyncOnce())

	data, mtid := follower.get(t, 0x1000)
	require.NotNil(t, data)
	assert.Equal(t, uint64(100), mtid)
	assert.Equal(t, []byte("fresh quorum content"), data[:20])

	want, _ := leader.get(t, 0x1000)
	assert.Equal(t, want, data, "replica content must be byte-identical")
	assert.Equal(t, uint64(100), follower.root.Bref.ModifyTID)
}

func TestSyncInsertAndDestroy(t *testing.T) {

	leader := newReplica(t)
	follower := newReplica(t)

	leader.put(t, 0x1000, "shared", 10)
	leader.put(t, 0x2000, "leader only", 11)
	leader.setRootTID(11)

	follower.put(t, 0x1000, "shared", 10)
	follower.put(t, 0x3000, "follower only", 9)
	follower.setRootTID(9)

	thr := NewThread(follower.dev, follower.tm, follower.root,
		NewLoopback(1, leader.root), time.Second, nil)

	require.Zero(t, thr.SyncOnce())

	inserted, _ := follower.get(t, 0x2000)
	require.NotNil(t, inserted)
	assert.Equal(t, []byte("leader only"), inserted[:11])

	gone, _ := follower.get(t, 0x3000)
	assert.Nil(t, gone)

	kept, _ := follower.get(t, 0x1000)
	assert.Equal(t, []byte("shared"), kept[:6])
}

func TestSyncIncompleteWithoutQuorum(t *testing.T) {

	follower := newReplica(t)
	thr := NewThread(follower.dev, follower.tm, follower.root,
		NewLoopback(2), time.Second, nil)

	e := thr.SyncOnce()
	assert.True(t, e.Has(chain.ErrIncomplete))
}

func TestThreadLifecycle(t *testing.T) {

	leader := newReplica(t)
	follower := newReplica(t)
	leader.setRootTID(5)
	follower.setRootTID(5)

	thr := NewThread(follower.dev, follower.tm, follower.root,
		NewLoopback(1, leader.root), 50*time.Millisecond, nil)
	thr.Start()

	thr.Signal(ThreadFreeze)
	require.Eventually(t, thr.Frozen, time.Second, 5*time.Millisecond)

	thr.Signal(ThreadUnfreeze)
	require.Eventually(t, func() bool { return !thr.Frozen() }, time.Second, 5*time.Millisecond)

	thr.Stop()
}

func TestClusterQuorumResolve(t *testing.T) {

	r1 := newReplica(t)
	r2 := newReplica(t)
	r3 := newReplica(t)
	r1.setRootTID(7)
	r2.setRootTID(7)
	r3.setRootTID(6)

	cl := New(2,
		&Slot{Chain: r1.root, PFSType: ondisk.PFSTypeMaster},
		&Slot{Chain: r2.root, PFSType: ondisk.PFSTypeMaster},
		&Slot{Chain: r3.root, PFSType: ondisk.PFSTypeMaster},
	)

	assert.NotZero(t, cl.Flags&StatusRDHard, "two agreeing masters meet threshold 2")
	assert.Zero(t, cl.Flags&StatusMSynced, "a lagging master blocks MSYNCED")
	assert.Equal(t, uint64(7), cl.AgreedTID())

	focus := cl.FocusChain()
	require.NotNil(t, focus)
	assert.Equal(t, uint64(7), focus.Bref.UpdateTID)

	// the laggard catches up
	r3.setRootTID(7)
	cl.Resolve()
	assert.NotZero(t, cl.Flags&StatusMSynced)
}

func TestClusterDegradedWithoutQuorum(t *testing.T) {

	r1 := newReplica(t)
	r1.setRootTID(3)

	cl := New(2, &Slot{Chain: r1.root, PFSType: ondisk.PFSTypeMaster})
	assert.Zero(t, cl.Flags&StatusRDHard)
	assert.NotZero(t, cl.Flags&(StatusRDSoft|StatusWRSoft))
}
