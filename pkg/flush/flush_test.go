package flush

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

func newTestDev(t *testing.T) *chain.Dev {

	d, err := dio.NewDevice(dio.NewSparse(testSize), testSize, 256, nil)
	require.NoError(t, err)

	set := &volume.Set{
		Volumes: []*volume.Volume{{Dev: d, ID: 0, Loff: 0, Size: testSize}},
	}
	set.Header.TotalSize = uint64(testSize)
	set.Header.AllocatorBeg = uint64(ondisk.ZoneSegBytes)
	set.Header.MirrorTID = 1

	dev := chain.NewDev(set, nil)
	dev.Alloc = &bumpAlloc{next: ondisk.ZoneSegBytes}
	return dev
}

func TestTransCounts(t *testing.T) {

	tm := NewMgr(newTestDev(t))

	t1 := tm.Begin(TransNormal)
	t2 := tm.Begin(TransNormal)
	assert.Equal(t, 2, tm.Active())

	t1.Done()
	t2.Done()
	assert.Equal(t, 0, tm.Active())
}

func TestTransSubMonotonic(t *testing.T) {

	tm := NewMgr(newTestDev(t))
	tr := tm.Begin(TransNormal)
	defer tr.Done()

	a := tr.MTID
	b := tr.Sub()
	c := tr.Sub()
	assert.True(t, a < b && b < c, "%d %d %d", a, b, c)
}

func TestSingleFlushAdmission(t *testing.T) {

	tm := NewMgr(newTestDev(t))

	f1 := tm.Begin(TransFlush)

	second := make(chan *Trans, 1)
	go func() {
		second <- tm.Begin(TransFlush)
	}()

	select {
	case <-second:
		t.Fatal("two flush transactions admitted at once")
	case <-time.After(20 * time.Millisecond):
	}

	f1.Done()
	select {
	case f2 := <-second:
		f2.Done()
	case <-time.After(time.Second):
		t.Fatal("second flush never admitted")
	}
}

func TestBufferTransNeverBlocks(t *testing.T) {

	tm := NewMgr(newTestDev(t))

	f := tm.Begin(TransFlush)
	time.Sleep(2 * pendTick) // age the pending flush

	done := make(chan struct{})
	go func() {
		b := tm.Begin(TransBuffer)
		b.Done()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("buffer transaction blocked behind a flush")
	}
	f.Done()
}

func TestRunSettlesModifiedChains(t *testing.T) {

	dev := newTestDev(t)

	root := chain.New(dev, ondisk.Blockref{
		Type:    ondisk.TypeIndirect,
		KeyBits: 32,
	})
	root.Bytes = 65536
	root.SetFlag(chain.FlagInitial | chain.FlagModified)
	require.Zero(t, root.Lock(chain.ResolveAlways))

	parent := root
	parent.Ref()
	ch, e := chain.Create(&parent, 0x1000, 12, ondisk.TypeData, 4096, 2, 0, 0)
	require.Zero(t, e)
	copy(ch.Data(), []byte("flush me to media"))
	ch.ClearFlag(chain.FlagInitial)
	dataOff := ch.Bref.DataOff
	ch.Unlock(0)
	parent.Unlock(0)
	parent.Unref()

	errs, wrote := Run(root, 9, 0, false)
	assert.Zero(t, errs)
	assert.True(t, wrote)

	// the chain settled: no longer modified, slotted into the parent
	assert.Zero(t, ch.Flags()&(chain.FlagModified|chain.FlagUpdate))
	assert.NotZero(t, ch.Flags()&chain.FlagBmapped)
	assert.Equal(t, uint64(9), ch.Bref.MirrorTID)

	root.Lock(chain.ResolveAlways)
	idx := root.BaseFind(0x1000)
	require.True(t, idx >= 0, "blockref not propagated into parent table")
	slot := root.Base()[idx]
	root.Unlock(0)
	assert.Equal(t, dataOff, slot.DataOff)

	// the media image verifies against the propagated check code
	d, local, err := dev.Set.Resolve(slot.DataOff)
	require.NoError(t, err)
	h, err := d.Get(local, int(slot.Bytes()), dio.OpRead)
	require.NoError(t, err)
	raw := h.Data(local, int(slot.Bytes()))
	assert.NoError(t, slot.VerifyCheck(raw))
	assert.Equal(t, []byte("flush me to media"), raw[:17])
	d.Put(h)

	ch.Unref()

	// a second run with nothing dirty does no IO
	errs, wrote = Run(root, 10, 0, false)
	assert.Zero(t, errs)
	assert.False(t, wrote)
}

func TestRunRemovesDeletedChains(t *testing.T) {

	dev := newTestDev(t)

	root := chain.New(dev, ondisk.Blockref{
		Type:    ondisk.TypeIndirect,
		KeyBits: 32,
	})
	root.Bytes = 65536
	root.SetFlag(chain.FlagInitial | chain.FlagModified)
	require.Zero(t, root.Lock(chain.ResolveAlways))

	parent := root
	parent.Ref()
	ch, e := chain.Create(&parent, 0x2000, 12, ondisk.TypeData, 4096, 2, 0, 0)
	require.Zero(t, e)
	ch.Unlock(0)
	ch.Unref()
	parent.Unlock(0)
	parent.Unref()

	_, wrote := Run(root, 5, 0, false)
	require.True(t, wrote)
	root.Lock(chain.ResolveAlways)
	require.True(t, root.BaseFind(0x2000) >= 0)
	root.Unlock(0)

	// delete and flush again: the slot must disappear
	parent = root
	parent.Ref()
	require.Zero(t, parent.Lock(chain.ResolveAlways))
	got, _, e := chain.Lookup(&parent, 0x2000, 0x2FFF, 0)
	require.Zero(t, e)
	require.NotNil(t, got)
	require.Zero(t, chain.Delete(parent, got, 6, 0))
	got.Unlock(0)
	got.Unref()
	parent.Unlock(0)
	parent.Unref()

	_, wrote = Run(root, 7, 0, false)
	assert.True(t, wrote)

	root.Lock(chain.ResolveAlways)
	assert.True(t, root.BaseFind(0x2000) < 0)
	root.Unlock(0)
}
