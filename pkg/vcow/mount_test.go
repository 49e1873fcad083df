package vcow

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vcow/pkg/chain"
	"github.com/vorteil/vcow/pkg/dio"
	"github.com/vorteil/vcow/pkg/ondisk"
	"github.com/vorteil/vcow/pkg/volume"
)

const bigVolume = int64(8) << 30 // four header slots, sparse backing

func newFormattedDevices(t *testing.T, size int64) []Device {
	sp := dio.NewSparse(size)
	devices := []Device{{Backing: sp, Size: size}}
	require.NoError(t, Format(devices, volume.FormatOptions{Label: "scratch"}, nil))
	return devices
}

func openMount(t *testing.T, devices []Device) *Mount {
	m, err := Open(devices, nil, nil)
	require.NoError(t, err)
	return m
}

// putFile creates a data block under the super-root and returns its key.
func putFile(t *testing.T, m *Mount, key uint64, content string) {

	tr, err := m.Begin()
	require.NoError(t, err)
	defer tr.Done()

	sroot, e := m.SuperRoot(0)
	require.Zero(t, e)
	parent := sroot

	ch, e := chain.Create(&parent, key, 12, ondisk.TypeData, 4096, tr.MTID, 0, 0)
	require.Zero(t, e)
	copy(ch.Data(), content)
	ch.ClearFlag(chain.FlagInitial)
	ch.Unlock(0)
	ch.Unref()

	parent.Unlock(0)
	parent.Unref()
}

// readFile looks a data block up and returns a copy of its content and
// its data offset.
func readFile(t *testing.T, m *Mount, key uint64) ([]byte, uint64) {

	sroot, e := m.SuperRoot(chain.LookupShared)
	require.Zero(t, e)
	parent := sroot

	ch, _, e := chain.Lookup(&parent, key, ondisk.KeyRangeEnd(key, 12),
		chain.LookupShared|chain.LookupNodirect)
	require.False(t, e.Fatal())

	var data []byte
	var off uint64
	if ch != nil {
		data = make([]byte, len(ch.Data()))
		copy(data, ch.Data())
		off = ch.Bref.DataOff
		if ch != parent {
			ch.Unlock(chain.LockShared)
		}
		ch.Unref()
	}
	parent.Unlock(chain.LockShared)
	parent.Unref()
	return data, off
}

func TestMountFormatsAndOpens(t *testing.T) {

	devices := newFormattedDevices(t, bigVolume)
	m := openMount(t, devices)

	assert.Equal(t, uint64(1), m.Set.Header.MirrorTID)
	assert.Equal(t, 0, m.Set.Slot)
	require.NoError(t, m.Close())
}

func TestWriteFlushReadBack(t *testing.T) {

	devices := newFormattedDevices(t, bigVolume)
	m := openMount(t, devices)

	putFile(t, m, 0x1000, "hello volume")
	require.Zero(t, m.Sync())

	data, off := readFile(t, m, 0x1000)
	require.NotNil(t, data)
	assert.Equal(t, []byte("hello volume"), data[:12])
	assert.NotZero(t, off)

	require.NoError(t, m.Close())
}

func TestCopyOnWriteRelocates(t *testing.T) {

	devices := newFormattedDevices(t, bigVolume)
	m := openMount(t, devices)

	putFile(t, m, 0x1000, "original contents")
	require.Zero(t, m.Sync())

	_, oldOff := readFile(t, m, 0x1000)
	require.NotZero(t, oldOff)

	// mutate the first byte under a new transaction
	tr, err := m.Begin()
	require.NoError(t, err)
	sroot, e := m.SuperRoot(0)
	require.Zero(t, e)
	parent := sroot
	ch, _, e := chain.Lookup(&parent, 0x1000, 0x1FFF, 0)
	require.False(t, e.Fatal())
	require.NotNil(t, ch)
	require.Zero(t, ch.Modify(tr.MTID, 0, 0))
	ch.Data()[0] = 'O'
	ch.Unlock(0)
	ch.Unref()
	parent.Unlock(0)
	parent.Unref()
	tr.Done()

	require.Zero(t, m.Sync())

	_, newOff := readFile(t, m, 0x1000)
	assert.NotEqual(t, oldOff, newOff, "copy-on-write must relocate the block")

	// never-overwrite-live-data: the superseded block is intact on
	// media
	d, local, err := m.Set.Resolve(oldOff)
	require.NoError(t, err)
	h, err := d.Get(local, 4096, dio.OpRead)
	require.NoError(t, err)
	assert.Equal(t, []byte("original contents"), h.Data(local, 17))
	d.Put(h)

	require.NoError(t, m.Close())
}

func TestHeaderRotation(t *testing.T) {

	devices := newFormattedDevices(t, bigVolume)
	m := openMount(t, devices)

	require.Equal(t, 0, m.Set.Slot)
	tid0 := m.Set.Header.MirrorTID

	putFile(t, m, 0x1000, "epoch one")
	require.Zero(t, m.Sync())
	assert.Equal(t, 1, m.Set.Slot)
	tid1 := m.Set.Header.MirrorTID
	assert.True(t, tid1 > tid0)

	putFile(t, m, 0x2000, "epoch two")
	require.Zero(t, m.Sync())
	assert.Equal(t, 2, m.Set.Slot)
	assert.True(t, m.Set.Header.MirrorTID > tid1)

	// a clean flush does no IO and rotates nothing
	slot := m.Set.Slot
	tid := m.Set.Header.MirrorTID
	require.Zero(t, m.Sync())
	assert.Equal(t, slot, m.Set.Slot)
	assert.Equal(t, tid, m.Set.Header.MirrorTID)

	require.NoError(t, m.Close())

	// a fresh mount selects the newest valid copy
	m2 := openMount(t, devices)
	assert.Equal(t, slot, m2.Set.Slot)
	assert.Equal(t, tid, m2.Set.Header.MirrorTID)
	require.NoError(t, m2.Close())
}

func TestRemountReachesIdenticalState(t *testing.T) {

	devices := newFormattedDevices(t, bigVolume)

	m := openMount(t, devices)
	putFile(t, m, 0x1000, "persistent one")
	putFile(t, m, 0x2000, "persistent two")
	require.NoError(t, m.Close())

	m2 := openMount(t, devices)
	one, _ := readFile(t, m2, 0x1000)
	two, _ := readFile(t, m2, 0x2000)
	require.NotNil(t, one)
	require.NotNil(t, two)
	assert.Equal(t, []byte("persistent one"), one[:14])
	assert.Equal(t, []byte("persistent two"), two[:14])
	require.NoError(t, m2.Close())

	// and a third mount observes exactly the same bytes
	m3 := openMount(t, devices)
	again, _ := readFile(t, m3, 0x1000)
	assert.Equal(t, one, again)
	require.NoError(t, m3.Close())
}

func TestBulkfreeReclaimsDeletedExtents(t *testing.T) {

	devices := newFormattedDevices(t, bigVolume)
	m := openMount(t, devices)

	putFile(t, m, 0x1000, "doomed")
	require.Zero(t, m.Sync())

	freeBefore := m.Set.Header.AllocatorFree

	// delete the file
	tr, err := m.Begin()
	require.NoError(t, err)
	sroot, e := m.SuperRoot(0)
	require.Zero(t, e)
	parent := sroot
	ch, _, e := chain.Lookup(&parent, 0x1000, 0x1FFF, 0)
	require.False(t, e.Fatal())
	require.NotNil(t, ch)
	require.Zero(t, chain.Delete(parent, ch, tr.MTID, chain.DeletePermanent))
	ch.Unlock(0)
	ch.Unref()
	parent.Unlock(0)
	parent.Unref()
	tr.Done()

	freed, err := m.Bulkfree()
	require.NoError(t, err)
	assert.True(t, freed > 0, "bulkfree reclaimed nothing")
	assert.True(t, m.Set.Header.AllocatorFree > freeBefore)

	gone, _ := readFile(t, m, 0x1000)
	assert.Nil(t, gone)

	require.NoError(t, m.Close())
}

func TestWriteFailureDegradesToReadOnly(t *testing.T) {

	size := int64(128) * 1024 * 1024
	backing := dio.NewBuffer(size)
	devices := []Device{{Backing: backing, Size: size}}
	require.NoError(t, Format(devices, volume.FormatOptions{}, nil))

	m := openMount(t, devices)
	putFile(t, m, 0x1000, "will not make it")

	backing.FailWrites = true
	assert.NotZero(t, m.Sync())
	assert.True(t, m.Dev.ReadOnly())

	_, err := m.Begin()
	assert.Error(t, err)
}

func TestErrnoMapping(t *testing.T) {

	assert.Equal(t, "input/output error", Errno(chain.ErrIO).Error())
	assert.Equal(t, Errno(chain.ErrNoSpace), Errno(chain.ErrNoSpace))
	assert.NotEqual(t, Errno(chain.ErrCheck), Errno(chain.ErrIO))
	assert.Nil(t, mapError(0))
	assert.Error(t, mapError(chain.ErrNoEntry))
}
