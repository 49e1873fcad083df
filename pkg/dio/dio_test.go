package dio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vcow/pkg/ondisk"
)

func newTestDevice(t *testing.T, size int64, lruCap int) (*Device, *Buffer) {
	backing := NewBuffer(size)
	dev, err := NewDevice(backing, size, lruCap, nil)
	require.NoError(t, err)
	return dev, backing
}

func TestDeviceSizeValidation(t *testing.T) {

	_, err := NewDevice(NewBuffer(1000), 1000, 0, nil)
	assert.Error(t, err)

	_, err = NewDevice(NewBuffer(ondisk.PBufSize), ondisk.PBufSize, 0, nil)
	assert.NoError(t, err)
}

func TestGetCachesHandles(t *testing.T) {

	dev, backing := newTestDevice(t, 4*ondisk.PBufSize, 8)
	copy(backing.Bytes()[0x100:], []byte("payload"))

	h1, err := dev.Get(0x100, 16, OpRead)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), h1.Data(0x100, 7))

	// same buffer, same handle
	h2, err := dev.Get(0x200, 16, OpRead)
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	dev.Put(h1)
	dev.Put(h2)
}

func TestGetRejectsBoundaryCross(t *testing.T) {

	dev, _ := newTestDevice(t, 4*ondisk.PBufSize, 8)
	_, err := dev.Get(ondisk.PBufSize-8, 16, OpRead)
	assert.Error(t, err)

	_, err = dev.Get(4*ondisk.PBufSize, 16, OpRead)
	assert.Error(t, err)
}

func TestWriteNewZeroFills(t *testing.T) {

	dev, backing := newTestDevice(t, 2*ondisk.PBufSize, 8)
	copy(backing.Bytes(), []byte("stale"))

	h, err := dev.Get(0, 16, OpWriteNew)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), h.Data(0, 16))
	dev.Put(h)
}

func TestDirtyWriteBack(t *testing.T) {

	dev, backing := newTestDevice(t, 2*ondisk.PBufSize, 8)

	h, err := dev.Get(0, 32, OpWriteNew)
	require.NoError(t, err)
	copy(h.Data(0, 32), []byte("persist me"))
	dev.SetDirty(h)
	dev.Put(h)

	require.NoError(t, dev.Flush())
	assert.Equal(t, []byte("persist me"), backing.Bytes()[:10])
}

func TestBWriteSynchronous(t *testing.T) {

	dev, backing := newTestDevice(t, 2*ondisk.PBufSize, 8)

	h, err := dev.Get(ondisk.PBufSize, 8, OpWriteNew)
	require.NoError(t, err)
	copy(h.Data(ondisk.PBufSize, 8), []byte("direct"))
	require.NoError(t, dev.BWrite(h))
	dev.Put(h)

	assert.Equal(t, []byte("direct"), backing.Bytes()[ondisk.PBufSize:ondisk.PBufSize+6])
}

func TestLRUEviction(t *testing.T) {

	dev, _ := newTestDevice(t, 8*ondisk.PBufSize, 2)

	var handles []*Handle
	for i := int64(0); i < 4; i++ {
		h, err := dev.Get(i*ondisk.PBufSize, 8, OpRead)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		dev.Put(h)
	}

	dev.mu.Lock()
	cached := len(dev.handles)
	dev.mu.Unlock()
	assert.Equal(t, 2, cached)
}

func TestWireKeepsBufferOffLRU(t *testing.T) {

	dev, _ := newTestDevice(t, 2*ondisk.PBufSize, 1)

	h, err := dev.Get(0, 8, OpRead)
	require.NoError(t, err)
	dev.Wire(h)
	dev.Put(h)

	dev.mu.Lock()
	_, stillThere := dev.handles[0]
	onLRU := h.lruElem != nil
	dev.mu.Unlock()
	assert.True(t, stillThere)
	assert.False(t, onLRU)

	dev.Unwire(h)
	dev.mu.Lock()
	onLRU = h.lruElem != nil
	dev.mu.Unlock()
	assert.True(t, onLRU)
}

func TestInvalidateZeroesRange(t *testing.T) {

	dev, _ := newTestDevice(t, 2*ondisk.PBufSize, 8)

	h, err := dev.Get(0, 64, OpWriteNew)
	require.NoError(t, err)
	copy(h.Data(0, 8), []byte("ABCDEFGH"))
	dev.Invalidate(h, 4, 4)
	assert.Equal(t, []byte("ABCD\x00\x00\x00\x00"), h.Data(0, 8))
	dev.Put(h)
}

func TestWriteFailureIsSticky(t *testing.T) {

	backing := NewBuffer(2 * ondisk.PBufSize)
	dev, err := NewDevice(backing, 2*ondisk.PBufSize, 8, nil)
	require.NoError(t, err)

	backing.FailWrites = true
	h, err := dev.Get(0, 8, OpWriteNew)
	require.NoError(t, err)
	assert.Error(t, dev.BWrite(h))
	dev.Put(h)

	assert.Error(t, dev.WriteError())
	assert.Error(t, h.Err())
}

func TestDedupRegistry(t *testing.T) {

	dev, _ := newTestDevice(t, 2*ondisk.PBufSize, 8)

	h, err := dev.Get(0, 4096, OpWriteNew)
	require.NoError(t, err)
	copy(h.Data(0, 4096), []byte("dedup content"))

	hash := dev.DedupSet(h, 0, 4096)
	off, ok := dev.DedupLookup(hash, 4096)
	require.True(t, ok)
	assert.Equal(t, int64(0), off)

	// size mismatch misses
	_, ok = dev.DedupLookup(hash, 8192)
	assert.False(t, ok)

	dev.DedupDelete(0, 4096)
	_, ok = dev.DedupLookup(hash, 4096)
	assert.False(t, ok)

	dev.Put(h)
}
