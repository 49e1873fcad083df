package ondisk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBmapStates(t *testing.T) {

	var bm BmapData
	for blk := 0; blk < BmapBlocks; blk++ {
		assert.Equal(t, BitmapFree, bm.State(blk))
	}

	bm.SetState(0, BitmapAlloc)
	bm.SetState(17, BitmapPossible)
	bm.SetState(127, BitmapArmored)

	assert.Equal(t, BitmapAlloc, bm.State(0))
	assert.Equal(t, BitmapPossible, bm.State(17))
	assert.Equal(t, BitmapArmored, bm.State(127))
	assert.Equal(t, BitmapFree, bm.State(1))

	bm.SetState(17, BitmapFree)
	assert.Equal(t, BitmapFree, bm.State(17))
}

func TestFreemapLeafRoundTrip(t *testing.T) {

	var fl FreemapLeaf
	fl.Bmaps[3].Linear = 512
	fl.Bmaps[3].Avail = 1 << 20
	fl.Bmaps[3].SetState(5, BitmapAlloc)

	p := fl.Marshal()
	assert.Len(t, p, FreemapLevelNPSize)

	var out FreemapLeaf
	assert.NoError(t, out.Unmarshal(p))
	assert.Equal(t, int32(512), out.Bmaps[3].Linear)
	assert.Equal(t, BitmapAlloc, out.Bmaps[3].State(5))
}

func TestFreemapBlockPlacement(t *testing.T) {

	// leaf for the first 256MiB lives in zone 0's reserved area
	off := FreemapBlockOff(0, 1, 0)
	assert.Equal(t, int64(ZoneFreemapBase)*PBufSize, off)

	// second leaf of the zone occupies the next sub-slot
	off2 := FreemapBlockOff(uint64(1)<<FreemapLevel1Radix, 1, 0)
	assert.Equal(t, off+PBufSize, off2)

	// a later rotation copy is offset by the copy stride
	off3 := FreemapBlockOff(0, 1, 2)
	assert.Equal(t, int64(ZoneFreemapBase+2*ZoneFreemapInc)*PBufSize, off3)

	// all placements stay inside the zone's reserved area
	for copyIdx := 0; copyIdx < FreemapCopies; copyIdx++ {
		for level := 1; level <= 4; level++ {
			o := FreemapBlockOff(0, level, copyIdx)
			assert.True(t, o >= PBufSize && o < ZoneSegBytes,
				"level %d copy %d at %x", level, copyIdx, o)
		}
	}
}

func TestFreemapRotation(t *testing.T) {

	assert.Equal(t, 0, FreemapNextCopy(0)) // initial assignment

	off := MakeOff(FreemapBlockOff(0, 1, 0), 15)
	assert.Equal(t, 0, FreemapCopyIndex(off))
	assert.Equal(t, 1, FreemapNextCopy(off))

	off3 := MakeOff(FreemapBlockOff(0, 1, 3), 15)
	assert.Equal(t, 3, FreemapCopyIndex(off3))
	assert.Equal(t, 0, FreemapNextCopy(off3)) // wraps, three generations survive
}

func TestDirentKeyProperties(t *testing.T) {

	assert.Equal(t, uint64(0), DirentKey(""))

	seen := make(map[uint64]string)
	for _, name := range []string{"a", "b", "file.txt", "FILE.TXT", "x", "xx", "xxx"} {
		k := DirentKey(name)
		assert.NotZero(t, k, "name %q", name)
		assert.Zero(t, k&(uint64(1)<<63), "bit 63 must stay clear for %q", name)
		if prev, dup := seen[k]; dup {
			t.Fatalf("collision between %q and %q", prev, name)
		}
		seen[k] = name
	}

	// stable
	assert.Equal(t, DirentKey("stable"), DirentKey("stable"))
}
