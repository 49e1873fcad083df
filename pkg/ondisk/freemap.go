package ondisk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Freemap geometry. The allocator manages 16KiB blocks through 2-bit
// states packed into 2MiB bmap segments; a 32KiB freemap leaf carries 128
// bmap segments (256MiB of device space) and freemap nodes fan out 256
// ways above that. The 2GiB zone granularity governs reserved areas and
// volume alignment, not leaf span.
const (
	FreemapBlockRadix = 14 // 16KiB allocation quantum
	FreemapBlockSize  = 1 << FreemapBlockRadix
	FreemapBlockMask  = FreemapBlockSize - 1

	FreemapLevel0Radix = 21 // one bmap entry: 2MiB
	FreemapLevel1Radix = 28 // leaf: 128 bmap entries, 256MiB
	FreemapLevel2Radix = 36 // node: 256 leaf brefs, 64GiB
	FreemapLevel3Radix = 44 // 16TiB
	FreemapLevel4Radix = 52 // 4PiB
	FreemapLevel5Radix = 60 // virtual root span

	FreemapLevelNPSize = 32768

	FreemapCount     = 128 // bmap entries per leaf
	FreemapNodeCount = FreemapLevelNPSize / BlockrefSize

	BmapSize     = 256
	BmapElements = 8 // 32-bit bitmap words per bmap entry
	BmapBlocks   = BmapElements * 16

	// 2-bit allocation states
	BitmapFree     = 0
	BitmapArmored  = 1 // reserved/unused
	BitmapPossible = 2 // possibly free, pending bulkfree
	BitmapAlloc    = 3

	// Rotating freemap copies inside each zone's reserved area, in
	// 64KiB block units. Block 0 holds the volume header (zones 0-3);
	// each copy occupies 8 leaf slots plus one slot per node level.
	ZoneFreemapBase = 1
	ZoneFreemapInc  = 11 // blocks per copy: 8 leaves + L2 + L3 + L4
	FreemapCopies   = 4
	ZoneFreemapEnd  = ZoneFreemapBase + ZoneFreemapInc*FreemapCopies

	zoneLeafCount = int(ZoneBytes >> FreemapLevel1Radix) // leaves per 2GiB zone
)

// BmapData is one 256-byte bmap entry covering 2MiB through 2-bit
// per-16KiB allocation states, with a linear sub-allocator for requests
// below the 16KiB quantum.
type BmapData struct {
	Linear int32
	Class  uint16
	_      uint8
	_      uint8
	Avail  int32
	_      [BmapSize - 12 - 4*BmapElements]byte
	Bitmap [BmapElements]uint32
}

// FreemapLeaf is a 32KiB leaf block of 128 bmap entries.
type FreemapLeaf struct {
	Bmaps [FreemapCount]BmapData
}

// FreemapNode is a 32KiB interior freemap block of 256 blockrefs.
type FreemapNode struct {
	Brefs [FreemapNodeCount]Blockref
}

// Marshal encodes the leaf in its media layout.
func (fl *FreemapLeaf) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(FreemapLevelNPSize)
	_ = binary.Write(buf, binary.LittleEndian, fl)
	return buf.Bytes()
}

// Unmarshal decodes a leaf from its media layout.
func (fl *FreemapLeaf) Unmarshal(p []byte) error {
	if len(p) < FreemapLevelNPSize {
		return fmt.Errorf("freemap leaf: short buffer (%d bytes)", len(p))
	}
	return binary.Read(bytes.NewReader(p[:FreemapLevelNPSize]), binary.LittleEndian, fl)
}

// Marshal encodes the node in its media layout.
func (fn *FreemapNode) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(FreemapLevelNPSize)
	_ = binary.Write(buf, binary.LittleEndian, fn)
	return buf.Bytes()
}

// Unmarshal decodes a node from its media layout.
func (fn *FreemapNode) Unmarshal(p []byte) error {
	if len(p) < FreemapLevelNPSize {
		return fmt.Errorf("freemap node: short buffer (%d bytes)", len(p))
	}
	return binary.Read(bytes.NewReader(p[:FreemapLevelNPSize]), binary.LittleEndian, fn)
}

// State returns the 2-bit allocation state of the 16KiB block with the
// given index within this bmap entry.
func (bm *BmapData) State(block int) int {
	word := block >> 4
	shift := uint(block&15) << 1
	return int(bm.Bitmap[word]>>shift) & 3
}

// SetState sets the 2-bit allocation state of a 16KiB block index.
func (bm *BmapData) SetState(block int, state int) {
	word := block >> 4
	shift := uint(block&15) << 1
	bm.Bitmap[word] = bm.Bitmap[word]&^(3<<shift) | uint32(state)<<shift
}

// FreemapLevelRadix maps a freemap level (1..5) to its keybits.
func FreemapLevelRadix(level int) uint8 {
	switch level {
	case 1:
		return FreemapLevel1Radix
	case 2:
		return FreemapLevel2Radix
	case 3:
		return FreemapLevel3Radix
	case 4:
		return FreemapLevel4Radix
	default:
		return FreemapLevel5Radix
	}
}

// FreemapBase aligns a key down to the span of the given freemap level.
func FreemapBase(key uint64, level int) uint64 {
	radix := FreemapLevelRadix(level)
	if radix >= 64 {
		return 0
	}
	return key &^ ((uint64(1) << radix) - 1)
}

// FreemapBlockOff computes the physical offset of the freemap block
// covering key at the given level within rotation copy copyIdx. Freemap
// blocks are never allocated through the freemap itself; they occupy
// fixed sub-slots of the reserved area at the base of their governing
// zone.
func FreemapBlockOff(key uint64, level int, copyIdx int) int64 {

	zbase := int64(FreemapBase(key, level)) &^ ZoneMask

	slot := int64(ZoneFreemapBase + copyIdx*ZoneFreemapInc)
	switch level {
	case 1:
		leafIdx := (int64(key) & ZoneMask) >> FreemapLevel1Radix
		slot += leafIdx
	case 2:
		slot += int64(zoneLeafCount)
	case 3:
		slot += int64(zoneLeafCount) + 1
	default:
		slot += int64(zoneLeafCount) + 2
	}

	return zbase + slot*PBufSize
}

// FreemapCopyIndex recovers the rotation copy index from a freemap
// block's current data offset, or -1 when the block has never been
// assigned (initial allocation uses copy 0).
func FreemapCopyIndex(dataOff uint64) int {
	if dataOff == 0 {
		return -1
	}
	blk := (OffBase(dataOff) & ZoneMask) >> PBufRadix
	if blk < ZoneFreemapBase || blk >= ZoneFreemapEnd {
		return -1
	}
	return int(blk-ZoneFreemapBase) / ZoneFreemapInc
}

// FreemapNextCopy returns the rotation copy a freemap block should be
// written to next, given its current data offset.
func FreemapNextCopy(dataOff uint64) int {
	idx := FreemapCopyIndex(dataOff)
	return (idx + 1) % FreemapCopies
}
