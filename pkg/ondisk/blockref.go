package ondisk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Blockref is the structure of a block reference as written to the disk.
// It is the 128-byte self-describing pointer to a physical block: its key
// range, type, data offset (with the block radix packed into the low 6
// bits), transaction ids, a 20-byte type-dependent embedded area, and a
// 64-byte check area.
type Blockref struct {
	Type      uint8
	Methods   uint8
	CopyID    uint8
	KeyBits   uint8
	Key       uint64
	DataOff   uint64
	MirrorTID uint64
	ModifyTID uint64
	UpdateTID uint64
	Embed     [20]byte
	Check     [64]byte
}

// ErrBadBlockref is returned when a decoded blockref violates a media
// invariant.
var ErrBadBlockref = errors.New("bad blockref")

// KeyEnd returns the inclusive end of the blockref's key range.
func (bref *Blockref) KeyEnd() uint64 {
	return KeyRangeEnd(bref.Key, bref.KeyBits)
}

// Contains reports whether the key range of child lies entirely within the
// key range of bref.
func (bref *Blockref) Contains(child *Blockref) bool {
	return bref.Key <= child.Key && child.KeyEnd() <= bref.KeyEnd()
}

// Overlaps reports whether the key ranges of two blockrefs intersect.
func (bref *Blockref) Overlaps(other *Blockref) bool {
	return bref.Key <= other.KeyEnd() && other.Key <= bref.KeyEnd()
}

// Radix returns the block radix encoded in the data offset.
func (bref *Blockref) Radix() int {
	return OffRadix(bref.DataOff)
}

// Bytes returns the physical block size encoded in the data offset, or
// zero for an unallocated blockref.
func (bref *Blockref) Bytes() int64 {
	if bref.DataOff == 0 {
		return 0
	}
	return RadixSize(bref.Radix())
}

// Marshal encodes the blockref in its little-endian media layout.
func (bref *Blockref) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(BlockrefSize)
	_ = binary.Write(buf, binary.LittleEndian, bref)
	return buf.Bytes()
}

// Unmarshal decodes a blockref from its media layout.
func (bref *Blockref) Unmarshal(p []byte) error {
	if len(p) < BlockrefSize {
		return fmt.Errorf("blockref: short buffer (%d bytes): %w", len(p), ErrBadBlockref)
	}
	return binary.Read(bytes.NewReader(p[:BlockrefSize]), binary.LittleEndian, bref)
}

// Validate checks the decode-time invariants of a blockref. The reserved
// threshold is the lowest physical address general data may occupy; pass
// zero to skip that check (freemap and volume blockrefs point into
// reserved zones by design).
func (bref *Blockref) Validate(reserved int64) error {

	if bref.Type == TypeEmpty {
		return nil
	}

	if !KeyAligned(bref.Key, bref.KeyBits) {
		return fmt.Errorf("blockref: key %016x not aligned to %d keybits: %w",
			bref.Key, bref.KeyBits, ErrBadBlockref)
	}

	if bref.DataOff != 0 {
		radix := bref.Radix()
		switch bref.Type {
		case TypeFreemapNode, TypeFreemapLeaf:
			// freemap blocks are fixed-size and live in reserved zones
		default:
			if radix < RadixMin || radix > RadixMax {
				return fmt.Errorf("blockref: radix %d out of range: %w", radix, ErrBadBlockref)
			}
			if reserved != 0 && OffBase(bref.DataOff) < reserved {
				return fmt.Errorf("blockref: data offset %016x below reserved threshold %x: %w",
					bref.DataOff, reserved, ErrBadBlockref)
			}
		}
	}

	return nil
}

// DirentHead is the directory-entry header embedded in a DIRENT blockref.
type DirentHead struct {
	Inum    uint64
	NameLen uint16
	DType   uint8
}

// Dirent decodes the dirent header from the embedded area.
func (bref *Blockref) Dirent() DirentHead {
	var dh DirentHead
	dh.Inum = binary.LittleEndian.Uint64(bref.Embed[0:8])
	dh.NameLen = binary.LittleEndian.Uint16(bref.Embed[8:10])
	dh.DType = bref.Embed[10]
	return dh
}

// SetDirent stores a dirent header into the embedded area.
func (bref *Blockref) SetDirent(dh DirentHead) {
	binary.LittleEndian.PutUint64(bref.Embed[0:8], dh.Inum)
	binary.LittleEndian.PutUint16(bref.Embed[8:10], dh.NameLen)
	bref.Embed[10] = dh.DType
}

// Stats holds the recursive data/inode counts embedded in INODE and
// INDIRECT blockrefs.
type Stats struct {
	DataCount  uint64
	InodeCount uint64
}

// Stats decodes the statistics rollup from the embedded area.
func (bref *Blockref) Stats() Stats {
	var st Stats
	st.DataCount = binary.LittleEndian.Uint64(bref.Embed[0:8])
	st.InodeCount = binary.LittleEndian.Uint64(bref.Embed[8:16])
	return st
}

// SetStats stores a statistics rollup into the embedded area.
func (bref *Blockref) SetStats(st Stats) {
	binary.LittleEndian.PutUint64(bref.Embed[0:8], st.DataCount)
	binary.LittleEndian.PutUint64(bref.Embed[8:16], st.InodeCount)
}

// FreemapMeta is the allocator bookkeeping embedded in FREEMAP_NODE and
// FREEMAP_LEAF blockrefs.
type FreemapMeta struct {
	Avail   uint64
	Bigmask uint32
}

// Freemap decodes the freemap bookkeeping from the embedded area.
func (bref *Blockref) Freemap() FreemapMeta {
	var fm FreemapMeta
	fm.Avail = binary.LittleEndian.Uint64(bref.Embed[0:8])
	fm.Bigmask = binary.LittleEndian.Uint32(bref.Embed[8:12])
	return fm
}

// SetFreemap stores freemap bookkeeping into the embedded area.
func (bref *Blockref) SetFreemap(fm FreemapMeta) {
	binary.LittleEndian.PutUint64(bref.Embed[0:8], fm.Avail)
	binary.LittleEndian.PutUint32(bref.Embed[8:12], fm.Bigmask)
}

// EmbedName stores a short directory-entry name directly in the check
// area. Returns false if the name is too long for the short-name
// optimization.
func (bref *Blockref) EmbedName(name string) bool {
	if len(name) > DirentShortNameMax {
		return false
	}
	for i := range bref.Check {
		bref.Check[i] = 0
	}
	copy(bref.Check[:], name)
	return true
}

// EmbeddedName recovers a short name of the given length from the check
// area.
func (bref *Blockref) EmbeddedName(namlen uint16) string {
	if int(namlen) > DirentShortNameMax {
		return ""
	}
	return string(bref.Check[:namlen])
}
