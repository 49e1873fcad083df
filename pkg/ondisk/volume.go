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
	"hash/crc32"
)

// Section boundaries covered by the three independent header CRCs. The
// CRC words themselves sit at the tail of section 0 and are excluded from
// their own coverage.
const (
	VolumeICRC0Off  = 0
	VolumeICRC0Size = 0x01F0
	VolumeICRC1Off  = 0x0200
	VolumeICRC1Size = 0x0600
	VolumeICRCVHOff = 0x0800
	VolumeCRCWords  = 0x01F0
)

// BlocksetCount is the fan-out of a root blockset. An inode's payload and
// the volume header's root areas each carry one blockset.
const BlocksetCount = 4

// Blockset is a fixed array of blockrefs used for the topology and
// freemap roots and for inode payloads.
type Blockset [BlocksetCount]Blockref

// VolumeHeader is the structure of a volume header as written to the
// disk. Four rotating copies live at offsets i*ZoneBytes for i in [0,4).
type VolumeHeader struct {
	Magic         uint64 // 0x0000
	Version       uint32 // 0x0008
	Flags         uint32 // 0x000C
	Fsid          [16]byte
	Fstype        [16]byte
	VoluID        uint32 // 0x0030
	NVolumes      uint32
	VoluSize      uint64 // 0x0038 size of this backing volume
	TotalSize     uint64 // 0x0040 size of the whole volume set
	VoluLoff      [4]uint64
	AllocatorSize uint64 // 0x0068
	AllocatorFree uint64
	AllocatorBeg  uint64
	FreeReserved  uint64
	MirrorTID     uint64 // 0x0088
	FreemapTID    uint64
	BulkfreeTID   uint64
	_             [0x01F0 - 0x00A0]byte
	ICRC0         uint32 // 0x01F0 covers [0x0000, 0x01F0)
	ICRC1         uint32 // 0x01F4 covers [0x0200, 0x0800)
	ICRCVH        uint32 // 0x01F8 covers [0x0800, 0x10000)
	_             uint32

	SrootBlockset   Blockset // 0x0200 topology root
	FreemapBlockset Blockset // 0x0400 freemap root
	_               [0x0200]byte

	_ [VolumeHeaderSize - 0x0800]byte
}

var icrcTable = crc32.MakeTable(crc32.Castagnoli)

// Volume header validation failures.
var (
	ErrBadMagic         = errors.New("volume header magic mismatch")
	ErrReversedEndian   = errors.New("reversed-endian volume header not supported")
	ErrBadVersion       = errors.New("volume header version out of range")
	ErrBadHeaderCRC     = errors.New("volume header crc mismatch")
	ErrVolumeMismatch   = errors.New("volume set validation failed")
	ErrAllHeadersBad    = errors.New("no valid volume header found")
	ErrShortVolume      = errors.New("volume too small")
	ErrVolumeMisaligned = errors.New("volume size misaligned")
)

// ICRC computes the CRC used for header sections and freemap blocks.
func ICRC(p []byte) uint32 {
	return crc32.Checksum(p, icrcTable)
}

// Marshal encodes the header, computing all three section CRCs over the
// staged bytes before returning them.
func (vh *VolumeHeader) Marshal() []byte {

	buf := new(bytes.Buffer)
	buf.Grow(VolumeHeaderSize)
	_ = binary.Write(buf, binary.LittleEndian, vh)
	p := buf.Bytes()

	vh.ICRC0 = ICRC(p[VolumeICRC0Off : VolumeICRC0Off+VolumeICRC0Size])
	vh.ICRC1 = ICRC(p[VolumeICRC1Off : VolumeICRC1Off+VolumeICRC1Size])
	vh.ICRCVH = ICRC(p[VolumeICRCVHOff:])

	binary.LittleEndian.PutUint32(p[VolumeCRCWords:], vh.ICRC0)
	binary.LittleEndian.PutUint32(p[VolumeCRCWords+4:], vh.ICRC1)
	binary.LittleEndian.PutUint32(p[VolumeCRCWords+8:], vh.ICRCVH)

	return p
}

// Unmarshal decodes a header without validating it.
func (vh *VolumeHeader) Unmarshal(p []byte) error {
	if len(p) < VolumeHeaderSize {
		return fmt.Errorf("volume header: short buffer (%d bytes)", len(p))
	}
	return binary.Read(bytes.NewReader(p[:VolumeHeaderSize]), binary.LittleEndian, vh)
}

// Validate checks magic, version, and all three CRC sections against the
// raw bytes the header was decoded from.
func (vh *VolumeHeader) Validate(p []byte) error {

	if vh.Magic == MagicBE {
		return ErrReversedEndian
	}
	if vh.Magic != MagicLE {
		return ErrBadMagic
	}
	if vh.Version < VersionMin || vh.Version > VersionWIP {
		return fmt.Errorf("%w: %d", ErrBadVersion, vh.Version)
	}
	if len(p) < VolumeHeaderSize {
		return fmt.Errorf("volume header: short buffer (%d bytes)", len(p))
	}

	if ICRC(p[VolumeICRC0Off:VolumeICRC0Off+VolumeICRC0Size]) != vh.ICRC0 {
		return fmt.Errorf("%w: section 0", ErrBadHeaderCRC)
	}
	if ICRC(p[VolumeICRC1Off:VolumeICRC1Off+VolumeICRC1Size]) != vh.ICRC1 {
		return fmt.Errorf("%w: section 1", ErrBadHeaderCRC)
	}
	if ICRC(p[VolumeICRCVHOff:VolumeHeaderSize]) != vh.ICRCVH {
		return fmt.Errorf("%w: whole-header section", ErrBadHeaderCRC)
	}

	return nil
}
