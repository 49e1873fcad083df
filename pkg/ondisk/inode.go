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

// Inode flags.
const (
	InodeFlagDirectData = 0x0001 // payload holds inline file data, not a blockset
	InodeFlagPFSRoot    = 0x0002
)

// PFS types.
const (
	PFSTypeNone      = 0
	PFSTypeMaster    = 1
	PFSTypeSlave     = 2
	PFSTypeSuperRoot = 3
)

// Well-known inode numbers.
const (
	InumSuperRoot = 1
)

// InodeMeta is the fixed 512-byte metadata header of an inode as written
// to the disk.
type InodeMeta struct {
	Version    uint16 // 0x000
	PFSSubType uint8
	PFSType    uint8
	Mode       uint32 // 0x004
	Inum       uint64 // 0x008
	Size       uint64 // 0x010
	Nlinks     uint64 // 0x018
	Uflags     uint32 // 0x020
	_          uint32
	Ctime      uint64 // 0x028
	Mtime      uint64
	Atime      uint64
	Btime      uint64
	UID        uint32 // 0x048
	GID        uint32
	CompAlgo   uint8 // 0x050
	CheckAlgo  uint8
	NameLen    uint16
	_          uint32
	NameKey    uint64 // 0x058
	DataCount  uint64 // 0x060
	InodeCount uint64
	DataQuota  uint64 // 0x070
	InodeQuota uint64
	PFSClid    [16]byte // 0x080
	PFSFsid    [16]byte
	PFSInum    uint64 // 0x0A0
	AttrTID    uint64
	DirentTID  uint64
	_          [0x100 - 0x0B8]byte
	Filename   [256]byte // 0x100
}

// InodeData is the full 1024-byte on-media inode: metadata followed by a
// 512-byte payload holding either inline data (FlagDirectData) or a
// blockset fanning out to data and indirect blocks.
type InodeData struct {
	Meta InodeMeta
	U    [InodeSize - InodeMetaSize]byte
}

// Marshal encodes the inode in its media layout.
func (ip *InodeData) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(InodeSize)
	_ = binary.Write(buf, binary.LittleEndian, ip)
	return buf.Bytes()
}

// Unmarshal decodes an inode from its media layout.
func (ip *InodeData) Unmarshal(p []byte) error {
	if len(p) < InodeSize {
		return fmt.Errorf("inode: short buffer (%d bytes)", len(p))
	}
	return binary.Read(bytes.NewReader(p[:InodeSize]), binary.LittleEndian, ip)
}

// Name returns the filename stored in the metadata header.
func (ip *InodeData) Name() string {
	n := int(ip.Meta.NameLen)
	if n > len(ip.Meta.Filename) {
		n = len(ip.Meta.Filename)
	}
	return string(ip.Meta.Filename[:n])
}

// SetName stores a filename and its length in the metadata header.
func (ip *InodeData) SetName(name string) {
	for i := range ip.Meta.Filename {
		ip.Meta.Filename[i] = 0
	}
	copy(ip.Meta.Filename[:], name)
	ip.Meta.NameLen = uint16(len(name))
	ip.Meta.NameKey = DirentKey(name)
}

// DirectData reports whether the payload area holds inline file content.
func (ip *InodeData) DirectData() bool {
	return ip.Meta.Uflags&InodeFlagDirectData != 0
}

// Blockset decodes the payload blockset. Only meaningful when
// FlagDirectData is clear.
func (ip *InodeData) Blockset() Blockset {
	var bs Blockset
	for i := range bs {
		_ = bs[i].Unmarshal(ip.U[i*BlockrefSize:])
	}
	return bs
}

// SetBlockset stores a blockset into the payload area and clears
// FlagDirectData.
func (ip *InodeData) SetBlockset(bs Blockset) {
	ip.Meta.Uflags &^= InodeFlagDirectData
	for i := range bs {
		copy(ip.U[i*BlockrefSize:], bs[i].Marshal())
	}
}

// SetDirectData stores inline file content into the payload area. Returns
// false if the content exceeds the inline capacity.
func (ip *InodeData) SetDirectData(p []byte) bool {
	if len(p) > InodeMaxDirect {
		return false
	}
	for i := range ip.U {
		ip.U[i] = 0
	}
	copy(ip.U[:], p)
	ip.Meta.Uflags |= InodeFlagDirectData
	ip.Meta.Size = uint64(len(p))
	return true
}

// DirentKey hashes a directory-entry name into the 64-bit key space used
// to index entries under their directory inode. The hash keeps bit 63
// clear so entry keys never collide with the inode-embedded byte range at
// key zero, and never produces zero for a non-empty name.
func DirentKey(name string) uint64 {

	if name == "" {
		return 0
	}

	var key uint64
	for i := 0; i < len(name); i++ {
		key = key<<5 ^ key>>59 ^ uint64(name[i])
	}
	key &= 0x7FFFFFFFFFFFFFFF
	key ^= key >> 31
	if key == 0 {
		key = 1
	}
	return key
}
