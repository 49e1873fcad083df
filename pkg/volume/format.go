package volume

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"time"

	"github.com/cloudfoundry/bytefmt"
	"github.com/google/uuid"

	"github.com/vorteil/vcow/pkg/dio"
	"github.com/vorteil/vcow/pkg/elog"
	"github.com/vorteil/vcow/pkg/ondisk"
)

// FormatOptions controls volume creation.
type FormatOptions struct {
	Label        string
	CompAlgo     uint8
	CheckAlgo    uint8
	FreeReserved int64 // zero picks a default floor
}

// ReservedTotal returns how many bytes of a logical space of the given
// size are consumed by reserved zone areas.
func ReservedTotal(size int64) int64 {
	var total int64
	for base := int64(0); base < size; base += ondisk.ZoneBytes {
		seg := ondisk.ZoneSegBytes
		if base+seg > size {
			seg = size - base
		}
		total += seg
	}
	return total
}

// Format initializes a fresh volume set across the supplied devices: all
// rotating header copies, the super-root inode, and the allocator
// accounting. Freemap leaves are not written; they materialize on demand
// with reserved areas pre-marked.
func Format(devices []*dio.Device, opts FormatOptions, log elog.Logger) error {

	if log == nil {
		log = &elog.NilLogger{}
	}
	if len(devices) == 0 || len(devices) > ondisk.MaxVolumes {
		return fmt.Errorf("%w: %d devices", ondisk.ErrVolumeMismatch, len(devices))
	}

	var total int64
	var loff [4]uint64
	for i := range loff {
		loff[i] = ^uint64(0)
	}
	for i, dev := range devices {
		size := dev.Size()
		last := i == len(devices)-1
		if last {
			if size < ondisk.VolumeAlign || size&ondisk.VolumeAlignMask != 0 {
				return fmt.Errorf("%w: device %d (%s)", ondisk.ErrVolumeMisaligned,
					i, bytefmt.ByteSize(uint64(size)))
			}
		} else if size < ondisk.ZoneBytes || size&ondisk.ZoneMask != 0 {
			return fmt.Errorf("%w: device %d (%s)", ondisk.ErrVolumeMisaligned,
				i, bytefmt.ByteSize(uint64(size)))
		}
		loff[i] = uint64(total)
		total += size
	}

	fsid := uuid.New()
	fstype := uuid.New()

	if opts.CheckAlgo == 0 {
		opts.CheckAlgo = ondisk.CheckISCSI32
	}
	if opts.FreeReserved == 0 {
		opts.FreeReserved = total / 50
		if opts.FreeReserved > ondisk.ZoneBytes {
			opts.FreeReserved = ondisk.ZoneBytes
		}
	}

	// The super-root inode occupies the first allocatable block; the
	// allocator floor sits just past it so on-demand freemap leaves
	// treat everything below it as armored.
	srootOff := ondisk.ZoneSegBytes
	allocBeg := srootOff + ondisk.FreemapBlockSize

	now := uint64(time.Now().UnixNano())
	var sroot ondisk.InodeData
	sroot.Meta.Version = 1
	sroot.Meta.PFSType = ondisk.PFSTypeSuperRoot
	sroot.Meta.Inum = ondisk.InumSuperRoot
	sroot.Meta.Mode = 0755
	sroot.Meta.Nlinks = 2
	sroot.Meta.Ctime = now
	sroot.Meta.Mtime = now
	sroot.Meta.CompAlgo = opts.CompAlgo
	sroot.Meta.CheckAlgo = opts.CheckAlgo
	sroot.SetName(opts.Label)
	srootBytes := sroot.Marshal()

	var sref ondisk.Blockref
	sref.Type = ondisk.TypeInode
	sref.Methods = ondisk.EncMethods(ondisk.CompNone, opts.CheckAlgo)
	sref.KeyBits = 0
	sref.Key = 0
	sref.DataOff = ondisk.MakeOff(srootOff, 10)
	sref.MirrorTID = 1
	sref.ModifyTID = 1
	if err := sref.CheckBytes(srootBytes); err != nil {
		return err
	}

	vh := ondisk.VolumeHeader{
		Magic:         ondisk.MagicLE,
		Version:       ondisk.VersionWIP,
		NVolumes:      uint32(len(devices)),
		TotalSize:     uint64(total),
		VoluLoff:      loff,
		AllocatorSize: uint64(total),
		AllocatorFree: uint64(total - ReservedTotal(total) - ondisk.FreemapBlockSize),
		AllocatorBeg:  uint64(allocBeg),
		FreeReserved:  uint64(opts.FreeReserved),
		MirrorTID:     1,
		FreemapTID:    1,
	}
	copy(vh.Fsid[:], fsid[:])
	copy(vh.Fstype[:], fstype[:])
	vh.SrootBlockset[0] = sref

	// super-root inode block
	root := devices[0]
	h, err := root.Get(srootOff, ondisk.FreemapBlockSize, dio.OpWriteNew)
	if err != nil {
		if h != nil {
			root.Put(h)
		}
		return err
	}
	copy(h.Data(srootOff, ondisk.InodeSize), srootBytes)
	err = root.BWrite(h)
	root.Put(h)
	if err != nil {
		return err
	}

	// rotating header copies on every device
	for i, dev := range devices {
		vh.VoluID = uint32(i)
		vh.VoluSize = uint64(dev.Size())
		p := vh.Marshal()

		for slot := 0; slot < headerSlots(dev.Size()); slot++ {
			off := int64(slot) * ondisk.ZoneBytes
			hh, err := dev.Get(off, ondisk.VolumeHeaderSize, dio.OpWriteNew)
			if err != nil {
				if hh != nil {
					dev.Put(hh)
				}
				return err
			}
			copy(hh.Data(off, ondisk.VolumeHeaderSize), p)
			err = dev.BWrite(hh)
			dev.Put(hh)
			if err != nil {
				return err
			}
		}
		if err := dev.Flush(); err != nil {
			return err
		}
	}

	log.Infof("formatted %s across %d volume(s), fsid %s",
		bytefmt.ByteSize(uint64(total)), len(devices), fsid)
	return nil
}
