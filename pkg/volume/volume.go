package volume

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vorteil/vcow/pkg/dio"
	"github.com/vorteil/vcow/pkg/elog"
	"github.com/vorteil/vcow/pkg/ondisk"
)

// Volume is one backing device of a volume set.
type Volume struct {
	Dev  *dio.Device
	ID   int
	Loff int64 // logical offset of this volume within the set
	Size int64
}

// Set is an opened volume set: up to four backing devices stitched into
// one logical address space, plus the selected volume header.
type Set struct {
	log elog.Logger

	Volumes []*Volume
	Header  ondisk.VolumeHeader
	Slot    int // header slot the selected copy was read from

	mu sync.Mutex
}

// headerSlots returns how many header copies fit on a device of the given
// size.
func headerSlots(size int64) int {
	n := 0
	for i := 0; i < ondisk.VolumeHeaderCount; i++ {
		if int64(i)*ondisk.ZoneBytes+ondisk.VolumeHeaderSize <= size {
			n++
		}
	}
	return n
}

// readHeader reads and validates one header copy. The raw bytes stay
// inside the dio cache.
func readHeader(dev *dio.Device, slot int) (*ondisk.VolumeHeader, error) {

	off := int64(slot) * ondisk.ZoneBytes
	h, err := dev.Get(off, ondisk.VolumeHeaderSize, dio.OpRead)
	if err != nil {
		if h != nil {
			dev.Put(h)
		}
		return nil, err
	}
	defer dev.Put(h)

	raw := h.Data(off, ondisk.VolumeHeaderSize)
	vh := new(ondisk.VolumeHeader)
	if err = vh.Unmarshal(raw); err != nil {
		return nil, err
	}
	if err = vh.Validate(raw); err != nil {
		return nil, err
	}
	return vh, nil
}

// bestHeader probes every header slot of a device in parallel and returns
// the valid copy with the highest mirror transaction id.
func bestHeader(dev *dio.Device, log elog.Logger) (*ondisk.VolumeHeader, int, error) {

	slots := headerSlots(dev.Size())
	if slots == 0 {
		return nil, -1, ondisk.ErrShortVolume
	}

	headers := make([]*ondisk.VolumeHeader, slots)
	errs := make([]error, slots)

	var eg errgroup.Group
	for i := 0; i < slots; i++ {
		i := i
		eg.Go(func() error {
			headers[i], errs[i] = readHeader(dev, i)
			return nil
		})
	}
	_ = eg.Wait()

	best := -1
	for i := 0; i < slots; i++ {
		if errs[i] != nil {
			log.Warnf("volume header copy %d rejected: %v", i, errs[i])
			continue
		}
		if best < 0 || headers[i].MirrorTID > headers[best].MirrorTID {
			best = i
		}
	}
	if best < 0 {
		return nil, -1, ondisk.ErrAllHeadersBad
	}
	return headers[best], best, nil
}

// Open validates the devices as a volume set, selects the recovery-point
// header, and returns the assembled set.
func Open(devices []*dio.Device, log elog.Logger) (*Set, error) {

	if log == nil {
		log = &elog.NilLogger{}
	}
	if len(devices) == 0 || len(devices) > ondisk.MaxVolumes {
		return nil, fmt.Errorf("%w: %d devices", ondisk.ErrVolumeMismatch, len(devices))
	}

	type probed struct {
		dev  *dio.Device
		vh   *ondisk.VolumeHeader
		slot int
	}

	var root *probed
	byID := make(map[int]*probed)
	for _, dev := range devices {
		vh, slot, err := bestHeader(dev, log)
		if err != nil {
			return nil, err
		}
		p := &probed{dev: dev, vh: vh, slot: slot}
		if _, ok := byID[int(vh.VoluID)]; ok {
			return nil, fmt.Errorf("%w: duplicate volume id %d", ondisk.ErrVolumeMismatch, vh.VoluID)
		}
		byID[int(vh.VoluID)] = p
		if vh.VoluID == 0 {
			root = p
		}
	}
	if root == nil {
		return nil, fmt.Errorf("%w: root volume missing", ondisk.ErrVolumeMismatch)
	}

	rh := root.vh
	if int(rh.NVolumes) != len(devices) {
		return nil, fmt.Errorf("%w: header names %d volumes, %d devices supplied",
			ondisk.ErrVolumeMismatch, rh.NVolumes, len(devices))
	}

	set := &Set{log: log, Header: *rh, Slot: root.slot}

	var loff int64
	for id := 0; id < int(rh.NVolumes); id++ {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: volume id %d missing", ondisk.ErrVolumeMismatch, id)
		}

		vh := p.vh
		if !bytes.Equal(vh.Fsid[:], rh.Fsid[:]) || !bytes.Equal(vh.Fstype[:], rh.Fstype[:]) ||
			vh.Version != rh.Version || vh.NVolumes != rh.NVolumes {
			return nil, fmt.Errorf("%w: volume %d identity mismatch", ondisk.ErrVolumeMismatch, id)
		}

		size := int64(vh.VoluSize)
		last := id == int(rh.NVolumes)-1
		if last {
			if size < ondisk.VolumeAlign || size&ondisk.VolumeAlignMask != 0 {
				return nil, fmt.Errorf("%w: volume %d", ondisk.ErrVolumeMisaligned, id)
			}
		} else {
			if size < ondisk.ZoneBytes || size&ondisk.ZoneMask != 0 {
				return nil, fmt.Errorf("%w: volume %d", ondisk.ErrVolumeMisaligned, id)
			}
		}
		if int64(rh.VoluLoff[id]) != loff {
			return nil, fmt.Errorf("%w: volume %d offset %x, expected %x",
				ondisk.ErrVolumeMismatch, id, rh.VoluLoff[id], loff)
		}

		set.Volumes = append(set.Volumes, &Volume{
			Dev:  p.dev,
			ID:   id,
			Loff: loff,
			Size: size,
		})
		loff += size
	}

	for i := int(rh.NVolumes); i < ondisk.MaxVolumes; i++ {
		if rh.VoluLoff[i] != ^uint64(0) {
			return nil, fmt.Errorf("%w: loff[%d] populated beyond nvolumes", ondisk.ErrVolumeMismatch, i)
		}
	}

	if int64(rh.TotalSize) != loff {
		return nil, fmt.Errorf("%w: total size %x, volumes sum to %x",
			ondisk.ErrVolumeMismatch, rh.TotalSize, loff)
	}

	return set, nil
}

// TotalSize returns the logical size of the set.
func (set *Set) TotalSize() int64 {
	return int64(set.Header.TotalSize)
}

// Root returns the root volume's device.
func (set *Set) Root() *dio.Device {
	return set.Volumes[0].Dev
}

// Resolve maps a logical data offset (radix bits already stripped or
// still present, both accepted) to the owning device and its local byte
// offset.
func (set *Set) Resolve(dataOff uint64) (*dio.Device, int64, error) {

	off := ondisk.OffBase(dataOff)
	for _, vol := range set.Volumes {
		if off >= vol.Loff && off < vol.Loff+vol.Size {
			return vol.Dev, off - vol.Loff, nil
		}
	}
	return nil, 0, fmt.Errorf("offset %x outside volume set", off)
}

// CommitHeader writes the working header into the next rotation slot on
// the root volume after a device barrier, then advances the selected
// slot. Any crash leaves the previously selected copy untouched.
func (set *Set) CommitHeader() error {

	set.mu.Lock()
	defer set.mu.Unlock()

	root := set.Root()
	if err := root.Flush(); err != nil {
		return err
	}

	slots := headerSlots(root.Size())
	next := (set.Slot + 1) % slots

	p := set.Header.Marshal()

	off := int64(next) * ondisk.ZoneBytes
	h, err := root.Get(off, ondisk.VolumeHeaderSize, dio.OpWriteNew)
	if err != nil {
		if h != nil {
			root.Put(h)
		}
		return err
	}
	copy(h.Data(off, ondisk.VolumeHeaderSize), p)
	err = root.BWrite(h)
	root.Put(h)
	if err != nil {
		return err
	}
	if err = root.Flush(); err != nil {
		return err
	}

	set.Slot = next
	set.log.Debugf("volume header committed to slot %d, mirror_tid %d", next, set.Header.MirrorTID)
	return nil
}
