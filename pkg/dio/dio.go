package dio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudfoundry/bytefmt"

	"github.com/vorteil/vcow/pkg/elog"
	"github.com/vorteil/vcow/pkg/ondisk"
	"github.com/vorteil/vcow/pkg/vio"
)

// Get operations.
const (
	OpRead    = iota // read the buffer from the device on a miss
	OpWriteNew       // zero-fill, never read; caller will overwrite
	OpWriteNZ        // zero-fill only when creating the buffer
)

// Handle flag bits.
const (
	flagInprog uint32 = 1 << iota
	flagGood
	flagDirty
	flagError
)

// inprogTimeout bounds waits on a buffer whose IO never completes.
// Exceeding it is treated as a software bug.
const inprogTimeout = 60 * time.Second

// ErrDeviceIO is the sticky error recorded on a handle whose backing IO
// failed.
var ErrDeviceIO = errors.New("device io failure")

// Backing is the device a DIO cache sits on.
type Backing interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Device is a per-device cache of 64KiB physical buffers, each wrapped in
// a refcounted Handle. Handles are indexed by their aligned base offset;
// unreferenced clean handles ride an LRU bounded by the configured
// capacity.
type Device struct {
	backing Backing
	size    int64
	log     elog.Logger

	mu      sync.Mutex
	handles map[int64]*Handle
	lru     *list.List
	lruCap  int

	writers sync.WaitGroup
	werr    atomic.Value // error from any async write, sticky
}

// Handle is a refcounted view of one cached 64KiB device buffer.
type Handle struct {
	dev   *Device
	base  int64
	data  []byte
	refs  int32
	wire  int32
	flags uint32
	err   error
	done  chan struct{}

	lruElem *list.Element

	dedupValid uint64 // 1 bit per 1KiB with known registered content
}

// NewDevice wraps backing in a DIO cache. The size must be a multiple of
// the 64KiB buffer quantum.
func NewDevice(backing Backing, size int64, lruCap int, log elog.Logger) (*Device, error) {

	if size <= 0 || size&ondisk.PBufMask != 0 {
		return nil, fmt.Errorf("device size %s not a multiple of %s",
			bytefmt.ByteSize(uint64(size)), bytefmt.ByteSize(ondisk.PBufSize))
	}
	if log == nil {
		log = &elog.NilLogger{}
	}
	if lruCap <= 0 {
		lruCap = 256
	}

	return &Device{
		backing: backing,
		size:    size,
		log:     log,
		handles: make(map[int64]*Handle),
		lru:     list.New(),
		lruCap:  lruCap,
	}, nil
}

// Size returns the device size in bytes.
func (dev *Device) Size() int64 {
	return dev.size
}

// Get returns the handle covering [off, off+size). The range must not
// cross a buffer boundary. Concurrent getters of an in-progress buffer
// wait for its IO to settle.
func (dev *Device) Get(off int64, size int, op int) (*Handle, error) {

	base := off &^ int64(ondisk.PBufMask)
	if off+int64(size) > base+ondisk.PBufSize {
		return nil, fmt.Errorf("dio: range [%x,%x) crosses buffer boundary", off, off+int64(size))
	}
	if base < 0 || base+ondisk.PBufSize > dev.size {
		return nil, fmt.Errorf("dio: offset %x beyond device end %x", off, dev.size)
	}

	dev.mu.Lock()
	h, ok := dev.handles[base]
	if ok {
		h.refs++
		if h.lruElem != nil {
			dev.lru.Remove(h.lruElem)
			h.lruElem = nil
		}
		done := h.done
		dev.mu.Unlock()

		if done != nil {
			select {
			case <-done:
			case <-time.After(inprogTimeout):
				panic(fmt.Sprintf("dio: buffer %x stuck in-progress", base))
			}
		}
		if op == OpWriteNew {
			h.zero()
			h.setFlags(flagGood)
		}
		return h, h.Err()
	}

	h = &Handle{
		dev:   dev,
		base:  base,
		data:  make([]byte, ondisk.PBufSize),
		refs:  1,
		flags: flagInprog,
		done:  make(chan struct{}),
	}
	dev.handles[base] = h
	dev.mu.Unlock()

	switch op {
	case OpRead:
		_, err := dev.backing.ReadAt(h.data, base)
		if err != nil && err != io.EOF {
			h.err = fmt.Errorf("read %x: %v: %w", base, err, ErrDeviceIO)
			h.setFlags(flagError)
			dev.log.Errorf("dio: read error at %x: %v", base, err)
		} else {
			h.setFlags(flagGood)
		}
	case OpWriteNew, OpWriteNZ:
		h.setFlags(flagGood)
	}

	dev.mu.Lock()
	h.clearFlags(flagInprog)
	close(h.done)
	h.done = nil
	dev.mu.Unlock()

	return h, h.Err()
}

// Put releases a reference. The last release of a dirty handle schedules
// an async write; the last release of a clean one parks it on the LRU.
func (dev *Device) Put(h *Handle) {

	dev.mu.Lock()
	h.refs--
	if h.refs < 0 {
		dev.mu.Unlock()
		panic("dio: negative handle refs")
	}
	if h.refs > 0 || h.wire > 0 {
		dev.mu.Unlock()
		return
	}

	if h.testFlags(flagDirty) {
		dev.mu.Unlock()
		dev.BAWrite(h)
		return
	}

	h.lruElem = dev.lru.PushFront(h)
	for dev.lru.Len() > dev.lruCap {
		elem := dev.lru.Back()
		victim := elem.Value.(*Handle)
		dev.lru.Remove(elem)
		victim.lruElem = nil
		delete(dev.handles, victim.base)
	}
	dev.mu.Unlock()
}

// Wire pins the buffer independently of handle references. Chains wire
// their parent's buffer so the parent block survives while children
// exist.
func (dev *Device) Wire(h *Handle) {
	dev.mu.Lock()
	h.wire++
	dev.mu.Unlock()
}

// Unwire drops a pin; the buffer becomes LRU-eligible when both counts
// reach zero.
func (dev *Device) Unwire(h *Handle) {
	dev.mu.Lock()
	h.wire--
	if h.wire < 0 {
		dev.mu.Unlock()
		panic("dio: negative wire count")
	}
	if h.wire == 0 && h.refs == 0 && !h.testFlags(flagDirty) && h.lruElem == nil {
		h.lruElem = dev.lru.PushFront(h)
	}
	dev.mu.Unlock()
}

// SetDirty marks the handle's buffer as modified.
func (dev *Device) SetDirty(h *Handle) {
	h.setFlags(flagDirty)
}

// Invalidate zeroes a byte range of the buffer, used when shrinking a
// block so stale tail bytes cannot leak back out.
func (dev *Device) Invalidate(h *Handle, off int64, size int) {
	begin := off - h.base
	vio.Zero(h.data[begin : begin+int64(size)])
	h.dedupClear(begin, int64(size))
}

// BWrite synchronously writes the buffer and clears its dirty state.
func (dev *Device) BWrite(h *Handle) error {

	_, err := dev.backing.WriteAt(h.data, h.base)
	if err != nil {
		h.err = fmt.Errorf("write %x: %v: %w", h.base, err, ErrDeviceIO)
		h.setFlags(flagError)
		// drop the dirty state rather than retry forever; the error
		// is sticky and the mount degrades to read-only
		h.clearFlags(flagDirty)
		dev.werr.Store(h.err)
		return h.err
	}
	h.clearFlags(flagDirty)
	return nil
}

// BAWrite schedules an asynchronous write of the buffer.
func (dev *Device) BAWrite(h *Handle) {

	dev.mu.Lock()
	h.refs++
	dev.mu.Unlock()

	dev.writers.Add(1)
	go func() {
		defer dev.writers.Done()
		if err := dev.BWrite(h); err != nil {
			dev.log.Errorf("dio: async write failed at %x: %v", h.base, err)
		}
		dev.Put(h)
	}()
}

// BDWrite marks the buffer dirty and releases it; the write happens when
// the last reference drops or at the next device flush.
func (dev *Device) BDWrite(h *Handle) {
	dev.SetDirty(h)
	dev.Put(h)
}

// BQRelse releases the buffer without writing, keeping any dirty state
// for a later flush.
func (dev *Device) BQRelse(h *Handle) {

	dev.mu.Lock()
	h.refs--
	if h.refs == 0 && h.wire == 0 && h.lruElem == nil {
		h.lruElem = dev.lru.PushFront(h)
	}
	dev.mu.Unlock()
}

// Flush drains async writers, writes out every dirty buffer, and issues a
// device barrier.
func (dev *Device) Flush() error {

	dev.writers.Wait()

	dev.mu.Lock()
	var dirty []*Handle
	for _, h := range dev.handles {
		if h.testFlags(flagDirty) {
			h.refs++
			dirty = append(dirty, h)
		}
	}
	dev.mu.Unlock()

	var firstErr error
	for _, h := range dirty {
		if err := dev.BWrite(h); err != nil && firstErr == nil {
			firstErr = err
		}
		dev.Put(h)
	}

	if err := dev.backing.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("barrier: %v: %w", err, ErrDeviceIO)
	}
	if firstErr != nil {
		dev.werr.Store(firstErr)
	}
	return firstErr
}

// WriteError returns the sticky device write error, if any write has ever
// failed. A mount uses this to degrade to read-only.
func (dev *Device) WriteError() error {
	err, _ := dev.werr.Load().(error)
	return err
}

// Base returns the aligned base offset of the buffer.
func (h *Handle) Base() int64 {
	return h.base
}

// Data returns the byte range [off, off+size) of the buffer.
func (h *Handle) Data(off int64, size int) []byte {
	begin := off - h.base
	return h.data[begin : begin+int64(size)]
}

// Err returns the sticky IO error recorded on the handle.
func (h *Handle) Err() error {
	if h.testFlags(flagError) {
		return h.err
	}
	return nil
}

func (h *Handle) zero() {
	vio.Zero(h.data)
	h.dedupValid = 0
}

func (h *Handle) setFlags(bits uint32) {
	for {
		v := atomic.LoadUint32(&h.flags)
		if atomic.CompareAndSwapUint32(&h.flags, v, v|bits) {
			return
		}
	}
}

func (h *Handle) clearFlags(bits uint32) {
	for {
		v := atomic.LoadUint32(&h.flags)
		if atomic.CompareAndSwapUint32(&h.flags, v, v&^bits) {
			return
		}
	}
}

func (h *Handle) testFlags(bits uint32) bool {
	return atomic.LoadUint32(&h.flags)&bits != 0
}
