package flush

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vorteil/vcow/pkg/chain"
)

// Transaction classes.
const (
	TransNormal = iota
	TransFlush  // at most one; excludes new normal transactions once aged
	TransBuffer // pageout path; never blocks
)

// Admission flags word layout: low 24 bits count active transactions,
// the high bits carry state.
const (
	transMask     uint32 = 0x00FFFFFF
	transFPending uint32 = 1 << 24
	transISFlush  uint32 = 1 << 25
	transBuffer   uint32 = 1 << 26
	transWaiting  uint32 = 1 << 27
)

// pendTick is how long a pending flush may age before new normal
// transactions are made to wait for it.
const pendTick = 100 * time.Millisecond

// Mgr admits transactions against one mount and issues the monotonic
// transaction ids mutations are stamped with.
type Mgr struct {
	dev *chain.Dev

	flags uint32

	mu       sync.Mutex
	cond     *sync.Cond
	pendWhen time.Time
}

// NewMgr builds the transaction manager for a chain core.
func NewMgr(dev *chain.Dev) *Mgr {
	tm := &Mgr{dev: dev}
	tm.cond = sync.NewCond(&tm.mu)
	return tm
}

// Trans is an admitted transaction.
type Trans struct {
	tm    *Mgr
	class int

	// MTID is the sub-transaction id of the most recent Sub call. All
	// mutations within one sub-transaction share it so multi-chain
	// operations recover atomically.
	MTID uint64
}

// Begin admits a transaction of the given class, blocking per the
// admission rules. Buffer-class transactions never block.
func (tm *Mgr) Begin(class int) *Trans {

	for {
		v := atomic.LoadUint32(&tm.flags)

		switch class {
		case TransBuffer:
			if atomic.CompareAndSwapUint32(&tm.flags, v, (v+1)|transBuffer) {
				return tm.admitted(class)
			}
			continue
		case TransFlush:
			if v&transISFlush != 0 {
				// one flush at a time
				tm.sleep(v)
				continue
			}
			if atomic.CompareAndSwapUint32(&tm.flags, v, (v+1)|transISFlush|transFPending) {
				tm.mu.Lock()
				tm.pendWhen = time.Now()
				tm.mu.Unlock()
				return tm.admitted(class)
			}
			continue
		default:
			if v&transFPending != 0 {
				tm.mu.Lock()
				aged := time.Since(tm.pendWhen) > pendTick
				tm.mu.Unlock()
				if aged {
					tm.sleep(v)
					continue
				}
			}
			if atomic.CompareAndSwapUint32(&tm.flags, v, v+1) {
				return tm.admitted(class)
			}
			continue
		}
	}
}

func (tm *Mgr) admitted(class int) *Trans {
	t := &Trans{tm: tm, class: class}
	t.Sub()
	return t
}

// sleep parks the caller until the admission state changes. The wait
// flag is set with a CAS and the condition rechecked after wake.
func (tm *Mgr) sleep(seen uint32) {
	if !atomic.CompareAndSwapUint32(&tm.flags, seen, seen|transWaiting) {
		return
	}
	tm.mu.Lock()
	if atomic.LoadUint32(&tm.flags) == seen|transWaiting {
		tm.cond.Wait()
	}
	tm.mu.Unlock()
}

// Done retires the transaction. When the count drops to zero any waiter
// is woken.
func (t *Trans) Done() {

	tm := t.tm
	for {
		v := atomic.LoadUint32(&tm.flags)
		nv := v - 1
		if t.class == TransFlush {
			nv &^= transISFlush | transFPending
		}
		if nv&transMask == 0 {
			nv &^= transWaiting | transBuffer
		}
		if atomic.CompareAndSwapUint32(&tm.flags, v, nv) {
			if v&transWaiting != 0 {
				tm.mu.Lock()
				tm.cond.Broadcast()
				tm.mu.Unlock()
			}
			return
		}
	}
}

// Sub opens a fresh sub-transaction: a new monotonically increasing
// modify_tid for a logically independent mutation sequence.
func (t *Trans) Sub() uint64 {
	t.MTID = atomic.AddUint64(&t.tm.dev.ModifyTID, 1)
	return t.MTID
}

// Active returns the number of admitted transactions, for tests.
func (tm *Mgr) Active() int {
	return int(atomic.LoadUint32(&tm.flags) & transMask)
}
