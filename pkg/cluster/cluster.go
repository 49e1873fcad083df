package cluster

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vcow/pkg/chain"
	"github.com/vorteil/vcow/pkg/ondisk"
)

// MaxSlots bounds the replicas a cluster aggregates.
const MaxSlots = 8

// Cluster rollup status bits.
const (
	StatusRDHard uint32 = 1 << iota // readable with quorum
	StatusRDSoft                    // readable degraded
	StatusWRHard                    // writable with quorum
	StatusWRSoft                    // writable degraded
	StatusUNHard                    // unsynchronized slot present
	StatusUNSoft
	StatusNOHard // absent slot
	StatusNOSoft
	StatusMSynced // all masters caught up
	StatusSSynced // all slaves caught up
)

// Slot is one replica's view of the logical entity.
type Slot struct {
	Chain   *chain.Chain
	PFSType uint8
	Err     chain.Error
	Invalid bool
}

// Cluster is a bounded array of chains representing the same logical
// entity on N replicas, with a focus slot and a quorum rollup.
type Cluster struct {
	Slots []*Slot
	Focus int // currently-authoritative slot
	Flags uint32

	// Threshold is the number of agreeing masters required for quorum.
	Threshold int
}

// New assembles a cluster over per-replica chains. The first valid
// master becomes the initial focus.
func New(threshold int, slots ...*Slot) *Cluster {

	if len(slots) > MaxSlots {
		slots = slots[:MaxSlots]
	}
	cl := &Cluster{Slots: slots, Threshold: threshold, Focus: -1}
	for i, s := range slots {
		if s != nil && !s.Invalid && s.Err == 0 {
			cl.Focus = i
			break
		}
	}
	cl.Resolve()
	return cl
}

// Resolve recomputes the rollup status and quorum focus from the slot
// states: quorum is achieved when enough masters agree on update_tid to
// meet the threshold, and the focus moves to a slot carrying the agreed
// value.
func (cl *Cluster) Resolve() uint32 {

	var flags uint32
	votes := make(map[uint64]int)

	for _, s := range cl.Slots {
		if s == nil {
			flags |= StatusNOHard
			continue
		}
		if s.Invalid || s.Err != 0 {
			flags |= StatusUNHard
			continue
		}
		if s.PFSType == ondisk.PFSTypeMaster {
			votes[s.Chain.Bref.UpdateTID]++
		}
	}

	var agreed uint64
	var best int
	for tid, n := range votes {
		if n > best || (n == best && tid > agreed) {
			best = n
			agreed = tid
		}
	}

	if best >= cl.Threshold && cl.Threshold > 0 {
		flags |= StatusRDHard | StatusWRHard
		for i, s := range cl.Slots {
			if s != nil && !s.Invalid && s.Err == 0 &&
				s.PFSType == ondisk.PFSTypeMaster &&
				s.Chain.Bref.UpdateTID == agreed {
				cl.Focus = i
				break
			}
		}
	} else if cl.Focus >= 0 {
		flags |= StatusRDSoft | StatusWRSoft
	}

	synced := true
	for _, s := range cl.Slots {
		if s == nil || s.Invalid {
			continue
		}
		if s.PFSType == ondisk.PFSTypeMaster && s.Chain.Bref.UpdateTID != agreed {
			synced = false
		}
	}
	if synced {
		flags |= StatusMSynced
	}

	cl.Flags = flags
	return flags
}

// FocusChain returns the authoritative chain, or nil without quorum.
func (cl *Cluster) FocusChain() *chain.Chain {
	if cl.Focus < 0 || cl.Focus >= len(cl.Slots) || cl.Slots[cl.Focus] == nil {
		return nil
	}
	return cl.Slots[cl.Focus].Chain
}

// AgreedTID returns the quorum update_tid, or zero without quorum.
func (cl *Cluster) AgreedTID() uint64 {
	if ch := cl.FocusChain(); ch != nil && cl.Flags&(StatusRDHard|StatusRDSoft) != 0 {
		return ch.Bref.UpdateTID
	}
	return 0
}

// Entry is one replicated item observed through a quorum query: its
// blockref plus a private copy of its content.
type Entry struct {
	Bref ondisk.Blockref
	Data []byte
}

// Quorum is the cross-cluster query surface the sync thread drives. It
// executes on every slot except the local one and rolls the results up.
// The message-bus transport is out of scope; implementations range from
// the in-process loopback used for testing to an RPC-backed provider.
type Quorum interface {
	// ModifyTID rolls up the consensus modify_tid for the entity
	// being synchronized.
	ModifyTID() (uint64, chain.Error)

	// Lookup returns the first consensus entry intersecting
	// [keyBeg, keyEnd], plus the key to continue scanning from.
	Lookup(keyBeg, keyEnd uint64) (*Entry, uint64, chain.Error)
}
