package cluster

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vcow/pkg/chain"
)

// Loopback is an in-process Quorum over other slots' chain trees. It
// stands in for the message-bus transport, which is out of scope; the
// rollup semantics match what an RPC-backed provider must implement.
type Loopback struct {
	peers     []*chain.Chain // remote replicas' root inode chains
	threshold int
}

// NewLoopback builds a quorum view over remote replica roots.
func NewLoopback(threshold int, peers ...*chain.Chain) *Loopback {
	if threshold <= 0 {
		threshold = 1
	}
	return &Loopback{peers: peers, threshold: threshold}
}

// leader returns the peer carrying the consensus modify_tid.
func (lb *Loopback) leader() (*chain.Chain, uint64, chain.Error) {

	votes := make(map[uint64]int)
	for _, p := range lb.peers {
		votes[p.Bref.ModifyTID]++
	}

	var agreed uint64
	best := 0
	for tid, n := range votes {
		if n > best || (n == best && tid > agreed) {
			best = n
			agreed = tid
		}
	}
	if best < lb.threshold {
		return nil, 0, chain.ErrIncomplete
	}

	for _, p := range lb.peers {
		if p.Bref.ModifyTID == agreed {
			return p, agreed, 0
		}
	}
	return nil, 0, chain.ErrIncomplete
}

// ModifyTID rolls up the consensus modify_tid across the peers.
func (lb *Loopback) ModifyTID() (uint64, chain.Error) {
	_, tid, e := lb.leader()
	return tid, e
}

// Lookup returns the leader's first entry intersecting [keyBeg, keyEnd]
// with a private copy of its data.
func (lb *Loopback) Lookup(keyBeg, keyEnd uint64) (*Entry, uint64, chain.Error) {

	root, _, e := lb.leader()
	if e != 0 {
		return nil, keyBeg, e
	}

	parent := root
	parent.Ref()
	parent.Lock(chain.ResolveAlways | chain.LockShared)

	ch, keyNext, le := chain.Lookup(&parent, keyBeg, keyEnd,
		chain.LookupShared|chain.LookupNodirect)
	if ch == nil || le.Fatal() {
		parent.Unlock(chain.LockShared)
		parent.Unref()
		return nil, keyNext, le
	}

	ent := &Entry{Bref: ch.Bref}
	if data := ch.Data(); data != nil {
		ent.Data = make([]byte, len(data))
		copy(ent.Data, data)
	}

	if ch != parent {
		ch.Unlock(chain.LockShared)
	}
	ch.Unref()
	parent.Unlock(chain.LockShared)
	parent.Unref()

	return ent, keyNext, 0
}
