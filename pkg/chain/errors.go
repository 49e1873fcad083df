package chain

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "strings"

// Error is the engine-internal error bitset. Independent conditions
// accumulate; chain-level errors are sticky on the chain and surface
// through any caller that locks it.
type Error uint32

const (
	ErrIO         Error = 1 << iota // device read/write failure, sticky
	ErrCheck                        // checksum mismatch
	ErrIncomplete                   // cluster quorum unavailable
	ErrDepth                        // recursion limit, internal
	ErrBadBref                      // invariant violation on decode
	ErrNoSpace
	ErrNoEntry
	ErrNotEmpty
	ErrAgain // retry with relocked state
	ErrNotDir
	ErrIsDir
	ErrInProgress // transient during bulk drive
	ErrAborted
	ErrEOF // iteration end
	ErrInval
	ErrExists
	ErrDeadlk
	ErrSrch
	ErrTimeout
	ErrReadOnly
)

var errorNames = []struct {
	bit  Error
	name string
}{
	{ErrIO, "io"},
	{ErrCheck, "check"},
	{ErrIncomplete, "incomplete"},
	{ErrDepth, "depth"},
	{ErrBadBref, "badbref"},
	{ErrNoSpace, "nospace"},
	{ErrNoEntry, "noentry"},
	{ErrNotEmpty, "notempty"},
	{ErrAgain, "again"},
	{ErrNotDir, "notdir"},
	{ErrIsDir, "isdir"},
	{ErrInProgress, "inprogress"},
	{ErrAborted, "aborted"},
	{ErrEOF, "eof"},
	{ErrInval, "inval"},
	{ErrExists, "exists"},
	{ErrDeadlk, "deadlk"},
	{ErrSrch, "srch"},
	{ErrTimeout, "timeout"},
	{ErrReadOnly, "readonly"},
}

func (e Error) Error() string {
	if e == 0 {
		return "ok"
	}
	var parts []string
	for _, n := range errorNames {
		if e&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return "chain error: " + strings.Join(parts, "|")
}

// Has reports whether any of the given bits are set.
func (e Error) Has(bits Error) bool {
	return e&bits != 0
}

// Fatal reports whether the error should abort a mutation rather than be
// skipped over by a bulk scan.
func (e Error) Fatal() bool {
	return e.Has(ErrIO | ErrCheck | ErrBadBref | ErrNoSpace | ErrReadOnly)
}
