package flush

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"sync/atomic"

	"github.com/vorteil/vcow/pkg/chain"
	"github.com/vorteil/vcow/pkg/ondisk"
)

// Topology runs a full flush epoch: settle the main topology under
// vchain, then the freemap under fchain, copy both root blocksets into
// the working volume header, and rotate it onto the next media slot
// behind a barrier. With nothing dirty the epoch is a no-op and no IO is
// issued.
func Topology(tm *Mgr, vchain, fchain *Chain, flags int, collapse bool) chain.Error {

	t := tm.Begin(TransFlush)
	defer t.Done()

	dev := tm.dev
	mtid := t.MTID

	// topology first: its copy-on-write traffic dirties freemap
	// leaves, which the freemap pass then captures
	errs, wroteV := Run(vchain, mtid, flags, collapse)
	fErrs, wroteF := Run(fchain, mtid, flags|FlushAll, false)
	errs |= fErrs

	if !wroteV && !wroteF {
		return errs
	}

	if errs.Has(chain.ErrIO) {
		// a failed root write must not advance the recovery point
		dev.SetReadOnly()
		return errs
	}

	vchain.Lock(chain.ResolveAlways)
	copyBlockset(&dev.Set.Header.SrootBlockset, vchain.Base())
	vchain.ClearFlag(chain.FlagModified | chain.FlagUpdate | chain.FlagOnFlush)
	vchain.Unlock(0)

	fchain.Lock(chain.ResolveAlways)
	copyBlockset(&dev.Set.Header.FreemapBlockset, fchain.Base())
	fchain.ClearFlag(chain.FlagModified | chain.FlagUpdate | chain.FlagOnFlush)
	fchain.Unlock(0)

	mirror := atomic.AddUint64(&dev.MirrorTID, 1)
	if mirror <= mtid {
		mirror = mtid + 1
		atomic.StoreUint64(&dev.MirrorTID, mirror)
	}
	dev.Set.Header.MirrorTID = mirror
	dev.Set.Header.FreemapTID = mirror

	if err := dev.Set.CommitHeader(); err != nil {
		dev.Log.Errorf("flush: header commit failed: %v", err)
		dev.SetReadOnly()
		return errs | chain.ErrIO
	}

	return errs
}

func copyBlockset(dst *ondisk.Blockset, base []ondisk.Blockref) {
	for i := range dst {
		if i < len(base) {
			dst[i] = base[i]
		} else {
			dst[i] = ondisk.Blockref{}
		}
	}
}
