package vcow

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/vorteil/vcow/pkg/chain"
	"github.com/vorteil/vcow/pkg/cluster"
	"github.com/vorteil/vcow/pkg/config"
	"github.com/vorteil/vcow/pkg/dio"
	"github.com/vorteil/vcow/pkg/elog"
	"github.com/vorteil/vcow/pkg/flush"
	"github.com/vorteil/vcow/pkg/freemap"
	"github.com/vorteil/vcow/pkg/ondisk"
	"github.com/vorteil/vcow/pkg/volume"
)

// Device pairs a backing store with its size for mounting.
type Device struct {
	Backing dio.Backing
	Size    int64
}

// Mount is an assembled engine instance over one volume set.
type Mount struct {
	Opts *config.Options
	Log  elog.View

	Devices []*dio.Device
	Set     *volume.Set
	Dev     *chain.Dev
	Freemap *freemap.Freemap
	Trans   *flush.Mgr

	VChain *chain.Chain // topology root
	FChain *chain.Chain // freemap root

	threads []*cluster.Thread
}

// Format initializes fresh media across the devices.
func Format(devices []Device, opts volume.FormatOptions, log elog.View) error {

	dios, err := wrapDevices(devices, 0, log)
	if err != nil {
		return err
	}
	return volume.Format(dios, opts, log)
}

func wrapDevices(devices []Device, lruCap int, log elog.Logger) ([]*dio.Device, error) {
	var dios []*dio.Device
	for i, d := range devices {
		dev, err := dio.NewDevice(d.Backing, d.Size, lruCap, log)
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		dios = append(dios, dev)
	}
	return dios, nil
}

// Open mounts a volume set: header recovery, chain core assembly,
// freemap attachment, and the mount-time freemap fixup pass.
func Open(devices []Device, opts *config.Options, log elog.View) (*Mount, error) {

	if log == nil {
		log = &elog.NilLogger{}
	}
	if opts == nil {
		opts = new(config.Options)
	}
	opts, err := opts.WithDefaults()
	if err != nil {
		return nil, err
	}

	dios, err := wrapDevices(devices, opts.CacheHandles, log)
	if err != nil {
		return nil, err
	}

	set, err := volume.Open(dios, log)
	if err != nil {
		return nil, err
	}

	dev := chain.NewDev(set, log)
	dev.CompAlgo = opts.CompAlgo
	dev.CheckAlgo = opts.CheckAlgo
	dev.Emergency = opts.Emergency
	if opts.ReadOnly {
		dev.SetReadOnly()
	}

	vchain := chain.New(dev, ondisk.Blockref{
		Type:      ondisk.TypeVolume,
		KeyBits:   64,
		MirrorTID: set.Header.MirrorTID,
		ModifyTID: set.Header.MirrorTID,
	})
	fchain := chain.New(dev, ondisk.Blockref{
		Type:      ondisk.TypeFreemap,
		KeyBits:   64,
		MirrorTID: set.Header.FreemapTID,
		ModifyTID: set.Header.FreemapTID,
	})

	// resolve the synthetic root tables from the recovered header
	vchain.Lock(chain.ResolveAlways)
	vchain.Unlock(0)
	fchain.Lock(chain.ResolveAlways)
	fchain.Unlock(0)

	fm := freemap.New(dev, fchain, log)
	dev.Alloc = fm

	m := &Mount{
		Opts:    opts,
		Log:     asView(log),
		Devices: dios,
		Set:     set,
		Dev:     dev,
		Freemap: fm,
		Trans:   flush.NewMgr(dev),
		VChain:  vchain,
		FChain:  fchain,
	}

	// the last flush may have committed topology whose freemap writes
	// never hit the media; re-arm anything still referenced
	if !dev.ReadOnly() {
		t := m.Trans.Begin(flush.TransNormal)
		fm.SetMTID(t.MTID)
		if fixed, e := fm.Fixup(); e != 0 {
			t.Done()
			return nil, mapError(e)
		} else if fixed > 0 {
			t.Done()
			if e := m.Sync(); e != 0 {
				return nil, mapError(e)
			}
		} else {
			t.Done()
		}
	}

	log.Infof("mounted volume set, mirror_tid %d (header slot %d)",
		set.Header.MirrorTID, set.Slot)
	return m, nil
}

type viewShim struct {
	elog.Logger
}

func (v *viewShim) NewProgress(label string, total int64) elog.Progress {
	if pr, ok := v.Logger.(elog.ProgressReporter); ok {
		return pr.NewProgress(label, total)
	}
	return (&elog.NilLogger{}).NewProgress(label, total)
}

func asView(log elog.Logger) elog.View {
	if view, ok := log.(elog.View); ok {
		return view
	}
	return &viewShim{Logger: log}
}

// Begin admits a normal transaction against the mount.
func (m *Mount) Begin() (*flush.Trans, error) {
	if m.Dev.ReadOnly() {
		return nil, mapError(chain.ErrReadOnly)
	}
	t := m.Trans.Begin(flush.TransNormal)
	m.Freemap.SetMTID(t.MTID)
	return t, nil
}

// Sync runs one flush epoch and rotates the volume header.
func (m *Mount) Sync() chain.Error {
	t := m.Trans.Begin(flush.TransNormal)
	m.Freemap.SetMTID(t.MTID)
	t.Done()
	return flush.Topology(m.Trans, m.VChain, m.FChain,
		flush.FlushTop|flush.FlushAll|flush.FlushFsSync, m.Opts.CollapseEnabled())
}

// Bulkfree flushes, then walks the committed topology to reclaim
// deferred-free extents, then flushes the adjusted freemap.
func (m *Mount) Bulkfree() (int64, error) {

	if e := m.Sync(); e.Fatal() {
		return 0, mapError(e)
	}

	t := m.Trans.Begin(flush.TransNormal)
	m.Freemap.SetMTID(t.MTID)
	freed, fe := m.Freemap.BulkFree(m.Log)
	t.Done()
	if fe != 0 {
		return freed, mapError(fe)
	}

	if e := m.Sync(); e.Fatal() {
		return freed, mapError(e)
	}
	return freed, nil
}

// SuperRoot looks up the super-root inode chain. The caller receives it
// locked per flags and must release it.
func (m *Mount) SuperRoot(flags int) (*chain.Chain, chain.Error) {

	parent := m.VChain
	parent.Ref()
	how := chain.ResolveAlways
	if flags&chain.LookupShared != 0 {
		how |= chain.LockShared
	}
	parent.Lock(how)

	ch, _, e := chain.Lookup(&parent, 0, 0, flags|chain.LookupNodirect)
	parent.Unlock(how)
	parent.Unref()

	if ch == nil && e == 0 {
		e = chain.ErrNoEntry
	}
	return ch, e
}

// AddSyncThread attaches a cluster synchronization worker for a local
// PFS root against a quorum provider and starts it.
func (m *Mount) AddSyncThread(root *chain.Chain, quorum cluster.Quorum) *cluster.Thread {
	thr := cluster.NewThread(m.Dev, m.Trans, root, quorum, m.Opts.SyncPoll(), m.Log)
	m.threads = append(m.threads, thr)
	thr.Start()
	return thr
}

// Close stops sync workers, flushes, and drains device caches.
func (m *Mount) Close() error {

	for _, thr := range m.threads {
		thr.Stop()
	}
	m.threads = nil

	if !m.Dev.ReadOnly() {
		if e := m.Sync(); e.Fatal() {
			return mapError(e)
		}
	}

	for _, dev := range m.Devices {
		if err := dev.Flush(); err != nil {
			return err
		}
	}
	return nil
}
