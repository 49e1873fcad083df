package config

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/imdario/mergo"
	"github.com/sisatech/toml"

	"github.com/vorteil/vcow/pkg/ondisk"
)

// Options holds the tunables of a mount. Zero values are filled in from
// Defaults by WithDefaults, so a partial TOML file is enough.
type Options struct {
	CacheHandles     int   `toml:"cache_handles,omitempty"`
	SyncPollSeconds  int   `toml:"sync_poll_seconds,omitempty"`
	QuorumThreshold  int   `toml:"quorum_threshold,omitempty"`
	BulkfreeBatch    int   `toml:"bulkfree_batch,omitempty"`
	CompAlgo         uint8 `toml:"comp_algo,omitempty"`
	CheckAlgo        uint8 `toml:"check_algo,omitempty"`
	Emergency        bool  `toml:"emergency,omitempty"`
	ReadOnly         bool  `toml:"read_only,omitempty"`
	IndirectCollapse *bool `toml:"indirect_collapse,omitempty"`
}

// Defaults returns the options used when a mount supplies nothing.
func Defaults() Options {
	collapse := true
	return Options{
		CacheHandles:     1024,
		SyncPollSeconds:  5,
		QuorumThreshold:  1,
		BulkfreeBatch:    128,
		CompAlgo:         ondisk.CompNone,
		CheckAlgo:        ondisk.CheckISCSI32,
		IndirectCollapse: &collapse,
	}
}

// SyncPoll returns the sync thread poll interval.
func (opts *Options) SyncPoll() time.Duration {
	return time.Duration(opts.SyncPollSeconds) * time.Second
}

// Load parses a TOML options file.
func Load(path string) (*Options, error) {

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse parses TOML option bytes.
func Parse(data []byte) (*Options, error) {

	opts := new(Options)
	err := toml.Unmarshal(data, opts)
	if err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}

	return opts, nil
}

// WithDefaults merges unset fields from Defaults into opts.
func (opts *Options) WithDefaults() (*Options, error) {

	def := Defaults()

	// mergo treats a pointed-to false as unset and writes the default
	// through the pointer; keep an explicit setting as given
	var collapse *bool
	if opts.IndirectCollapse != nil {
		v := *opts.IndirectCollapse
		collapse = &v
	}

	err := mergo.Merge(opts, def)
	if err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}
	if collapse != nil {
		*opts.IndirectCollapse = *collapse
	}

	return opts, nil
}

// CollapseEnabled reports whether flush-time indirect-block collapse is
// enabled.
func (opts *Options) CollapseEnabled() bool {
	return opts.IndirectCollapse == nil || *opts.IndirectCollapse
}
