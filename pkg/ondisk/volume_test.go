package ondisk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHeader() *VolumeHeader {
	vh := &VolumeHeader{
		Magic:     MagicLE,
		Version:   VersionWIP,
		NVolumes:  1,
		VoluSize:  uint64(ZoneBytes),
		TotalSize: uint64(ZoneBytes),
		MirrorTID: 42,
	}
	vh.VoluLoff[0] = 0
	for i := 1; i < MaxVolumes; i++ {
		vh.VoluLoff[i] = ^uint64(0)
	}
	return vh
}

func TestVolumeHeaderRoundTrip(t *testing.T) {

	vh := sampleHeader()
	p := vh.Marshal()
	require.Len(t, p, VolumeHeaderSize)

	out := new(VolumeHeader)
	require.NoError(t, out.Unmarshal(p))
	require.NoError(t, out.Validate(p))

	assert.Equal(t, vh.MirrorTID, out.MirrorTID)
	assert.Equal(t, vh.ICRC0, out.ICRC0)
}

func TestVolumeHeaderCRCDetectsCorruption(t *testing.T) {

	vh := sampleHeader()
	p := vh.Marshal()

	// flip a byte in each CRC section and confirm a header CRC error is
	// reported
	for _, off := range []int{0x20, 0x300, 0x1000} {
		q := make([]byte, len(p))
		copy(q, p)
		q[off] ^= 0xFF

		out := new(VolumeHeader)
		require.NoError(t, out.Unmarshal(q))
		err := out.Validate(q)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBadHeaderCRC), "offset %x: %v", off, err)
	}
}

func TestVolumeHeaderRejectsReversedEndian(t *testing.T) {

	vh := sampleHeader()
	vh.Magic = MagicBE
	p := vh.Marshal()

	out := new(VolumeHeader)
	require.NoError(t, out.Unmarshal(p))
	assert.Equal(t, ErrReversedEndian, out.Validate(p))
}

func TestVolumeHeaderRejectsBadVersion(t *testing.T) {

	vh := sampleHeader()
	vh.Version = VersionWIP + 1
	p := vh.Marshal()

	out := new(VolumeHeader)
	require.NoError(t, out.Unmarshal(p))
	assert.True(t, errors.Is(out.Validate(p), ErrBadVersion))
}
