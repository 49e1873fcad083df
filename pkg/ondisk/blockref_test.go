package ondisk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockrefRoundTrip(t *testing.T) {

	bref := Blockref{
		Type:      TypeData,
		Methods:   EncMethods(CompNone, CheckISCSI32),
		KeyBits:   12,
		Key:       0x4000,
		DataOff:   MakeOff(0x10000, 12),
		MirrorTID: 7,
		ModifyTID: 9,
		UpdateTID: 3,
	}

	p := bref.Marshal()
	require.Len(t, p, BlockrefSize)

	var out Blockref
	require.NoError(t, out.Unmarshal(p))
	assert.Equal(t, bref, out)
}

func TestBlockrefKeyContainment(t *testing.T) {

	parent := Blockref{Key: 0, KeyBits: 16}
	inside := Blockref{Key: 0x4000, KeyBits: 12}
	outside := Blockref{Key: 0x10000, KeyBits: 12}

	assert.True(t, parent.Contains(&inside))
	assert.False(t, parent.Contains(&outside))
	assert.True(t, inside.Overlaps(&Blockref{Key: 0x4800, KeyBits: 10}))
	assert.False(t, inside.Overlaps(&outside))
}

func TestBlockrefValidate(t *testing.T) {

	good := Blockref{Type: TypeData, Key: 0x1000, KeyBits: 12,
		DataOff: MakeOff(0x5000000, 12)}
	assert.NoError(t, good.Validate(0x4000000))

	misaligned := good
	misaligned.Key = 0x1001
	assert.Error(t, misaligned.Validate(0))

	below := good
	below.DataOff = MakeOff(0x1000000, 12)
	assert.Error(t, below.Validate(0x4000000))

	empty := Blockref{}
	assert.NoError(t, empty.Validate(0x4000000))
}

func TestDirentEmbed(t *testing.T) {

	var bref Blockref
	bref.Type = TypeDirent
	bref.SetDirent(DirentHead{Inum: 0xABCD, NameLen: 5, DType: 2})

	dh := bref.Dirent()
	assert.Equal(t, uint64(0xABCD), dh.Inum)
	assert.Equal(t, uint16(5), dh.NameLen)
	assert.Equal(t, uint8(2), dh.DType)

	require.True(t, bref.EmbedName("hello"))
	assert.Equal(t, "hello", bref.EmbeddedName(5))

	long := make([]byte, DirentShortNameMax+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, bref.EmbedName(string(long)))
}

func TestStatsEmbed(t *testing.T) {

	var bref Blockref
	bref.SetStats(Stats{DataCount: 1 << 40, InodeCount: 17})
	st := bref.Stats()
	assert.Equal(t, uint64(1<<40), st.DataCount)
	assert.Equal(t, uint64(17), st.InodeCount)
}

func TestCheckMethods(t *testing.T) {

	data := []byte("the quick brown fox jumps over the lazy dog")

	for _, check := range []uint8{CheckISCSI32, CheckCRC64, CheckSHA192, CheckBlake2b} {
		bref := Blockref{Type: TypeData, Methods: EncMethods(CompNone, check)}
		require.NoError(t, bref.CheckBytes(data))
		assert.NoError(t, bref.VerifyCheck(data), "method %d", check)

		tampered := append([]byte{}, data...)
		tampered[0] ^= 1
		assert.Error(t, bref.VerifyCheck(tampered), "method %d", check)
	}

	// CheckNone verifies anything
	bref := Blockref{Methods: EncMethods(CompNone, CheckNone)}
	assert.NoError(t, bref.VerifyCheck(data))
}
