package codec

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vcow/pkg/ondisk"
)

func compressible() []byte {
	return bytes.Repeat([]byte("compress me please. "), 200)
}

func incompressible() []byte {
	rng := rand.New(rand.NewSource(1))
	p := make([]byte, 4096)
	rng.Read(p)
	return p
}

func TestCompressRoundTrip(t *testing.T) {

	for _, method := range []uint8{ondisk.CompZlib, ondisk.CompZstd} {
		src := compressible()
		out, ok := Compress(method, src)
		require.True(t, ok, "method %d", method)
		require.True(t, len(out) < len(src))

		back, err := Decompress(method, out, len(src))
		require.NoError(t, err)
		assert.Equal(t, src, back)
	}
}

func TestIncompressibleSignalled(t *testing.T) {

	_, ok := Compress(ondisk.CompZlib, incompressible())
	assert.False(t, ok)

	_, ok = Compress(ondisk.CompNone, compressible())
	assert.False(t, ok)
}

func TestAutozero(t *testing.T) {

	out, ok := Compress(ondisk.CompAutozero, make([]byte, 8192))
	require.True(t, ok)
	assert.Empty(t, out)

	_, ok = Compress(ondisk.CompAutozero, []byte{0, 0, 1})
	assert.False(t, ok)

	back, err := Decompress(ondisk.CompAutozero, nil, 8192)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8192), back)
}

func TestPickRadix(t *testing.T) {

	assert.Equal(t, 10, PickRadix(100))
	assert.Equal(t, 11, PickRadix(1021))
	assert.Equal(t, 15, PickRadix(20000))
	assert.Equal(t, -1, PickRadix(40000))
}
