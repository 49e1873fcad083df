package vio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZero(t *testing.T) {

	for _, n := range []int{0, 1, 7, 8, 9, 4096, 16384} {
		p := make([]byte, n)
		for i := range p {
			p[i] = 0xFF
		}
		Zero(p)
		assert.Equal(t, make([]byte, n), p, "length %d", n)
	}
}

func TestPad(t *testing.T) {

	p := []byte("payload")

	out := Pad(p, 16)
	assert.Len(t, out, 16)
	assert.Equal(t, p, out[:7])
	assert.Equal(t, make([]byte, 9), out[7:])

	// shorter requests truncate without copying
	same := Pad(p, 4)
	assert.Equal(t, []byte("payl"), same)

	exact := Pad(p, 7)
	assert.Equal(t, p, exact)
}

func TestIsZero(t *testing.T) {

	assert.True(t, IsZero(nil))
	assert.True(t, IsZero(make([]byte, 4096)))

	p := make([]byte, 4096)
	p[4095] = 1
	assert.False(t, IsZero(p))

	q := make([]byte, 9)
	q[3] = 1
	assert.False(t, IsZero(q))
}
