package codec

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
	"io/ioutil"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/vorteil/vcow/pkg/ondisk"
	"github.com/vorteil/vcow/pkg/vio"
)

// CompHeaderSize is the per-block overhead the flush path adds in front
// of a compressed payload when sizing the physical block.
const CompHeaderSize = 4

var zstdEncoder, _ = zstd.NewWriter(nil,
	zstd.WithEncoderLevel(zstd.SpeedDefault),
	zstd.WithEncoderConcurrency(1))

var zstdDecoder, _ = zstd.NewReader(nil,
	zstd.WithDecoderConcurrency(1))

// Compress attempts to compress src with the given compression method.
// It returns the compressed bytes and true, or nil and false when the
// method is CompNone, the input is incompressible, or the compressed
// payload plus CompHeaderSize is not smaller than src.
func Compress(method uint8, src []byte) ([]byte, bool) {

	switch method {
	case ondisk.CompNone:
		return nil, false
	case ondisk.CompAutozero:
		if !vio.IsZero(src) {
			return nil, false
		}
		return []byte{}, true
	case ondisk.CompZlib:
		buf := new(bytes.Buffer)
		zw, err := zlib.NewWriterLevel(buf, zlib.DefaultCompression)
		if err != nil {
			return nil, false
		}
		if _, err = zw.Write(src); err != nil {
			return nil, false
		}
		if err = zw.Close(); err != nil {
			return nil, false
		}
		if buf.Len()+CompHeaderSize >= len(src) {
			return nil, false
		}
		return buf.Bytes(), true
	case ondisk.CompZstd:
		out := zstdEncoder.EncodeAll(src, nil)
		if len(out)+CompHeaderSize >= len(src) {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

// Decompress inflates a compressed payload back to its logical size.
func Decompress(method uint8, src []byte, logical int) ([]byte, error) {

	switch method {
	case ondisk.CompNone:
		return src, nil
	case ondisk.CompAutozero:
		return make([]byte, logical), nil
	case ondisk.CompZlib:
		zr, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer zr.Close()
		out, err := ioutil.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		return vio.Pad(out, logical), nil
	case ondisk.CompZstd:
		out, err := zstdDecoder.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return vio.Pad(out, logical), nil
	default:
		return nil, fmt.Errorf("unknown compression method %d", method)
	}
}

// PickRadix returns the radix of the smallest physical block in
// [1KiB, 32KiB] that holds a compressed payload plus its header, or -1 if
// none does and the caller should store the block uncompressed.
func PickRadix(compSize int) int {
	need := int64(compSize + CompHeaderSize)
	for radix := ondisk.RadixMin; radix < ondisk.RadixMax; radix++ {
		if need <= ondisk.RadixSize(radix) {
			return radix
		}
	}
	return -1
}
