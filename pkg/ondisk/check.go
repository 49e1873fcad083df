package ondisk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc64"

	"golang.org/x/crypto/blake2b"
)

var crc64Table = crc64.MakeTable(crc64.ECMA)

// CheckBytes computes the check code selected by the blockref's methods
// byte over data and stores it in the check area. Callers never interpret
// the check bytes themselves; dirent short names use the check area
// instead and must carry CheckNone.
func (bref *Blockref) CheckBytes(data []byte) error {

	_, check := DecMethods(bref.Methods)

	switch check {
	case CheckNone, CheckDisabled:
		return nil
	case CheckISCSI32:
		for i := range bref.Check {
			bref.Check[i] = 0
		}
		binary.LittleEndian.PutUint32(bref.Check[:4], ICRC(data))
	case CheckCRC64:
		for i := range bref.Check {
			bref.Check[i] = 0
		}
		binary.LittleEndian.PutUint64(bref.Check[:8], crc64.Checksum(data, crc64Table))
	case CheckSHA192:
		sum := sha256.Sum256(data)
		for i := range bref.Check {
			bref.Check[i] = 0
		}
		copy(bref.Check[:24], sum[:24])
	case CheckFreemap:
		for i := range bref.Check {
			bref.Check[i] = 0
		}
		binary.LittleEndian.PutUint32(bref.Check[:4], ICRC(data))
		binary.LittleEndian.PutUint64(bref.Check[8:16], bref.Freemap().Avail)
	case CheckBlake2b:
		sum := blake2b.Sum256(data)
		for i := range bref.Check {
			bref.Check[i] = 0
		}
		copy(bref.Check[:32], sum[:])
	default:
		return fmt.Errorf("unknown check method %d", check)
	}

	return nil
}

// VerifyCheck recomputes the check code over data and compares it against
// the stored check area. A nil return means the data is intact or the
// blockref carries no verifiable check.
func (bref *Blockref) VerifyCheck(data []byte) error {

	_, check := DecMethods(bref.Methods)

	switch check {
	case CheckNone, CheckDisabled:
		return nil
	case CheckISCSI32, CheckFreemap:
		want := binary.LittleEndian.Uint32(bref.Check[:4])
		if got := ICRC(data); got != want {
			return fmt.Errorf("check code mismatch: crc %08x != %08x", got, want)
		}
	case CheckCRC64:
		want := binary.LittleEndian.Uint64(bref.Check[:8])
		if got := crc64.Checksum(data, crc64Table); got != want {
			return fmt.Errorf("check code mismatch: crc64 %016x != %016x", got, want)
		}
	case CheckSHA192:
		sum := sha256.Sum256(data)
		for i := 0; i < 24; i++ {
			if sum[i] != bref.Check[i] {
				return fmt.Errorf("check code mismatch: sha192")
			}
		}
	case CheckBlake2b:
		sum := blake2b.Sum256(data)
		for i := 0; i < 32; i++ {
			if sum[i] != bref.Check[i] {
				return fmt.Errorf("check code mismatch: blake2b")
			}
		}
	default:
		return fmt.Errorf("unknown check method %d", check)
	}

	return nil
}
