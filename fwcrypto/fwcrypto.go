// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package fwcrypto adapts the cryptographic primitives the firmware
// core is built on: CRC-16/CCITT, SHA-256 and HMAC-SHA-256, plus a
// constant-time MAC comparator. All three are consumed as pure
// functions, matching the "Crypto contract" of the specification this
// core implements.
package fwcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// KeySize is the size, in bytes, of fw_key and rv_key (HMAC-SHA256 keys).
const KeySize = 32

// DigestSize is the size, in bytes, of a SHA-256 digest.
const DigestSize = sha256.Size

// Digest is a SHA-256 hash value.
type Digest [DigestSize]byte

// Key is a 32-byte HMAC-SHA256 key. The all-zero value is the
// unprovisioned default.
type Key [KeySize]byte

// IsDefault reports whether k is the all-zero, unprovisioned default.
func (k Key) IsDefault() bool {
	var zero Key
	// Not required to be constant-time: this only gates whether a key
	// has ever been provisioned, not a secret comparison.
	return k == zero
}

// SHA256 computes the SHA-256 digest of data.
func SHA256(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// HMACSHA256 computes the HMAC-SHA256 of data keyed by key.
func HMACSHA256(key Key, data []byte) Digest {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(data)
	var d Digest
	copy(d[:], mac.Sum(nil))
	return d
}

// ConstantTimeEqual reports whether a and b are equal, in constant
// time with respect to the byte contents (but not their lengths).
// Treated as its own crypto primitive per the spec rather than a
// generic equality, since MAC comparisons must never be observably
// short-circuited on the first mismatching byte.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// crcTable-free CRC-16/CCITT, matching the reference firmware's
// bit-exact implementation: initial value 0, polynomial 0x1021, no
// final XOR. This has no standard library equivalent (hash/crc32 and
// hash/crc64 only), so it is hand-rolled here against the original
// fm_crc16_ccitt() algorithm.
func CRC16CCITT(data []byte) uint16 {
	var crc uint32
	for _, b := range data {
		x := (crc ^ (uint32(b) << 8)) & 0xffff
		x = ((x >> 12) ^ (x >> 8)) & 0xffff
		x ^= (x << 5) ^ (x << 12)
		crc = ((crc << 8) ^ x) & 0xffff
	}
	return uint16(crc)
}
