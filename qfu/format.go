// Package qfu implements the image-upgrade DFU backend: parsing,
// authenticating and flashing a QFU-format firmware image on every
// alternate setting other than 0.
package qfu

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/qfwcore/bootmgr/fwcrypto"
)

// HeaderMagic is the 4-byte "QFUH" magic opening every QFU header.
const HeaderMagic uint32 = 0x48554651

// ExtHeaderType enumerates the possible authentication mechanisms
// carried in a QFU image's extended header.
type ExtHeaderType uint16

const (
	ExtHeaderNone    ExtHeaderType = 0
	ExtHeaderSHA256  ExtHeaderType = 1
	ExtHeaderHMAC256 ExtHeaderType = 2
)

// baseHeaderSize is the encoded size of Header, excluding any
// extended header bytes that follow it.
const baseHeaderSize = 4 + 2 + 2 + 2 + 2 + 4 + 2 + 2 + 2 + 2

// Header is the fixed-size QFU base header every image starts with.
type Header struct {
	Magic      uint32
	VID        uint16
	PID        uint16
	PIDDfu     uint16
	Partition  uint16
	Version    uint32
	BlockSize  uint16
	NBlocks    uint16
	ExtHdrType ExtHeaderType
	Reserved   uint16
}

// ErrShortHeader is returned when a buffer is too small to contain
// even the base header.
var ErrShortHeader = errors.New("qfu: buffer too short for header")

// ParseHeader decodes the fixed-size base header from the start of
// buf. Any extended header bytes following it are left in buf for the
// caller to interpret according to ExtHdrType.
func ParseHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < baseHeaderSize {
		return h, ErrShortHeader
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	h.VID = binary.LittleEndian.Uint16(buf[4:])
	h.PID = binary.LittleEndian.Uint16(buf[6:])
	h.PIDDfu = binary.LittleEndian.Uint16(buf[8:])
	h.Partition = binary.LittleEndian.Uint16(buf[10:])
	h.Version = binary.LittleEndian.Uint32(buf[12:])
	h.BlockSize = binary.LittleEndian.Uint16(buf[16:])
	h.NBlocks = binary.LittleEndian.Uint16(buf[18:])
	h.ExtHdrType = ExtHeaderType(binary.LittleEndian.Uint16(buf[20:]))
	h.Reserved = binary.LittleEndian.Uint16(buf[22:])
	return h, nil
}

// Marshal encodes h back into its base-header byte layout; used to
// construct images, for example in tests.
func (h Header) Marshal() []byte {
	buf := make([]byte, baseHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:], h.VID)
	binary.LittleEndian.PutUint16(buf[6:], h.PID)
	binary.LittleEndian.PutUint16(buf[8:], h.PIDDfu)
	binary.LittleEndian.PutUint16(buf[10:], h.Partition)
	binary.LittleEndian.PutUint32(buf[12:], h.Version)
	binary.LittleEndian.PutUint16(buf[16:], h.BlockSize)
	binary.LittleEndian.PutUint16(buf[18:], h.NBlocks)
	binary.LittleEndian.PutUint16(buf[20:], uint16(h.ExtHdrType))
	binary.LittleEndian.PutUint16(buf[22:], h.Reserved)
	return buf
}

// HMACExtHeader is the HMAC256 extended header: an anti-rollback SVN
// followed by one SHA-256 hash per data block and a final HMAC-SHA256
// tag over the base header plus everything preceding the tag.
type HMACExtHeader struct {
	SVN    uint32
	Hashes []fwcrypto.Digest // len == numDataBlocks; the final tag is separate
	Tag    fwcrypto.Digest
}

// ParseHMACExtHeader decodes an HMAC256 extended header from buf
// (immediately following the base header), given the number of data
// blocks the base header declares.
func ParseHMACExtHeader(buf []byte, numDataBlocks int) (HMACExtHeader, error) {
	var eh HMACExtHeader
	want := 4 + numDataBlocks*fwcrypto.DigestSize + fwcrypto.DigestSize
	if len(buf) < want {
		return eh, ErrShortHeader
	}
	eh.SVN = binary.LittleEndian.Uint32(buf[0:])
	off := 4
	eh.Hashes = make([]fwcrypto.Digest, numDataBlocks)
	for i := 0; i < numDataBlocks; i++ {
		copy(eh.Hashes[i][:], buf[off:off+fwcrypto.DigestSize])
		off += fwcrypto.DigestSize
	}
	copy(eh.Tag[:], buf[off:off+fwcrypto.DigestSize])
	return eh, nil
}

// Marshal encodes eh back into its wire layout.
func (eh HMACExtHeader) Marshal() []byte {
	buf := make([]byte, 4+len(eh.Hashes)*fwcrypto.DigestSize+fwcrypto.DigestSize)
	binary.LittleEndian.PutUint32(buf[0:], eh.SVN)
	off := 4
	for _, h := range eh.Hashes {
		copy(buf[off:], h[:])
		off += fwcrypto.DigestSize
	}
	copy(buf[off:], eh.Tag[:])
	return buf
}

// ExtHeaderSize returns the encoded size of an HMAC256 extended
// header for numDataBlocks data blocks.
func ExtHeaderSize(numDataBlocks int) int {
	return 4 + numDataBlocks*fwcrypto.DigestSize + fwcrypto.DigestSize
}
