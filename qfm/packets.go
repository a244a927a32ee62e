// Package qfm implements the metadata/admin DFU backend bound to
// alternate setting 0: system-information queries, application erase
// and firmware/revocation key rotation.
package qfm

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/qfwcore/bootmgr/fwcrypto"
)

// ReqType identifies the kind of request carried by a QFM packet.
type ReqType uint32

const (
	ReqSysInfo     ReqType = 0
	ReqAppErase    ReqType = 1
	ReqUpdateFwKey ReqType = 2
	ReqUpdateRvKey ReqType = 3
)

// genericPktSize is the size of the common packet header every QFM
// request begins with: just its type.
const genericPktSize = 4

// ErrShortPacket is returned when a buffer is too small to contain
// even the generic packet header.
var ErrShortPacket = errors.New("qfm: packet too short")

// ParseReqType reads the request type from the start of buf.
func ParseReqType(buf []byte) (ReqType, error) {
	if len(buf) < genericPktSize {
		return 0, ErrShortPacket
	}
	return ReqType(binary.LittleEndian.Uint32(buf)), nil
}

// UpdateKeyPacket carries a replacement key plus the double-HMAC tag
// authenticating the rotation, grounded on qfm_update_pkt_t's usage in
// qfm_update_key(): the tag covers the packet (minus the tag itself)
// keyed by the firmware key, then the digest of that is re-keyed by
// the revocation key.
type UpdateKeyPacket struct {
	Type ReqType
	Key  fwcrypto.Key
	MAC  fwcrypto.Digest
}

const updateKeyPktSize = genericPktSize + fwcrypto.KeySize + fwcrypto.DigestSize

// ParseUpdateKeyPacket decodes an UpdateKeyPacket from buf.
func ParseUpdateKeyPacket(buf []byte) (UpdateKeyPacket, error) {
	var p UpdateKeyPacket
	if len(buf) < updateKeyPktSize {
		return p, ErrShortPacket
	}
	p.Type = ReqType(binary.LittleEndian.Uint32(buf[0:]))
	copy(p.Key[:], buf[4:4+fwcrypto.KeySize])
	copy(p.MAC[:], buf[4+fwcrypto.KeySize:4+fwcrypto.KeySize+fwcrypto.DigestSize])
	return p, nil
}

// signedPrefix returns the bytes the MAC is computed over: everything
// in the packet except the trailing MAC field.
func (p UpdateKeyPacket) signedPrefix() []byte {
	buf := make([]byte, updateKeyPktSize-fwcrypto.DigestSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(p.Type))
	copy(buf[4:], p.Key[:])
	return buf
}

// Marshal encodes p back into its wire layout; used by the CLI when
// building a key-rotation request to send to a device.
func (p UpdateKeyPacket) Marshal() []byte {
	buf := make([]byte, updateKeyPktSize)
	copy(buf, p.signedPrefix())
	copy(buf[updateKeyPktSize-fwcrypto.DigestSize:], p.MAC[:])
	return buf
}

// PartitionInfo is one partition's entry in a SysInfoResponse.
type PartitionInfo struct {
	AppPresent bool
	AppVersion uint32
}

// TargetInfo is one target's entry in a SysInfoResponse. TargetType is
// a free-form descriptor (e.g. "sensor-hub", "app-core") supplementing
// the original's compile-time per-SoC target enum, since one binary
// here can serve targets of more than one kind.
type TargetInfo struct {
	ActivePartitionIdx uint32
	TargetType         string
}

// SysInfoResponse mirrors qfm_sys_info_rsp_t: ROM/bootloader version,
// a free-form SoC identifier, the active authentication mechanism,
// and one entry per partition and target.
type SysInfoResponse struct {
	Type          ReqType
	SysupdVersion uint32
	SoCType       string
	AuthType      uint16
	Partitions    []PartitionInfo
	Targets       []TargetInfo
}

const sysInfoRspFixedSize = 4 + 4 + 16 + 2 + 2 + 2 // type, version, soc_type(16B), auth_type, counts
const partitionInfoSize = 1 + 4
const targetTypeSize = 16
const targetInfoSize = 4 + targetTypeSize

// Marshal encodes r into its wire layout: a fixed-size header
// (including a 16-byte free-form SoC identifier, supplementing the
// original's compile-time SoC enum since this port serves more than
// one simulated SoC family) followed by the partition and target arrays.
func (r SysInfoResponse) Marshal() []byte {
	size := sysInfoRspFixedSize + len(r.Partitions)*partitionInfoSize + len(r.Targets)*targetInfoSize
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.Type))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.SysupdVersion)
	off += 4
	copy(buf[off:off+16], []byte(r.SoCType))
	off += 16
	binary.LittleEndian.PutUint16(buf[off:], r.AuthType)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.Targets)))
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.Partitions)))
	off += 2

	for _, p := range r.Partitions {
		if p.AppPresent {
			buf[off] = 1
		}
		off++
		binary.LittleEndian.PutUint32(buf[off:], p.AppVersion)
		off += 4
	}
	for _, t := range r.Targets {
		binary.LittleEndian.PutUint32(buf[off:], t.ActivePartitionIdx)
		off += 4
		copy(buf[off:off+targetTypeSize], []byte(t.TargetType))
		off += targetTypeSize
	}
	return buf
}

// EncodedSize returns the number of bytes Marshal produces for a
// response with the given partition/target counts.
func EncodedSize(numPartitions, numTargets int) int {
	return sysInfoRspFixedSize + numPartitions*partitionInfoSize + numTargets*targetInfoSize
}
