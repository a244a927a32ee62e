package bldata

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/qfwcore/bootmgr/fwcrypto"
)

// partitionEncodedSize is the fixed wire size of one Partition record:
// 5 x uint32 + 1 bool (stored as uint32) + uint32 = 28 bytes.
const partitionEncodedSize = 5*4 + 4 + 4

// targetEncodedSize is the fixed wire size of one Target record.
const targetEncodedSize = 4 + 4

// ErrCorrupt is returned by Unmarshal when the buffer is too short to
// contain a valid record, independent of the CRC check (which callers
// perform separately via VerifyCRC, mirroring how the reference
// sanitize routine checks CRC before trusting the rest of the layout).
var ErrCorrupt = errors.New("bldata: corrupt or truncated record")

// EncodedSize returns the number of bytes Marshal produces for a
// record with the given partition/target counts.
func EncodedSize(numPartitions, numTargets int) int {
	return 4 + 16 + numPartitions*partitionEncodedSize + numTargets*targetEncodedSize +
		fwcrypto.KeySize*2 + 2
}

// Marshal encodes d into its on-flash byte layout: trim codes, ROM
// version, partitions, targets, fw key, rv key, CRC — little-endian
// throughout, field order matching the reference bl_data_t layout
// (minus the SoC-specific FPR alignment gap, which has no meaning on
// a host build).
func (d *Data) Marshal() []byte {
	buf := make([]byte, EncodedSize(len(d.Partitions), len(d.Targets)))
	off := 0

	copy(buf[off:off+16], d.TrimCodes[:])
	off += 16
	binary.LittleEndian.PutUint32(buf[off:], d.ROMVersion)
	off += 4

	for _, p := range d.Partitions {
		binary.LittleEndian.PutUint32(buf[off:], p.TargetIdx)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], p.Controller)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], p.FirstPage)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], p.NumPages)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], p.StartAddr)
		off += 4
		var consistent uint32
		if p.IsConsistent {
			consistent = 1
		}
		binary.LittleEndian.PutUint32(buf[off:], consistent)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], p.AppVersion)
		off += 4
	}

	for _, t := range d.Targets {
		binary.LittleEndian.PutUint32(buf[off:], t.ActivePartitionIdx)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], t.SVN)
		off += 4
	}

	copy(buf[off:off+fwcrypto.KeySize], d.FWKey[:])
	off += fwcrypto.KeySize
	copy(buf[off:off+fwcrypto.KeySize], d.RVKey[:])
	off += fwcrypto.KeySize

	binary.LittleEndian.PutUint16(buf[off:], d.CRC)
	off += 2

	return buf
}

// Unmarshal decodes buf into d, given the expected partition and
// target counts (fixed by device provisioning, not carried on the
// wire). It does not itself verify the CRC; callers check CRC
// separately since sanitize logic needs to compare CRC-validity of
// two copies before deciding which, if either, to trust.
func Unmarshal(buf []byte, numPartitions, numTargets int) (*Data, error) {
	want := EncodedSize(numPartitions, numTargets)
	if len(buf) < want {
		return nil, ErrCorrupt
	}

	d := &Data{
		Partitions: make([]Partition, numPartitions),
		Targets:    make([]Target, numTargets),
	}
	off := 0

	copy(d.TrimCodes[:], buf[off:off+16])
	off += 16
	d.ROMVersion = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	for i := range d.Partitions {
		p := &d.Partitions[i]
		p.TargetIdx = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		p.Controller = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		p.FirstPage = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		p.NumPages = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		p.StartAddr = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		p.IsConsistent = binary.LittleEndian.Uint32(buf[off:]) != 0
		off += 4
		p.AppVersion = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}

	for i := range d.Targets {
		t := &d.Targets[i]
		t.ActivePartitionIdx = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		t.SVN = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}

	copy(d.FWKey[:], buf[off:off+fwcrypto.KeySize])
	off += fwcrypto.KeySize
	copy(d.RVKey[:], buf[off:off+fwcrypto.KeySize])
	off += fwcrypto.KeySize

	d.CRC = binary.LittleEndian.Uint16(buf[off:])
	off += 2

	return d, nil
}

// computeCRC returns the CRC-16/CCITT over every encoded field except
// the trailing CRC itself, matching the reference's
// `fm_crc16_ccitt(bl_data, offsetof(bl_data_t, crc))`.
func computeCRC(buf []byte) uint16 {
	return fwcrypto.CRC16CCITT(buf[:len(buf)-2])
}
