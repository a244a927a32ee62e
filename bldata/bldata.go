// Package bldata implements the bootloader metadata store: the
// RAM-shadowed, dual-page, CRC-protected record describing flash
// partitions, boot targets and the authentication keys guarding
// firmware updates.
package bldata

import (
	"github.com/qfwcore/bootmgr/fwcrypto"
)

// Partition mirrors one flash partition descriptor: a contiguous
// range of pages on a given controller holding application code for
// one boot target.
type Partition struct {
	TargetIdx    uint32
	Controller   uint32
	FirstPage    uint32
	NumPages     uint32
	StartAddr    uint32
	IsConsistent bool
	AppVersion   uint32
}

// Target mirrors one boot target descriptor: a core capable of
// running code out of one of its associated partitions.
type Target struct {
	ActivePartitionIdx uint32
	SVN                uint32
}

// Data is the RAM shadow of the bootloader metadata record. Field
// order matches the on-flash layout field-for-field (trim codes,
// version, partitions, targets, keys, crc) so Marshal/Unmarshal can
// follow the same sequence the reference firmware uses, even though
// this Go port drops the SoC-specific FPR alignment padding (there is
// no flash protection region to align to on a host build).
type Data struct {
	TrimCodes  [16]byte
	ROMVersion uint32

	Partitions []Partition
	Targets    []Target

	FWKey fwcrypto.Key
	RVKey fwcrypto.Key

	CRC uint16
}

// AppPresent reports whether the partition's first word differs from
// the flash-erased sentinel, mirroring the original's
// `*part->start_addr != 0xFFFFFFFF` presence check — a partition
// marked consistent but never written is still "absent".
func (d *Data) AppPresent(driver PageReader, p *Partition) (bool, error) {
	words, err := driver.ReadPage(p.FirstPage)
	if err != nil {
		return false, err
	}
	return words[0] != 0xFFFFFFFF, nil
}

// PageReader is the minimal flash capability AppPresent needs,
// satisfied by flash.Driver.
type PageReader interface {
	ReadPage(page uint32) ([]uint32, error)
}

// Target looks up the target at idx, or nil if out of range.
func (d *Data) Target(idx uint32) *Target {
	if int(idx) >= len(d.Targets) {
		return nil
	}
	return &d.Targets[idx]
}

// Partition looks up the partition at idx, or nil if out of range.
func (d *Data) Partition(idx uint32) *Partition {
	if int(idx) >= len(d.Partitions) {
		return nil
	}
	return &d.Partitions[idx]
}

// ActivePartition returns the partition currently active for target,
// or nil if the target index is invalid.
func (d *Data) ActivePartition(targetIdx uint32) *Partition {
	t := d.Target(targetIdx)
	if t == nil {
		return nil
	}
	return d.Partition(t.ActivePartitionIdx)
}
