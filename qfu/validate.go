package qfu

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qfwcore/bootmgr/dfu"
	"github.com/qfwcore/bootmgr/flash"
	"github.com/qfwcore/bootmgr/fwcrypto"
)

// ErrIncompleteTransfer is returned by FinalizeDnload when the host
// signaled the end of the transfer before delivering the number of
// blocks the header declared.
var ErrIncompleteTransfer = errors.New("qfu: transfer finalized with missing blocks")

// numHeaderBlocks is always 1 with the block sizes this core supports.
const numHeaderBlocks = 1

// handleHeader validates a received header block and, on success,
// stores it (and its extended header, if any) for use by subsequent
// data blocks. Ports qfu_handle_hdr().
func (h *Handler) handleHeader(data []byte) dfu.Status {
	if uint16(len(data)) != h.cfg.BlockSize {
		return dfu.StatusErrAddress
	}

	hdr, err := ParseHeader(data)
	if err != nil {
		return dfu.StatusErrAddress
	}

	if hdr.Magic != HeaderMagic {
		return dfu.StatusErrTarget
	}
	if h.cfg.EnforceVID && hdr.VID != h.cfg.VID {
		return dfu.StatusErrTarget
	}
	if h.cfg.EnforcePID && hdr.PID != h.cfg.PID {
		return dfu.StatusErrTarget
	}
	if h.cfg.EnforceDFUPID && hdr.PIDDfu != h.cfg.PIDDfu {
		return dfu.StatusErrTarget
	}
	if hdr.Partition != uint16(h.altSetting) {
		return dfu.StatusErrAddress
	}
	// The device always requires the maximum block size: this keeps
	// the flashing logic simple even though DFU itself would allow a
	// host to use a smaller one.
	if hdr.BlockSize != h.cfg.BlockSize {
		return dfu.StatusErrFile
	}

	nDataBlocks := hdr.NBlocks - numHeaderBlocks
	if uint32(nDataBlocks)*h.cfg.PagesPerBlock > h.partition.NumPages {
		return dfu.StatusErrAddress
	}

	wantExt := ExtHeaderNone
	if h.cfg.AuthEnabled {
		wantExt = ExtHeaderHMAC256
	}
	if hdr.ExtHdrType != wantExt {
		return dfu.StatusErrFile
	}

	h.header = hdr
	h.hmac = HMACExtHeader{}

	if h.cfg.AuthEnabled {
		extBuf := data[baseHeaderSize:]
		hmacHdr, err := ParseHMACExtHeader(extBuf, int(nDataBlocks))
		if err != nil {
			return dfu.StatusErrFile
		}
		if !h.checkHMACHeader(data, hmacHdr, int(nDataBlocks)) {
			return dfu.StatusErrFile
		}
		h.hmac = hmacHdr
	}

	return dfu.StatusOK
}

// checkHMACHeader validates the HMAC256 extended header: the device
// must be provisioned with a non-default key, the image's SVN must
// not roll the target backward, and the HMAC over the full header
// (base + extended header up to but excluding the tag) must match.
// Ports qfu_hmac_check_hdr().
func (h *Handler) checkHMACHeader(rawHdr []byte, hmacHdr HMACExtHeader, nDataBlocks int) bool {
	fwKey := h.store.Shadow().FWKey
	if fwKey.IsDefault() {
		return false
	}

	target := h.store.Shadow().Target(h.partition.TargetIdx)
	if hmacHdr.SVN < target.SVN {
		return false
	}

	signedLen := baseHeaderSize + ExtHeaderSize(nDataBlocks) - fwcrypto.DigestSize
	signed := rawHdr[:signedLen]
	digest := fwcrypto.HMACSHA256(fwKey, signed)
	return fwcrypto.ConstantTimeEqual(digest[:], hmacHdr.Tag[:])
}

// handleBlock validates and flashes a received data block. Ports
// qfu_handle_blk().
func (h *Handler) handleBlock(blockNum uint32, data []byte) dfu.Status {
	isLast := blockNum+1 >= uint32(h.header.NBlocks)
	if blockNum >= uint32(h.header.NBlocks) ||
		uint16(len(data)) > h.header.BlockSize ||
		(!isLast && uint16(len(data)) != h.header.BlockSize) {
		return dfu.StatusErrAddress
	}

	blkBuf := make([]byte, h.header.BlockSize)
	for i := range blkBuf {
		blkBuf[i] = 0xFF
	}
	copy(blkBuf, data)

	dataBlkNum := blockNum - numHeaderBlocks
	if h.cfg.AuthEnabled {
		want := h.hmac.Hashes[dataBlkNum]
		got := fwcrypto.SHA256(blkBuf[:len(data)])
		if !fwcrypto.ConstantTimeEqual(got[:], want[:]) {
			if err := h.store.Sanitize(); err != nil {
				log.Errorf("qfu: sanitize after block hash mismatch: %v", err)
			}
			return dfu.StatusErrFile
		}
	}

	if blockNum == numHeaderBlocks {
		h.prepareBLData()
	}

	targetPage := h.partition.FirstPage + dataBlkNum*h.cfg.PagesPerBlock
	words := flash.BytesToWords(blkBuf)
	for p := uint32(0); p < h.cfg.PagesPerBlock; p++ {
		pageWords := words[p*flash.WordsPerPage : (p+1)*flash.WordsPerPage]
		if err := h.driver.WritePage(targetPage+p, pageWords); err != nil {
			return dfu.StatusErrVerify
		}
	}

	return dfu.StatusOK
}

// prepareBLData marks the partition being written as inconsistent and
// writes bl-data back, so that a crash mid-update leaves the
// partition erased (and never booted) rather than half-written.
// Ports prepare_bl_data().
func (h *Handler) prepareBLData() {
	h.partition.IsConsistent = false
	if err := h.store.Writeback(); err != nil {
		log.Errorf("qfu: writeback while preparing partition for update: %v", err)
	}
}
