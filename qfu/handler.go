package qfu

import (
	log "github.com/sirupsen/logrus"

	"github.com/qfwcore/bootmgr/bldata"
	"github.com/qfwcore/bootmgr/dfu"
	"github.com/qfwcore/bootmgr/flash"
	"github.com/qfwcore/bootmgr/fwcrypto"
)

// Config holds the device-provisioning knobs the QFU handler checks
// an incoming image against.
type Config struct {
	AuthEnabled   bool
	EnforceVID    bool
	EnforcePID    bool
	EnforceDFUPID bool
	VID           uint16
	PID           uint16
	PIDDfu        uint16

	// BlockSize is the required block size in bytes; images using any
	// other block size are rejected rather than accepted and resized,
	// mirroring the reference's decision to simplify the flashing path
	// by forcing the maximum block size.
	BlockSize uint16
	// PagesPerBlock is the number of flash pages one data block maps
	// to (BlockSize / flash.PageSize).
	PagesPerBlock uint32
}

// Handler implements dfu.Backend for a single application partition,
// ported field-for-field from qfu.c's static state (part, blk_buf,
// img_hdr, qfu_err_status).
type Handler struct {
	store  *bldata.Store
	driver flash.Driver
	guard  *fwcrypto.InterruptGuard
	cfg    Config

	altSetting uint8
	partition  *bldata.Partition

	status dfu.Status
	header Header
	hmac   HMACExtHeader
}

// NewHandler constructs a Handler bound to the given partition store
// and flash driver.
func NewHandler(store *bldata.Store, driver flash.Driver, cfg Config) *Handler {
	return &Handler{
		store:  store,
		driver: driver,
		guard:  fwcrypto.NewInterruptGuard(),
		cfg:    cfg,
	}
}

// Init implements dfu.Backend.
func (h *Handler) Init(altSetting uint8) {
	h.altSetting = altSetting
	h.status = dfu.StatusOK
	if err := h.store.Sanitize(); err != nil {
		log.Errorf("qfu: sanitize on init: %v", err)
	}
	// Looked up after Sanitize, which replaces the shadow record.
	// Alternate setting 1 maps to partition index 0, and so on.
	h.partition = h.store.Shadow().Partition(uint32(altSetting) - 1)
}

// ProcessingStatus implements dfu.Backend. The flash write happens
// synchronously inside ProcessDnload, so there is never a pending
// poll timeout to report.
func (h *Handler) ProcessingStatus() (dfu.Status, uint32) {
	return h.status, 0
}

// ClearStatus implements dfu.Backend.
func (h *Handler) ClearStatus() {
	if err := h.store.Sanitize(); err != nil {
		log.Errorf("qfu: sanitize on clear-status: %v", err)
	}
	h.status = dfu.StatusOK
}

// ProcessDnload implements dfu.Backend: blockCnt 0 is always the
// header block, every later block is a data block.
func (h *Handler) ProcessDnload(blockCnt uint32, data []byte) {
	unmask := h.guard.Enter()
	defer unmask()

	if blockCnt == 0 {
		h.status = h.handleHeader(data)
	} else {
		h.status = h.handleBlock(blockCnt, data)
	}
}

// FinalizeDnload implements dfu.Backend.
func (h *Handler) FinalizeDnload(blockCnt uint32) error {
	if uint16(blockCnt) != h.header.NBlocks {
		if err := h.store.Sanitize(); err != nil {
			log.Errorf("qfu: sanitize on short transfer: %v", err)
		}
		return ErrIncompleteTransfer
	}

	h.partition.IsConsistent = true
	h.partition.AppVersion = h.header.Version
	target := h.store.Shadow().Target(h.partition.TargetIdx)
	target.ActivePartitionIdx = uint32(h.altSetting) - 1
	if h.cfg.AuthEnabled {
		target.SVN = h.hmac.SVN
	}
	return h.store.Writeback()
}

// FillUpload implements dfu.Backend. Firmware extraction is never
// allowed through the QFU handler: every upload request returns an
// empty payload.
func (h *Handler) FillUpload(blockCnt uint32, data []byte, reqLen uint16) uint16 {
	return 0
}

// AbortDnload implements dfu.Backend.
func (h *Handler) AbortDnload() {
	if err := h.store.Sanitize(); err != nil {
		log.Errorf("qfu: sanitize on abort: %v", err)
	}
}
