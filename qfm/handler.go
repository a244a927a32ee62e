package qfm

import (
	"github.com/qfwcore/bootmgr/bldata"
	"github.com/qfwcore/bootmgr/dfu"
	"github.com/qfwcore/bootmgr/flash"
	"github.com/qfwcore/bootmgr/fwcrypto"
)

// Config holds the device-identifying fields a sys-info response
// reports, plus the authentication mode that gates which requests the
// handler accepts.
type Config struct {
	AuthEnabled   bool
	SysupdVersion uint32
	SoCType       string
	// TargetTypes is indexed by target idx, each entry a free-form
	// descriptor (e.g. "sensor-hub", "app-core") reported back in a
	// sys-info response.
	TargetTypes []string
}

// Handler implements dfu.Backend for the metadata/admin alternate
// setting, ported from qfm.c's qfm_dfu_rh and its static state
// (sys_info_rsp / sys_info_rsp_pending).
type Handler struct {
	store  *bldata.Store
	driver flash.Driver
	guard  *fwcrypto.InterruptGuard
	cfg    Config

	status     dfu.Status
	pendingRsp []byte
}

// NewHandler constructs a Handler bound to the given bl-data store.
func NewHandler(store *bldata.Store, driver flash.Driver, cfg Config) *Handler {
	return &Handler{
		store:  store,
		driver: driver,
		guard:  fwcrypto.NewInterruptGuard(),
		cfg:    cfg,
	}
}

// Init implements dfu.Backend. Unlike qfu's handler, qfm never
// sanitizes bl-data on init, so a torn write from a previous session
// is left for qfu (or an explicit sanitize request, or an app erase)
// to repair.
func (h *Handler) Init(altSetting uint8) {
	h.status = dfu.StatusOK
	h.pendingRsp = nil
}

// ProcessingStatus implements dfu.Backend.
func (h *Handler) ProcessingStatus() (dfu.Status, uint32) {
	return h.status, 0
}

// ClearStatus implements dfu.Backend. Ports qfm_clear_status(), which
// notably does not sanitize bl-data the way qfu_clear_status() does.
func (h *Handler) ClearStatus() {
	h.status = dfu.StatusOK
}

// ProcessDnload implements dfu.Backend: every QFM request fits in a
// single block, so only blockCnt 0 is ever accepted. Ports
// qfm_dnl_process_block()'s block-number check plus process_qfm_req().
func (h *Handler) ProcessDnload(blockCnt uint32, data []byte) {
	if blockCnt != 0 {
		h.status = dfu.StatusErrTarget
		return
	}

	unmask := h.guard.Enter()
	defer unmask()

	h.status = h.dispatch(data)
}

// dispatch routes a request to its handler based on its type and the
// device's authentication mode. Ports process_qfm_req().
func (h *Handler) dispatch(data []byte) dfu.Status {
	reqType, err := ParseReqType(data)
	if err != nil {
		return dfu.StatusErrFile
	}

	switch reqType {
	case ReqSysInfo:
		h.pendingRsp = h.prepareSysInfoRsp()
		return dfu.StatusOK

	case ReqAppErase:
		if h.cfg.AuthEnabled {
			return dfu.StatusErrFile
		}
		if err := h.appErase(); err != nil {
			return dfu.StatusErrWrite
		}
		return dfu.StatusOK

	case ReqUpdateFwKey:
		if !h.cfg.AuthEnabled {
			return dfu.StatusErrFile
		}
		if h.store.Shadow().RVKey.IsDefault() {
			return dfu.StatusErrVendor
		}
		pkt, err := ParseUpdateKeyPacket(data)
		if err != nil {
			return dfu.StatusErrFile
		}
		if !h.updateKey(pkt, keyFW) {
			return dfu.StatusErrVendor
		}
		return dfu.StatusOK

	case ReqUpdateRvKey:
		if !h.cfg.AuthEnabled {
			return dfu.StatusErrFile
		}
		pkt, err := ParseUpdateKeyPacket(data)
		if err != nil {
			return dfu.StatusErrFile
		}
		if !h.updateKey(pkt, keyRV) {
			return dfu.StatusErrVendor
		}
		return dfu.StatusOK

	default:
		return dfu.StatusErrFile
	}
}

// FinalizeDnload implements dfu.Backend. Ports qfm_dnl_finalize_transfer(),
// which is a no-op: the request was already fully processed by
// ProcessDnload.
func (h *Handler) FinalizeDnload(blockCnt uint32) error {
	return nil
}

// FillUpload implements dfu.Backend: delivers a pending response
// (currently only ever a sys-info response) if one fits, clearing it
// afterwards regardless of whether it was delivered. Ports
// qfm_upl_fill_block().
func (h *Handler) FillUpload(blockCnt uint32, data []byte, reqLen uint16) uint16 {
	defer func() { h.pendingRsp = nil }()

	if h.pendingRsp == nil || int(reqLen) < len(h.pendingRsp) {
		return 0
	}
	n := copy(data, h.pendingRsp)
	return uint16(n)
}

// AbortDnload implements dfu.Backend. Ports qfm_abort_transfer().
func (h *Handler) AbortDnload() {
	h.pendingRsp = nil
}
