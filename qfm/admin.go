package qfm

import (
	"github.com/qfwcore/bootmgr/fwcrypto"
)

// keySelector identifies which provisioned key an UpdateFwKey/
// UpdateRvKey request rotates.
type keySelector int

const (
	keyFW keySelector = iota
	keyRV
)

// prepareSysInfoRsp builds the response to a QFM_SYS_INFO_REQ: the
// bootloader's own version, one entry per partition reporting whether
// it holds a flashed application and at what version, and one entry
// per target reporting which partition it will boot next. Ports
// prepare_sys_info_rsp().
func (h *Handler) prepareSysInfoRsp() []byte {
	data := h.store.Shadow()

	rsp := SysInfoResponse{
		Type:          ReqSysInfo,
		SysupdVersion: h.cfg.SysupdVersion,
		SoCType:       h.cfg.SoCType,
		Partitions:    make([]PartitionInfo, len(data.Partitions)),
		Targets:       make([]TargetInfo, len(data.Targets)),
	}
	if h.cfg.AuthEnabled {
		rsp.AuthType = uint16(2) // mirrors qfu's ExtHeaderHMAC256
	}

	for i := range data.Partitions {
		p := &data.Partitions[i]
		present, _ := data.AppPresent(h.driver, p)
		rsp.Partitions[i] = PartitionInfo{AppPresent: present, AppVersion: p.AppVersion}
	}
	for i := range data.Targets {
		var targetType string
		if i < len(h.cfg.TargetTypes) {
			targetType = h.cfg.TargetTypes[i]
		}
		rsp.Targets[i] = TargetInfo{
			ActivePartitionIdx: data.Targets[i].ActivePartitionIdx,
			TargetType:         targetType,
		}
	}

	return rsp.Marshal()
}

// appErase wipes every application partition: each is marked
// inconsistent and the change is committed before the erase itself
// runs, so after a crash mid-erase the next Sanitize still finds the
// partitions marked inconsistent and erases them. Ports app_erase(), only
// ever reachable when authentication is disabled.
func (h *Handler) appErase() error {
	data := h.store.Shadow()
	for i := range data.Partitions {
		data.Partitions[i].IsConsistent = false
	}
	if err := h.store.Writeback(); err != nil {
		return err
	}
	return h.store.Sanitize()
}

// updateKey authenticates and applies a key-rotation request. The
// request is authenticated by a double HMAC: h1 keys the packet
// (minus its own tag) with the current firmware key, and h2 re-keys
// h1 with the current revocation key; the request's tag must equal
// h2. This lets either key be rotated only by a party holding both
// current keys, without ever transmitting them. Ports qfm_update_key().
func (h *Handler) updateKey(pkt UpdateKeyPacket, which keySelector) bool {
	data := h.store.Shadow()

	h1 := fwcrypto.HMACSHA256(data.FWKey, pkt.signedPrefix())
	h2 := fwcrypto.HMACSHA256(data.RVKey, h1[:])
	if !fwcrypto.ConstantTimeEqual(h2[:], pkt.MAC[:]) {
		return false
	}

	switch which {
	case keyFW:
		data.FWKey = pkt.Key
	case keyRV:
		data.RVKey = pkt.Key
	}

	if err := h.store.Writeback(); err != nil {
		return false
	}
	return true
}
