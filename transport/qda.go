// Package transport implements the qda framed request/response
// protocol a host uses to drive a device.Controller's DFU state
// machine over a byte stream (USB or serial); tests call
// Dispatcher.Process directly.
package transport

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qfwcore/bootmgr/device"
	"github.com/qfwcore/bootmgr/dfu"
)

// PktType identifies a qda packet's kind, ported from qda_pkt_type_t.
type PktType uint8

const (
	PktDFUDescReq    PktType = 0
	PktSetAltSetting PktType = 1
	PktDnloadReq     PktType = 2
	PktUploadReq     PktType = 3
	PktGetStatusReq  PktType = 4
	PktClrStatus     PktType = 5
	PktGetStateReq   PktType = 6
	PktAbort         PktType = 7
	PktReset         PktType = 8
	PktAck           PktType = 0x80
	PktStall         PktType = 0x81
	PktDFUDescRsp    PktType = 0x82
	PktGetStatusRsp  PktType = 0x83
	PktGetStateRsp   PktType = 0x84
	PktUploadRsp     PktType = 0x85
)

// ErrShortPacket is returned when a received packet is too short for
// its declared type.
var ErrShortPacket = errors.New("transport: packet too short")

// Dispatcher processes qda packets against one device.Controller's
// DFU state machine. Ports qda_process_pkt()'s switch.
type Dispatcher struct {
	machine *dfu.Machine
}

// NewDispatcher builds a Dispatcher bound to the given controller.
func NewDispatcher(c *device.Controller) *Dispatcher {
	return &Dispatcher{machine: c.Machine}
}

// Process parses and handles one qda packet, returning the response
// packet (ack, stall, or a reply payload) to send back.
func (d *Dispatcher) Process(pkt []byte) []byte {
	if len(pkt) < 1 {
		return ack(PktStall, nil)
	}

	switch PktType(pkt[0]) {
	case PktDFUDescReq:
		return ack(PktDFUDescRsp, nil)

	case PktSetAltSetting:
		if len(pkt) < 2 {
			return ack(PktStall, nil)
		}
		if err := d.machine.SetAltSetting(pkt[1]); err != nil {
			log.Debugf("transport: set-alt-setting failed: %v", err)
			return ack(PktStall, nil)
		}
		return ack(PktAck, nil)

	case PktDnloadReq:
		blockNum, data, err := decodeDnload(pkt[1:])
		if err != nil {
			return ack(PktStall, nil)
		}
		if err := d.machine.ProcessDnload(blockNum, data); err != nil {
			log.Debugf("transport: dnload failed: %v", err)
			return ack(PktStall, nil)
		}
		return ack(PktAck, nil)

	case PktUploadReq:
		blockNum, reqLen, err := decodeUpload(pkt[1:])
		if err != nil {
			return ack(PktStall, nil)
		}
		buf := make([]byte, reqLen)
		n, err := d.machine.ProcessUpload(blockNum, reqLen, buf)
		if err != nil {
			return ack(PktStall, nil)
		}
		return ack(PktUploadRsp, buf[:n])

	case PktGetStatusReq:
		status, state, pollMS := d.machine.GetStatus()
		payload := make([]byte, 6)
		payload[0] = byte(status)
		payload[1] = byte(state)
		binary.LittleEndian.PutUint32(payload[2:], pollMS)
		return ack(PktGetStatusRsp, payload)

	case PktClrStatus:
		if err := d.machine.ClearStatus(); err != nil {
			return ack(PktStall, nil)
		}
		return ack(PktAck, nil)

	case PktGetStateReq:
		state, err := d.machine.GetState()
		if err != nil {
			return ack(PktStall, nil)
		}
		return ack(PktGetStateRsp, []byte{byte(state)})

	case PktAbort:
		if err := d.machine.Abort(); err != nil {
			return ack(PktStall, nil)
		}
		return ack(PktAck, nil)

	default:
		return ack(PktStall, nil)
	}
}

func ack(t PktType, payload []byte) []byte {
	return append([]byte{byte(t)}, payload...)
}

// decodeDnload parses a DNLOAD request payload: block_num (uint16 LE),
// data_len (uint16 LE), then data_len bytes of data.
func decodeDnload(buf []byte) (uint16, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, ErrShortPacket
	}
	blockNum := binary.LittleEndian.Uint16(buf[0:])
	dataLen := binary.LittleEndian.Uint16(buf[2:])
	if len(buf) < 4+int(dataLen) {
		return 0, nil, ErrShortPacket
	}
	return blockNum, buf[4 : 4+dataLen], nil
}

// decodeUpload parses an UPLOAD request payload: block_num (uint16
// LE) and the requested length (uint16 LE).
func decodeUpload(buf []byte) (uint16, uint16, error) {
	if len(buf) < 4 {
		return 0, 0, ErrShortPacket
	}
	return binary.LittleEndian.Uint16(buf[0:]), binary.LittleEndian.Uint16(buf[2:]), nil
}
