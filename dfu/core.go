package dfu

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrStalled is returned for any request the current state does not
// allow; callers map it to a USB STALL the way qda_process_pkt does
// for a non-zero dfu_process_* return.
var ErrStalled = errors.New("dfu: request not valid in current state")

// Selector resolves the Backend responsible for an alternate setting:
// alt setting 0 is always the metadata/admin handler, any other value
// is the image handler for that partition slot.
type Selector func(altSetting uint8) (Backend, error)

// Machine is the DFU request-routing state machine. One Machine
// serves the entire device; alternate-setting selection swaps which
// Backend it dispatches block processing to, without losing the
// state/status bookkeeping that belongs to the machine itself.
type Machine struct {
	numAltSettings uint8
	selector       Selector

	state  State
	status Status
	rh     Backend

	blockCnt     uint32
	nextBlockNum uint16
}

// NewMachine constructs a Machine with numAltSettings alternate
// settings (1 metadata setting + one image setting per partition,
// mirroring DFU_NUM_ALT_SETTINGS), resolving backends through
// selector.
func NewMachine(numAltSettings uint8, selector Selector) *Machine {
	return &Machine{numAltSettings: numAltSettings, selector: selector}
}

// Init selects alternate setting 0, the device's power-on default.
func (m *Machine) Init() error {
	return m.SetAltSetting(0)
}

func (m *Machine) setErr(status Status) {
	m.state = StateError
	m.status = status
}

func (m *Machine) resetStatus() {
	m.state = StateIdle
	m.status = StatusOK
}

// SetAltSetting handles a DFU SET_ALTERNATE_SETTING request.
func (m *Machine) SetAltSetting(altSetting uint8) error {
	if altSetting >= m.numAltSettings {
		return errors.Errorf("dfu: alternate setting %d out of range", altSetting)
	}
	rh, err := m.selector(altSetting)
	if err != nil {
		return err
	}
	m.resetStatus()
	m.rh = rh
	m.rh.Init(altSetting)
	return nil
}

// ProcessDnload handles a DFU_DNLOAD request carrying one block.
func (m *Machine) ProcessDnload(blockNum uint16, data []byte) error {
	switch m.state {
	case StateIdle:
		if len(data) == 0 {
			m.setErr(StatusErrStalledPkt)
			return ErrStalled
		}
		m.blockCnt = 0
	case StateDnloadIdle:
		if blockNum != m.nextBlockNum {
			// Not mandated by the DFU spec, but required for
			// security: handlers assume strictly sequential blocks.
			m.setErr(StatusErrVendor)
			return ErrStalled
		}
		if len(data) == 0 {
			if err := m.rh.FinalizeDnload(m.blockCnt); err != nil {
				m.setErr(StatusErrNotDone)
				return ErrStalled
			}
			m.state = StateManifestSync
			return nil
		}
	default:
		m.setErr(StatusErrStalledPkt)
		return ErrStalled
	}

	m.nextBlockNum = blockNum + 1
	m.rh.ProcessDnload(m.blockCnt, data)
	// Processing is done: zero the block buffer in case it carried
	// sensitive material such as a key-rotation packet.
	for i := range data {
		data[i] = 0
	}
	m.blockCnt++
	m.state = StateDnloadSync
	return nil
}

// ProcessUpload handles a DFU_UPLOAD request for reqLen bytes,
// returning the number of bytes the backend filled.
func (m *Machine) ProcessUpload(blockNum uint16, reqLen uint16, data []byte) (uint16, error) {
	switch m.state {
	case StateIdle:
		m.blockCnt = 0
		m.nextBlockNum = blockNum
	case StateUploadIdle:
	default:
		m.setErr(StatusErrStalledPkt)
		return 0, ErrStalled
	}

	if blockNum != m.nextBlockNum {
		m.setErr(StatusErrVendor)
		return 0, ErrStalled
	}

	n := m.rh.FillUpload(m.blockCnt, data, reqLen)
	m.nextBlockNum = blockNum + 1
	m.blockCnt++
	if n < reqLen {
		m.state = StateIdle
	} else {
		m.state = StateUploadIdle
	}
	return n, nil
}

// GetStatus handles a DFU_GETSTATUS request.
func (m *Machine) GetStatus() (status Status, state State, pollTimeoutMS uint32) {
	switch m.state {
	case StateDnBusy, StateManifest:
		// A request in these states means the host ignored the poll
		// timeout it was given.
		m.setErr(StatusErrStalledPkt)
	case StateDnloadSync, StateManifestSync:
		m.status, pollTimeoutMS = m.rh.ProcessingStatus()
		if m.status != StatusOK {
			m.state = StateError
			break
		}
		if pollTimeoutMS == 0 {
			if m.state == StateDnloadSync {
				m.state = StateDnloadIdle
			} else {
				m.state = StateIdle
			}
		}
		// A nonzero poll timeout would normally move the machine to
		// DNBUSY/MANIFEST and arm a timer; this host port has no
		// timer and simply stays put, so it never enforces the wait
		// between consecutive GETSTATUS requests.
	}
	return m.status, m.state, pollTimeoutMS
}

// ClearStatus handles a DFU_CLRSTATUS request.
func (m *Machine) ClearStatus() error {
	if m.state != StateError {
		m.setErr(StatusErrStalledPkt)
		return ErrStalled
	}
	m.rh.ClearStatus()
	m.resetStatus()
	return nil
}

// GetState handles a DFU_GETSTATE request.
func (m *Machine) GetState() (State, error) {
	switch m.state {
	case StateDnBusy, StateManifest:
		m.setErr(StatusErrStalledPkt)
		return 0, ErrStalled
	default:
		return m.state, nil
	}
}

// Abort handles a DFU_ABORT request.
func (m *Machine) Abort() error {
	switch m.state {
	case StateDnloadIdle:
		m.rh.AbortDnload()
	case StateUploadIdle:
	default:
		m.setErr(StatusErrStalledPkt)
		return ErrStalled
	}
	m.state = StateIdle
	log.Debug("dfu: transfer aborted")
	return nil
}
