// Package dfu implements the request-routing state machine common to
// both the metadata (QFM) and image-upgrade (QFU) alternate settings:
// block sequencing, status surfacing, and dispatch to whichever
// Backend is active for the selected alternate setting.
package dfu

import (
	"encoding/json"
	"fmt"
)

// State is a DFU device state. Only the states reachable inside this
// bootloader core are modeled: appIDLE, appDETACH and
// dfuMANIFEST-WAIT-RESET never occur here, since there is no
// runtime (non-DFU) application mode to fall back to or detach from.
type State int

const (
	StateIdle State = iota
	StateDnloadSync
	StateDnBusy
	StateDnloadIdle
	StateManifestSync
	StateManifest
	StateUploadIdle
	StateError
)

var stateNames = map[State]string{
	StateIdle:         "dfuIDLE",
	StateDnloadSync:   "dfuDNLOAD-SYNC",
	StateDnBusy:       "dfuDNBUSY",
	StateDnloadIdle:   "dfuDNLOAD-IDLE",
	StateManifestSync: "dfuMANIFEST-SYNC",
	StateManifest:     "dfuMANIFEST",
	StateUploadIdle:   "dfuUPLOAD-IDLE",
	StateError:        "dfuERROR",
}

func (s State) String() string {
	return stateNames[s]
}

// MarshalJSON renders the state using its DFU spec name, the way
// MenderState renders itself through a name table rather than its
// bare integer value.
func (s State) MarshalJSON() ([]byte, error) {
	n, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("dfu: marshal error, unknown state %v", int(s))
	}
	return json.Marshal(n)
}

// UnmarshalJSON parses a state back from its DFU spec name.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for k, v := range stateNames {
		if v == name {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("dfu: unmarshal error, unknown state %q", name)
}

// Status is a DFU device status code, reported to the host on
// DFU_GETSTATUS and cleared on DFU_CLRSTATUS.
type Status int

const (
	StatusOK             Status = 0x00
	StatusErrTarget      Status = 0x01
	StatusErrFile        Status = 0x02
	StatusErrWrite       Status = 0x03
	StatusErrErase       Status = 0x04
	StatusErrCheckErased Status = 0x05
	StatusErrProg        Status = 0x06
	StatusErrVerify      Status = 0x07
	StatusErrAddress     Status = 0x08
	StatusErrNotDone     Status = 0x09
	StatusErrFirmware    Status = 0x0A
	StatusErrVendor      Status = 0x0B
	StatusErrUSBR        Status = 0x0C
	StatusErrPOR         Status = 0x0D
	StatusErrUnknown     Status = 0x0E
	StatusErrStalledPkt  Status = 0x0F
)
