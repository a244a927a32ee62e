package dfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	initCalled   uint8
	blocks       [][]byte
	finalizeErr  error
	status       Status
	pollTimeout  uint32
	aborted      bool
	cleared      bool
	uploadChunks [][]byte
}

func (f *fakeBackend) Init(altSetting uint8)              { f.initCalled = altSetting }
func (f *fakeBackend) ProcessingStatus() (Status, uint32) { return f.status, f.pollTimeout }
func (f *fakeBackend) ClearStatus()                       { f.cleared = true }
func (f *fakeBackend) ProcessDnload(blockCnt uint32, data []byte) {
	cp := append([]byte(nil), data...)
	f.blocks = append(f.blocks, cp)
}
func (f *fakeBackend) FinalizeDnload(blockCnt uint32) error { return f.finalizeErr }
func (f *fakeBackend) FillUpload(blockCnt uint32, data []byte, reqLen uint16) uint16 {
	if int(blockCnt) >= len(f.uploadChunks) {
		return 0
	}
	chunk := f.uploadChunks[blockCnt]
	n := copy(data, chunk)
	return uint16(n)
}
func (f *fakeBackend) AbortDnload() { f.aborted = true }

func newTestMachine(rh *fakeBackend) *Machine {
	return NewMachine(2, func(alt uint8) (Backend, error) { return rh, nil })
}

func TestInitSelectsAltZero(t *testing.T) {
	rh := &fakeBackend{}
	m := newTestMachine(rh)
	require.NoError(t, m.Init())
	assert.Equal(t, uint8(0), rh.initCalled)
	state, err := m.GetState()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
}

func TestDnloadHappyPath(t *testing.T) {
	rh := &fakeBackend{}
	m := newTestMachine(rh)
	require.NoError(t, m.Init())

	require.NoError(t, m.ProcessDnload(0, []byte{1, 2, 3}))
	state, err := m.GetState()
	require.NoError(t, err)
	assert.Equal(t, StateDnloadSync, state)

	status, state, _ := m.GetStatus()
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, StateDnloadIdle, state)

	// Finalize with zero-length block.
	require.NoError(t, m.ProcessDnload(1, nil))
	state, err = m.GetState()
	require.NoError(t, err)
	assert.Equal(t, StateManifestSync, state)

	require.Len(t, rh.blocks, 1)
	assert.Equal(t, []byte{1, 2, 3}, rh.blocks[0])
}

func TestDnloadZeroBytesOnFirstBlockIsRejected(t *testing.T) {
	rh := &fakeBackend{}
	m := newTestMachine(rh)
	require.NoError(t, m.Init())

	err := m.ProcessDnload(0, nil)
	assert.ErrorIs(t, err, ErrStalled)
	state, _ := m.GetState()
	assert.Equal(t, StateError, state)
}

func TestDnloadOutOfOrderBlockGoesToError(t *testing.T) {
	rh := &fakeBackend{}
	m := newTestMachine(rh)
	require.NoError(t, m.Init())
	require.NoError(t, m.ProcessDnload(0, []byte{9}))
	m.GetStatus() // move to DnloadIdle

	err := m.ProcessDnload(5, []byte{1})
	assert.ErrorIs(t, err, ErrStalled)
}

func TestDnloadBlockZerosBufferAfterProcessing(t *testing.T) {
	rh := &fakeBackend{}
	m := newTestMachine(rh)
	require.NoError(t, m.Init())

	data := []byte{0xAA, 0xBB, 0xCC}
	require.NoError(t, m.ProcessDnload(0, data))
	assert.Equal(t, []byte{0, 0, 0}, data)
}

func TestUploadStopsWhenShortBlockReturned(t *testing.T) {
	rh := &fakeBackend{uploadChunks: [][]byte{{1, 2, 3, 4}, {5, 6}}}
	m := newTestMachine(rh)
	require.NoError(t, m.Init())

	buf := make([]byte, 4)
	n, err := m.ProcessUpload(0, 4, buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(4), n)
	state, _ := m.GetState()
	assert.Equal(t, StateUploadIdle, state)

	n, err = m.ProcessUpload(1, 4, buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), n)
	state, _ = m.GetState()
	assert.Equal(t, StateIdle, state)
}

func TestClearStatusOnlyValidInError(t *testing.T) {
	rh := &fakeBackend{}
	m := newTestMachine(rh)
	require.NoError(t, m.Init())

	err := m.ClearStatus()
	assert.ErrorIs(t, err, ErrStalled)

	require.Error(t, m.ProcessDnload(0, nil)) // drive into error state
	require.NoError(t, m.ClearStatus())
	assert.True(t, rh.cleared)
	state, _ := m.GetState()
	assert.Equal(t, StateIdle, state)
}

func TestAbortOnlyValidInIdleTransfers(t *testing.T) {
	rh := &fakeBackend{}
	m := newTestMachine(rh)
	require.NoError(t, m.Init())
	require.NoError(t, m.ProcessDnload(0, []byte{1}))
	m.GetStatus()

	require.NoError(t, m.Abort())
	assert.True(t, rh.aborted)
	state, _ := m.GetState()
	assert.Equal(t, StateIdle, state)
}

func TestSetAltSettingRejectsOutOfRange(t *testing.T) {
	rh := &fakeBackend{}
	m := newTestMachine(rh)
	assert.Error(t, m.SetAltSetting(99))
}
