package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qfwcore/bootmgr/conf"
	"github.com/qfwcore/bootmgr/flash"
	"github.com/qfwcore/bootmgr/qfu"
)

func testConfig() *conf.DeviceConfig {
	cfg := conf.NewDeviceConfig()
	cfg.FlashPages = 6
	cfg.Partitions = []conf.PartitionConfig{
		{TargetIdx: 0, FirstPage: 2, NumPages: 2},
		{TargetIdx: 0, FirstPage: 4, NumPages: 2},
	}
	cfg.NumTargets = 1
	cfg.BlockSizePages = 1
	return cfg
}

func TestNewControllerSanitizesOnStartup(t *testing.T) {
	driver := flash.NewMemDriver(6)
	c, err := NewController(driver, testConfig())
	require.NoError(t, err)
	assert.Len(t, c.Store.Shadow().Partitions, 2)
}

func TestSelectBackendRoutesAltZeroToMetadataHandler(t *testing.T) {
	driver := flash.NewMemDriver(6)
	c, err := NewController(driver, testConfig())
	require.NoError(t, err)

	rh, err := c.selectBackend(0)
	require.NoError(t, err)
	assert.Same(t, c.qfmHandler, rh)
}

func TestSelectBackendRoutesImageAltSettingsToSameImageHandler(t *testing.T) {
	driver := flash.NewMemDriver(6)
	c, err := NewController(driver, testConfig())
	require.NoError(t, err)

	rh1, err := c.selectBackend(1)
	require.NoError(t, err)
	rh2, err := c.selectBackend(2)
	require.NoError(t, err)
	assert.Same(t, rh1, rh2)
	assert.Same(t, c.qfuHandler, rh1)
}

func TestSelectBackendRejectsOutOfRangeAltSetting(t *testing.T) {
	driver := flash.NewMemDriver(6)
	c, err := NewController(driver, testConfig())
	require.NoError(t, err)

	_, err = c.selectBackend(3)
	assert.Error(t, err)
}

func TestMachineFlashesImageThroughAltSettingOne(t *testing.T) {
	driver := flash.NewMemDriver(6)
	c, err := NewController(driver, testConfig())
	require.NoError(t, err)

	require.NoError(t, c.Machine.SetAltSetting(1))

	hdr := qfu.Header{
		Magic:     qfu.HeaderMagic,
		Partition: 1,
		Version:   3,
		BlockSize: uint16(flash.PageSize),
		NBlocks:   2,
	}
	hdrBlock := make([]byte, flash.PageSize)
	copy(hdrBlock, hdr.Marshal())
	require.NoError(t, c.Machine.ProcessDnload(0, hdrBlock))
	c.Machine.GetStatus()

	block := make([]byte, flash.PageSize)
	block[0] = 0x42
	require.NoError(t, c.Machine.ProcessDnload(1, block))
	c.Machine.GetStatus()
	require.NoError(t, c.Machine.ProcessDnload(2, nil))

	assert.True(t, c.Store.Shadow().Partitions[0].IsConsistent)
	assert.Equal(t, uint32(3), c.Store.Shadow().Partitions[0].AppVersion)
}

func TestNewControllerRejectsEmptyPartitionTable(t *testing.T) {
	driver := flash.NewMemDriver(2)
	cfg := testConfig()
	cfg.Partitions = nil
	_, err := NewController(driver, cfg)
	assert.Error(t, err)
}
