package qfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qfwcore/bootmgr/bldata"
	"github.com/qfwcore/bootmgr/dfu"
	"github.com/qfwcore/bootmgr/flash"
	"github.com/qfwcore/bootmgr/fwcrypto"
)

func setupStore(t *testing.T, numPages uint32) (*bldata.Store, *flash.MemDriver) {
	t.Helper()
	driver := flash.NewMemDriver(numPages)
	defaults := bldata.Defaults{
		ROMVersion: 1,
		Partitions: []bldata.Partition{
			{TargetIdx: 0, FirstPage: 2, NumPages: 2, IsConsistent: true},
		},
		Targets: []bldata.Target{{ActivePartitionIdx: 0, SVN: 0}},
	}
	store := bldata.NewStore(driver, defaults)
	require.NoError(t, store.Sanitize())
	return store, driver
}

func buildHeader(nBlocks uint16, version uint32, extType ExtHeaderType) Header {
	return Header{
		Magic:      HeaderMagic,
		Partition:  1,
		Version:    version,
		BlockSize:  uint16(flash.PageSize),
		NBlocks:    nBlocks,
		ExtHdrType: extType,
	}
}

func TestHandlerFlashesImageWithoutAuth(t *testing.T) {
	store, driver := setupStore(t, 4)
	h := NewHandler(store, driver, Config{
		BlockSize:     uint16(flash.PageSize),
		PagesPerBlock: 1,
	})
	h.Init(1)

	hdr := buildHeader(3, 7, ExtHeaderNone) // 1 header block + 2 data blocks
	hdrBlock := make([]byte, flash.PageSize)
	copy(hdrBlock, hdr.Marshal())
	h.ProcessDnload(0, hdrBlock)
	require.Equal(t, dfu.StatusOK, h.status)

	block1 := make([]byte, flash.PageSize)
	block1[0] = 0xAB
	h.ProcessDnload(1, block1)
	require.Equal(t, dfu.StatusOK, h.status)

	block2 := make([]byte, flash.PageSize)
	block2[0] = 0xCD
	h.ProcessDnload(2, block2)
	require.Equal(t, dfu.StatusOK, h.status)

	require.NoError(t, h.FinalizeDnload(3))

	assert.True(t, store.Shadow().Partitions[0].IsConsistent)
	assert.Equal(t, uint32(7), store.Shadow().Partitions[0].AppVersion)
	assert.Equal(t, uint32(0), store.Shadow().Targets[0].ActivePartitionIdx)

	words, err := driver.ReadPage(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x000000AB), words[0])
	words, err = driver.ReadPage(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x000000CD), words[0])
}

func TestHandlerRejectsWrongPartition(t *testing.T) {
	store, driver := setupStore(t, 4)
	h := NewHandler(store, driver, Config{BlockSize: uint16(flash.PageSize), PagesPerBlock: 1})
	h.Init(1)

	hdr := buildHeader(3, 1, ExtHeaderNone)
	hdr.Partition = 2 // wrong alt setting
	hdrBlock := make([]byte, flash.PageSize)
	copy(hdrBlock, hdr.Marshal())
	h.ProcessDnload(0, hdrBlock)
	assert.NotEqual(t, dfu.StatusOK, h.status)
}

func TestHandlerAuthRejectsDefaultKey(t *testing.T) {
	store, driver := setupStore(t, 4)
	h := NewHandler(store, driver, Config{
		AuthEnabled:   true,
		BlockSize:     uint16(flash.PageSize),
		PagesPerBlock: 1,
	})
	h.Init(1)

	hdr := buildHeader(3, 1, ExtHeaderHMAC256)
	buf := append(hdr.Marshal(), HMACExtHeader{SVN: 1, Hashes: make([]fwcrypto.Digest, 2)}.Marshal()...)
	padded := make([]byte, flash.PageSize)
	copy(padded, buf)

	h.ProcessDnload(0, padded)
	assert.Equal(t, dfu.StatusErrFile, h.status)
}

func TestHandlerAuthAcceptsValidHMAC(t *testing.T) {
	store, driver := setupStore(t, 4)
	store.Shadow().FWKey = fwcrypto.Key{1, 2, 3, 4}
	require.NoError(t, store.Writeback())

	h := NewHandler(store, driver, Config{
		AuthEnabled:   true,
		BlockSize:     uint16(flash.PageSize),
		PagesPerBlock: 1,
	})
	h.Init(1)

	block1 := make([]byte, flash.PageSize)
	block1[0] = 1
	block2 := make([]byte, flash.PageSize)
	block2[0] = 2
	d1 := fwcrypto.SHA256(block1)
	d2 := fwcrypto.SHA256(block2)

	hdr := buildHeader(3, 5, ExtHeaderHMAC256)
	ext := HMACExtHeader{SVN: 1, Hashes: []fwcrypto.Digest{d1, d2}}
	signed := append(hdr.Marshal(), ext.Marshal()[:4+2*fwcrypto.DigestSize]...)
	tag := fwcrypto.HMACSHA256(store.Shadow().FWKey, signed)
	ext.Tag = tag

	buf := append(hdr.Marshal(), ext.Marshal()...)
	padded := make([]byte, flash.PageSize)
	copy(padded, buf)

	h.ProcessDnload(0, padded)
	require.Equal(t, dfu.StatusOK, h.status)

	h.ProcessDnload(1, block1)
	require.Equal(t, dfu.StatusOK, h.status)
	h.ProcessDnload(2, block2)
	require.Equal(t, dfu.StatusOK, h.status)

	require.NoError(t, h.FinalizeDnload(3))
	assert.Equal(t, uint32(1), store.Shadow().Targets[0].SVN)
}
