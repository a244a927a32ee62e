package bldata

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qfwcore/bootmgr/flash"
)

func testDefaults() Defaults {
	return Defaults{
		ROMVersion: 42,
		Partitions: []Partition{
			{TargetIdx: 0, Controller: 0, FirstPage: 2, NumPages: 2, StartAddr: 0x1000, IsConsistent: true, AppVersion: 1},
			{TargetIdx: 0, Controller: 0, FirstPage: 4, NumPages: 2, StartAddr: 0x2000, IsConsistent: true, AppVersion: 1},
		},
		Targets: []Target{
			{ActivePartitionIdx: 0, SVN: 1},
		},
	}
}

func TestSanitizeProvisionsOnBlankSection(t *testing.T) {
	driver := flash.NewMemDriver(6)
	s := NewStore(driver, testDefaults())

	require.NoError(t, s.Sanitize())
	require.NotNil(t, s.Shadow())
	assert.Equal(t, uint32(42), s.Shadow().ROMVersion)
	assert.Len(t, s.Shadow().Partitions, 2)

	mainWords, err := driver.ReadPage(MainPage)
	require.NoError(t, err)
	backupWords, err := driver.ReadPage(BackupPage)
	require.NoError(t, err)
	assert.Equal(t, mainWords, backupWords)
}

func TestSanitizeRestoresMainFromBackup(t *testing.T) {
	driver := flash.NewMemDriver(6)
	s := NewStore(driver, testDefaults())
	require.NoError(t, s.Sanitize())

	// Corrupt main copy only.
	require.NoError(t, driver.ErasePage(MainPage))

	s2 := NewStore(driver, testDefaults())
	require.NoError(t, s2.Sanitize())
	assert.Equal(t, uint32(42), s2.Shadow().ROMVersion)

	mainWords, _ := driver.ReadPage(MainPage)
	backupWords, _ := driver.ReadPage(BackupPage)
	assert.Equal(t, backupWords, mainWords)
}

func TestSanitizeRestoresStaleBackup(t *testing.T) {
	driver := flash.NewMemDriver(6)
	s := NewStore(driver, testDefaults())
	require.NoError(t, s.Sanitize())

	// Simulate an update that wrote main but crashed before backup.
	s.Shadow().ROMVersion = 99
	s.Shadow().CRC = computeCRC(s.Shadow().Marshal())
	require.NoError(t, s.writePage(MainPage, s.Shadow()))

	s2 := NewStore(driver, testDefaults())
	require.NoError(t, s2.Sanitize())
	assert.Equal(t, uint32(99), s2.Shadow().ROMVersion)

	mainWords, _ := driver.ReadPage(MainPage)
	backupWords, _ := driver.ReadPage(BackupPage)
	assert.Equal(t, mainWords, backupWords)
}

func TestSanitizeTamperedNonBlankSection(t *testing.T) {
	driver := flash.NewMemDriver(6)
	// Write garbage that is neither blank nor a valid record into both
	// copies, simulating tampering rather than an unprovisioned device.
	garbage := make([]uint32, flash.WordsPerPage)
	for i := range garbage {
		garbage[i] = 0xAAAAAAAA
	}
	require.NoError(t, driver.WritePage(MainPage, garbage))
	require.NoError(t, driver.WritePage(BackupPage, garbage))

	s := NewStore(driver, testDefaults())
	err := s.Sanitize()
	assert.ErrorIs(t, err, ErrTampered)
}

func TestSanitizePartitionsErasesInconsistentOnes(t *testing.T) {
	driver := flash.NewMemDriver(6)
	defaults := testDefaults()
	defaults.Partitions[1].IsConsistent = false
	s := NewStore(driver, defaults)

	// Pre-write non-blank content into partition 1's pages so we can
	// observe the erase.
	require.NoError(t, driver.WritePage(4, []uint32{0x11111111}))

	require.NoError(t, s.Sanitize())
	assert.True(t, s.Shadow().Partitions[1].IsConsistent)

	words, err := driver.ReadPage(4)
	require.NoError(t, err)
	assert.Equal(t, flash.ErasedWord, words[0])
}

func TestWritebackRecomputesCRC(t *testing.T) {
	driver := flash.NewMemDriver(6)
	s := NewStore(driver, testDefaults())
	require.NoError(t, s.Sanitize())

	s.Shadow().Targets[0].SVN = 7
	require.NoError(t, s.Writeback())

	s2 := NewStore(driver, testDefaults())
	require.NoError(t, s2.Sanitize())
	assert.Equal(t, uint32(7), s2.Shadow().Targets[0].SVN)
}

func TestSanitizeRecoversFromTornWriteback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bldata.bin")

	d, err := flash.NewFileDriver(path, 6)
	require.NoError(t, err)
	defer d.Close()

	s := NewStore(d, testDefaults())
	require.NoError(t, s.Sanitize())

	// A crash mid-writeback tears the main copy; the backup, untouched,
	// still holds the prior valid record.
	s.Shadow().ROMVersion = 99
	d.SimulateTornWrite(4)
	err = s.Writeback()
	assert.ErrorIs(t, err, flash.ErrVerifyFailed)

	s2 := NewStore(d, testDefaults())
	require.NoError(t, s2.Sanitize())
	assert.Equal(t, uint32(42), s2.Shadow().ROMVersion)

	mainWords, _ := d.ReadPage(MainPage)
	backupWords, _ := d.ReadPage(BackupPage)
	assert.Equal(t, backupWords, mainWords)
}

func TestCodecRoundTrip(t *testing.T) {
	d := &Data{
		ROMVersion: 5,
		Partitions: []Partition{{TargetIdx: 1, NumPages: 3, IsConsistent: true}},
		Targets:    []Target{{ActivePartitionIdx: 0, SVN: 2}},
	}
	buf := d.Marshal()
	back, err := Unmarshal(buf, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, d.ROMVersion, back.ROMVersion)
	assert.Equal(t, d.Partitions, back.Partitions)
	assert.Equal(t, d.Targets, back.Targets)
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3}, 1, 1)
	assert.ErrorIs(t, err, ErrCorrupt)
}
