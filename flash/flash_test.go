package flash

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDriverEraseAndWrite(t *testing.T) {
	d := NewMemDriver(4)

	words, err := d.ReadPage(0)
	require.NoError(t, err)
	for _, w := range words {
		assert.Equal(t, ErasedWord, w)
	}

	require.NoError(t, d.WritePage(0, []uint32{1, 2, 3}))
	words, err = d.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), words[0])
	assert.Equal(t, uint32(2), words[1])
	assert.Equal(t, uint32(3), words[2])
	assert.Equal(t, ErasedWord, words[3])

	require.NoError(t, d.ErasePage(0))
	words, err = d.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, ErasedWord, words[0])
}

func TestMemDriverOutOfRange(t *testing.T) {
	d := NewMemDriver(2)
	assert.ErrorIs(t, d.ErasePage(5), ErrOutOfRange)
	assert.ErrorIs(t, d.WriteWord(5, 0, 1), ErrOutOfRange)
	assert.ErrorIs(t, d.WriteWord(0, WordsPerPage, 1), ErrOutOfRange)
}

func TestBytesWordsRoundTrip(t *testing.T) {
	data := []byte("hello, flash")
	words := BytesToWords(data)
	back := WordsToBytes(words, len(data))
	assert.Equal(t, data, back)
}

func TestFileDriverPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bldata.bin")

	d, err := NewFileDriver(path, 2)
	require.NoError(t, err)
	require.NoError(t, d.WritePage(0, []uint32{0xdeadbeef}))
	require.NoError(t, d.Close())

	d2, err := NewFileDriver(path, 2)
	require.NoError(t, err)
	defer d2.Close()
	words, err := d2.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), words[0])
}

func TestFileDriverTornWriteLeavesPartialPage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bldata.bin")

	d, err := NewFileDriver(path, 2)
	require.NoError(t, err)
	defer d.Close()

	full := []uint32{1, 2, 3, 4}
	d.SimulateTornWrite(4) // only first word lands
	err = d.WritePage(0, full)
	assert.ErrorIs(t, err, ErrVerifyFailed)

	words, err := d.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), words[0])
	assert.NotEqual(t, uint32(2), words[1])
}
