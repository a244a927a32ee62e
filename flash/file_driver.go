package flash

import (
	"encoding/binary"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/pkg/errors"
)

// FileDriver is a file-backed Driver simulator: each page occupies a
// fixed-size slot in a single backing file, opened once and written
// in place with pwrite-style offset writes. Unlike the atomic
// temp-file-plus-rename commit this lineage otherwise uses for
// durable writes, a flash page program is deliberately NOT atomic —
// a real NOR/NAND write can be interrupted mid-page by a power loss,
// leaving a page half-written. SimulateTornWrite exists to let tests
// reproduce exactly that failure mode, which an atomic rename could
// never model.
type FileDriver struct {
	f        *os.File
	numPages uint32

	// tornAfter, when >= 0, truncates a WritePage/WriteWord call after
	// writing this many bytes instead of completing it, simulating a
	// power loss mid-program. Reset to -1 after firing once.
	tornAfter int
}

// NewFileDriver opens (creating if necessary) path as the backing
// store for numPages pages, erasing any newly-created or
// short/mismatched file.
func NewFileDriver(path string, numPages uint32) (*FileDriver, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "flash: opening backing file")
	}
	d := &FileDriver{f: f, numPages: numPages, tornAfter: -1}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	wantSize := int64(numPages) * PageSize
	if info.Size() != wantSize {
		if err := d.eraseAll(wantSize); err != nil {
			f.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *FileDriver) eraseAll(size int64) error {
	if err := d.f.Truncate(0); err != nil {
		return err
	}
	buf := make([]byte, PageSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	for off := int64(0); off < size; off += PageSize {
		if _, err := d.f.WriteAt(buf, off); err != nil {
			return err
		}
	}
	return d.f.Sync()
}

// Close releases the backing file.
func (d *FileDriver) Close() error {
	return d.f.Close()
}

// SimulateTornWrite arms the driver to truncate the very next
// WritePage/WriteWord after writing n bytes of it, rather than
// completing it, then disarms itself.
func (d *FileDriver) SimulateTornWrite(n int) {
	d.tornAfter = n
}

func (d *FileDriver) checkPage(page uint32) error {
	if page >= d.numPages {
		return ErrOutOfRange
	}
	return nil
}

func (d *FileDriver) pageOffset(page uint32) int64 {
	return int64(page) * PageSize
}

// ErasePage implements Driver.
func (d *FileDriver) ErasePage(page uint32) error {
	if err := d.checkPage(page); err != nil {
		return err
	}
	buf := make([]byte, PageSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	if _, err := d.f.WriteAt(buf, d.pageOffset(page)); err != nil {
		return err
	}
	d.FlushPrefetch()
	return d.f.Sync()
}

// WritePage implements Driver.
func (d *FileDriver) WritePage(page uint32, words []uint32) error {
	if err := d.checkPage(page); err != nil {
		return err
	}
	if len(words) > WordsPerPage {
		return ErrOutOfRange
	}
	buf := WordsToBytes(words, len(words)*4)
	if err := d.writeAtTorn(d.pageOffset(page), buf); err != nil {
		return err
	}
	d.FlushPrefetch()
	return d.verify(page, words)
}

// WriteWord implements Driver.
func (d *FileDriver) WriteWord(page uint32, wordOffset uint32, value uint32) error {
	if err := d.checkPage(page); err != nil {
		return err
	}
	if wordOffset >= WordsPerPage {
		return ErrOutOfRange
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	off := d.pageOffset(page) + int64(wordOffset)*4
	if err := d.writeAtTorn(off, buf[:]); err != nil {
		return err
	}
	d.FlushPrefetch()
	got, err := d.ReadPage(page)
	if err != nil {
		return err
	}
	if got[wordOffset] != value {
		return ErrVerifyFailed
	}
	return nil
}

// writeAtTorn writes data at off, but if a torn write is armed, only
// the first tornAfter bytes land before the call returns as if it had
// succeeded (mirroring a program operation silently interrupted by a
// power cut instead of a clean error).
func (d *FileDriver) writeAtTorn(off int64, data []byte) error {
	if d.tornAfter >= 0 {
		n := d.tornAfter
		d.tornAfter = -1
		if n > len(data) {
			n = len(data)
		}
		if _, err := d.f.WriteAt(data[:n], off); err != nil {
			return err
		}
		return d.f.Sync()
	}
	if _, err := d.f.WriteAt(data, off); err != nil {
		return err
	}
	return d.f.Sync()
}

func (d *FileDriver) verify(page uint32, words []uint32) error {
	got, err := d.ReadPage(page)
	if err != nil {
		return err
	}
	for i, w := range words {
		if got[i] != w {
			log.Debugf("flash: verify mismatch at page %d word %d: got %#x want %#x", page, i, got[i], w)
			return ErrVerifyFailed
		}
	}
	return nil
}

// ReadPage implements Driver.
func (d *FileDriver) ReadPage(page uint32) ([]uint32, error) {
	if err := d.checkPage(page); err != nil {
		return nil, err
	}
	buf := make([]byte, PageSize)
	if _, err := d.f.ReadAt(buf, d.pageOffset(page)); err != nil && err != io.EOF {
		return nil, err
	}
	words := make([]uint32, WordsPerPage)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return words, nil
}

// FlushPrefetch implements Driver. A no-op: a file has no prefetch
// buffer, kept only so callers share one code path with real drivers.
func (d *FileDriver) FlushPrefetch() {}
