package flash

import "sync"

// MemDriver is an in-memory Driver simulator: every page is kept as a
// slice of words, addressable by page number. Grounded on the
// map-backed in-memory store pattern used for testing persistence
// elsewhere in this lineage (a mutex-guarded map of named byte blobs);
// here the map is keyed by page number instead of name, since flash
// is addressed by page rather than by file.
type MemDriver struct {
	mu       sync.Mutex
	pages    map[uint32][]uint32
	numPages uint32
}

// NewMemDriver returns a MemDriver with numPages pages, all erased.
func NewMemDriver(numPages uint32) *MemDriver {
	d := &MemDriver{
		pages:    make(map[uint32][]uint32, numPages),
		numPages: numPages,
	}
	for p := uint32(0); p < numPages; p++ {
		d.pages[p] = erasedWords()
	}
	return d
}

func erasedWords() []uint32 {
	words := make([]uint32, WordsPerPage)
	for i := range words {
		words[i] = ErasedWord
	}
	return words
}

func (d *MemDriver) checkPage(page uint32) error {
	if page >= d.numPages {
		return ErrOutOfRange
	}
	return nil
}

// ErasePage implements Driver.
func (d *MemDriver) ErasePage(page uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkPage(page); err != nil {
		return err
	}
	d.pages[page] = erasedWords()
	return nil
}

// WritePage implements Driver.
func (d *MemDriver) WritePage(page uint32, words []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkPage(page); err != nil {
		return err
	}
	if len(words) > WordsPerPage {
		return ErrOutOfRange
	}
	dst := d.pages[page]
	for i, w := range words {
		dst[i] = w
	}
	for i, w := range words {
		if dst[i] != w {
			return ErrVerifyFailed
		}
	}
	return nil
}

// WriteWord implements Driver.
func (d *MemDriver) WriteWord(page uint32, wordOffset uint32, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkPage(page); err != nil {
		return err
	}
	if wordOffset >= WordsPerPage {
		return ErrOutOfRange
	}
	d.pages[page][wordOffset] = value
	if d.pages[page][wordOffset] != value {
		return ErrVerifyFailed
	}
	return nil
}

// ReadPage implements Driver.
func (d *MemDriver) ReadPage(page uint32) ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkPage(page); err != nil {
		return nil, err
	}
	out := make([]uint32, WordsPerPage)
	copy(out, d.pages[page])
	return out, nil
}

// FlushPrefetch implements Driver. A no-op on the simulator: there is
// no prefetch buffer to flush, but the call is kept so callers written
// against the real driver contract don't special-case the simulator.
func (d *MemDriver) FlushPrefetch() {}
