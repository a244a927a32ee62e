// Package flash provides the page-addressed flash access façade the
// firmware core writes its persistent state through: page erase,
// page/word programming, and the post-erase prefetch-buffer flush
// every controller needs after its content changes underneath it.
package flash

import "github.com/pkg/errors"

// PageSize is the size, in bytes, of one flash page. Matches the
// reference SoC's QM_FLASH_PAGE_SIZE_BYTES.
const PageSize = 2048

// ErasedWord is the value every word reads as after a page erase.
const ErasedWord uint32 = 0xFFFFFFFF

// ErrOutOfRange is returned when a page or word offset falls outside
// the addressed region.
var ErrOutOfRange = errors.New("flash: address out of range")

// ErrVerifyFailed is returned when a readback after a program
// operation does not match what was written.
var ErrVerifyFailed = errors.New("flash: program verify failed")

// Driver is the narrow contract the firmware core needs from a flash
// controller: erase a page, program a full page or a single word, and
// flush the prefetch buffer after content changes. Real targets
// implement this against qm_flash_page_write()/qm_flash_word_write();
// tests and the CLI use one of the simulators in this package.
type Driver interface {
	// ErasePage erases the page at the given page number, leaving it
	// entirely filled with ErasedWord, then flushes the prefetch buffer.
	ErasePage(page uint32) error
	// WritePage programs an entire page (len(words) words starting at
	// word offset 0) and reads it back to verify the result.
	WritePage(page uint32, words []uint32) error
	// WriteWord programs a single word at the given page and in-page
	// word offset, and reads it back to verify the result.
	WriteWord(page uint32, wordOffset uint32, value uint32) error
	// ReadPage returns the page's current content as words.
	ReadPage(page uint32) ([]uint32, error)
	// FlushPrefetch flushes the controller's prefetch buffer. Called
	// automatically by ErasePage/WritePage/WriteWord, but also exposed
	// for explicit calls (bldata flushes once more after erasing a
	// whole partition).
	FlushPrefetch()
}

// WordsPerPage is the number of 32-bit words in one page.
const WordsPerPage = PageSize / 4

// BytesToWords packs a little-endian byte slice into 32-bit words,
// padding the final partial word with 0xFF (the erased-flash filler)
// rather than zero, matching how a programmer fills a tail block.
func BytesToWords(b []byte) []uint32 {
	n := (len(b) + 3) / 4
	words := make([]uint32, n)
	for i := 0; i < n; i++ {
		var buf [4]byte
		for j := range buf {
			buf[j] = 0xFF
		}
		copy(buf[:], b[i*4:min(len(b), i*4+4)])
		words[i] = uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	}
	return words
}

// WordsToBytes unpacks 32-bit words into a little-endian byte slice of
// length n (n <= len(words)*4).
func WordsToBytes(words []uint32, n int) []byte {
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		w := words[i/4]
		shift := uint((i % 4) * 8)
		b[i] = byte(w >> shift)
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
