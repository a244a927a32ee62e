package bldata

import (
	"bytes"

	log "github.com/sirupsen/logrus"
	"github.com/pkg/errors"

	"github.com/qfwcore/bootmgr/flash"
	"github.com/qfwcore/bootmgr/fwcrypto"
)

// MainPage and BackupPage are the two flash pages making up the
// bootloader data section: a main copy and a backup copy, so a power
// loss mid-update can never corrupt both at once.
const (
	MainPage   = 0
	BackupPage = 1
)

// Defaults seeds a fresh Data record at first-boot provisioning, the
// Go equivalent of the reference's compile-time
// targets_defaults/partitions_defaults tables. Supplied by the
// device controller from its config rather than baked in, since this
// port serves more than one simulated device layout.
type Defaults struct {
	ROMVersion uint32
	Partitions []Partition
	Targets    []Target
}

// Store owns the RAM shadow of the bootloader metadata and persists
// it to the two dedicated flash pages, mirroring bl_data_main /
// bl_data_bck / bl_data_shadow in the reference implementation.
type Store struct {
	driver   flash.Driver
	guard    *fwcrypto.InterruptGuard
	defaults Defaults

	shadow *Data
}

// NewStore constructs a Store bound to driver. Call Sanitize before
// using Shadow, exactly as the reference calls bl_data_sanitize()
// during ROM boot before anything else touches bl_data.
func NewStore(driver flash.Driver, defaults Defaults) *Store {
	return &Store{
		driver:   driver,
		guard:    fwcrypto.NewInterruptGuard(),
		defaults: defaults,
	}
}

// Shadow returns the current RAM copy. Valid only after Sanitize has
// run.
func (s *Store) Shadow() *Data {
	return s.shadow
}

func (s *Store) numPartitions() int { return len(s.defaults.Partitions) }
func (s *Store) numTargets() int    { return len(s.defaults.Targets) }

func (s *Store) readPageRecord(page uint32) (*Data, bool) {
	words, err := s.driver.ReadPage(page)
	if err != nil {
		return nil, false
	}
	buf := flash.WordsToBytes(words, EncodedSize(s.numPartitions(), s.numTargets()))
	d, err := Unmarshal(buf, s.numPartitions(), s.numTargets())
	if err != nil {
		return nil, false
	}
	valid := d.CRC == computeCRC(buf)
	return d, valid
}

// isBlank reports whether every word of both bl-data pages reads as
// the flash-erased sentinel, the condition the reference checks with
// bl_loop_if_not_blank before agreeing to provision a fresh record.
func (s *Store) isBlank() (bool, error) {
	for _, page := range []uint32{MainPage, BackupPage} {
		words, err := s.driver.ReadPage(page)
		if err != nil {
			return false, err
		}
		for _, w := range words {
			if w != flash.ErasedWord {
				return false, nil
			}
		}
	}
	return true, nil
}

// ErrTampered is returned by Sanitize when both copies are invalid and
// the section is not blank: the reference treats this as a possible
// hardware fault or security attack and halts forever; a host process
// cannot safely spin, so it reports the condition to its caller instead.
var ErrTampered = errors.New("bldata: both copies invalid and flash section not blank")

// Sanitize checks the validity of both bl-data copies and repairs or
// initializes them as needed, then sanitizes inconsistent application
// partitions. Ports bl_data_sanitize()/bl_data_sanitize_partitions()
// field-for-field:
//   - both copies invalid, section blank  -> first-boot provisioning
//   - both copies invalid, section not blank -> ErrTampered
//   - main invalid, backup valid          -> restore main from backup
//   - both valid but differ               -> restore backup from main
//   - any partition inconsistent          -> erase it, mark consistent, writeback
func (s *Store) Sanitize() error {
	unmask := s.guard.Enter()
	defer unmask()

	mainData, mainValid := s.readPageRecord(MainPage)
	_, backupValid := s.readPageRecord(BackupPage)

	switch {
	case !mainValid && !backupValid:
		blank, err := s.isBlank()
		if err != nil {
			return err
		}
		if !blank {
			log.Error("bldata: both copies invalid and flash section is not blank, halting")
			return ErrTampered
		}
		log.Info("bldata: flash section blank, provisioning defaults")
		s.shadow = s.newDefault()
		if err := s.writeback(); err != nil {
			return err
		}

	case !mainValid && backupValid:
		log.Warn("bldata: main copy invalid, restoring from backup")
		backupData, _ := s.readPageRecord(BackupPage)
		if err := s.writePage(MainPage, backupData); err != nil {
			return err
		}
		s.shadow = backupData

	default:
		backupData, _ := s.readPageRecord(BackupPage)
		if !bytes.Equal(mainData.Marshal(), backupData.Marshal()) {
			log.Warn("bldata: backup copy stale, restoring from main")
			if err := s.writePage(BackupPage, mainData); err != nil {
				return err
			}
		}
		s.shadow = mainData
	}

	if s.sanitizePartitions() {
		return s.writeback()
	}
	return nil
}

func (s *Store) newDefault() *Data {
	d := &Data{
		ROMVersion: s.defaults.ROMVersion,
		Partitions: append([]Partition(nil), s.defaults.Partitions...),
		Targets:    append([]Target(nil), s.defaults.Targets...),
	}
	return d
}

// sanitizePartitions erases every partition flagged inconsistent and
// marks it consistent again, reporting whether a writeback is needed.
// Ports bl_data_sanitize_partitions(): an empty partition is still not
// booted even once marked consistent, since AppPresent is judged by
// the erased-sentinel check at boot time, not by this flag alone.
func (s *Store) sanitizePartitions() bool {
	wbNeeded := false
	for i := range s.shadow.Partitions {
		p := &s.shadow.Partitions[i]
		if !p.IsConsistent {
			s.erasePartition(p)
			p.IsConsistent = true
			wbNeeded = true
		}
	}
	return wbNeeded
}

func (s *Store) erasePartition(p *Partition) {
	for page := p.FirstPage; page < p.FirstPage+p.NumPages; page++ {
		if err := s.driver.ErasePage(page); err != nil {
			log.Errorf("bldata: erasing partition page %d: %v", page, err)
		}
	}
	s.driver.FlushPrefetch()
}

func (s *Store) writePage(page uint32, d *Data) error {
	buf := d.Marshal()
	words := flash.BytesToWords(buf)
	return s.driver.WritePage(page, words)
}

// Writeback recomputes the CRC and stores the RAM shadow to flash,
// main copy first then backup, ported from bl_data_shadow_writeback().
func (s *Store) Writeback() error {
	unmask := s.guard.Enter()
	defer unmask()
	return s.writeback()
}

func (s *Store) writeback() error {
	buf := s.shadow.Marshal()
	s.shadow.CRC = computeCRC(buf)
	if err := s.writePage(MainPage, s.shadow); err != nil {
		return errors.Wrap(err, "bldata: writing main copy")
	}
	if err := s.writePage(BackupPage, s.shadow); err != nil {
		return errors.Wrap(err, "bldata: writing backup copy")
	}
	return nil
}
