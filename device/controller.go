// Package device wires the metadata store, flash driver and DFU
// backends into a single Controller, the way app.Mender wires a
// device's installer, store and state runner behind one type.
package device

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qfwcore/bootmgr/bldata"
	"github.com/qfwcore/bootmgr/conf"
	"github.com/qfwcore/bootmgr/dfu"
	"github.com/qfwcore/bootmgr/flash"
	"github.com/qfwcore/bootmgr/qfm"
	"github.com/qfwcore/bootmgr/qfu"
)

// Controller owns a device's bl-data store and DFU state machine, and
// is the entry point every transport (the qda-framed USB/serial
// transport, or the HTTP status surface) drives.
type Controller struct {
	Store   *bldata.Store
	Driver  flash.Driver
	Machine *dfu.Machine

	cfg        *conf.DeviceConfig
	qfmHandler *qfm.Handler
	qfuHandler *qfu.Handler
}

// NewController builds a Controller from a resolved device
// configuration and a flash driver (a flash.MemDriver in tests, or a
// flash.FileDriver / hardware-backed driver in a running binary).
func NewController(driver flash.Driver, cfg *conf.DeviceConfig) (*Controller, error) {
	if len(cfg.Partitions) == 0 {
		return nil, errors.New("device: configuration has no partitions")
	}

	store := bldata.NewStore(driver, cfg.BLDataDefaults())
	if err := store.Sanitize(); err != nil {
		return nil, errors.Wrap(err, "device: initial sanitize failed")
	}

	c := &Controller{
		Store:      store,
		Driver:     driver,
		cfg:        cfg,
		qfmHandler: qfm.NewHandler(store, driver, cfg.QFMConfig()),
		qfuHandler: qfu.NewHandler(store, driver, cfg.QFUConfig()),
	}
	c.Machine = dfu.NewMachine(uint8(len(cfg.Partitions)+1), c.selectBackend)
	c.Machine.Init()
	return c, nil
}

// selectBackend implements dfu.Selector: alternate setting 0 is
// always the metadata/admin (QFM) handler, every other alternate
// setting is the image (QFU) handler bound to the partition one less
// than the alternate setting number.
func (c *Controller) selectBackend(altSetting uint8) (dfu.Backend, error) {
	if altSetting == 0 {
		return c.qfmHandler, nil
	}
	if int(altSetting)-1 >= len(c.cfg.Partitions) {
		return nil, errors.Errorf("device: no partition for alternate setting %d", altSetting)
	}
	return c.qfuHandler, nil
}

// Sanitize re-validates and repairs the bl-data store in place,
// exposed for the CLI's standalone "sanitize" command and for
// recovering from a detected torn write without a full reboot.
func (c *Controller) Sanitize() error {
	if err := c.Store.Sanitize(); err != nil {
		log.Errorf("device: sanitize failed: %v", err)
		return err
	}
	return nil
}
