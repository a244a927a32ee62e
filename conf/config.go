// Package conf loads and merges the device's provisioned
// configuration: flash geometry, partition/target tables and the
// authentication policy the QFU and QFM handlers enforce.
package conf

import (
	"encoding/json"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qfwcore/bootmgr/bldata"
	"github.com/qfwcore/bootmgr/flash"
	"github.com/qfwcore/bootmgr/qfm"
	"github.com/qfwcore/bootmgr/qfu"
)

// PartitionConfig describes one flash partition: the provisioned,
// fixed fields of bldata.Partition (its consistency flag and app
// version are runtime state and are not configured).
type PartitionConfig struct {
	TargetIdx  uint32
	Controller uint32
	FirstPage  uint32
	NumPages   uint32
	StartAddr  uint32
}

// DeviceConfigFromFile is the subset of DeviceConfig loaded verbatim
// from JSON.
type DeviceConfigFromFile struct {
	// Flash geometry.
	FlashPath  string
	FlashPages uint32

	// Partition and target tables. NumTargets must be at least
	// max(PartitionConfig.TargetIdx) + 1.
	Partitions []PartitionConfig
	NumTargets uint32

	// Authentication policy, mirroring FM_CFG_ENFORCE_* and
	// ENABLE_FIRMWARE_MANAGER_AUTH.
	AuthEnabled   bool
	EnforceVID    bool
	EnforcePID    bool
	EnforceDFUPID bool
	VID           uint16
	PID           uint16
	PIDDfu        uint16

	// QFU block size, in flash pages.
	BlockSizePages uint32

	// Reported to the host in a QFM sys-info response.
	SysupdVersion uint32
	SoCType       string
	// TargetTypes is indexed by target idx; see qfm.Config.TargetTypes.
	TargetTypes []string

	// HTTP status surface bind address, empty to disable.
	StatusListenAddr string
}

// DeviceConfig is the fully resolved device configuration.
type DeviceConfig struct {
	DeviceConfigFromFile
}

// NewDeviceConfig returns a DeviceConfig with this core's defaults:
// two partitions for a single target sized to a 64-page flash, QFU block
// size of one page and authentication disabled, the same posture
// FM_CFG_ENFORCE_VID/APP_PID/DFU_PID default to in the reference
// firmware.
func NewDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		DeviceConfigFromFile: DeviceConfigFromFile{
			FlashPath:  DefaultFlashImagePath,
			FlashPages: 64,
			Partitions: []PartitionConfig{
				{TargetIdx: 0, FirstPage: 2, NumPages: 31},
				{TargetIdx: 0, FirstPage: 33, NumPages: 31},
			},
			NumTargets:     1,
			BlockSizePages: 1,
			SysupdVersion:  1,
			SoCType:        "sim",
		},
	}
}

// LoadConfig parses the device configuration from a main and a
// fallback file, the fallback loaded first so the main file's values
// take precedence. Either file may be absent; if both are, the
// built-in defaults are used. Ports the conf package's LoadConfig.
func LoadConfig(mainConfigFile, fallbackConfigFile string) (*DeviceConfig, error) {
	config := NewDeviceConfig()
	var filesLoaded int

	if err := loadConfigFile(fallbackConfigFile, config, &filesLoaded); err != nil {
		return nil, err
	}
	if err := loadConfigFile(mainConfigFile, config, &filesLoaded); err != nil {
		return nil, err
	}
	if filesLoaded == 0 {
		log.Info("conf: no configuration files present, using defaults")
	}
	return config, nil
}

func loadConfigFile(configFile string, config *DeviceConfig, filesLoaded *int) error {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Debug("conf: configuration file does not exist: ", configFile)
		return nil
	}
	if err := readConfigFile(&config.DeviceConfigFromFile, configFile); err != nil {
		log.Errorf("conf: error loading configuration from %s: %v", configFile, err)
		return err
	}
	*filesLoaded++
	log.Info("conf: loaded configuration file: ", configFile)
	return nil
}

func readConfigFile(config interface{}, fileName string) error {
	raw, err := ioutil.ReadFile(fileName)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, config); err != nil {
		return errors.Wrap(err, "conf: error parsing configuration file")
	}
	return nil
}

// SaveConfigFile writes config as indented JSON to filename.
func SaveConfigFile(config *DeviceConfigFromFile, filename string) error {
	buf, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return errors.Wrap(err, "conf: error encoding configuration")
	}
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "conf: error opening configuration file")
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return errors.Wrap(err, "conf: error writing configuration file")
	}
	return nil
}

// BLDataDefaults builds the bldata.Defaults this configuration
// describes.
func (c *DeviceConfig) BLDataDefaults() bldata.Defaults {
	partitions := make([]bldata.Partition, len(c.Partitions))
	for i, p := range c.Partitions {
		partitions[i] = bldata.Partition{
			TargetIdx:  p.TargetIdx,
			Controller: p.Controller,
			FirstPage:  p.FirstPage,
			NumPages:   p.NumPages,
			StartAddr:  p.StartAddr,
		}
	}
	targets := make([]bldata.Target, c.NumTargets)
	return bldata.Defaults{
		ROMVersion: c.SysupdVersion,
		Partitions: partitions,
		Targets:    targets,
	}
}

// QFUConfig builds the per-handler configuration qfu.Handler checks
// incoming images against.
func (c *DeviceConfig) QFUConfig() qfu.Config {
	return qfu.Config{
		AuthEnabled:   c.AuthEnabled,
		EnforceVID:    c.EnforceVID,
		EnforcePID:    c.EnforcePID,
		EnforceDFUPID: c.EnforceDFUPID,
		VID:           c.VID,
		PID:           c.PID,
		PIDDfu:        c.PIDDfu,
		BlockSize:     uint16(c.BlockSizePages) * uint16(flash.PageSize),
		PagesPerBlock: c.BlockSizePages,
	}
}

// QFMConfig builds the configuration qfm.Handler reports in sys-info
// responses.
func (c *DeviceConfig) QFMConfig() qfm.Config {
	return qfm.Config{
		AuthEnabled:   c.AuthEnabled,
		SysupdVersion: c.SysupdVersion,
		SoCType:       c.SoCType,
		TargetTypes:   c.TargetTypes,
	}
}
