package conf

import "path"

var (
	// DefaultConfDir holds the device's provisioned configuration.
	DefaultConfDir = "/etc/qfwcore"
	// DefaultStateDir holds the runtime bl-data snapshot used by the
	// file-backed flash driver in non-embedded builds.
	DefaultStateDir = "/var/lib/qfwcore"

	DefaultConfFile         = path.Join(DefaultConfDir, "bootmgr.conf")
	DefaultFallbackConfFile = path.Join(DefaultStateDir, "bootmgr.conf")

	// DefaultFlashImagePath is the backing file the file-backed flash
	// driver uses when no other path is configured.
	DefaultFlashImagePath = path.Join(DefaultStateDir, "flash.img")
)
