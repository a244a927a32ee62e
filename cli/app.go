// Package cli implements the host-side command line tool for talking
// to a device.Controller: querying status, flashing QFU images and
// rotating admin keys. Each command drives the same dfu.Machine a
// real device's transport would, just in-process rather than over a
// byte stream.
package cli

import (
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/qfwcore/bootmgr/conf"
)

const appDescription = "" +
	"qfwctl drives a simulated or file-backed device's firmware " +
	"update core: query its system info, flash a QFU image onto a " +
	"partition, erase an application, rotate its admin keys, or " +
	"repair its metadata store after a suspected torn write."

// Version is set at build time via -ldflags.
var Version = "unknown"

func showVersion() string {
	return fmt.Sprintf("qfwctl %s\truntime: %s", Version, runtime.Version())
}

type runOptions struct {
	mainConfigFile     string
	fallbackConfigFile string
	flashImage         string
	logLevel           string
}

func (r *runOptions) handleLogFlags(ctx *cli.Context) error {
	if r.logLevel == "" {
		return nil
	}
	level, err := log.ParseLevel(r.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

func (r *runOptions) loadConfig() (*conf.DeviceConfig, error) {
	main := r.mainConfigFile
	if main == "" {
		main = conf.DefaultConfFile
	}
	fallback := r.fallbackConfigFile
	if fallback == "" {
		fallback = conf.DefaultFallbackConfFile
	}
	cfg, err := conf.LoadConfig(main, fallback)
	if err != nil {
		return nil, err
	}
	if r.flashImage != "" {
		cfg.FlashPath = r.flashImage
	}
	return cfg, nil
}

// NewApp builds the qfwctl command line application.
func NewApp() *cli.App {
	opts := &runOptions{}

	app := &cli.App{
		Name:        "qfwctl",
		Usage:       "inspect and update a device's firmware over its DFU core.",
		Description: appDescription,
		Version:     showVersion(),
		Before:      opts.handleLogFlags,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the main configuration file.",
				Destination: &opts.mainConfigFile,
			},
			&cli.StringFlag{
				Name:        "fallback-config",
				Usage:       "path to the fallback configuration file.",
				Destination: &opts.fallbackConfigFile,
			},
			&cli.StringFlag{
				Name:        "flash-image",
				Usage:       "path to the file backing the simulated flash device.",
				Destination: &opts.flashImage,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "one of: debug, info, warning, error.",
				Destination: &opts.logLevel,
			},
		},
	}
	app.Commands = opts.commands()
	return app
}
