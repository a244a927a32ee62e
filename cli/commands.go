package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/mendersoftware/progressbar"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/qfwcore/bootmgr/device"
	"github.com/qfwcore/bootmgr/flash"
	"github.com/qfwcore/bootmgr/fwcrypto"
	"github.com/qfwcore/bootmgr/qfm"
)

func (r *runOptions) commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "status",
			Usage:  "print the device's partition and target status as JSON.",
			Action: r.cmdStatus,
		},
		{
			Name:      "flash",
			Usage:     "flash a QFU image onto an application partition.",
			ArgsUsage: "<alt-setting> <image-path>",
			Action:    r.cmdFlash,
		},
		{
			Name:   "erase-app",
			Usage:  "erase every application partition (requires authentication disabled).",
			Action: r.cmdEraseApp,
		},
		{
			Name:      "rotate-fw-key",
			Usage:     "rotate the firmware signing key.",
			ArgsUsage: "<new-key-hex>",
			Action:    r.cmdRotateKey(qfm.ReqUpdateFwKey),
		},
		{
			Name:      "rotate-rv-key",
			Usage:     "rotate the revocation key.",
			ArgsUsage: "<new-key-hex>",
			Action:    r.cmdRotateKey(qfm.ReqUpdateRvKey),
		},
		{
			Name:   "sanitize",
			Usage:  "re-validate and repair the metadata store in place.",
			Action: r.cmdSanitize,
		},
	}
}

// openController loads the device configuration and opens its
// file-backed flash driver, wiring them into a device.Controller the
// same way a running daemon would.
func (r *runOptions) openController() (*device.Controller, *flash.FileDriver, error) {
	cfg, err := r.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	driver, err := flash.NewFileDriver(cfg.FlashPath, cfg.FlashPages)
	if err != nil {
		return nil, nil, err
	}
	c, err := device.NewController(driver, cfg)
	if err != nil {
		driver.Close()
		return nil, nil, err
	}
	return c, driver, nil
}

func (r *runOptions) cmdStatus(ctx *cli.Context) error {
	c, driver, err := r.openController()
	if err != nil {
		return err
	}
	defer driver.Close()

	data := c.Store.Shadow()
	type partitionStatus struct {
		TargetIdx    uint32 `json:"target_idx"`
		IsConsistent bool   `json:"is_consistent"`
		AppPresent   bool   `json:"app_present"`
		AppVersion   uint32 `json:"app_version"`
	}
	type targetStatus struct {
		ActivePartitionIdx uint32 `json:"active_partition_idx"`
		SVN                uint32 `json:"svn"`
	}
	out := struct {
		ROMVersion uint32            `json:"rom_version"`
		Partitions []partitionStatus `json:"partitions"`
		Targets    []targetStatus    `json:"targets"`
	}{ROMVersion: data.ROMVersion}

	for i := range data.Partitions {
		p := &data.Partitions[i]
		present, _ := data.AppPresent(driver, p)
		out.Partitions = append(out.Partitions, partitionStatus{
			TargetIdx:    p.TargetIdx,
			IsConsistent: p.IsConsistent,
			AppPresent:   present,
			AppVersion:   p.AppVersion,
		})
	}
	for _, t := range data.Targets {
		out.Targets = append(out.Targets, targetStatus{
			ActivePartitionIdx: t.ActivePartitionIdx,
			SVN:                t.SVN,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (r *runOptions) cmdFlash(ctx *cli.Context) error {
	if ctx.Args().Len() < 2 {
		return errors.New("usage: qfwctl flash <alt-setting> <image-path>")
	}
	altSetting, err := parseAltSetting(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	imagePath := ctx.Args().Get(1)

	c, driver, err := r.openController()
	if err != nil {
		return err
	}
	defer driver.Close()

	f, err := os.Open(imagePath)
	if err != nil {
		return errors.Wrap(err, "opening image file")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	var reader io.Reader = f
	var bar *progressbar.Bar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.New(info.Size())
		reader = io.TeeReader(f, progressWriter{bar})
	}

	cfg, err := r.loadConfig()
	if err != nil {
		return err
	}
	if err := c.Machine.SetAltSetting(altSetting); err != nil {
		return err
	}
	return streamImage(c, reader, bar, int(cfg.BlockSizePages)*flash.PageSize)
}

// progressWriter adapts a progressbar.Bar, which only exposes Tick,
// to io.Writer so it can sit behind an io.TeeReader.
type progressWriter struct {
	bar *progressbar.Bar
}

func (w progressWriter) Write(p []byte) (int, error) {
	w.bar.Tick(int64(len(p)))
	return len(p), nil
}

// streamImage feeds an image file into the DFU state machine one
// block at a time, the way a host tool would over a real transport,
// then finalizes the transfer with a zero-length block.
func streamImage(c *device.Controller, r io.Reader, bar *progressbar.Bar, blockSize int) error {
	buf := make([]byte, blockSize)
	blockNum := uint16(0)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if derr := c.Machine.ProcessDnload(blockNum, buf[:n]); derr != nil {
				return derr
			}
			status, _, _ := c.Machine.GetStatus()
			if status != 0 {
				return errors.Errorf("device rejected block %d: status %v", blockNum, status)
			}
			blockNum++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := c.Machine.ProcessDnload(blockNum, nil); err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
	}
	fmt.Println("flash: transfer complete")
	return nil
}

func parseAltSetting(s string) (uint8, error) {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, errors.Wrap(err, "invalid alternate setting")
	}
	if v < 0 || v > 255 {
		return 0, errors.New("alternate setting out of range")
	}
	return uint8(v), nil
}

func (r *runOptions) cmdEraseApp(ctx *cli.Context) error {
	c, driver, err := r.openController()
	if err != nil {
		return err
	}
	defer driver.Close()

	if err := c.Machine.SetAltSetting(0); err != nil {
		return err
	}
	req := make([]byte, 4)
	req[0] = byte(qfm.ReqAppErase)
	if err := c.Machine.ProcessDnload(0, req); err != nil {
		return err
	}
	status, _, _ := c.Machine.GetStatus()
	if status != 0 {
		return errors.Errorf("erase-app failed: status %v", status)
	}
	fmt.Println("erase-app: complete")
	return nil
}

func (r *runOptions) cmdRotateKey(reqType qfm.ReqType) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		if ctx.Args().Len() < 1 {
			return errors.New("usage: qfwctl rotate-*-key <new-key-hex>")
		}
		keyHex := ctx.Args().Get(0)
		raw, err := ioutil.ReadFile(keyHex)
		var keyBytes []byte
		if err == nil {
			keyBytes = raw
		} else {
			keyBytes, err = hex.DecodeString(keyHex)
			if err != nil {
				return errors.Wrap(err, "invalid key hex")
			}
		}
		if len(keyBytes) != fwcrypto.KeySize {
			return errors.Errorf("key must be exactly %d bytes", fwcrypto.KeySize)
		}

		c, driver, err := r.openController()
		if err != nil {
			return err
		}
		defer driver.Close()

		var newKey fwcrypto.Key
		copy(newKey[:], keyBytes)

		fwKey := c.Store.Shadow().FWKey
		rvKey := c.Store.Shadow().RVKey
		pkt := qfm.UpdateKeyPacket{Type: reqType, Key: newKey}
		// The device authenticates a rotation with a double HMAC over
		// the packet keyed first by the firmware key, then by the
		// revocation key; this tool must hold both current keys to
		// request a rotation, exactly as the device requires.
		signed := pkt.Marshal()[:4+fwcrypto.KeySize]
		h1 := fwcrypto.HMACSHA256(fwKey, signed)
		h2 := fwcrypto.HMACSHA256(rvKey, h1[:])
		pkt.MAC = h2

		if err := c.Machine.SetAltSetting(0); err != nil {
			return err
		}
		if err := c.Machine.ProcessDnload(0, pkt.Marshal()); err != nil {
			return err
		}
		status, _, _ := c.Machine.GetStatus()
		if status != 0 {
			return errors.Errorf("key rotation failed: status %v", status)
		}
		fmt.Println("key rotation: complete")
		return nil
	}
}

func (r *runOptions) cmdSanitize(ctx *cli.Context) error {
	c, driver, err := r.openController()
	if err != nil {
		return err
	}
	defer driver.Close()
	if err := c.Sanitize(); err != nil {
		return err
	}
	fmt.Println("sanitize: complete")
	return nil
}
