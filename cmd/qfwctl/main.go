package main

import (
	"fmt"
	"os"

	"github.com/qfwcore/bootmgr/cli"
)

func main() {
	if err := cli.NewApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "qfwctl:", err)
		os.Exit(1)
	}
}
