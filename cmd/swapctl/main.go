// Package main provides swapctl, an operator tool that opens a swapd
// data directory directly and drives or inspects orders in it. It does
// not talk to a running swapd over the network; it shares the same
// store and ledger config a daemon would, so it must not be run against
// a data directory an active swapd process is also using.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// Exit codes: 0 success, 1 operational error, 2 on-chain/store mismatch
// found by verify, 3 order ended refunded or failed rather than completed.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[swapctl] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "swapctl"
	app.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	app.Usage = "drive and inspect HTLC atomic swap orders"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "data-dir",
			Value: "~/.htlc-swap",
			Usage: "swapd data directory",
		},
	}
	app.Commands = []cli.Command{
		startCommand,
		statusCommand,
		verifyCommand,
		refundCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
