// Command cartsync runs the cart backend, drives the sync engine against
// it, and replays cart scenarios.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/cartsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
