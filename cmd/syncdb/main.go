// Command syncdb keeps a local replica of server-owned tables in sync.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/syncdb/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// ExitErrors have already been reported in the requested format.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
