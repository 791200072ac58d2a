// Command reframe runs, tests and serves reframe scenario files.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/reframe/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
