// Command strata inspects and serves connection routing for entity managers.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/strata/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
