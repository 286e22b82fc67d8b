// Command urep runs the universal reporting engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/unirep/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
