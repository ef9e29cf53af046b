// Command corral inspects and operates durable aggregation repositories.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/corral/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
