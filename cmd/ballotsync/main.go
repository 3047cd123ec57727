// Command ballotsync synchronizes relational elections to a voting ledger
// and casts votes against it.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ballotsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ballotsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
