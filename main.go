// Command weave is the sync engine binary: an HTTP API server, a queue
// worker, and a foreground sync runner behind one cobra command tree.
//
// Exit status follows the run outcome so schedulers can tell results
// apart: 0 completed, 1 validation failure, 2 operational failure,
// 3 cancelled, 4 timed out.
package main

import (
	"os"

	"weave.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
