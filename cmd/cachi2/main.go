// Command cachi2 pre-fetches a source repository's declared dependencies
// into a local cache and emits a software bill of materials, so a later
// build can run with no network access.
package main

import (
	"os"

	"github.com/cachi2-project/cachi2/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
