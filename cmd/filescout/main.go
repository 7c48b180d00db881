// filescout - scheduled file discovery worker
package main

import (
	"fmt"
	"os"

	"github.com/filescout/filescout/internal/cli"
	"github.com/filescout/filescout/internal/version"
)

// Version information, overridden via ldflags at build time.
var (
	Version   = "v1.2.0"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
