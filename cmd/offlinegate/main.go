// Command offlinegate runs the offline write-back gateway.
package main

import (
	"os"

	"github.com/kimhsiao/offlinegate/cmd/offlinegate/commands"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)

	// Errors are printed by the printer package
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
