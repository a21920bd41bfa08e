// Package commands implements the offlinegate command tree.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "offlinegate",
	Short: "offlinegate - offline write-back gateway",
	Long: `offlinegate sits between a web front end and its origin server.

Reads are served network-first with a two-tier cache fallback. Submissions
that cannot reach the origin are stored locally, acknowledged with a
"saved offline" response, and replayed once connectivity returns.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command. Called by main.main().
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to offlinegate.yml (defaults to ./offlinegate.yml when present)")
}
