package commands

import (
	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinegate/internal/printer"
)

var pendingOutput string

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List submissions waiting for replay",
	Long: `Lists every stored submission in insertion order.

The default table masks password fields. --output jsonl writes one
complete record per line for scripting.`,
	RunE: runPending,
}

func init() {
	pendingCmd.Flags().StringVarP(&pendingOutput, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(pendingCmd)
}

func runPending(cmd *cobra.Command, args []string) error {
	format, err := printer.ParseOutputFormat(pendingOutput)
	if err != nil {
		return printer.Error("Invalid output format", err.Error(), []string{"Use --output default or --output jsonl"})
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	records, err := rt.store.Drain(cmd.Context())
	if err != nil {
		return printer.Error("Failed to read pending store", err.Error(), nil)
	}

	out := cmd.OutOrStdout()
	if format == printer.OutputFormatJSONL {
		return printer.PendingJSONL(out, records)
	}
	printer.PendingTable(out, records)
	return nil
}
