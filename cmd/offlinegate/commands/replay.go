package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinegate/internal/printer"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay stored submissions to the origin now",
	Long: `Runs one replay cycle against the configured endpoint.

The store is cleared only when every stored submission was accepted.
On any failure all records are kept for the next cycle.`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	printer.Step("Replaying to %s\n", rt.cfg.Replay.Endpoint)
	result, err := rt.worker.Replay(cmd.Context())
	if err != nil {
		return printer.ErrorWithContext(
			"Replay failed",
			err.Error(),
			map[string]string{"endpoint": rt.cfg.Replay.Endpoint},
			nil,
		)
	}

	switch {
	case result.NoStore, result.Records == 0:
		printer.Info("No pending submissions\n")
	case result.Failed == 0:
		printer.Success("Replayed %d submissions, cleared %d\n", result.Delivered, result.Cleared)
	default:
		for _, d := range result.Deliveries {
			if d.OK() {
				continue
			}
			reason := d.Error
			if reason == "" {
				reason = "origin answered " + strconv.Itoa(d.StatusCode)
			}
			printer.Warning("Record %d not accepted: %s\n", d.RecordID, reason)
		}
		return printer.Error(
			"Replay incomplete",
			"Some submissions were not accepted; all records were kept.",
			[]string{"Run offlinegate replay again once the origin recovers"},
		)
	}
	return nil
}
