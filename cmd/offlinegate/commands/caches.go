package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinegate/internal/printer"
)

var cachesCmd = &cobra.Command{
	Use:   "caches",
	Short: "Inspect and prune cache namespaces",
}

var cachesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache namespaces with their entry counts",
	RunE:  runCachesList,
}

var cachesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete every namespace other than the current app shell and dynamic caches",
	RunE:  runCachesPrune,
}

func init() {
	cachesCmd.AddCommand(cachesListCmd)
	cachesCmd.AddCommand(cachesPruneCmd)
	rootCmd.AddCommand(cachesCmd)
}

func runCachesList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	storage := rt.worker.Cache().Storage()
	names, err := storage.Keys(ctx)
	if err != nil {
		return printer.Error("Failed to list caches", err.Error(), nil)
	}

	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, "No caches")
		return nil
	}

	fmt.Fprintf(out, "%-20s %s\n", "NAME", "ENTRIES")
	fmt.Fprintf(out, "%-20s %s\n", "--------------------", "-------")
	for _, name := range names {
		c, err := storage.Open(ctx, name)
		if err != nil {
			return printer.Error("Failed to open cache", err.Error(), nil)
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			return printer.Error("Failed to read cache", err.Error(), nil)
		}
		fmt.Fprintf(out, "%-20s %d\n", name, len(keys))
	}
	return nil
}

func runCachesPrune(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	deleted, err := rt.worker.Cache().Prune(cmd.Context())
	if err != nil {
		return printer.Error("Failed to prune caches", err.Error(), nil)
	}
	if len(deleted) == 0 {
		printer.Info("Nothing to prune\n")
		return nil
	}
	for _, name := range deleted {
		printer.Success("Deleted %s\n", name)
	}
	return nil
}
