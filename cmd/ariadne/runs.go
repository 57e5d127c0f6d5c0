package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/adam-t-burke/Ariadne/internal/store"
	"github.com/spf13/cobra"
)

var runsDataDir string

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage stored optimization runs",
	Long: `Manage persisted optimization runs including listing records, showing the
full record of one run, and deleting runs no longer needed.`,
}

var listRunsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored runs",
	Long:  `Display all run records with timestamp, problem size, best loss and how each run ended.`,
	RunE:  runListRuns,
}

var showRunCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the full record of one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowRun,
}

var deleteRunCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a stored run",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteRun,
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.AddCommand(listRunsCmd)
	runsCmd.AddCommand(showRunCmd)
	runsCmd.AddCommand(deleteRunCmd)

	runsCmd.PersistentFlags().StringVar(&runsDataDir, "data-dir", "./data", "Base directory for run storage")
}

func runListRuns(cmd *cobra.Command, args []string) error {
	runStore, err := store.NewFSStore(runsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	infos, err := runStore.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tTIMESTAMP\tNODES\tEDGES\tBEST LOSS\tITERS\tOUTCOME")
	fmt.Fprintln(w, "------\t---------\t-----\t-----\t---------\t-----\t-------")

	for _, info := range infos {
		outcome := info.TerminationReason
		if info.Converged {
			outcome = "converged"
		}

		displayID := info.RunID
		if len(displayID) > 20 {
			displayID = displayID[:20] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.6g\t%d\t%s\n",
			displayID,
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.NodeCount,
			info.EdgeCount,
			info.BestLoss,
			info.Iterations,
			outcome,
		)
	}

	w.Flush()

	fmt.Printf("\nTotal runs: %d\n", len(infos))
	return nil
}

func runShowRun(cmd *cobra.Command, args []string) error {
	runStore, err := store.NewFSStore(runsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	record, err := runStore.LoadRun(args[0])
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runDeleteRun(cmd *cobra.Command, args []string) error {
	runStore, err := store.NewFSStore(runsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	if err := runStore.DeleteRun(args[0]); err != nil {
		return err
	}

	slog.Info("Deleted run", "run_id", args[0])
	fmt.Printf("Deleted run %s\n", args[0])
	return nil
}
