package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/adam-t-burke/Ariadne/internal/store"
	"github.com/spf13/cobra"
)

var traceDataDir string

var traceCmd = &cobra.Command{
	Use:   "trace <run-id>",
	Short: "Print the loss trace of a stored run",
	Long:  `Reads the per-evaluation loss history of a run and prints it in evaluation order.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTrace,
}

func init() {
	traceCmd.Flags().StringVar(&traceDataDir, "data-dir", "./data", "Base directory for run storage")
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	reader, err := store.NewTraceReader(traceDataDir, args[0])
	if err != nil {
		return err
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("Trace is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EVAL\tLOSS")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%.9g\n", e.Eval, e.Loss)
	}
	w.Flush()

	fmt.Printf("\nTotal evaluations: %d\n", len(entries))
	return nil
}
