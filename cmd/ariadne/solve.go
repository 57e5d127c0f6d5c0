package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/adam-t-burke/Ariadne/internal/fdm"
	"github.com/adam-t-burke/Ariadne/internal/opt"
	"github.com/adam-t-burke/Ariadne/internal/store"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"
)

var (
	problemPath  string
	resultPath   string
	solveDataDir string
	solveRunID   string
)

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Run one form-finding optimization",
	Long: `Loads a problem description, runs the adjoint-gradient optimization and
writes the equilibrium result. With --data-dir set, the run record and
loss trace are persisted for later inspection.`,
	RunE: runSolve,
}

func init() {
	solveCmd.Flags().StringVar(&problemPath, "problem", "", "Problem JSON path (required)")
	solveCmd.Flags().StringVar(&resultPath, "out", "result.json", "Result JSON path")
	solveCmd.Flags().StringVar(&solveDataDir, "data-dir", "", "Base directory for run storage (empty disables persistence)")
	solveCmd.Flags().StringVar(&solveRunID, "run-id", "", "Run identifier (defaults to a timestamp)")

	solveCmd.MarkFlagRequired("problem")
	rootCmd.AddCommand(solveCmd)
}

// resultFile is the JSON shape of a finished run.
type resultFile struct {
	Converged         bool        `json:"converged"`
	TerminationReason string      `json:"terminationReason"`
	Iterations        int         `json:"iterations"`
	InitialLoss       float64     `json:"initialLoss"`
	BestLoss          float64     `json:"bestLoss"`
	Q                 []float64   `json:"q"`
	AnchorPositions   [][]float64 `json:"anchorPositions,omitempty"`
	XYZ               [][]float64 `json:"xyz"`
	MemberLengths     []float64   `json:"memberLengths"`
	MemberForces      []float64   `json:"memberForces"`
	Reactions         [][]float64 `json:"reactions"`
}

func runSolve(cmd *cobra.Command, args []string) error {
	pf, err := loadProblemFile(problemPath)
	if err != nil {
		return err
	}
	problem, state, err := buildProblem(pf)
	if err != nil {
		return fmt.Errorf("invalid problem: %w", err)
	}

	slog.Info("Loaded problem",
		"nodes", problem.Topology.NumNodes,
		"edges", problem.Topology.NumEdges,
		"free", len(problem.Topology.FreeNodes),
		"fixed", len(problem.Topology.FixedNodes),
		"objectives", len(problem.Objectives),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	progress := func(eval int, loss float64, xyz []float64, numNodes int) bool {
		slog.Info("Progress", "eval", eval, "loss", loss)
		return ctx.Err() == nil
	}

	start := time.Now()
	result, err := opt.Optimize(problem, state, progress)
	if err != nil {
		return fmt.Errorf("optimization failed: %w", err)
	}
	elapsed := time.Since(start)

	initialLoss := result.LossTrace[0]
	bestLoss := result.LossTrace[0]
	for _, l := range result.LossTrace {
		if l < bestLoss {
			bestLoss = l
		}
	}

	slog.Info("Optimization complete",
		"elapsed", elapsed,
		"converged", result.Converged,
		"reason", result.TerminationReason,
		"iterations", result.Iterations,
		"initial_loss", initialLoss,
		"best_loss", bestLoss,
	)

	if err := writeResult(resultPath, result, initialLoss, bestLoss); err != nil {
		return err
	}

	if solveDataDir != "" {
		runID := solveRunID
		if runID == "" {
			runID = time.Now().UTC().Format("20060102-150405")
		}
		if err := persistRun(solveDataDir, runID, problem, result, initialLoss, bestLoss); err != nil {
			return err
		}
		slog.Info("Persisted run", "run_id", runID, "data_dir", solveDataDir)
	}

	fmt.Printf("Wrote %s (loss: %.6g -> %.6g, %d iterations, %s)\n",
		resultPath, initialLoss, bestLoss, result.Iterations, result.TerminationReason)
	return nil
}

func writeResult(path string, result *fdm.SolverResult, initialLoss, bestLoss float64) error {
	out := resultFile{
		Converged:         result.Converged,
		TerminationReason: result.TerminationReason,
		Iterations:        result.Iterations,
		InitialLoss:       initialLoss,
		BestLoss:          bestLoss,
		Q:                 result.Q,
		XYZ:               denseRows(result.XYZ),
		MemberLengths:     result.MemberLengths,
		MemberForces:      result.MemberForces,
		Reactions:         denseRows(result.Reactions),
	}
	if result.AnchorPositions != nil {
		out.AnchorPositions = denseRows(result.AnchorPositions)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func persistRun(dataDir, runID string, problem *fdm.Problem, result *fdm.SolverResult, initialLoss, bestLoss float64) error {
	runStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	record := &store.RunRecord{
		RunID:             runID,
		Timestamp:         time.Now().UTC(),
		EdgeCount:         problem.Topology.NumEdges,
		NodeCount:         problem.Topology.NumNodes,
		Strategy:          opt.StrategyForBounds(problem.Bounds).String(),
		ObjectiveCount:    len(problem.Objectives),
		InitialLoss:       initialLoss,
		BestLoss:          bestLoss,
		Iterations:        result.Iterations,
		Converged:         result.Converged,
		TerminationReason: result.TerminationReason,
		ForceDensities:    result.Q,
	}
	if err := runStore.SaveRun(runID, record); err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}

	tw, err := store.NewTraceWriter(dataDir, runID)
	if err != nil {
		return fmt.Errorf("failed to create trace writer: %w", err)
	}
	defer tw.Close()

	now := time.Now().UTC()
	for i, loss := range result.LossTrace {
		entry := store.TraceEntry{Eval: i + 1, Loss: loss, Timestamp: now}
		if err := tw.Write(entry); err != nil {
			return fmt.Errorf("failed to write trace entry: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace: %w", err)
	}
	return nil
}

func denseRows(m *mat.Dense) [][]float64 {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		row := make([]float64, c)
		for j := 0; j < c; j++ {
			row[j] = m.At(i, j)
		}
		rows[i] = row
	}
	return rows
}
