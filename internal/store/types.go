package store

import (
	"time"
)

// RunRecord captures everything worth keeping from one optimization run:
// the problem summary, the best force densities found, and how the run
// ended. All fields are serialized to JSON for persistence.
//
// The record intentionally does not include the quasi-Newton memory or any
// mid-run search state: a restarted search always begins from a best point
// with fresh curvature information, so there is nothing to resume beyond
// the best parameters themselves.
type RunRecord struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"runId"`

	// Timestamp records when the run finished.
	Timestamp time.Time `json:"timestamp"`

	// EdgeCount and NodeCount summarize the network the run optimized.
	EdgeCount int `json:"edgeCount"`
	NodeCount int `json:"nodeCount"`

	// Strategy is the factorization strategy selected from the bounds.
	Strategy string `json:"strategy"`

	// ObjectiveCount is the number of weighted objective terms.
	ObjectiveCount int `json:"objectiveCount"`

	// InitialLoss and BestLoss frame the improvement achieved.
	InitialLoss float64 `json:"initialLoss"`
	BestLoss    float64 `json:"bestLoss"`

	// Iterations is the cumulative quasi-Newton iteration count.
	Iterations int `json:"iterations"`

	// Converged reports whether the dual convergence criterion was met.
	Converged bool `json:"converged"`

	// TerminationReason describes how the run ended.
	TerminationReason string `json:"terminationReason"`

	// ForceDensities holds the best per-edge force densities.
	ForceDensities []float64 `json:"forceDensities"`
}

// RunInfo is the listing view of a record: metadata without the parameter
// payload, so large runs can be listed cheaply.
type RunInfo struct {
	RunID             string    `json:"runId"`
	Timestamp         time.Time `json:"timestamp"`
	EdgeCount         int       `json:"edgeCount"`
	NodeCount         int       `json:"nodeCount"`
	BestLoss          float64   `json:"bestLoss"`
	Iterations        int       `json:"iterations"`
	Converged         bool      `json:"converged"`
	TerminationReason string    `json:"terminationReason"`
}

// ToInfo strips the record down to its listing metadata.
func (r *RunRecord) ToInfo() RunInfo {
	return RunInfo{
		RunID:             r.RunID,
		Timestamp:         r.Timestamp,
		EdgeCount:         r.EdgeCount,
		NodeCount:         r.NodeCount,
		BestLoss:          r.BestLoss,
		Iterations:        r.Iterations,
		Converged:         r.Converged,
		TerminationReason: r.TerminationReason,
	}
}
