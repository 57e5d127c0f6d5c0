package fdm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Factorization selects how the equilibrium system is factorized.
type Factorization int

const (
	// Cholesky is valid whenever the system is positive definite, which is
	// guaranteed as long as every force density stays strictly positive.
	Cholesky Factorization = iota

	// LDL is the general symmetric path, required when force densities may
	// reach zero or turn negative (compression-capable members). Realized
	// with a pivoted LU factorization, which tolerates indefinite systems.
	LDL
)

func (f Factorization) String() string {
	if f == Cholesky {
		return "cholesky"
	}
	return "ldl"
}

// NetworkTopology describes the incidence structure of an equilibrium
// network: which edges connect which nodes, and which nodes are free to
// move versus fixed anchors.
type NetworkTopology struct {
	// Edges lists the (source, target) node pair of every edge.
	Edges [][2]int

	// Incidence is the full ne×nn incidence matrix: row e holds -1 at the
	// source node and +1 at the target node of edge e.
	Incidence *mat.Dense

	// FreeIncidence and FixedIncidence are the column slices of Incidence
	// restricted to free and fixed nodes respectively.
	FreeIncidence  *mat.Dense
	FixedIncidence *mat.Dense

	NumEdges int
	NumNodes int

	// FreeNodes and FixedNodes map local free/fixed indices back to full
	// node indices. Together they partition [0, NumNodes).
	FreeNodes  []int
	FixedNodes []int
}

// NewTopology builds a NetworkTopology from an edge list and the set of
// fixed node indices. Every node not listed in fixed is free.
func NewTopology(edges [][2]int, numNodes int, fixed []int) (*NetworkTopology, error) {
	ne := len(edges)
	if ne == 0 {
		return nil, fmt.Errorf("topology: no edges")
	}

	isFixed := make(map[int]bool, len(fixed))
	for _, i := range fixed {
		if i < 0 || i >= numNodes {
			return nil, fmt.Errorf("topology: fixed node %d out of range [0,%d)", i, numNodes)
		}
		isFixed[i] = true
	}
	if len(isFixed) == 0 {
		return nil, fmt.Errorf("topology: no fixed nodes")
	}
	if len(isFixed) == numNodes {
		return nil, fmt.Errorf("topology: no free nodes")
	}

	incidence := mat.NewDense(ne, numNodes, nil)
	for e, edge := range edges {
		s, t := edge[0], edge[1]
		if s < 0 || s >= numNodes || t < 0 || t >= numNodes || s == t {
			return nil, fmt.Errorf("topology: invalid edge %d: (%d,%d)", e, s, t)
		}
		incidence.Set(e, s, -1)
		incidence.Set(e, t, 1)
	}

	var free, fix []int
	for i := 0; i < numNodes; i++ {
		if isFixed[i] {
			fix = append(fix, i)
		} else {
			free = append(free, i)
		}
	}

	return &NetworkTopology{
		Edges:          append([][2]int(nil), edges...),
		Incidence:      incidence,
		FreeIncidence:  extractColumns(incidence, free),
		FixedIncidence: extractColumns(incidence, fix),
		NumEdges:       ne,
		NumNodes:       numNodes,
		FreeNodes:      free,
		FixedNodes:     fix,
	}, nil
}

// extractColumns copies the given columns of m into a new matrix, keeping
// column order.
func extractColumns(m *mat.Dense, cols []int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, len(cols), nil)
	for j, c := range cols {
		for i := 0; i < r; i++ {
			out.Set(i, j, m.At(i, c))
		}
	}
	return out
}

// Bounds holds the per-edge force-density box constraints.
// Use ±Inf for unbounded sides.
type Bounds struct {
	Lower []float64
	Upper []float64
}

// AnchorInfo describes the fixed anchor nodes and which of them are
// optimization variables. VariableIndices are row indices into the fixed
// node ordering (i.e. into Problem.FixedNodePositions), not full node
// indices.
type AnchorInfo struct {
	VariableIndices []int
}

// AllFixed returns anchor metadata with no movable anchors.
func AllFixed() AnchorInfo {
	return AnchorInfo{}
}

// SolverOptions carries the tolerances and budgets of one optimization run.
type SolverOptions struct {
	// MaxIterations is the cumulative quasi-Newton iteration budget across
	// all restarts.
	MaxIterations int

	// AbsTolerance bounds the projected-gradient infinity norm at
	// convergence.
	AbsTolerance float64

	// RelTolerance bounds the relative objective spread over the recent
	// evaluation window at convergence.
	RelTolerance float64

	// ReportFrequency controls how often (in unique evaluations) the
	// progress callback fires. The first evaluation always reports.
	// Zero means every evaluation.
	ReportFrequency int

	// WarmStartIterations enables a derivative-free global exploration
	// stage before the quasi-Newton search when positive. Requires uniform
	// finite force-density bounds.
	WarmStartIterations int

	// WarmStartPopulation is the population size of the warm-start stage.
	WarmStartPopulation int

	// WarmStartSeed seeds the warm-start stage for reproducibility.
	WarmStartSeed int64
}

// DefaultSolverOptions returns the tolerances used when the caller does not
// override them.
func DefaultSolverOptions() SolverOptions {
	return SolverOptions{
		MaxIterations:       100,
		AbsTolerance:        1e-6,
		RelTolerance:        1e-6,
		ReportFrequency:     1,
		WarmStartPopulation: 20,
		WarmStartSeed:       42,
	}
}

// Problem is the immutable description of one optimization problem. It is
// shared by reference across all solver components and never mutated during
// a run.
type Problem struct {
	Topology *NetworkTopology

	// FreeNodeLoads is the nFree×3 matrix of external loads on free nodes.
	FreeNodeLoads *mat.Dense

	// FixedNodePositions is the nFixed×3 matrix of anchor positions, in
	// FixedNodes order. Rows listed in Anchors.VariableIndices are starting
	// values for movable anchors.
	FixedNodePositions *mat.Dense

	Anchors    AnchorInfo
	Objectives []ObjectiveTerm
	Bounds     Bounds
	Solver     SolverOptions
}

// Validate checks the structural invariants between topology, loads, bounds
// and anchors.
func (p *Problem) Validate() error {
	if p.Topology == nil {
		return fmt.Errorf("problem: nil topology")
	}
	ne := p.Topology.NumEdges
	nf := len(p.Topology.FreeNodes)
	nx := len(p.Topology.FixedNodes)

	if len(p.Bounds.Lower) != ne || len(p.Bounds.Upper) != ne {
		return fmt.Errorf("problem: bounds length %d/%d, want %d", len(p.Bounds.Lower), len(p.Bounds.Upper), ne)
	}
	for i := range p.Bounds.Lower {
		if p.Bounds.Lower[i] > p.Bounds.Upper[i] {
			return fmt.Errorf("problem: bound %d has empty range [%g,%g]", i, p.Bounds.Lower[i], p.Bounds.Upper[i])
		}
	}
	if r, c := p.FreeNodeLoads.Dims(); r != nf || c != 3 {
		return fmt.Errorf("problem: loads shape %dx%d, want %dx3", r, c, nf)
	}
	if r, c := p.FixedNodePositions.Dims(); r != nx || c != 3 {
		return fmt.Errorf("problem: fixed positions shape %dx%d, want %dx3", r, c, nx)
	}
	for _, a := range p.Anchors.VariableIndices {
		if a < 0 || a >= nx {
			return fmt.Errorf("problem: variable anchor %d out of range [0,%d)", a, nx)
		}
	}
	if len(p.Objectives) == 0 {
		return fmt.Errorf("problem: no objective terms")
	}
	for i, term := range p.Objectives {
		if err := term.Validate(p.Topology); err != nil {
			return fmt.Errorf("problem: objective %d: %w", i, err)
		}
	}
	if p.Solver.MaxIterations < 1 {
		return fmt.Errorf("problem: max iterations must be at least 1")
	}
	return nil
}

// OptimizationState is the caller-owned mutable state threaded through one
// run. The driver reads the initial guess from it and commits the final
// best values back on completion; nothing mutates it mid-run.
type OptimizationState struct {
	// ForceDensities has one entry per edge.
	ForceDensities []float64

	// VariableAnchorPositions is nVariable×3, rows in
	// Anchors.VariableIndices order. Nil when no anchors move.
	VariableAnchorPositions *mat.Dense

	// Iterations is the cumulative quasi-Newton iteration count of the
	// last run.
	Iterations int

	// LossTrace records the loss at every unique evaluation of the last
	// run, in evaluation order.
	LossTrace []float64
}

// NewOptimizationState creates a state with the given initial guess.
// anchors may be nil when no anchors are optimization variables.
func NewOptimizationState(q []float64, anchors *mat.Dense) *OptimizationState {
	return &OptimizationState{
		ForceDensities:          append([]float64(nil), q...),
		VariableAnchorPositions: anchors,
	}
}

// SolverResult is the immutable outcome of one optimization run. Geometry,
// forces and reactions come from a single fresh forward solve at the best
// parameter vector, so they are mutually consistent.
type SolverResult struct {
	// Q holds the best force densities found.
	Q []float64

	// AnchorPositions holds the best variable-anchor positions (nVar×3),
	// nil when no anchors move.
	AnchorPositions *mat.Dense

	// XYZ is the nn×3 equilibrium geometry at the best parameters.
	XYZ *mat.Dense

	MemberLengths []float64
	MemberForces  []float64

	// Reactions is the nFixed×3 matrix of support reactions.
	Reactions *mat.Dense

	LossTrace         []float64
	Iterations        int
	Converged         bool
	TerminationReason string
}

// allFinite reports whether every element of v is finite.
func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
