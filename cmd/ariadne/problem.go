package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/adam-t-burke/Ariadne/internal/fdm"
	"gonum.org/v1/gonum/mat"
)

// problemFile is the on-disk JSON description of one optimization problem.
// Node indices are global (0..numNodes-1); loads are given per free node in
// free-node order, fixed positions per fixed node in fixed-node order.
type problemFile struct {
	NumNodes       int          `json:"numNodes"`
	Edges          [][2]int     `json:"edges"`
	FixedNodes     []int        `json:"fixedNodes"`
	FixedPositions [][3]float64 `json:"fixedPositions"`
	Loads          [][3]float64 `json:"loads"`

	// VariableAnchors lists indices into the fixed-node ordering whose
	// positions are optimization variables.
	VariableAnchors []int `json:"variableAnchors,omitempty"`

	// InitialQ seeds the force densities. A single value broadcasts to all
	// edges; empty defaults to 1 everywhere.
	InitialQ []float64 `json:"initialQ,omitempty"`

	// LowerBound and UpperBound box the force densities. Single values
	// broadcast; null means unbounded on that side.
	LowerBound []float64 `json:"lowerBound,omitempty"`
	UpperBound []float64 `json:"upperBound,omitempty"`

	Objectives []objectiveFile `json:"objectives"`
	Solver     *solverFile     `json:"solver,omitempty"`
}

// objectiveFile is one weighted objective term. Type selects the term:
// "targetXYZ", "lengthVariation" or "sumForceLength".
type objectiveFile struct {
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`

	// Nodes and Target describe targetXYZ terms.
	Nodes  []int        `json:"nodes,omitempty"`
	Target [][3]float64 `json:"target,omitempty"`

	// Edges selects members for edge-based terms; empty means all edges.
	Edges []int `json:"edges,omitempty"`

	// Sharpness tunes the lengthVariation smoothing.
	Sharpness float64 `json:"sharpness,omitempty"`
}

// solverFile overrides the default tolerances and budgets. Zero-valued
// fields keep their defaults.
type solverFile struct {
	MaxIterations       int     `json:"maxIterations,omitempty"`
	AbsTolerance        float64 `json:"absTolerance,omitempty"`
	RelTolerance        float64 `json:"relTolerance,omitempty"`
	ReportFrequency     int     `json:"reportFrequency,omitempty"`
	WarmStartIterations int     `json:"warmStartIterations,omitempty"`
	WarmStartPopulation int     `json:"warmStartPopulation,omitempty"`
	WarmStartSeed       int64   `json:"warmStartSeed,omitempty"`
}

// loadProblemFile reads and decodes a problem description from disk.
func loadProblemFile(path string) (*problemFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read problem file: %w", err)
	}
	var pf problemFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse problem file: %w", err)
	}
	return &pf, nil
}

// buildProblem turns the file representation into a solver problem and the
// initial optimization state.
func buildProblem(pf *problemFile) (*fdm.Problem, *fdm.OptimizationState, error) {
	topo, err := fdm.NewTopology(pf.Edges, pf.NumNodes, pf.FixedNodes)
	if err != nil {
		return nil, nil, err
	}
	ne := topo.NumEdges

	if len(pf.Loads) != len(topo.FreeNodes) {
		return nil, nil, fmt.Errorf("loads rows %d, want one per free node (%d)", len(pf.Loads), len(topo.FreeNodes))
	}
	if len(pf.FixedPositions) != len(topo.FixedNodes) {
		return nil, nil, fmt.Errorf("fixedPositions rows %d, want one per fixed node (%d)", len(pf.FixedPositions), len(topo.FixedNodes))
	}

	loads := tripleMatrix(pf.Loads)
	fixed := tripleMatrix(pf.FixedPositions)

	q, err := broadcast(pf.InitialQ, ne, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("initialQ: %w", err)
	}
	lb, err := broadcast(pf.LowerBound, ne, math.Inf(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("lowerBound: %w", err)
	}
	ub, err := broadcast(pf.UpperBound, ne, math.Inf(1))
	if err != nil {
		return nil, nil, fmt.Errorf("upperBound: %w", err)
	}

	objectives, err := buildObjectives(pf.Objectives, topo)
	if err != nil {
		return nil, nil, err
	}

	solver := fdm.DefaultSolverOptions()
	if sf := pf.Solver; sf != nil {
		if sf.MaxIterations > 0 {
			solver.MaxIterations = sf.MaxIterations
		}
		if sf.AbsTolerance > 0 {
			solver.AbsTolerance = sf.AbsTolerance
		}
		if sf.RelTolerance > 0 {
			solver.RelTolerance = sf.RelTolerance
		}
		if sf.ReportFrequency > 0 {
			solver.ReportFrequency = sf.ReportFrequency
		}
		if sf.WarmStartIterations > 0 {
			solver.WarmStartIterations = sf.WarmStartIterations
		}
		if sf.WarmStartPopulation > 0 {
			solver.WarmStartPopulation = sf.WarmStartPopulation
		}
		if sf.WarmStartSeed != 0 {
			solver.WarmStartSeed = sf.WarmStartSeed
		}
	}

	problem := &fdm.Problem{
		Topology:           topo,
		FreeNodeLoads:      loads,
		FixedNodePositions: fixed,
		Anchors:            fdm.AnchorInfo{VariableIndices: pf.VariableAnchors},
		Objectives:         objectives,
		Bounds:             fdm.Bounds{Lower: lb, Upper: ub},
		Solver:             solver,
	}

	var anchors *mat.Dense
	if len(pf.VariableAnchors) > 0 {
		anchors = mat.NewDense(len(pf.VariableAnchors), 3, nil)
		for i, a := range pf.VariableAnchors {
			if a < 0 || a >= len(topo.FixedNodes) {
				return nil, nil, fmt.Errorf("variable anchor %d out of range [0,%d)", a, len(topo.FixedNodes))
			}
			for d := 0; d < 3; d++ {
				anchors.Set(i, d, fixed.At(a, d))
			}
		}
	}

	return problem, fdm.NewOptimizationState(q, anchors), nil
}

func buildObjectives(specs []objectiveFile, topo *fdm.NetworkTopology) ([]fdm.ObjectiveTerm, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("problem has no objectives")
	}

	terms := make([]fdm.ObjectiveTerm, 0, len(specs))
	for i, o := range specs {
		weight := o.Weight
		if weight == 0 {
			weight = 1
		}
		var term fdm.ObjectiveTerm
		switch o.Type {
		case "targetXYZ":
			if len(o.Nodes) == 0 || len(o.Target) != len(o.Nodes) {
				return nil, fmt.Errorf("objective %d: targetXYZ needs matching nodes and target rows", i)
			}
			term = &fdm.TargetXYZ{
				Weight:      weight,
				NodeIndices: o.Nodes,
				Target:      tripleMatrix(o.Target),
			}
		case "lengthVariation":
			term = &fdm.LengthVariation{
				Weight:      weight,
				EdgeIndices: edgeSelection(o.Edges, topo.NumEdges),
				Sharpness:   o.Sharpness,
			}
		case "sumForceLength":
			term = &fdm.SumForceLength{
				Weight:      weight,
				EdgeIndices: edgeSelection(o.Edges, topo.NumEdges),
			}
		default:
			return nil, fmt.Errorf("objective %d: unknown type %q", i, o.Type)
		}
		if err := term.Validate(topo); err != nil {
			return nil, fmt.Errorf("objective %d: %w", i, err)
		}
		terms = append(terms, term)
	}
	return terms, nil
}

// edgeSelection returns the explicit selection, or every edge when empty.
func edgeSelection(edges []int, numEdges int) []int {
	if len(edges) > 0 {
		return edges
	}
	all := make([]int, numEdges)
	for i := range all {
		all[i] = i
	}
	return all
}

// broadcast expands v to length n: empty uses def everywhere, a single
// value repeats, and a full-length slice passes through.
func broadcast(v []float64, n int, def float64) ([]float64, error) {
	out := make([]float64, n)
	switch len(v) {
	case 0:
		for i := range out {
			out[i] = def
		}
	case 1:
		for i := range out {
			out[i] = v[0]
		}
	case n:
		copy(out, v)
	default:
		return nil, fmt.Errorf("length %d, want 1 or %d", len(v), n)
	}
	return out, nil
}

func tripleMatrix(rows [][3]float64) *mat.Dense {
	if len(rows) == 0 {
		return nil
	}
	m := mat.NewDense(len(rows), 3, nil)
	for i, r := range rows {
		for d := 0; d < 3; d++ {
			m.Set(i, d, r[d])
		}
	}
	return m
}
