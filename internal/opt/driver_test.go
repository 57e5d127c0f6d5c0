package opt

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/adam-t-burke/Ariadne/internal/fdm"
)

// chainProblem builds a 4-node chain with two free interior nodes and a
// target objective whose optimum is the equilibrium shape at q = (1,1,1):
// free nodes at (1,0,-1) and (2,0,-1). The target is exactly achievable,
// so the optimal loss is zero.
func chainProblem(t *testing.T) *fdm.Problem {
	t.Helper()

	topo, err := fdm.NewTopology([][2]int{{0, 1}, {1, 2}, {2, 3}}, 4, []int{0, 3})
	if err != nil {
		t.Fatalf("NewTopology failed: %v", err)
	}

	return &fdm.Problem{
		Topology: topo,
		FreeNodeLoads: mat.NewDense(2, 3, []float64{
			0, 0, -1,
			0, 0, -1,
		}),
		FixedNodePositions: mat.NewDense(2, 3, []float64{0, 0, 0, 3, 0, 0}),
		Anchors:            fdm.AllFixed(),
		Objectives: []fdm.ObjectiveTerm{
			&fdm.TargetXYZ{
				Weight:      1,
				NodeIndices: []int{1, 2},
				Target: mat.NewDense(2, 3, []float64{
					1, 0, -1,
					2, 0, -1,
				}),
			},
		},
		Bounds: fdm.Bounds{
			Lower: []float64{0.1, 0.1, 0.1},
			Upper: []float64{100, 100, 100},
		},
		Solver: fdm.DefaultSolverOptions(),
	}
}

// crossProblem builds a center node suspended from four anchors, with an
// achievable off-center target.
func crossProblem(t *testing.T) *fdm.Problem {
	t.Helper()

	edges := [][2]int{{0, 4}, {1, 4}, {2, 4}, {3, 4}}
	topo, err := fdm.NewTopology(edges, 5, []int{0, 1, 2, 3})
	if err != nil {
		t.Fatalf("NewTopology failed: %v", err)
	}

	return &fdm.Problem{
		Topology:      topo,
		FreeNodeLoads: mat.NewDense(1, 3, []float64{0, 0, -1}),
		FixedNodePositions: mat.NewDense(4, 3, []float64{
			2, 1, 0,
			0, 1, 0,
			1, 2, 0,
			1, 0, 0,
		}),
		Anchors: fdm.AllFixed(),
		Objectives: []fdm.ObjectiveTerm{
			&fdm.TargetXYZ{
				Weight:      1,
				NodeIndices: []int{4},
				Target:      mat.NewDense(1, 3, []float64{1, 1, -0.25}),
			},
		},
		Bounds: fdm.Bounds{
			Lower: []float64{0.1, 0.1, 0.1, 0.1},
			Upper: []float64{50, 50, 50, 50},
		},
		Solver: fdm.DefaultSolverOptions(),
	}
}

func minOf(trace []float64) float64 {
	m := math.Inf(1)
	for _, v := range trace {
		m = math.Min(m, v)
	}
	return m
}

func TestOptimize_ConvergesOnChain(t *testing.T) {
	p := chainProblem(t)
	state := fdm.NewOptimizationState([]float64{2, 2, 2}, nil)

	result, err := Optimize(p, state, nil)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}

	if !result.Converged {
		t.Errorf("Expected convergence, got %q after %d iterations", result.TerminationReason, result.Iterations)
	}
	if best := minOf(result.LossTrace); best > 1e-6 {
		t.Errorf("Expected near-zero loss at optimum, got %g", best)
	}
	if result.Iterations > p.Solver.MaxIterations {
		t.Errorf("Iterations %d exceed budget %d", result.Iterations, p.Solver.MaxIterations)
	}

	// Geometry is consistent with the returned parameters.
	if len(result.Q) != 3 || len(result.MemberLengths) != 3 || len(result.MemberForces) != 3 {
		t.Fatalf("Result arrays sized wrong: %d/%d/%d", len(result.Q), len(result.MemberLengths), len(result.MemberForces))
	}
	for e := range result.Q {
		if result.Q[e] < p.Bounds.Lower[e] || result.Q[e] > p.Bounds.Upper[e] {
			t.Errorf("Q[%d]=%g violates bounds", e, result.Q[e])
		}
		wantF := result.Q[e] * result.MemberLengths[e]
		if math.Abs(result.MemberForces[e]-wantF) > 1e-9 {
			t.Errorf("Force[%d]=%g inconsistent with q*L=%g", e, result.MemberForces[e], wantF)
		}
	}

	// Free nodes end at the target.
	for i, node := range []int{1, 2} {
		wantX := float64(i + 1)
		if math.Abs(result.XYZ.At(node, 0)-wantX) > 1e-3 || math.Abs(result.XYZ.At(node, 2)+1) > 1e-3 {
			t.Errorf("Node %d ended at (%g, %g, %g)", node,
				result.XYZ.At(node, 0), result.XYZ.At(node, 1), result.XYZ.At(node, 2))
		}
	}

	// Best values are committed back into the caller state.
	for e := range result.Q {
		if state.ForceDensities[e] != result.Q[e] {
			t.Errorf("State q[%d]=%g differs from result %g", e, state.ForceDensities[e], result.Q[e])
		}
	}
	if state.Iterations != result.Iterations {
		t.Errorf("State iterations %d differ from result %d", state.Iterations, result.Iterations)
	}
	if len(state.LossTrace) != len(result.LossTrace) {
		t.Errorf("State trace length %d differs from result %d", len(state.LossTrace), len(result.LossTrace))
	}
}

func TestOptimize_CrossTarget(t *testing.T) {
	p := crossProblem(t)
	state := fdm.NewOptimizationState([]float64{2, 1, 1, 0.5}, nil)

	result, err := Optimize(p, state, nil)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if !result.Converged {
		t.Errorf("Expected convergence, got %q", result.TerminationReason)
	}
	if best := minOf(result.LossTrace); best > 1e-6 {
		t.Errorf("Expected near-zero loss, got %g", best)
	}
	if math.Abs(result.XYZ.At(4, 2)+0.25) > 1e-3 {
		t.Errorf("Center z: expected -0.25, got %g", result.XYZ.At(4, 2))
	}
}

func TestOptimize_ProjectsInfeasibleStart(t *testing.T) {
	p := chainProblem(t)
	state := fdm.NewOptimizationState([]float64{-10, -10, -10}, nil)

	result, err := Optimize(p, state, nil)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}

	// The infeasible start is clamped into the box before any solve, and
	// the final point respects the bounds.
	for e, q := range result.Q {
		if q < p.Bounds.Lower[e] || q > p.Bounds.Upper[e] {
			t.Errorf("Q[%d]=%g outside [%g,%g]", e, q, p.Bounds.Lower[e], p.Bounds.Upper[e])
		}
	}
}

func TestOptimize_NegativeBoundsUsePivotedPath(t *testing.T) {
	p := chainProblem(t)
	p.Bounds.Lower = []float64{-5, -5, -5}
	state := fdm.NewOptimizationState([]float64{1, 1, 1}, nil)

	if got := StrategyForBounds(p.Bounds); got != fdm.LDL {
		t.Fatalf("Expected pivoted strategy for mixed bounds, got %v", got)
	}

	result, err := Optimize(p, state, nil)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if best := minOf(result.LossTrace); best > 1e-6 {
		t.Errorf("Expected near-zero loss, got %g", best)
	}
}

func TestOptimize_VariableAnchor(t *testing.T) {
	p := chainProblem(t)
	p.Anchors = fdm.AnchorInfo{VariableIndices: []int{1}}
	// Target consistent with the second anchor at (4,0,0) and q=(1,1,1).
	p.Objectives = []fdm.ObjectiveTerm{
		&fdm.TargetXYZ{
			Weight:      1,
			NodeIndices: []int{1, 2},
			Target: mat.NewDense(2, 3, []float64{
				4.0 / 3.0, 0, -1,
				8.0 / 3.0, 0, -1,
			}),
		},
	}
	state := fdm.NewOptimizationState(
		[]float64{1, 1, 1},
		mat.NewDense(1, 3, []float64{3, 0, 0}),
	)

	result, err := Optimize(p, state, nil)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}

	if result.AnchorPositions == nil {
		t.Fatal("Expected anchor positions in result")
	}
	if minOf(result.LossTrace) >= result.LossTrace[0] {
		t.Error("Expected the loss to improve from the initial point")
	}
	if state.VariableAnchorPositions == nil {
		t.Fatal("Expected anchor positions committed to state")
	}
	if got, want := state.VariableAnchorPositions.At(0, 0), result.AnchorPositions.At(0, 0); got != want {
		t.Errorf("State anchor x=%g differs from result %g", got, want)
	}

	// The committed matrix is a copy; mutating the state must not reach
	// into the result.
	want := result.AnchorPositions.At(0, 0)
	state.VariableAnchorPositions.Set(0, 0, -999)
	if got := result.AnchorPositions.At(0, 0); got != want {
		t.Errorf("Result anchor mutated through state: got %g, want %g", got, want)
	}
}

func TestOptimize_Cancellation(t *testing.T) {
	p := chainProblem(t)
	state := fdm.NewOptimizationState([]float64{2, 2, 2}, nil)

	var evals int
	progress := func(eval int, loss float64, xyz []float64, numNodes int) bool {
		evals = eval
		return eval < 4
	}

	result, err := Optimize(p, state, progress)
	if result != nil {
		t.Error("Expected nil result on cancellation")
	}
	if !IsKind(err, Cancelled) {
		t.Fatalf("Expected Cancelled error, got %v", err)
	}
	if evals != 4 {
		t.Errorf("Expected cancellation at evaluation 4, got %d", evals)
	}
}

func TestOptimize_BudgetExhausted(t *testing.T) {
	p := chainProblem(t)
	p.Solver.MaxIterations = 3
	p.Solver.AbsTolerance = 1e-14
	p.Solver.RelTolerance = 1e-14
	state := fdm.NewOptimizationState([]float64{2, 2, 2}, nil)

	result, err := Optimize(p, state, nil)
	if err != nil {
		t.Fatalf("Budget exhaustion must not be an error: %v", err)
	}
	if result.Converged {
		t.Error("Expected Converged=false at budget exhaustion")
	}
	if result.TerminationReason != "iteration budget exhausted" {
		t.Errorf("Unexpected termination reason %q", result.TerminationReason)
	}
	if len(result.LossTrace) == 0 {
		t.Error("Expected a non-empty loss trace")
	}
}

func TestOptimize_InvalidProblem(t *testing.T) {
	p := chainProblem(t)
	p.Objectives = nil
	state := fdm.NewOptimizationState([]float64{1, 1, 1}, nil)

	_, err := Optimize(p, state, nil)
	if !IsKind(err, InvalidInput) {
		t.Fatalf("Expected InvalidInput error, got %v", err)
	}
}

func TestOptimize_RejectsOutOfRangeObjectiveNode(t *testing.T) {
	// An objective referencing a node past the topology must be rejected
	// up front instead of failing inside the search.
	p := chainProblem(t)
	p.Objectives = []fdm.ObjectiveTerm{
		&fdm.TargetXYZ{
			Weight:      1,
			NodeIndices: []int{p.Topology.NumNodes},
			Target:      mat.NewDense(1, 3, []float64{0, 0, 0}),
		},
	}
	state := fdm.NewOptimizationState([]float64{1, 1, 1}, nil)

	_, err := Optimize(p, state, nil)
	if !IsKind(err, InvalidInput) {
		t.Fatalf("Expected InvalidInput error, got %v", err)
	}

	// Same rejection with the warm-start stage enabled, before it runs.
	p.Solver.WarmStartIterations = 5
	_, err = Optimize(p, state, nil)
	if !IsKind(err, InvalidInput) {
		t.Fatalf("Expected InvalidInput error with warm start, got %v", err)
	}
}

func TestOptimize_RejectsOutOfRangeObjectiveEdge(t *testing.T) {
	p := chainProblem(t)
	p.Objectives = append(p.Objectives,
		&fdm.SumForceLength{Weight: 1, EdgeIndices: []int{p.Topology.NumEdges}},
	)
	state := fdm.NewOptimizationState([]float64{1, 1, 1}, nil)

	_, err := Optimize(p, state, nil)
	if !IsKind(err, InvalidInput) {
		t.Fatalf("Expected InvalidInput error, got %v", err)
	}
}

func TestOptimize_TinyLowerBoundUnboundedAbove(t *testing.T) {
	// One-sided box with a start just above the tiny lower bound: the
	// system is nearly singular there, and the search has to climb out
	// of the ill-conditioned corner into the interior.
	p := chainProblem(t)
	p.Bounds = fdm.Bounds{
		Lower: []float64{1e-6, 1e-6, 1e-6},
		Upper: []float64{math.Inf(1), math.Inf(1), math.Inf(1)},
	}
	state := fdm.NewOptimizationState([]float64{2e-6, 2e-6, 2e-6}, nil)

	result, err := Optimize(p, state, nil)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if !result.Converged {
		t.Errorf("Expected convergence, got %q", result.TerminationReason)
	}
	for e, q := range result.Q {
		if q < p.Bounds.Lower[e] {
			t.Errorf("Q[%d]=%g below lower bound", e, q)
		}
		if math.IsNaN(q) || math.IsInf(q, 0) {
			t.Errorf("Q[%d]=%g not finite", e, q)
		}
	}
	for e, l := range result.MemberLengths {
		if math.IsNaN(l) || math.IsInf(l, 0) || l <= 0 {
			t.Errorf("Length[%d]=%g not finite positive", e, l)
		}
	}
}

func TestOptimize_WarmStart(t *testing.T) {
	p := chainProblem(t)
	p.Solver.WarmStartIterations = 5
	p.Solver.WarmStartPopulation = 8
	state := fdm.NewOptimizationState([]float64{50, 50, 50}, nil)

	result, err := Optimize(p, state, nil)
	if err != nil {
		t.Fatalf("Optimize with warm start failed: %v", err)
	}
	if best := minOf(result.LossTrace); best > 1e-6 {
		t.Errorf("Expected near-zero loss, got %g", best)
	}
}

func TestOptimize_CombinedObjectives(t *testing.T) {
	p := chainProblem(t)
	p.Objectives = append(p.Objectives,
		&fdm.SumForceLength{Weight: 1e-3, EdgeIndices: []int{0, 1, 2}},
		&fdm.LengthVariation{Weight: 1e-2, EdgeIndices: []int{0, 1, 2}, Sharpness: 10},
	)
	state := fdm.NewOptimizationState([]float64{2, 2, 2}, nil)

	result, err := Optimize(p, state, nil)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	for e, q := range result.Q {
		if q < p.Bounds.Lower[e] || q > p.Bounds.Upper[e] {
			t.Errorf("Q[%d]=%g violates bounds", e, q)
		}
	}
	if last := result.LossTrace[len(result.LossTrace)-1]; math.IsNaN(last) || math.IsInf(last, 0) {
		t.Errorf("Non-finite final loss %g", last)
	}
}
