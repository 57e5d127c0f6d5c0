package opt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/adam-t-burke/Ariadne/internal/fdm"
)

func codecProblem(t *testing.T, variableAnchors []int) *fdm.Problem {
	t.Helper()

	topo, err := fdm.NewTopology([][2]int{{0, 1}, {1, 2}}, 3, []int{0, 2})
	require.NoError(t, err)

	return &fdm.Problem{
		Topology:           topo,
		FreeNodeLoads:      mat.NewDense(1, 3, []float64{0, 0, -1}),
		FixedNodePositions: mat.NewDense(2, 3, []float64{0, 0, 0, 2, 0, 0}),
		Anchors:            fdm.AnchorInfo{VariableIndices: variableAnchors},
		Objectives: []fdm.ObjectiveTerm{
			&fdm.SumForceLength{Weight: 1, EdgeIndices: []int{0, 1}},
		},
		Bounds: fdm.Bounds{Lower: []float64{0.5, 0.5}, Upper: []float64{10, 10}},
		Solver: fdm.DefaultSolverOptions(),
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	p := codecProblem(t, []int{1})
	state := fdm.NewOptimizationState(
		[]float64{1.5, 2.5},
		mat.NewDense(1, 3, []float64{2, 0.5, -1}),
	)

	theta := Pack(p, state)
	require.Len(t, theta, 2+3)
	assert.Equal(t, []float64{1.5, 2.5, 2, 0.5, -1}, theta)

	q, anchors := Unpack(p, theta)
	assert.Equal(t, state.ForceDensities, q)
	require.NotNil(t, anchors)
	assert.Equal(t, 2.0, anchors.At(0, 0))
	assert.Equal(t, 0.5, anchors.At(0, 1))
	assert.Equal(t, -1.0, anchors.At(0, 2))
}

func TestPackUnpack_NoVariableAnchors(t *testing.T) {
	p := codecProblem(t, nil)
	state := fdm.NewOptimizationState([]float64{3, 4}, nil)

	theta := Pack(p, state)
	require.Len(t, theta, 2)

	q, anchors := Unpack(p, theta)
	assert.Equal(t, []float64{3, 4}, q)
	assert.Nil(t, anchors)
}

func TestUnpack_CopiesInput(t *testing.T) {
	p := codecProblem(t, nil)

	theta := []float64{1, 2}
	q, _ := Unpack(p, theta)
	q[0] = 99
	assert.Equal(t, 1.0, theta[0], "Unpack must not alias the input vector")
}

func TestParameterBounds(t *testing.T) {
	p := codecProblem(t, []int{0})

	lb, ub := ParameterBounds(p)
	require.Len(t, lb, 5)
	require.Len(t, ub, 5)

	assert.Equal(t, []float64{0.5, 0.5}, lb[:2])
	assert.Equal(t, []float64{10, 10}, ub[:2])
	for i := 2; i < 5; i++ {
		assert.True(t, math.IsInf(lb[i], -1), "anchor lower bound %d", i)
		assert.True(t, math.IsInf(ub[i], 1), "anchor upper bound %d", i)
	}
}

func TestProjectIntoBox(t *testing.T) {
	theta := []float64{-5, 0.7, 42}
	projectIntoBox(theta, []float64{0, 0, 0}, []float64{1, 1, 1})
	assert.Equal(t, []float64{0, 0.7, 1}, theta)
}

func TestFiniteBoundIndices(t *testing.T) {
	lb := []float64{0, math.Inf(-1), 1, math.Inf(-1)}
	ub := []float64{1, 2, math.Inf(1), math.Inf(1)}
	assert.Equal(t, []int{0}, finiteBoundIndices(lb, ub))
}
