package opt

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/adam-t-burke/Ariadne/internal/fdm"
)

// Pack flattens the optimization variables into a single parameter vector:
// the force-density vector first, then one row-major xyz triple per
// variable anchor. Unpack inverts it with the identical ordering, so the
// round trip is exact by construction.
func Pack(p *fdm.Problem, state *fdm.OptimizationState) []float64 {
	ne := p.Topology.NumEdges
	nvar := len(p.Anchors.VariableIndices)

	theta := make([]float64, 0, ne+3*nvar)
	theta = append(theta, state.ForceDensities...)
	for i := 0; i < nvar; i++ {
		theta = append(theta,
			state.VariableAnchorPositions.At(i, 0),
			state.VariableAnchorPositions.At(i, 1),
			state.VariableAnchorPositions.At(i, 2))
	}
	return theta
}

// Unpack splits a parameter vector into force densities and the
// variable-anchor position matrix. The anchor matrix is nil when no
// anchors are variable.
func Unpack(p *fdm.Problem, theta []float64) ([]float64, *mat.Dense) {
	ne := p.Topology.NumEdges
	nvar := len(p.Anchors.VariableIndices)

	q := append([]float64(nil), theta[:ne]...)
	if nvar == 0 {
		return q, nil
	}
	anchors := mat.NewDense(nvar, 3, nil)
	for i := 0; i < nvar; i++ {
		anchors.Set(i, 0, theta[ne+3*i])
		anchors.Set(i, 1, theta[ne+3*i+1])
		anchors.Set(i, 2, theta[ne+3*i+2])
	}
	return q, anchors
}

// ParameterBounds builds the box constraints for the packed vector:
// force-density bounds verbatim from the problem, variable-anchor
// coordinates unconstrained.
func ParameterBounds(p *fdm.Problem) (lb, ub []float64) {
	nvar := len(p.Anchors.VariableIndices)

	lb = append([]float64(nil), p.Bounds.Lower...)
	ub = append([]float64(nil), p.Bounds.Upper...)
	for i := 0; i < 3*nvar; i++ {
		lb = append(lb, math.Inf(-1))
		ub = append(ub, math.Inf(1))
	}
	return lb, ub
}

// finiteBoundIndices returns the indices whose lower and upper bounds are
// both finite, i.e. the components with a well-defined bound midpoint.
func finiteBoundIndices(lb, ub []float64) []int {
	var idx []int
	for i := range lb {
		if !math.IsInf(lb[i], 0) && !math.IsInf(ub[i], 0) {
			idx = append(idx, i)
		}
	}
	return idx
}

// projectIntoBox clamps theta into [lb, ub] in place.
func projectIntoBox(theta, lb, ub []float64) {
	for i := range theta {
		theta[i] = math.Max(lb[i], math.Min(ub[i], theta[i]))
	}
}
