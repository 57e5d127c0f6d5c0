package fdm

import (
	"gonum.org/v1/gonum/mat"
)

// ValueAndGradient runs one forward solve at (q, anchors), accumulates the
// weighted objective, and computes its exact gradient with the adjoint
// method. The adjoint system shares the forward solve's factorization, so
// the gradient costs one extra back-substitution rather than a
// finite-difference sweep.
//
// grad must either be nil (skip all gradient work, value only) or have
// length NumEdges + 3·len(VariableIndices). Its layout matches the
// parameter packing: force-density entries first, then row-major xyz
// triples per variable anchor.
//
// On return ws holds the geometry, member lengths/forces and reactions of
// the evaluated point.
func ValueAndGradient(ws *Workspace, p *Problem, q []float64, anchors *mat.Dense, grad []float64) (float64, error) {
	if err := Solve(ws, p, q, anchors); err != nil {
		return 0, err
	}
	ComputeGeometry(ws, p, q)

	ws.gradX.Zero()
	for i := range ws.gradQ {
		ws.gradQ[i] = 0
	}
	g := Gradients{X: ws.gradX, Q: ws.gradQ}

	var loss float64
	for _, term := range p.Objectives {
		loss += term.Contribute(ws, p, &g)
	}
	if grad == nil {
		return loss, nil
	}

	top := p.Topology
	ne := top.NumEdges
	nf := len(top.FreeNodes)

	// Adjoint solve: A·λ = ∂L/∂x restricted to free nodes, reusing the
	// forward factorization (A is symmetric).
	rhs := mat.NewDense(nf, 3, nil)
	for i, node := range top.FreeNodes {
		for d := 0; d < 3; d++ {
			rhs.Set(i, d, ws.gradX.At(node, d))
		}
	}
	if err := ws.solveTo(ws.adjoint, rhs); err != nil {
		return 0, err
	}

	// dL/dqⱼ = ∂L/∂qⱼ − Σ_d (Cf·λ)ⱼ_d · uⱼ_d
	ws.edgeAdjoint.Mul(top.FreeIncidence, ws.adjoint)
	for e := 0; e < ne; e++ {
		s := ws.gradQ[e]
		for d := 0; d < 3; d++ {
			s -= ws.edgeAdjoint.At(e, d) * ws.EdgeVectors.At(e, d)
		}
		grad[e] = s
	}

	// dL/dxf = ∂L/∂xf − Cxᵀ·diag(q)·Cf·λ for the movable anchor rows.
	if nvar := len(p.Anchors.VariableIndices); nvar > 0 {
		var scaled mat.Dense
		scaled.CloneFrom(ws.edgeAdjoint)
		scaleRows(&scaled, &scaled, q)
		var anchorAdj mat.Dense
		anchorAdj.Mul(top.FixedIncidence.T(), &scaled)

		for i, a := range p.Anchors.VariableIndices {
			node := top.FixedNodes[a]
			for d := 0; d < 3; d++ {
				grad[ne+3*i+d] = ws.gradX.At(node, d) - anchorAdj.At(a, d)
			}
		}
	}
	return loss, nil
}
