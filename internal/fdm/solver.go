package fdm

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Solve runs one equilibrium forward solve: it assembles the free-node
// system Cfᵀ·diag(q)·Cf, factorizes it according to the workspace strategy
// and solves for the free-node positions. Variable anchor rows of the fixed
// positions are overridden from anchors before assembly.
//
// A Cholesky strategy that fails to factorize (force densities collapsing
// toward zero make the system numerically indefinite) falls back to the
// general path for this call only; the static strategy choice is not
// mutated.
func Solve(ws *Workspace, p *Problem, q []float64, anchors *mat.Dense) error {
	top := p.Topology
	if len(q) != top.NumEdges {
		return fmt.Errorf("solve: got %d force densities, want %d", len(q), top.NumEdges)
	}
	if !allFinite(q) {
		return fmt.Errorf("solve: force densities contain NaN or Inf")
	}
	copy(ws.q, q)

	// Effective anchor positions: fixed rows, with variable rows overridden.
	ws.fixedPos.Copy(p.FixedNodePositions)
	for i, a := range p.Anchors.VariableIndices {
		for d := 0; d < 3; d++ {
			ws.fixedPos.Set(a, d, anchors.At(i, d))
		}
	}

	nf := len(top.FreeNodes)

	// scaledFree = diag(q)·Cf, system = Cfᵀ·diag(q)·Cf.
	scaleRows(ws.scaledFree, top.FreeIncidence, q)
	ws.system.Mul(top.FreeIncidence.T(), ws.scaledFree)

	// rhs = loads − Cfᵀ·diag(q)·Cx·xFixed.
	var fixedTerm mat.Dense
	fixedTerm.Mul(top.FixedIncidence, ws.fixedPos)
	scaleRows(&fixedTerm, &fixedTerm, q)
	var anchorLoad mat.Dense
	anchorLoad.Mul(top.FreeIncidence.T(), &fixedTerm)
	ws.rhs.Sub(p.FreeNodeLoads, &anchorLoad)

	if err := ws.factorize(nf); err != nil {
		return err
	}
	if err := ws.solveTo(ws.freePos, ws.rhs); err != nil {
		return fmt.Errorf("solve: %w", err)
	}

	for i := 0; i < nf; i++ {
		for d := 0; d < 3; d++ {
			v := ws.freePos.At(i, d)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("solve: free-node solution is not finite")
			}
			ws.XYZ.Set(top.FreeNodes[i], d, v)
		}
	}
	for i, node := range top.FixedNodes {
		for d := 0; d < 3; d++ {
			ws.XYZ.Set(node, d, ws.fixedPos.At(i, d))
		}
	}
	return nil
}

// factorize prepares the factorization of ws.system, honoring the static
// strategy but degrading from Cholesky to the pivoted path per call when
// the system is not numerically positive definite.
func (ws *Workspace) factorize(nf int) error {
	ws.usedLU = false
	ws.fellBack = false
	ws.factOK = false

	if ws.strategy == Cholesky {
		sym := mat.NewSymDense(nf, nil)
		for i := 0; i < nf; i++ {
			for j := i; j < nf; j++ {
				sym.SetSym(i, j, 0.5*(ws.system.At(i, j)+ws.system.At(j, i)))
			}
		}
		if ws.chol.Factorize(sym) {
			ws.factOK = true
			return nil
		}
		ws.fellBack = true
		slog.Debug("cholesky factorization failed, falling back to pivoted path")
	}

	ws.lu.Factorize(ws.system)
	ws.usedLU = true
	ws.factOK = true
	return nil
}

// solveTo solves system·dst = b with the prepared factorization. It is
// shared by the forward and adjoint solves so both use the identical
// factorization.
func (ws *Workspace) solveTo(dst *mat.Dense, b mat.Matrix) error {
	if !ws.factOK {
		return fmt.Errorf("no factorization prepared")
	}
	var err error
	if ws.usedLU {
		err = ws.lu.SolveTo(dst, false, b)
	} else {
		err = ws.chol.SolveTo(dst, b)
	}
	if err != nil {
		// A Condition error is a conditioning warning; the solution is
		// still usable and the NaN/Inf guards catch true garbage.
		if _, ok := err.(mat.Condition); ok {
			slog.Debug("ill-conditioned equilibrium system", "err", err)
			return nil
		}
	}
	return err
}

// ComputeGeometry derives edge vectors, member lengths, member forces
// (F = q·L) and support reactions from the node positions in ws.XYZ.
func ComputeGeometry(ws *Workspace, p *Problem, q []float64) {
	top := p.Topology

	ws.EdgeVectors.Mul(top.Incidence, ws.XYZ)
	for e := 0; e < top.NumEdges; e++ {
		u := ws.EdgeVectors.RawRowView(e)
		l := math.Sqrt(u[0]*u[0] + u[1]*u[1] + u[2]*u[2])
		ws.MemberLengths[e] = l
		ws.MemberForces[e] = q[e] * l
	}

	// Reactions balance the member forces pulling on each fixed node:
	// R = Cxᵀ·diag(q)·U.
	var scaled mat.Dense
	scaled.CloneFrom(ws.EdgeVectors)
	scaleRows(&scaled, &scaled, q)
	ws.Reactions.Mul(top.FixedIncidence.T(), &scaled)
}

// scaleRows writes diag(q)·src into dst. dst and src may alias.
func scaleRows(dst, src *mat.Dense, q []float64) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(i, j, q[i]*src.At(i, j))
		}
	}
}
