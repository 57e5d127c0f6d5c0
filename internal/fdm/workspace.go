package fdm

import "gonum.org/v1/gonum/mat"

// Workspace owns the mutable scratch state of the forward and adjoint
// solves: the factorization, current geometry, member lengths/forces and
// support reactions. It is exclusively owned by one evaluation cache for
// the duration of one sub-search; a restart discards it and starts from a
// fresh one rather than reusing stale factorization state.
type Workspace struct {
	strategy Factorization

	// XYZ is the nn×3 position matrix of all nodes after a solve.
	XYZ *mat.Dense

	// EdgeVectors is the ne×3 matrix of edge difference vectors C·XYZ.
	EdgeVectors *mat.Dense

	MemberLengths []float64
	MemberForces  []float64

	// Reactions is the nFixed×3 support reaction matrix.
	Reactions *mat.Dense

	// q is the force-density vector of the last solve, kept for the
	// objective terms and geometry derivation.
	q []float64

	// Factorization state, reused by the adjoint solve.
	chol     mat.Cholesky
	lu       mat.LU
	usedLU   bool
	factOK   bool
	fellBack bool

	// Scratch matrices sized once per workspace.
	scaledFree  *mat.Dense // diag(q)·Cf, ne×nf
	system      *mat.Dense // Cfᵀ·diag(q)·Cf, nf×nf
	rhs         *mat.Dense // nf×3
	freePos     *mat.Dense // nf×3
	fixedPos    *mat.Dense // nFixed×3 effective anchor positions
	gradX       *mat.Dense // nn×3 direct objective gradient
	gradQ       []float64  // ne direct objective gradient
	adjoint     *mat.Dense // nf×3
	edgeAdjoint *mat.Dense // ne×3, Cf·adjoint
}

// NewWorkspace allocates a forward-solve workspace for the given problem
// using the statically selected factorization strategy.
func NewWorkspace(p *Problem, strategy Factorization) *Workspace {
	ne := p.Topology.NumEdges
	nn := p.Topology.NumNodes
	nf := len(p.Topology.FreeNodes)
	nx := len(p.Topology.FixedNodes)

	return &Workspace{
		strategy:      strategy,
		XYZ:           mat.NewDense(nn, 3, nil),
		EdgeVectors:   mat.NewDense(ne, 3, nil),
		MemberLengths: make([]float64, ne),
		q:             make([]float64, ne),
		MemberForces:  make([]float64, ne),
		Reactions:     mat.NewDense(nx, 3, nil),
		scaledFree:    mat.NewDense(ne, nf, nil),
		system:        mat.NewDense(nf, nf, nil),
		rhs:           mat.NewDense(nf, 3, nil),
		freePos:       mat.NewDense(nf, 3, nil),
		fixedPos:      mat.NewDense(nx, 3, nil),
		gradX:         mat.NewDense(nn, 3, nil),
		gradQ:         make([]float64, ne),
		adjoint:       mat.NewDense(nf, 3, nil),
		edgeAdjoint:   mat.NewDense(ne, 3, nil),
	}
}

// FellBack reports whether the last solve had to abandon the Cholesky
// factorization for the general path.
func (ws *Workspace) FellBack() bool {
	return ws.fellBack
}

// FlatXYZ returns the node positions as a flat row-major xyz slice, the
// layout handed to progress callbacks. The returned slice is a copy.
func (ws *Workspace) FlatXYZ() []float64 {
	nn, _ := ws.XYZ.Dims()
	out := make([]float64, 0, nn*3)
	for i := 0; i < nn; i++ {
		out = append(out, ws.XYZ.At(i, 0), ws.XYZ.At(i, 1), ws.XYZ.At(i, 2))
	}
	return out
}
