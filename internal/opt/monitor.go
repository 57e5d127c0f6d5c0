package opt

import (
	"math"

	"github.com/adam-t-burke/Ariadne/internal/fdm"
)

const (
	// convergenceWindow is how many recent unique evaluations the relative
	// objective test looks back over.
	convergenceWindow = 5

	// minTotalIterations is the floor on cumulative work before
	// convergence may be declared at all.
	minTotalIterations = 10

	// activeBoundTol decides when a parameter sits on its bound for the
	// projected-gradient test.
	activeBoundTol = 1e-12
)

// convergenceMonitor implements the dual-criterion convergence test: the
// run is converged only when the projected-gradient infinity norm is below
// the absolute tolerance AND the relative objective spread over the recent
// evaluation window is below the relative tolerance, after a minimum
// amount of cumulative work. Requiring both avoids stopping on a single
// quiet evaluation while the gradient is still large, or on a small
// gradient while the objective is still visibly moving.
//
// The engine's own convergence tests are disabled in favor of this one; it
// observes every unique evaluation of a sub-search.
type convergenceMonitor struct {
	absTol    float64
	relTol    float64
	baseIters int // cumulative iterations completed by earlier sub-searches
	lb, ub    []float64

	recent    []float64
	converged bool
}

func newConvergenceMonitor(opts fdm.SolverOptions, lb, ub []float64, baseIters int) *convergenceMonitor {
	return &convergenceMonitor{
		absTol:    opts.AbsTolerance,
		relTol:    opts.RelTolerance,
		baseIters: baseIters,
		lb:        lb,
		ub:        ub,
	}
}

// observe records one unique evaluation and reports whether both
// convergence conditions now hold. evalsThisRun counts unique evaluations
// of the current sub-search; added to the completed iterations of earlier
// sub-searches it bounds the cumulative work floor from below.
func (m *convergenceMonitor) observe(theta, grad []float64, loss float64, evalsThisRun int) bool {
	m.recent = append(m.recent, loss)
	if len(m.recent) > convergenceWindow {
		m.recent = m.recent[len(m.recent)-convergenceWindow:]
	}

	if m.baseIters+evalsThisRun < minTotalIterations {
		return false
	}
	if projectedGradNorm(theta, grad, m.lb, m.ub) > m.absTol {
		return false
	}
	if len(m.recent) < convergenceWindow {
		return false
	}

	lo, hi := m.recent[0], m.recent[0]
	for _, v := range m.recent[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if (hi-lo)/math.Max(math.Abs(hi), 1) > m.relTol {
		return false
	}

	m.converged = true
	return true
}

// projectedGradNorm is the infinity norm of the gradient with components
// zeroed where they push a parameter out of an active bound, the
// stationarity measure for box-constrained minimization.
func projectedGradNorm(theta, grad, lb, ub []float64) float64 {
	var norm float64
	for i, g := range grad {
		if theta[i]-lb[i] <= activeBoundTol && g > 0 {
			continue
		}
		if ub[i]-theta[i] <= activeBoundTol && g < 0 {
			continue
		}
		norm = math.Max(norm, math.Abs(g))
	}
	return norm
}
