package opt

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/adam-t-burke/Ariadne/internal/fdm"
)

// penaltyScale sets how much worse than the best known loss a failed
// evaluation is reported as, so the line search backtracks away from it.
const penaltyScale = 1e6

// ProgressFunc receives periodic progress reports: the unique-evaluation
// index (1-based, cumulative across restarts), the current loss and the
// flat row-major xyz node positions. Returning false requests cooperative
// cancellation of the whole run. The xyz slice must not be retained beyond
// the call.
type ProgressFunc func(eval int, loss float64, xyz []float64, numNodes int) bool

// oracle is the forward/adjoint solve behind the cache: one call yields
// loss and gradient at theta, mutating its private workspace.
type oracle interface {
	evaluate(theta, grad []float64) (float64, error)
	flatXYZ() []float64
	numNodes() int
}

// fdmOracle adapts the fdm solve to the oracle surface.
type fdmOracle struct {
	ws      *fdm.Workspace
	problem *fdm.Problem
}

func (o *fdmOracle) evaluate(theta, grad []float64) (float64, error) {
	q, anchors := Unpack(o.problem, theta)
	return fdm.ValueAndGradient(o.ws, o.problem, q, anchors, grad)
}

func (o *fdmOracle) flatXYZ() []float64 { return o.ws.FlatXYZ() }

func (o *fdmOracle) numNodes() int { return o.problem.Topology.NumNodes }

// bestPoint tracks the globally best loss and parameter vector across all
// sub-searches of one run. Restarts share a single instance, so a restart
// can never discard a better point found earlier.
type bestPoint struct {
	loss  float64
	theta []float64
}

func newBestPoint(n int) *bestPoint {
	return &bestPoint{loss: math.Inf(1), theta: make([]float64, n)}
}

// offer records (theta, loss) if it improves the best.
func (b *bestPoint) offer(theta []float64, loss float64) {
	if loss < b.loss {
		b.loss = loss
		copy(b.theta, theta)
	}
}

// searchStop is the sentinel raised out of an evaluation to interrupt the
// quasi-Newton engine; it recovers the panic and returns control cleanly.
type searchStop struct {
	cancelled bool
}

// evalCache memoizes the forward/adjoint solve per unique parameter
// vector and owns the per-sub-search evaluation state: the single-entry
// (θ, loss, gradient) cache, the loss trace, progress reporting,
// cancellation and the penalty fallback. A fresh cache (and a fresh
// oracle workspace) is created for every sub-search.
type evalCache struct {
	orc     oracle
	best    *bestPoint
	monitor *convergenceMonitor

	progress    ProgressFunc
	reportEvery int
	baseEvals   int // unique evaluations before this sub-search

	lastTheta    []float64
	lastLoss     float64
	lastGrad     []float64
	lastGoodGrad []float64

	trace     []float64
	solves    int
	penalties int
	cancelled bool
}

func newEvalCache(orc oracle, best *bestPoint, monitor *convergenceMonitor, progress ProgressFunc, reportEvery, baseEvals int) *evalCache {
	if reportEvery < 1 {
		reportEvery = 1
	}
	return &evalCache{
		orc:         orc,
		best:        best,
		monitor:     monitor,
		progress:    progress,
		reportEvery: reportEvery,
		baseEvals:   baseEvals,
	}
}

// evaluate returns loss and gradient at theta, running the forward/adjoint
// solve only when theta differs from the last evaluated vector. The engine
// asks for cost and gradient through the same call, and line-search
// re-probes of an identical point must not trigger a second solve.
func (c *evalCache) evaluate(theta []float64) (float64, []float64, error) {
	if c.lastTheta != nil && floats.Equal(c.lastTheta, theta) {
		return c.lastLoss, c.lastGrad, nil
	}
	for _, v := range theta {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, nil, failf(InvalidInput, "parameter vector contains NaN or Inf")
		}
	}

	grad := make([]float64, len(theta))
	loss, err := c.orc.evaluate(theta, grad)
	if err != nil {
		return 0, nil, wrapf(NumericalFailure, err, "forward solve failed")
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) || !finiteAll(grad) {
		return 0, nil, failf(NumericalFailure, "forward solve produced NaN or Inf")
	}

	c.solves++
	c.trace = append(c.trace, loss)

	evalIdx := c.baseEvals + len(c.trace)
	if c.progress != nil && (evalIdx == 1 || evalIdx%c.reportEvery == 0) {
		if !c.progress(evalIdx, loss, c.orc.flatXYZ(), c.orc.numNodes()) {
			c.cancelled = true
			return 0, nil, failf(Cancelled, "progress callback requested stop at evaluation %d", evalIdx)
		}
	}

	c.lastTheta = append(c.lastTheta[:0], theta...)
	c.lastLoss = loss
	c.lastGrad = append(c.lastGrad[:0], grad...)
	c.lastGoodGrad = append(c.lastGoodGrad[:0], grad...)
	c.best.offer(theta, loss)
	return loss, c.lastGrad, nil
}

// searchEval adapts the cache to the engine's evaluation signature, which
// has no error channel. Cancellation raises the searchStop sentinel;
// invalid input and solve failures are absorbed into a finite penalty so
// the line search treats the point as very bad and backtracks instead of
// consuming NaN.
func (c *evalCache) searchEval(x, g []float64) float64 {
	seen := len(c.trace)
	loss, grad, err := c.evaluate(x)
	if err != nil {
		if c.cancelled {
			panic(searchStop{cancelled: true})
		}
		c.penalties++
		copy(g, c.lastGoodGrad)
		return c.penalty()
	}
	copy(g, grad)

	// Memoized re-probes of the same point must not feed the convergence
	// window a second time.
	if c.monitor != nil && len(c.trace) > seen && c.monitor.observe(x, grad, loss, len(c.trace)) {
		panic(searchStop{})
	}
	return loss
}

// penalty is the loss reported for a failed evaluation. It scales with the
// best loss seen so far, so it stays comparably bad regardless of the
// problem's loss magnitude.
func (c *evalCache) penalty() float64 {
	scale := 1.0
	if !math.IsInf(c.best.loss, 0) {
		scale = math.Max(math.Abs(c.best.loss), 1)
	}
	return scale * penaltyScale
}

func finiteAll(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
