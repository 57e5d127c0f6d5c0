// Package opt contains the constrained adjoint-gradient optimization
// driver: parameter packing, the factorization strategy selector, the
// memoized evaluation cache and the restart/convergence control loop
// around the box-constrained L-BFGS-B engine.
package opt

import (
	"io"
	"log/slog"
	"math"

	"github.com/curioloop/optimizer/lbfgsb"
	"gonum.org/v1/gonum/mat"

	"github.com/adam-t-burke/Ariadne/internal/fdm"
)

const (
	// maxRestarts bounds how many times a failed sub-search is restarted
	// from the global best point.
	maxRestarts = 3

	// minRestartBudget is the smallest remaining iteration budget worth
	// spending on another sub-search.
	minRestartBudget = 5

	// lbfgsMemory is the quasi-Newton correction-pair count.
	lbfgsMemory = 10

	// perturbStep scales the deterministic restart perturbation toward
	// bound midpoints.
	perturbStep = 0.05
)

// Optimize runs the full constrained optimization: it packs the initial
// state, selects the factorization strategy, and drives bounded-restart
// L-BFGS-B sub-searches over the memoized forward/adjoint oracle until the
// dual convergence criterion holds, the iteration budget runs out, the
// restart budget is exhausted, or the progress callback cancels the run.
//
// On success the globally best parameters are re-solved once with a fresh
// workspace so the returned geometry, forces and reactions are mutually
// consistent, and the best values are committed back into state. progress
// may be nil. A budget-exhausted run still returns a usable result with
// Converged=false; cancellation and unrecovered numerical failure return a
// typed error instead.
func Optimize(p *fdm.Problem, state *fdm.OptimizationState, progress ProgressFunc) (*fdm.SolverResult, error) {
	if err := p.Validate(); err != nil {
		return nil, wrapf(InvalidInput, err, "problem rejected")
	}
	opts := p.Solver

	strategy := StrategyForBounds(p.Bounds)
	lb, ub := ParameterBounds(p)

	theta := Pack(p, state)
	projectIntoBox(theta, lb, ub)

	slog.Info("starting optimization",
		"edges", p.Topology.NumEdges,
		"free_nodes", len(p.Topology.FreeNodes),
		"variable_anchors", len(p.Anchors.VariableIndices),
		"strategy", strategy.String(),
		"max_iterations", opts.MaxIterations,
	)

	if opts.WarmStartIterations > 0 {
		globalWarmStart(p, strategy, theta, lb, ub)
	}

	n := len(theta)
	best := newBestPoint(n)
	engineBounds := make([]lbfgsb.Bound, n)
	for i := range engineBounds {
		engineBounds[i] = lbfgsb.Bound{Lower: finiteOrNaN(lb[i]), Upper: finiteOrNaN(ub[i])}
	}

	var (
		fullTrace []float64
		cumIters  int
		restarts  int
		converged bool
		reason    string
	)

	for {
		remaining := opts.MaxIterations - cumIters
		if remaining < 1 {
			remaining = 1
		}

		ws := fdm.NewWorkspace(p, strategy)
		monitor := newConvergenceMonitor(opts, lb, ub, cumIters)
		cache := newEvalCache(&fdmOracle{ws: ws, problem: p}, best, monitor,
			progress, opts.ReportFrequency, len(fullTrace))

		problem := lbfgsb.Problem{
			N:    n,
			M:    lbfgsMemory,
			Eval: cache.searchEval,
			// Internal convergence tests are disabled; the monitor owns
			// the convergence decision.
			Stop: lbfgsb.Termination{
				MaxIterations:     remaining,
				ProjGradTolerance: 0,
				EpsAccuracyFactor: math.NaN(),
			},
			Bounds: engineBounds,
		}
		engine, err := problem.New(&lbfgsb.Logger{Level: lbfgsb.LogNoop, Msg: io.Discard, Out: io.Discard})
		if err != nil {
			return nil, wrapf(NumericalFailure, err, "quasi-newton setup failed")
		}

		res := engine.Fit(theta, engine.Init())
		cumIters += res.NumIter
		fullTrace = append(fullTrace, cache.trace...)

		if cache.cancelled {
			return nil, failf(Cancelled, "stopped by progress callback after %d evaluations", len(fullTrace))
		}

		switch {
		case monitor.converged || res.OK || res.Status == lbfgsb.OverGradThresh:
			converged = true
			reason = "projected gradient and objective change within tolerance"

		case cumIters >= opts.MaxIterations:
			reason = "iteration budget exhausted"

		default:
			// Line-search or factorization distress inside the engine:
			// restart from the global best with a deterministic interior
			// perturbation and a fresh quasi-Newton memory.
			restarts++
			remaining := opts.MaxIterations - cumIters
			if restarts > maxRestarts || remaining < minRestartBudget {
				if math.IsInf(best.loss, 0) {
					return nil, failf(NoSolution, "no evaluable point found (%s)", engineStatus(res))
				}
				return nil, failf(NumericalFailure,
					"search failed after %d restarts (%s), best loss %g", restarts-1, engineStatus(res), best.loss)
			}
			slog.Info("restarting search",
				"restart", restarts,
				"cause", engineStatus(res),
				"iterations_used", cumIters,
				"best_loss", best.loss,
			)
			theta = perturb(best.theta, restarts, lb, ub)
			continue
		}
		break
	}

	if math.IsInf(best.loss, 0) {
		return nil, failf(NoSolution, "no evaluable point found")
	}

	result, err := finalize(p, strategy, best, fullTrace, cumIters, converged, reason)
	if err != nil {
		return nil, err
	}

	state.ForceDensities = append(state.ForceDensities[:0], result.Q...)
	state.VariableAnchorPositions = nil
	if result.AnchorPositions != nil {
		// Committed as a copy so later mutation of the state cannot reach
		// into the returned result.
		state.VariableAnchorPositions = mat.DenseCopyOf(result.AnchorPositions)
	}
	state.Iterations = cumIters
	state.LossTrace = fullTrace

	slog.Info("optimization finished",
		"converged", converged,
		"reason", reason,
		"iterations", cumIters,
		"evaluations", len(fullTrace),
		"best_loss", best.loss,
	)
	return result, nil
}

// finalize re-runs one fresh forward solve at the globally best parameter
// vector. The search loop's last evaluated point is not guaranteed to be
// the best one after a restart, so the result geometry is always derived
// from this dedicated solve.
func finalize(p *fdm.Problem, strategy fdm.Factorization, best *bestPoint, trace []float64, iters int, converged bool, reason string) (*fdm.SolverResult, error) {
	q, anchors := Unpack(p, best.theta)

	ws := fdm.NewWorkspace(p, strategy)
	if err := fdm.Solve(ws, p, q, anchors); err != nil {
		return nil, wrapf(NumericalFailure, err, "final forward solve failed")
	}
	fdm.ComputeGeometry(ws, p, q)

	return &fdm.SolverResult{
		Q:                 q,
		AnchorPositions:   anchors,
		XYZ:               ws.XYZ,
		MemberLengths:     append([]float64(nil), ws.MemberLengths...),
		MemberForces:      append([]float64(nil), ws.MemberForces...),
		Reactions:         ws.Reactions,
		LossTrace:         append([]float64(nil), trace...),
		Iterations:        iters,
		Converged:         converged,
		TerminationReason: reason,
	}, nil
}

// perturb returns a copy of theta nudged toward the bound midpoints of all
// finite-range components, with magnitude growing per restart, then
// projected into the box. Deterministic so failed runs are reproducible.
func perturb(theta []float64, restart int, lb, ub []float64) []float64 {
	out := append([]float64(nil), theta...)
	step := perturbStep * float64(restart)
	for _, i := range finiteBoundIndices(lb, ub) {
		mid := 0.5 * (lb[i] + ub[i])
		out[i] += step * (mid - out[i])
	}
	projectIntoBox(out, lb, ub)
	return out
}

// engineStatus renders the engine's final task status for logs and errors.
func engineStatus(res *lbfgsb.Result) string {
	switch res.Status {
	case lbfgsb.ConvGradProgNorm:
		return "projected gradient below engine tolerance"
	case lbfgsb.ConvEnoughAccuracy:
		return "objective reduction below engine tolerance"
	case lbfgsb.StopAbnormalSearch:
		return "abnormal line-search termination"
	case lbfgsb.HaltEvalPanic:
		return "evaluation halted"
	case lbfgsb.OverIterLimit:
		return "sub-search iteration limit"
	case lbfgsb.OverEvalLimit:
		return "sub-search evaluation limit"
	case lbfgsb.OverTimeLimit:
		return "sub-search time limit"
	case lbfgsb.OverGradThresh:
		return "vanished search direction"
	}
	return "unknown engine status"
}

func finiteOrNaN(v float64) float64 {
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}
