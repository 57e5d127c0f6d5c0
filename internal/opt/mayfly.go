package opt

import (
	"log/slog"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"

	"github.com/adam-t-burke/Ariadne/internal/fdm"
)

// globalWarmStart runs a short derivative-free exploration of the
// force-density block with the external Mayfly library and seeds theta
// with its global best when that improves on the initial point. The
// quasi-Newton search then refines from a better basin.
//
// The library takes scalar bounds, so the stage only runs when all
// force-density bounds are finite and uniform; anchors keep their packed
// values throughout. Any failure here is non-fatal: the search simply
// proceeds from the original theta.
func globalWarmStart(p *fdm.Problem, strategy fdm.Factorization, theta, lb, ub []float64) {
	ne := p.Topology.NumEdges
	if !uniformFinite(lb[:ne]) || !uniformFinite(ub[:ne]) {
		slog.Debug("skipping warm start: force-density bounds not uniform and finite")
		return
	}
	opts := p.Solver

	ws := fdm.NewWorkspace(p, strategy)
	candidate := append([]float64(nil), theta...)
	valueAt := func(q []float64) float64 {
		copy(candidate[:ne], q)
		qq, anchors := Unpack(p, candidate)
		loss, err := fdm.ValueAndGradient(ws, p, qq, anchors, nil)
		if err != nil || math.IsNaN(loss) || math.IsInf(loss, 0) {
			return math.MaxFloat64
		}
		return loss
	}

	initial := valueAt(theta[:ne])

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = valueAt
	config.ProblemSize = ne
	config.MaxIterations = opts.WarmStartIterations
	config.NPop = opts.WarmStartPopulation
	config.LowerBound = lb[0]
	config.UpperBound = ub[0]
	config.Rand = rand.New(rand.NewSource(opts.WarmStartSeed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		slog.Warn("warm start failed, continuing from initial point", "err", err)
		return
	}

	if result.GlobalBest.Cost < initial {
		copy(theta[:ne], result.GlobalBest.Position)
		projectIntoBox(theta, lb, ub)
		slog.Info("warm start improved initial point",
			"initial_loss", initial,
			"warm_loss", result.GlobalBest.Cost,
		)
	} else {
		slog.Debug("warm start did not improve initial point",
			"initial_loss", initial,
			"warm_loss", result.GlobalBest.Cost,
		)
	}
}

// uniformFinite reports whether v is non-empty, finite and constant.
func uniformFinite(v []float64) bool {
	if len(v) == 0 {
		return false
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) || x != v[0] {
			return false
		}
	}
	return true
}
