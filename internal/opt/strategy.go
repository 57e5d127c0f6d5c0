package opt

import "github.com/adam-t-burke/Ariadne/internal/fdm"

// StrategyForBounds selects the factorization for every forward solve of a
// run. When all force-density lower bounds are strictly positive, every
// feasible point yields a positive-definite equilibrium system and the
// Cholesky path is safe. Any bound admitting zero or negative force
// density forces the general symmetric path.
//
// The choice is static, made once from the problem bounds; runtime
// Cholesky distress is still handled per call inside the forward solve.
func StrategyForBounds(b fdm.Bounds) fdm.Factorization {
	for _, lo := range b.Lower {
		if lo <= 0 {
			return fdm.LDL
		}
	}
	return fdm.Cholesky
}
