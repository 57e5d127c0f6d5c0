package opt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adam-t-burke/Ariadne/internal/fdm"
)

func TestStrategyForBounds(t *testing.T) {
	cases := []struct {
		name  string
		lower []float64
		want  fdm.Factorization
	}{
		{"all positive", []float64{0.1, 1, 5}, fdm.Cholesky},
		{"zero admitted", []float64{0.1, 0, 5}, fdm.LDL},
		{"negative admitted", []float64{-1, 1, 5}, fdm.LDL},
		{"unbounded below", []float64{math.Inf(-1), 1}, fdm.LDL},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := fdm.Bounds{Lower: tc.lower, Upper: make([]float64, len(tc.lower))}
			assert.Equal(t, tc.want, StrategyForBounds(b))
		})
	}
}
