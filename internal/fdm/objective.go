package fdm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Gradients accumulates the direct partial derivatives of the objective:
// X is ∂L/∂x over all nodes (free rows feed the adjoint solve, fixed rows
// feed the variable-anchor gradient) and Q is the direct ∂L/∂q term.
type Gradients struct {
	X *mat.Dense
	Q []float64
}

// ObjectiveTerm is one weighted contributor to the total loss. Contribute
// returns its weighted loss value and adds its weighted partials to g.
// The geometry in ws is valid for the point being evaluated. The optimizer
// core never inspects which concrete term it is talking to. Validate checks
// the term's node and edge selections against the topology and runs once
// before the search starts.
type ObjectiveTerm interface {
	Contribute(ws *Workspace, p *Problem, g *Gradients) float64
	Validate(top *NetworkTopology) error
}

// TargetXYZ penalizes squared distance of selected nodes from target
// positions.
type TargetXYZ struct {
	Weight      float64
	NodeIndices []int      // full node indices
	Target      *mat.Dense // len(NodeIndices)×3
}

func (t *TargetXYZ) Contribute(ws *Workspace, p *Problem, g *Gradients) float64 {
	var loss float64
	for i, node := range t.NodeIndices {
		for d := 0; d < 3; d++ {
			diff := ws.XYZ.At(node, d) - t.Target.At(i, d)
			loss += diff * diff
			g.X.Set(node, d, g.X.At(node, d)+2*t.Weight*diff)
		}
	}
	return t.Weight * loss
}

func (t *TargetXYZ) Validate(top *NetworkTopology) error {
	for _, node := range t.NodeIndices {
		if node < 0 || node >= top.NumNodes {
			return fmt.Errorf("targetXYZ: node %d out of range [0,%d)", node, top.NumNodes)
		}
	}
	if t.Target == nil {
		return fmt.Errorf("targetXYZ: nil target")
	}
	if r, c := t.Target.Dims(); r != len(t.NodeIndices) || c != 3 {
		return fmt.Errorf("targetXYZ: target shape %dx%d, want %dx3", r, c, len(t.NodeIndices))
	}
	return nil
}

// LengthVariation penalizes the spread between the longest and shortest
// selected members, smoothed with log-sum-exp so the term stays
// differentiable:
//
//	(1/s)·ln Σ exp(s·Lⱼ) + (1/s)·ln Σ exp(−s·Lⱼ)
//
// which approaches max(L) − min(L) as the sharpness s grows.
type LengthVariation struct {
	Weight      float64
	EdgeIndices []int
	Sharpness   float64
}

func (t *LengthVariation) Contribute(ws *Workspace, p *Problem, g *Gradients) float64 {
	if len(t.EdgeIndices) == 0 {
		return 0
	}
	s := t.Sharpness
	if s <= 0 {
		s = 1
	}

	maxL, minL := math.Inf(-1), math.Inf(1)
	for _, e := range t.EdgeIndices {
		l := ws.MemberLengths[e]
		maxL = math.Max(maxL, l)
		minL = math.Min(minL, l)
	}

	// Shift by the extremes so the exponentials stay bounded.
	var sumHi, sumLo float64
	for _, e := range t.EdgeIndices {
		l := ws.MemberLengths[e]
		sumHi += math.Exp(s * (l - maxL))
		sumLo += math.Exp(-s * (l - minL))
	}
	loss := maxL + math.Log(sumHi)/s + (-minL + math.Log(sumLo)/s)

	for _, e := range t.EdgeIndices {
		l := ws.MemberLengths[e]
		dLdLen := math.Exp(s*(l-maxL))/sumHi - math.Exp(-s*(l-minL))/sumLo
		addLengthGradient(ws, p, e, t.Weight*dLdLen, g)
	}
	return t.Weight * loss
}

func (t *LengthVariation) Validate(top *NetworkTopology) error {
	return validateEdgeSelection("lengthVariation", t.EdgeIndices, top.NumEdges)
}

// SumForceLength penalizes the total force·length product Σ qⱼ·Lⱼ, the
// load-path measure of the network.
type SumForceLength struct {
	Weight      float64
	EdgeIndices []int
}

func (t *SumForceLength) Contribute(ws *Workspace, p *Problem, g *Gradients) float64 {
	var loss float64
	for _, e := range t.EdgeIndices {
		l := ws.MemberLengths[e]
		q := ws.q[e]
		loss += q * l * l
		g.Q[e] += t.Weight * l * l
		addLengthGradient(ws, p, e, 2*t.Weight*q*l, g)
	}
	return t.Weight * loss
}

func (t *SumForceLength) Validate(top *NetworkTopology) error {
	return validateEdgeSelection("sumForceLength", t.EdgeIndices, top.NumEdges)
}

func validateEdgeSelection(term string, edges []int, numEdges int) error {
	for _, e := range edges {
		if e < 0 || e >= numEdges {
			return fmt.Errorf("%s: edge %d out of range [0,%d)", term, e, numEdges)
		}
	}
	return nil
}

// addLengthGradient chains a ∂L/∂length partial for edge e onto the node
// position gradient: ∂Lⱼ/∂x is ±uⱼ/Lⱼ at the edge endpoints.
func addLengthGradient(ws *Workspace, p *Problem, e int, dLdLen float64, g *Gradients) {
	l := ws.MemberLengths[e]
	if l <= 0 {
		return
	}
	s, t := p.Topology.Edges[e][0], p.Topology.Edges[e][1]
	for d := 0; d < 3; d++ {
		unit := ws.EdgeVectors.At(e, d) / l
		g.X.Set(t, d, g.X.At(t, d)+dLdLen*unit)
		g.X.Set(s, d, g.X.At(s, d)-dLdLen*unit)
	}
}
