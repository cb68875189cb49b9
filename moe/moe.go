package moe

import (
	"fmt"

	"github.com/mixstack/moe/ml"
)

// Experts transforms an expert-grouped input, where counts gives the
// number of rows belonging to each expert.
type Experts interface {
	Forward(t *ml.Tensor, counts []int) *ml.Tensor
}

// Stats describes how one forward pass spread tokens over experts.
type Stats struct {
	// TokensPerExpert counts routed token copies per expert.
	TokensPerExpert []int
}

// MoE routes each token of a [tokens, dModel] input to its top-k experts
// and combines the expert outputs.
type MoE struct {
	gate    Gate
	experts Experts
}

func New(gate Gate, experts Experts) (*MoE, error) {
	if gate == nil || experts == nil {
		return nil, fmt.Errorf("gate and experts are required")
	}
	return &MoE{gate: gate, experts: experts}, nil
}

// Gate returns the routing policy.
func (m *MoE) Gate() Gate { return m.gate }

func (m *MoE) Forward(t *ml.Tensor) *ml.Tensor {
	out, _ := m.ForwardStats(t)
	return out
}

// ForwardStats is Forward plus the per-expert load of this batch.
func (m *MoE) ForwardStats(t *ml.Tensor) (*ml.Tensor, Stats) {
	routing := m.gate.Forward(t)
	plan := newDispatch(routing, m.gate.NumExperts())

	expanded := plan.scatter(t)
	transformed := m.experts.Forward(expanded, plan.counts)
	if transformed.Dim(0) != expanded.Dim(0) {
		panic(fmt.Sprintf("moe: experts returned %d rows for %d inputs", transformed.Dim(0), expanded.Dim(0)))
	}

	return plan.combine(transformed, routing), Stats{TokensPerExpert: plan.counts}
}
