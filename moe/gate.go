// Package moe implements a mixture-of-experts feed-forward block: a gate
// scores tokens against experts, a dispatcher groups token copies by
// expert, batched expert networks transform each group, and the weighted
// results are combined back into token order.
package moe

import (
	"fmt"
	"math/rand/v2"

	"github.com/mixstack/moe/ml"
	"github.com/mixstack/moe/ml/nn"
)

// ScoreFunc selects how router logits become expert scores.
type ScoreFunc int

const (
	ScoreSoftmax ScoreFunc = iota
	ScoreSigmoid
)

// Routing is a gate's per-token expert assignment. Indices is row-major
// [tokens, topK]; Weights holds the matching combination weights.
type Routing struct {
	TopK    int
	Indices []int32
	Weights *ml.Tensor // [tokens, topK]
}

// Tokens returns the number of routed tokens.
func (r Routing) Tokens() int {
	if r.TopK == 0 {
		return 0
	}
	return len(r.Indices) / r.TopK
}

// Gate selects experts for each token of a [tokens, dModel] input.
type Gate interface {
	Forward(hiddenStates *ml.Tensor) Routing
	NumExperts() int
}

// NaiveGate scores tokens with a single linear projection and keeps the
// top-k scoring experts per token.
type NaiveGate struct {
	Proj *nn.Linear

	// ScoreBias is added to scores for selection only, not combination.
	ScoreBias *ml.Tensor

	numExperts int
	topK       int

	score       ScoreFunc
	normWeights bool
	scale       float32
}

type GateOption func(*NaiveGate)

// WithScoreFunc selects sigmoid or softmax scoring.
func WithScoreFunc(f ScoreFunc) GateOption {
	return func(g *NaiveGate) { g.score = f }
}

// WithNormWeights renormalizes the selected weights to sum to one per
// token.
func WithNormWeights() GateOption {
	return func(g *NaiveGate) { g.normWeights = true }
}

// WithScale multiplies combination weights by a routed scaling factor.
func WithScale(s float32) GateOption {
	return func(g *NaiveGate) { g.scale = s }
}

// WithScoreBias sets a per-expert correction bias applied during expert
// selection.
func WithScoreBias(bias *ml.Tensor) GateOption {
	return func(g *NaiveGate) { g.ScoreBias = bias }
}

// NewNaiveGate returns a gate routing each token to the topK of numExperts
// experts.
func NewNaiveGate(r *rand.Rand, dModel, numExperts, topK int, opts ...GateOption) (*NaiveGate, error) {
	if numExperts <= 0 {
		return nil, fmt.Errorf("invalid expert count %d", numExperts)
	}
	if topK <= 0 || topK > numExperts {
		return nil, fmt.Errorf("invalid top-k %d for %d experts", topK, numExperts)
	}

	g := &NaiveGate{
		Proj:       nn.NewLinear(r, dModel, numExperts, true),
		numExperts: numExperts,
		topK:       topK,
		scale:      1,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *NaiveGate) NumExperts() int { return g.numExperts }

// TopK returns the number of experts each token is routed to.
func (g *NaiveGate) TopK() int { return g.topK }

func (g *NaiveGate) Forward(hiddenStates *ml.Tensor) Routing {
	logits := g.Proj.Forward(hiddenStates)

	var scores *ml.Tensor
	switch g.score {
	case ScoreSigmoid:
		scores = logits.Sigmoid()
	default:
		scores = logits.Softmax()
	}

	selection := scores
	if g.ScoreBias != nil {
		selection = scores.Add(g.ScoreBias)
	}

	indices, _ := selection.TopK(g.topK)

	// combination weights come from the unbiased scores
	tokens := hiddenStates.Dim(0)
	weights := ml.New(tokens, g.topK)
	for i, idx := range indices {
		weights.Floats()[i] = scores.Floats()[(i/g.topK)*g.numExperts+int(idx)]
	}

	if g.normWeights {
		weights = weights.Div(weights.SumRows())
	}
	if g.scale != 1 {
		weights = weights.Scale(g.scale)
	}

	return Routing{TopK: g.topK, Indices: indices, Weights: weights}
}
