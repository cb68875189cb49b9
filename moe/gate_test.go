package moe

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixstack/moe/ml"
)

// testGate returns a gate whose projection is the identity, so token i's
// best expert is the argmax of its features.
func testGate(t *testing.T, dModel, topK int, opts ...GateOption) *NaiveGate {
	t.Helper()

	g, err := NewNaiveGate(rand.New(rand.NewPCG(0, 0)), dModel, dModel, topK, opts...)
	require.NoError(t, err)

	w := g.Proj.Weight.Floats()
	for i := range w {
		w[i] = 0
	}
	for i := 0; i < dModel; i++ {
		w[i*dModel+i] = 1
	}
	for i := range g.Proj.Bias.Floats() {
		g.Proj.Bias.Floats()[i] = 0
	}
	return g
}

func TestNaiveGateRouting(t *testing.T) {
	g := testGate(t, 4, 2)

	input := ml.FromFloats([]float32{
		1.0, 0.5, 0.0, 0.0,
		0.0, 0.5, 1.0, 0.0,
	}, 2, 4)

	routing := g.Forward(input)
	require.Equal(t, 2, routing.Tokens())

	if diff := cmp.Diff([]int32{0, 1, 2, 1}, routing.Indices); diff != "" {
		t.Errorf("unexpected routing (-want +got):\n%s", diff)
	}

	w := routing.Weights.Floats()
	assert.Greater(t, w[0], w[1], "token 0: first choice must outweigh second")
	assert.Greater(t, w[2], w[3], "token 1: first choice must outweigh second")
}

func TestNaiveGateSoftmaxWeights(t *testing.T) {
	g := testGate(t, 4, 4)

	routing := g.Forward(ml.FromFloats([]float32{3, 1, 2, 0}, 1, 4))

	// all experts selected, so the weights are a full softmax
	var sum float32
	for _, v := range routing.Weights.Floats() {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-5)
}

func TestNaiveGateNormWeights(t *testing.T) {
	g := testGate(t, 8, 2, WithNormWeights())

	r := rand.New(rand.NewPCG(7, 7))
	routing := g.Forward(ml.Rand(r, 1, 5, 8))

	w := routing.Weights.Floats()
	for token := 0; token < 5; token++ {
		sum := w[token*2] + w[token*2+1]
		assert.InDelta(t, 1, sum, 1e-5, "token %d", token)
	}
}

func TestNaiveGateSigmoidScoreBias(t *testing.T) {
	bias := ml.FromFloats([]float32{0, 0, 100, 0}, 4)
	g := testGate(t, 4, 1, WithScoreFunc(ScoreSigmoid), WithScoreBias(bias))

	input := ml.FromFloats([]float32{5, 0, 0, 0}, 1, 4)
	routing := g.Forward(input)

	// the bias forces selection of expert 2, but the combination weight is
	// its unbiased sigmoid score
	require.Equal(t, []int32{2}, routing.Indices)
	assert.InDelta(t, 0.5, routing.Weights.Floats()[0], 1e-5)
}

func TestNaiveGateScale(t *testing.T) {
	plain := testGate(t, 4, 2)
	scaled := testGate(t, 4, 2, WithScale(2.5))

	input := ml.FromFloats([]float32{1, 2, 3, 4}, 1, 4)
	pw := plain.Forward(input).Weights.Floats()
	sw := scaled.Forward(input).Weights.Floats()

	for i := range pw {
		assert.InDelta(t, pw[i]*2.5, sw[i], 1e-6)
	}
}

func TestNewNaiveGateValidation(t *testing.T) {
	r := rand.New(rand.NewPCG(0, 0))

	cases := []struct {
		name          string
		experts, topK int
	}{
		{"zero experts", 0, 1},
		{"zero top-k", 8, 0},
		{"top-k exceeds experts", 8, 9},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewNaiveGate(r, 16, tt.experts, tt.topK); err == nil {
				t.Errorf("expected error for experts=%d top-k=%d", tt.experts, tt.topK)
			}
		})
	}
}
