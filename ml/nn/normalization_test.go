package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mixstack/moe/ml"
)

func TestLayerNormIdentityInit(t *testing.T) {
	m := NewLayerNorm(4)

	x := ml.FromFloats([]float32{1, 2, 3, 4}, 1, 4)
	got := m.Forward(x, 1e-5)
	want := x.LayerNorm(nil, nil, 1e-5)

	for i := range want.Floats() {
		assert.InDelta(t, want.Floats()[i], got.Floats()[i], 1e-6)
	}
}

func TestRMSNormIdentityInit(t *testing.T) {
	m := NewRMSNorm(2)

	x := ml.FromFloats([]float32{3, 4}, 1, 2)
	got := m.Forward(x, 0)

	assert.InDelta(t, 0.848528, got.Floats()[0], 1e-5)
	assert.InDelta(t, 1.131371, got.Floats()[1], 1e-5)
}
