package nn

import (
	"github.com/mixstack/moe/ml"
)

type LayerNorm struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
}

// NewLayerNorm returns a layer norm with unit weight and zero bias.
func NewLayerNorm(dim int) *LayerNorm {
	weight := ml.New(dim)
	for i := range weight.Floats() {
		weight.Floats()[i] = 1
	}
	return &LayerNorm{Weight: weight, Bias: ml.New(dim)}
}

func (m *LayerNorm) Forward(t *ml.Tensor, eps float32) *ml.Tensor {
	return t.LayerNorm(m.Weight, m.Bias, eps)
}

type RMSNorm struct {
	Weight *ml.Tensor
}

// NewRMSNorm returns an RMS norm with unit weight.
func NewRMSNorm(dim int) *RMSNorm {
	weight := ml.New(dim)
	for i := range weight.Floats() {
		weight.Floats()[i] = 1
	}
	return &RMSNorm{Weight: weight}
}

func (m *RMSNorm) Forward(t *ml.Tensor, eps float32) *ml.Tensor {
	return t.RMSNorm(m.Weight, eps)
}
