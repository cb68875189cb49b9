package moe

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/mixstack/moe/ml"
	"github.com/mixstack/moe/ml/nn"
)

// Expert expands tokens to the hidden width, applies the activation, and
// projects back to the model width. Both stages are batched over experts
// with variable per-expert row counts.
type Expert struct {
	HToH4      *nn.LinearBatch
	H4ToH      *nn.LinearBatch
	Activation ml.Activation
}

// NewExpert returns numExperts randomly initialized expert networks.
func NewExpert(r *rand.Rand, numExperts, dModel, dHidden int, activation ml.Activation) *Expert {
	return &Expert{
		HToH4:      nn.NewLinearBatch(r, numExperts, dModel, dHidden, true),
		H4ToH:      nn.NewLinearBatch(r, numExperts, dHidden, dModel, true),
		Activation: activation,
	}
}

func (e *Expert) Forward(t *ml.Tensor, counts []int) *ml.Tensor {
	t = e.HToH4.Forward(t, counts)
	t = e.Activation(t)
	return e.H4ToH.Forward(t, counts)
}

// denseFFN is an always-on feed-forward applied alongside the routed
// experts (the "shared expert" of several MoE architectures).
type denseFFN struct {
	Up         *nn.Linear
	Down       *nn.Linear
	Activation ml.Activation
}

func (m *denseFFN) Forward(t *ml.Tensor) *ml.Tensor {
	return m.Down.Forward(m.Activation(m.Up.Forward(t)))
}

// NormPlacement positions the block's layer norm.
type NormPlacement int

const (
	// NormNone disables the block's layer norm.
	NormNone NormPlacement = iota
	// NormPre normalizes the input before routing; the residual adds the
	// normalized input.
	NormPre
	// NormPost normalizes after the residual add.
	NormPost
)

// Config assembles a TransformerMLP.
type Config struct {
	DModel     int
	DHidden    int
	NumExperts int
	TopK       int

	// Activation applied inside each expert. Defaults to GELU.
	Activation ml.Activation

	Norm    NormPlacement
	NormEps float32

	ScoreFunc       ScoreFunc
	NormTopKWeights bool
	// ScaleFactor multiplies routed combination weights. Zero means 1.
	ScaleFactor float32

	// SharedExpert adds an always-on dense FFN of DHidden width whose
	// output is summed with the routed output.
	SharedExpert bool

	// Seed for weight initialization.
	Seed uint64
}

func (c *Config) validate() error {
	if c.DModel <= 0 {
		return fmt.Errorf("invalid d_model %d", c.DModel)
	}
	if c.DHidden <= 0 {
		return fmt.Errorf("invalid d_hidden %d", c.DHidden)
	}
	if c.NumExperts <= 0 {
		return fmt.Errorf("invalid expert_count %d", c.NumExperts)
	}
	if c.TopK <= 0 || c.TopK > c.NumExperts {
		return fmt.Errorf("invalid expert_used_count %d for %d experts", c.TopK, c.NumExperts)
	}
	return nil
}

// TransformerMLP is a drop-in replacement for a transformer's dense MLP
// layer: tokens are routed to experts, transformed, combined, and added to
// the residual stream, with an optional pre- or post-layer norm.
type TransformerMLP struct {
	moe    *MoE
	gate   *NaiveGate
	expert *Expert
	shared *denseFFN

	norm      *nn.LayerNorm
	placement NormPlacement
	eps       float32

	dModel int
}

// NewTransformerMLP builds a randomly initialized block from cfg.
func NewTransformerMLP(cfg Config) (*TransformerMLP, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	activation := cfg.Activation
	if activation == nil {
		activation = (*ml.Tensor).GELU
	}

	r := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	var opts []GateOption
	if cfg.ScoreFunc != ScoreSoftmax {
		opts = append(opts, WithScoreFunc(cfg.ScoreFunc))
	}
	if cfg.NormTopKWeights {
		opts = append(opts, WithNormWeights())
	}
	if cfg.ScaleFactor != 0 && cfg.ScaleFactor != 1 {
		opts = append(opts, WithScale(cfg.ScaleFactor))
	}

	gate, err := NewNaiveGate(r, cfg.DModel, cfg.NumExperts, cfg.TopK, opts...)
	if err != nil {
		return nil, err
	}

	expert := NewExpert(r, cfg.NumExperts, cfg.DModel, cfg.DHidden, activation)
	engine, err := New(gate, expert)
	if err != nil {
		return nil, err
	}

	m := &TransformerMLP{
		moe:       engine,
		gate:      gate,
		expert:    expert,
		placement: cfg.Norm,
		eps:       cfg.NormEps,
		dModel:    cfg.DModel,
	}
	if m.eps == 0 {
		m.eps = 1e-5
	}
	if cfg.Norm != NormNone {
		m.norm = nn.NewLayerNorm(cfg.DModel)
	}
	if cfg.SharedExpert {
		m.shared = &denseFFN{
			Up:         nn.NewLinear(r, cfg.DModel, cfg.DHidden, true),
			Down:       nn.NewLinear(r, cfg.DHidden, cfg.DModel, true),
			Activation: activation,
		}
	}
	return m, nil
}

// NumExperts returns the expert count.
func (m *TransformerMLP) NumExperts() int { return m.gate.NumExperts() }

// TopK returns how many experts each token visits.
func (m *TransformerMLP) TopK() int { return m.gate.TopK() }

func (m *TransformerMLP) Forward(hiddenStates *ml.Tensor) *ml.Tensor {
	out, _ := m.ForwardStats(hiddenStates)
	return out
}

// ForwardStats runs the block and reports the expert load of the batch.
// The input may have any leading layout ending in dModel; the output has
// the same shape.
func (m *TransformerMLP) ForwardStats(hiddenStates *ml.Tensor) (*ml.Tensor, Stats) {
	shape := hiddenStates.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != m.dModel {
		panic(fmt.Sprintf("moe: input shape %v does not end in d_model %d", shape, m.dModel))
	}

	t := hiddenStates.Reshape(-1, m.dModel)
	if m.placement == NormPre {
		t = m.norm.Forward(t, m.eps)
	}

	output, stats := m.moe.ForwardStats(t)
	if m.shared != nil {
		output = output.Add(m.shared.Forward(t))
	}

	// the residual adds the routed input, normalized or not
	output = output.Add(t)

	if m.placement == NormPost {
		output = m.norm.Forward(output, m.eps)
	}
	return output.Reshape(shape...), stats
}

// NumParameters returns the total element count of all weights.
func (m *TransformerMLP) NumParameters() uint64 {
	var n uint64
	for _, t := range m.tensors() {
		if t != nil {
			n += uint64(len(t.Floats()))
		}
	}
	return n
}

func (m *TransformerMLP) tensors() map[string]*ml.Tensor {
	ts := map[string]*ml.Tensor{
		"gate.weight":          m.gate.Proj.Weight,
		"gate.bias":            m.gate.Proj.Bias,
		"experts.htoh4.weight": m.expert.HToH4.Weight,
		"experts.htoh4.bias":   m.expert.HToH4.Bias,
		"experts.h4toh.weight": m.expert.H4ToH.Weight,
		"experts.h4toh.bias":   m.expert.H4ToH.Bias,
	}
	if m.norm != nil {
		ts["layer_norm.weight"] = m.norm.Weight
		ts["layer_norm.bias"] = m.norm.Bias
	}
	if m.shared != nil {
		ts["shared.htoh4.weight"] = m.shared.Up.Weight
		ts["shared.htoh4.bias"] = m.shared.Up.Bias
		ts["shared.h4toh.weight"] = m.shared.Down.Weight
		ts["shared.h4toh.bias"] = m.shared.Down.Bias
	}
	return ts
}

// ApplyTensors replaces block weights with checkpoint tensors by canonical
// name (see tensors). Unknown names are rejected; missing names keep their
// initialization. Shapes must match exactly.
func (m *TransformerMLP) ApplyTensors(ts map[string]*ml.Tensor) error {
	known := m.tensors()
	for name, t := range ts {
		dst, ok := known[name]
		if !ok {
			return fmt.Errorf("unknown tensor %q", name)
		}
		if dst == nil {
			return fmt.Errorf("tensor %q is not enabled by this configuration", name)
		}
		if !slices.Equal(dst.Shape(), t.Shape()) {
			return fmt.Errorf("tensor %q shape %v does not match %v", name, t.Shape(), dst.Shape())
		}
		copy(dst.Floats(), t.Floats())
	}
	return nil
}
