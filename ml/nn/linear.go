package nn

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/chewxy/math32"

	"github.com/mixstack/moe/envconfig"
	"github.com/mixstack/moe/ml"
)

type Linear struct {
	Weight *ml.Tensor // [out, in]
	Bias   *ml.Tensor // [out], optional
}

// NewLinear returns a linear layer with weights drawn uniformly from
// [-1/sqrt(in), 1/sqrt(in)).
func NewLinear(r *rand.Rand, in, out int, bias bool) *Linear {
	m := &Linear{Weight: ml.Rand(r, 1/math32.Sqrt(float32(in)), out, in)}
	if bias {
		m.Bias = ml.New(out)
	}
	return m
}

func (m *Linear) Forward(t *ml.Tensor) *ml.Tensor {
	t = t.MatmulT(m.Weight)
	if m.Bias != nil {
		t = t.Add(m.Bias)
	}
	return t
}

// LinearBatch holds one linear projection per expert, stacked along the
// first dimension. Forward applies the e-th projection to the e-th group
// of input rows, where counts gives the group sizes in expert order.
// Groups run concurrently on a bounded worker pool.
type LinearBatch struct {
	Weight *ml.Tensor // [experts, out, in]
	Bias   *ml.Tensor // [experts, out], optional
}

// NewLinearBatch returns a batched linear layer for the given number of
// experts, initialized like NewLinear.
func NewLinearBatch(r *rand.Rand, experts, in, out int, bias bool) *LinearBatch {
	m := &LinearBatch{Weight: ml.Rand(r, 1/math32.Sqrt(float32(in)), experts, out, in)}
	if bias {
		m.Bias = ml.New(experts, out)
	}
	return m
}

// NumExperts returns the leading dimension of the stacked weights.
func (m *LinearBatch) NumExperts() int {
	return m.Weight.Dim(0)
}

func (m *LinearBatch) Forward(t *ml.Tensor, counts []int) *ml.Tensor {
	experts, out := m.Weight.Dim(0), m.Weight.Dim(1)
	if len(counts) != experts {
		panic(fmt.Sprintf("nn: %d expert counts for %d experts", len(counts), experts))
	}

	var total int
	for e, n := range counts {
		if n < 0 {
			panic(fmt.Sprintf("nn: negative count %d for expert %d", n, e))
		}
		total += n
	}
	if total != t.Dim(0) {
		panic(fmt.Sprintf("nn: counts cover %d rows, input has %d", total, t.Dim(0)))
	}

	output := ml.New(total, out)
	workers := make(chan struct{}, envconfig.EffectiveThreads())

	var wg sync.WaitGroup
	var row int
	for e, n := range counts {
		if n == 0 {
			continue
		}

		start := row
		row += n

		wg.Add(1)
		workers <- struct{}{}
		go func(e, start, n int) {
			defer wg.Done()
			defer func() { <-workers }()

			group := t.RowSlice(start, start+n).MatmulT(m.Weight.Index(e))
			if m.Bias != nil {
				group = group.Add(m.Bias.Index(e))
			}
			copy(output.Floats()[start*out:], group.Floats())
		}(e, start, n)
	}
	wg.Wait()

	return output
}
