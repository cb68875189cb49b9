package moe

import (
	"fmt"

	"github.com/mixstack/moe/ml"
)

// dispatch is the execution plan for one routed batch: how many token
// copies each expert receives and where each copy lands in the
// expert-grouped layout.
type dispatch struct {
	counts []int   // token copies per expert
	slots  []int32 // expanded copy i -> row in the expert-grouped input
	source []int32 // expert-grouped row -> original token
}

func newDispatch(r Routing, numExperts int) *dispatch {
	d := &dispatch{
		counts: make([]int, numExperts),
		slots:  make([]int32, len(r.Indices)),
		source: make([]int32, len(r.Indices)),
	}

	for _, e := range r.Indices {
		if e < 0 || int(e) >= numExperts {
			panic(fmt.Sprintf("moe: routed to expert %d of %d", e, numExperts))
		}
		d.counts[e]++
	}

	offsets := make([]int32, numExperts)
	var off int32
	for e, n := range d.counts {
		offsets[e] = off
		off += int32(n)
	}

	for i, e := range r.Indices {
		d.slots[i] = offsets[e]
		d.source[offsets[e]] = int32(i / r.TopK)
		offsets[e]++
	}
	return d
}

// scatter expands the [tokens, dim] input into a [tokens*topK, dim] matrix
// whose rows are grouped by expert in expert order.
func (d *dispatch) scatter(t *ml.Tensor) *ml.Tensor {
	return t.Rows(d.source)
}

// combine folds the expert-grouped output back into token order, weighting
// each copy by its routing weight.
func (d *dispatch) combine(expertOut *ml.Tensor, r Routing) *ml.Tensor {
	dim := expertOut.Dim(1)
	out := ml.New(r.Tokens(), dim)

	weights := r.Weights.Floats()
	src := expertOut.Floats()
	dst := out.Floats()
	for i, slot := range d.slots {
		token := i / r.TopK
		w := weights[i]
		if w == 0 {
			continue
		}
		row := src[int(slot)*dim : (int(slot)+1)*dim]
		acc := dst[token*dim : (token+1)*dim]
		for j, v := range row {
			acc[j] += w * v
		}
	}
	return out
}
