package moe

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixstack/moe/ml"
)

func TestDispatchCounts(t *testing.T) {
	routing := Routing{
		TopK: 2,
		// token 0 -> experts 2, 0; token 1 -> 1, 0; token 2 -> 2, 1
		Indices: []int32{2, 0, 1, 0, 2, 1},
	}

	d := newDispatch(routing, 4)
	if diff := cmp.Diff([]int{2, 2, 2, 0}, d.counts); diff != "" {
		t.Errorf("unexpected counts (-want +got):\n%s", diff)
	}
}

func TestDispatchScatterGroupsByExpert(t *testing.T) {
	routing := Routing{
		TopK:    2,
		Indices: []int32{2, 0, 1, 0, 2, 1},
	}
	d := newDispatch(routing, 3)

	input := ml.FromFloats([]float32{
		10, 11,
		20, 21,
		30, 31,
	}, 3, 2)

	expanded := d.scatter(input)
	require.Equal(t, []int{6, 2}, expanded.Shape())

	// expert 0: tokens 0, 1; expert 1: tokens 1, 2; expert 2: tokens 0, 2
	want := []float32{
		10, 11, 20, 21,
		20, 21, 30, 31,
		10, 11, 30, 31,
	}
	assert.Equal(t, want, expanded.Floats())
}

func TestDispatchCombine(t *testing.T) {
	routing := Routing{
		TopK:    2,
		Indices: []int32{1, 0, 0, 1},
		Weights: ml.FromFloats([]float32{0.75, 0.25, 1, 0}, 2, 2),
	}
	d := newDispatch(routing, 2)

	input := ml.FromFloats([]float32{
		1, 1,
		2, 2,
	}, 2, 2)

	// experts scale their group by (expert index + 1)
	expanded := d.scatter(input)
	out := expanded.Clone()
	row := 0
	for e, n := range d.counts {
		for i := 0; i < n; i++ {
			for j := 0; j < 2; j++ {
				out.Floats()[(row+i)*2+j] *= float32(e + 1)
			}
		}
		row += n
	}

	combined := d.combine(out, routing)
	require.Equal(t, []int{2, 2}, combined.Shape())

	// token 0: 0.75*(2*x0) + 0.25*(1*x0) = 1.75*x0
	assert.InDelta(t, 1.75, combined.Floats()[0], 1e-6)
	// token 1: 1*(1*x1) + 0*(2*x1) = x1
	assert.InDelta(t, 2, combined.Floats()[2], 1e-6)
}

func TestDispatchRejectsBadExpert(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	newDispatch(Routing{TopK: 1, Indices: []int32{5}}, 4)
}
