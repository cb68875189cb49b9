package ml

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatmul(t *testing.T) {
	a := FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := FromFloats([]float32{7, 8, 9, 10, 11, 12}, 3, 2)

	got := a.Matmul(b)
	require.Equal(t, []int{2, 2}, got.Shape())
	assert.Equal(t, []float32{58, 64, 139, 154}, got.Floats())
}

func TestMatmulT(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	w := FromFloats([]float32{1, 0, 0, 0, 1, 0}, 2, 3) // selects first two columns

	got := x.MatmulT(w)
	require.Equal(t, []int{2, 2}, got.Shape())
	assert.Equal(t, []float32{1, 2, 4, 5}, got.Floats())
}

func TestMatmulEmpty(t *testing.T) {
	x := New(0, 4)
	w := Rand(rand.New(rand.NewPCG(0, 0)), 1, 8, 4)

	got := x.MatmulT(w)
	assert.Equal(t, []int{0, 8}, got.Shape())
}

func TestMatmulShapeMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(2, 3).Matmul(New(2, 3))
}

func TestReshape(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	got := x.Reshape(-1, 2)
	require.Equal(t, []int{3, 2}, got.Shape())

	// views share storage
	got.Floats()[0] = 9
	assert.Equal(t, float32(9), x.Floats()[0])
}

func TestIndexAndRowSlice(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2)

	sub := x.Index(1)
	require.Equal(t, []int{2, 2}, sub.Shape())
	assert.Equal(t, []float32{5, 6, 7, 8}, sub.Floats())

	m := x.Reshape(4, 2)
	rows := m.RowSlice(1, 3)
	assert.Equal(t, []float32{3, 4, 5, 6}, rows.Floats())
}

func TestRows(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4, 5, 6}, 3, 2)

	got := x.Rows([]int32{2, 0, 2})
	assert.Equal(t, []float32{5, 6, 1, 2, 5, 6}, got.Floats())
}

func TestConcat(t *testing.T) {
	a := FromFloats([]float32{1, 2}, 1, 2)
	b := FromFloats([]float32{3, 4, 5, 6}, 2, 2)

	got := a.Concat(b)
	require.Equal(t, []int{3, 2}, got.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.Floats())

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	a.Concat(New(2, 3))
}

func TestAddBroadcast(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4}, 2, 2)
	bias := FromFloats([]float32{10, 20}, 2)

	got := x.Add(bias)
	assert.Equal(t, []float32{11, 22, 13, 24}, got.Floats())
}

func TestMulBroadcast(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4}, 2, 2)

	col := FromFloats([]float32{10, 100}, 2, 1)
	assert.Equal(t, []float32{10, 20, 300, 400}, x.Mul(col).Floats())

	row := FromFloats([]float32{2, 3}, 2)
	assert.Equal(t, []float32{2, 6, 6, 12}, x.Mul(row).Floats())
}

func TestSoftmax(t *testing.T) {
	x := FromFloats([]float32{1, 1, 1, 1, 0, 1000, 0, 0}, 2, 4)

	got := x.Softmax()
	for r := 0; r < 2; r++ {
		var sum float32
		for _, v := range got.Floats()[r*4 : (r+1)*4] {
			sum += v
		}
		assert.InDelta(t, 1, sum, 1e-5, "row %d", r)
	}

	assert.InDelta(t, 0.25, got.Floats()[0], 1e-5)
	assert.InDelta(t, 1, got.Floats()[5], 1e-5) // large logits must not overflow
}

func TestSigmoid(t *testing.T) {
	x := FromFloats([]float32{0, 2}, 1, 2)

	got := x.Sigmoid()
	assert.InDelta(t, 0.5, got.Floats()[0], 1e-6)
	assert.InDelta(t, 0.880797, got.Floats()[1], 1e-5)
}

func TestSumRows(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	got := x.SumRows()
	require.Equal(t, []int{2, 1}, got.Shape())
	assert.Equal(t, []float32{6, 15}, got.Floats())
}

func TestActivations(t *testing.T) {
	x := FromFloats([]float32{-1, 0, 1}, 1, 3)

	gelu := x.GELU().Floats()
	assert.InDelta(t, -0.158655, gelu[0], 1e-4)
	assert.InDelta(t, 0, gelu[1], 1e-6)
	assert.InDelta(t, 0.841345, gelu[2], 1e-4)

	silu := x.SILU().Floats()
	assert.InDelta(t, -0.268941, silu[0], 1e-4)
	assert.InDelta(t, 0, silu[1], 1e-6)
	assert.InDelta(t, 0.731059, silu[2], 1e-4)

	relu := x.ReLU().Floats()
	assert.Equal(t, []float32{0, 0, 1}, relu)
}

func TestLayerNorm(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4}, 1, 4)

	got := x.LayerNorm(nil, nil, 1e-5).Floats()

	var mean, variance float32
	for _, v := range got {
		mean += v
	}
	mean /= 4
	for _, v := range got {
		variance += (v - mean) * (v - mean)
	}
	variance /= 4

	assert.InDelta(t, 0, mean, 1e-5)
	assert.InDelta(t, 1, variance, 1e-3)

	weight := FromFloats([]float32{2, 2, 2, 2}, 4)
	bias := FromFloats([]float32{1, 1, 1, 1}, 4)
	scaled := x.LayerNorm(weight, bias, 1e-5).Floats()
	for i := range got {
		assert.InDelta(t, got[i]*2+1, scaled[i], 1e-5)
	}
}

func TestRMSNorm(t *testing.T) {
	x := FromFloats([]float32{3, 4}, 1, 2)

	// rms = sqrt((9+16)/2) = sqrt(12.5)
	got := x.RMSNorm(nil, 0).Floats()
	assert.InDelta(t, 3/float64(3.5355339), float64(got[0]), 1e-4)
	assert.InDelta(t, 4/float64(3.5355339), float64(got[1]), 1e-4)
}

func TestTopK(t *testing.T) {
	x := FromFloats([]float32{
		0.1, 0.7, 0.2, 0.0,
		0.5, 0.5, 0.1, 0.9,
	}, 2, 4)

	indices, values := x.TopK(2)
	if diff := cmp.Diff([]int32{1, 2, 3, 0}, indices); diff != "" {
		t.Errorf("unexpected indices (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float32{0.7, 0.2, 0.9, 0.5}, values.Floats())
}

func TestTopKTieBreak(t *testing.T) {
	x := FromFloats([]float32{0.5, 0.5, 0.5}, 1, 3)

	indices, _ := x.TopK(2)
	if diff := cmp.Diff([]int32{0, 1}, indices); diff != "" {
		t.Errorf("ties must prefer the lower index (-want +got):\n%s", diff)
	}
}

func TestFromFloatsBadShape(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	FromFloats([]float32{1, 2, 3}, 2, 2)
}
