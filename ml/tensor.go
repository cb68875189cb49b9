// Package ml implements the dense tensor math backing the expert and
// routing layers. Tensors are row-major float32 on the CPU; matrix
// products go through gonum's blas32.
package ml

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	shape []int
	data  []float32
}

// Activation is an elementwise nonlinearity applied between expert
// projection stages.
type Activation func(*Tensor) *Tensor

// New returns a zero tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, numElements(shape))}
}

// FromFloats wraps data in a tensor with the given shape. The tensor takes
// ownership of the slice.
func FromFloats(data []float32, shape ...int) *Tensor {
	if len(data) != numElements(shape) {
		panic(fmt.Sprintf("ml: %d elements cannot fill shape %v", len(data), shape))
	}
	return &Tensor{shape: slices.Clone(shape), data: data}
}

// Rand returns a tensor with elements drawn uniformly from [-bound, bound).
func Rand(r *rand.Rand, bound float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = (r.Float32()*2 - 1) * bound
	}
	return t
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("ml: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Dim returns the size of the i-th dimension.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// Floats returns the backing slice. Mutating it mutates the tensor.
func (t *Tensor) Floats() []float32 {
	return t.data
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Reshape returns a view sharing storage with t. At most one dimension may
// be -1, which is inferred from the element count.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer == -1:
			infer = i
		case d < 0:
			panic(fmt.Sprintf("ml: invalid reshape %v", shape))
		default:
			known *= d
		}
	}

	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			panic(fmt.Sprintf("ml: cannot infer reshape %v from %d elements", shape, len(t.data)))
		}
		shape[infer] = len(t.data) / known
	} else if known != len(t.data) {
		panic(fmt.Sprintf("ml: reshape %v does not hold %d elements", shape, len(t.data)))
	}

	return &Tensor{shape: shape, data: t.data}
}

// Index returns a view of the i-th subtensor along the first dimension.
func (t *Tensor) Index(i int) *Tensor {
	if len(t.shape) < 2 {
		panic("ml: index needs at least two dimensions")
	}
	if i < 0 || i >= t.shape[0] {
		panic(fmt.Sprintf("ml: index %d out of range %d", i, t.shape[0]))
	}
	sub := numElements(t.shape[1:])
	return &Tensor{shape: slices.Clone(t.shape[1:]), data: t.data[i*sub : (i+1)*sub]}
}

// RowSlice returns a view of rows [i, j) of a matrix.
func (t *Tensor) RowSlice(i, j int) *Tensor {
	t.check2D("row slice")
	if i < 0 || j < i || j > t.shape[0] {
		panic(fmt.Sprintf("ml: row slice [%d, %d) out of range %d", i, j, t.shape[0]))
	}
	cols := t.shape[1]
	return &Tensor{shape: []int{j - i, cols}, data: t.data[i*cols : j*cols]}
}

// Rows gathers the given rows of a matrix into a new tensor.
func (t *Tensor) Rows(indices []int32) *Tensor {
	t.check2D("rows")
	cols := t.shape[1]
	out := New(len(indices), cols)
	for i, idx := range indices {
		if idx < 0 || int(idx) >= t.shape[0] {
			panic(fmt.Sprintf("ml: row %d out of range %d", idx, t.shape[0]))
		}
		copy(out.data[i*cols:(i+1)*cols], t.data[int(idx)*cols:(int(idx)+1)*cols])
	}
	return out
}

// Concat concatenates t and b along the first dimension. Trailing
// dimensions must match.
func (t *Tensor) Concat(b *Tensor) *Tensor {
	if len(t.shape) == 0 || len(t.shape) != len(b.shape) || !slices.Equal(t.shape[1:], b.shape[1:]) {
		panic(fmt.Sprintf("ml: concat shape mismatch %v and %v", t.shape, b.shape))
	}
	shape := slices.Clone(t.shape)
	shape[0] += b.shape[0]

	data := make([]float32, 0, len(t.data)+len(b.data))
	data = append(data, t.data...)
	data = append(data, b.data...)
	return &Tensor{shape: shape, data: data}
}

// Matmul returns t @ b for t of shape [m, k] and b of shape [k, n].
func (t *Tensor) Matmul(b *Tensor) *Tensor {
	t.check2D("matmul")
	b.check2D("matmul")
	m, k := t.shape[0], t.shape[1]
	if b.shape[0] != k {
		panic(fmt.Sprintf("ml: matmul shape mismatch %v x %v", t.shape, b.shape))
	}
	n := b.shape[1]
	out := New(m, n)
	if m == 0 || n == 0 || k == 0 {
		return out
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: t.data},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b.data},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: out.data})
	return out
}

// MatmulT returns t @ bᵀ for t of shape [m, k] and b of shape [n, k].
// This is the natural product against a weight matrix stored [out, in].
func (t *Tensor) MatmulT(b *Tensor) *Tensor {
	t.check2D("matmul")
	b.check2D("matmul")
	m, k := t.shape[0], t.shape[1]
	if b.shape[1] != k {
		panic(fmt.Sprintf("ml: matmul shape mismatch %v x %vᵀ", t.shape, b.shape))
	}
	n := b.shape[0]
	out := New(m, n)
	if m == 0 || n == 0 || k == 0 {
		return out
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: t.data},
		blas32.General{Rows: n, Cols: k, Stride: k, Data: b.data},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: out.data})
	return out
}

func (t *Tensor) check2D(op string) {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("ml: %s needs a matrix, have shape %v", op, t.shape))
	}
}
