package ml

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Add returns t + b. b must match t's shape, be a vector matching t's last
// dimension (broadcast across rows), or be a [rows, 1] column matching t's
// first dimension (broadcast across columns).
func (t *Tensor) Add(b *Tensor) *Tensor {
	return t.zip(b, "add", func(x, y float32) float32 { return x + y })
}

// Mul returns the elementwise product, with the same broadcasting as Add.
func (t *Tensor) Mul(b *Tensor) *Tensor {
	return t.zip(b, "mul", func(x, y float32) float32 { return x * y })
}

// Div returns the elementwise quotient, with the same broadcasting as Add.
func (t *Tensor) Div(b *Tensor) *Tensor {
	return t.zip(b, "div", func(x, y float32) float32 { return x / y })
}

func (t *Tensor) zip(b *Tensor, op string, f func(x, y float32) float32) *Tensor {
	out := t.Clone()
	switch {
	case len(t.data) == len(b.data):
		for i := range out.data {
			out.data[i] = f(out.data[i], b.data[i])
		}
	case len(b.shape) == 2 && b.shape[1] == 1 && len(t.shape) == 2 && b.shape[0] == t.shape[0]:
		cols := t.shape[1]
		for i := range out.data {
			out.data[i] = f(out.data[i], b.data[i/cols])
		}
	case len(t.shape) > 0 && len(b.data) == t.shape[len(t.shape)-1]:
		n := len(b.data)
		for i := range out.data {
			out.data[i] = f(out.data[i], b.data[i%n])
		}
	default:
		panic(fmt.Sprintf("ml: %s shape mismatch %v and %v", op, t.shape, b.shape))
	}
	return out
}

// Scale returns t with every element multiplied by s.
func (t *Tensor) Scale(s float32) *Tensor {
	out := t.Clone()
	for i := range out.data {
		out.data[i] *= s
	}
	return out
}

// Softmax normalizes each row of a matrix to a probability distribution.
func (t *Tensor) Softmax() *Tensor {
	t.check2D("softmax")
	out := t.Clone()
	cols := t.shape[1]
	for r := 0; r < t.shape[0]; r++ {
		row := out.data[r*cols : (r+1)*cols]
		maxv := float32(math32.Inf(-1))
		for _, v := range row {
			maxv = max(maxv, v)
		}
		var sum float32
		for i, v := range row {
			row[i] = math32.Exp(v - maxv)
			sum += row[i]
		}
		for i := range row {
			row[i] /= sum
		}
	}
	return out
}

// Sigmoid applies the logistic function elementwise.
func (t *Tensor) Sigmoid() *Tensor {
	out := t.Clone()
	for i, v := range out.data {
		out.data[i] = 1 / (1 + math32.Exp(-v))
	}
	return out
}

// SumRows reduces a matrix to a [rows, 1] column of row sums.
func (t *Tensor) SumRows() *Tensor {
	t.check2D("sumrows")
	cols := t.shape[1]
	out := New(t.shape[0], 1)
	for r := 0; r < t.shape[0]; r++ {
		var sum float32
		for _, v := range t.data[r*cols : (r+1)*cols] {
			sum += v
		}
		out.data[r] = sum
	}
	return out
}

// GELU applies the Gaussian error linear unit, exact erf form.
func (t *Tensor) GELU() *Tensor {
	out := t.Clone()
	for i, v := range out.data {
		out.data[i] = 0.5 * v * (1 + math32.Erf(v/math32.Sqrt2))
	}
	return out
}

// SILU applies x * sigmoid(x).
func (t *Tensor) SILU() *Tensor {
	out := t.Clone()
	for i, v := range out.data {
		out.data[i] = v / (1 + math32.Exp(-v))
	}
	return out
}

// ReLU applies max(0, x).
func (t *Tensor) ReLU() *Tensor {
	out := t.Clone()
	for i, v := range out.data {
		out.data[i] = max(0, v)
	}
	return out
}

// LayerNorm normalizes each row to zero mean and unit variance, then scales
// by weight and shifts by bias. bias may be nil.
func (t *Tensor) LayerNorm(weight, bias *Tensor, eps float32) *Tensor {
	t.check2D("layernorm")
	cols := t.shape[1]
	if weight != nil && len(weight.data) != cols {
		panic(fmt.Sprintf("ml: layernorm weight %v does not match %d columns", weight.shape, cols))
	}
	if bias != nil && len(bias.data) != cols {
		panic(fmt.Sprintf("ml: layernorm bias %v does not match %d columns", bias.shape, cols))
	}

	out := t.Clone()
	for r := 0; r < t.shape[0]; r++ {
		row := out.data[r*cols : (r+1)*cols]
		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(cols)

		var variance float32
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(cols)

		scale := 1 / math32.Sqrt(variance+eps)
		for i := range row {
			row[i] = (row[i] - mean) * scale
			if weight != nil {
				row[i] *= weight.data[i]
			}
			if bias != nil {
				row[i] += bias.data[i]
			}
		}
	}
	return out
}

// RMSNorm normalizes each row by its root mean square, then scales by
// weight.
func (t *Tensor) RMSNorm(weight *Tensor, eps float32) *Tensor {
	t.check2D("rmsnorm")
	cols := t.shape[1]
	if weight != nil && len(weight.data) != cols {
		panic(fmt.Sprintf("ml: rmsnorm weight %v does not match %d columns", weight.shape, cols))
	}

	out := t.Clone()
	for r := 0; r < t.shape[0]; r++ {
		row := out.data[r*cols : (r+1)*cols]
		var ss float32
		for _, v := range row {
			ss += v * v
		}
		scale := 1 / math32.Sqrt(ss/float32(cols)+eps)
		for i := range row {
			row[i] *= scale
			if weight != nil {
				row[i] *= weight.data[i]
			}
		}
	}
	return out
}

// TopK returns, for each row of a matrix, the column indices and values of
// the k largest elements in descending order. Ties prefer the lower index.
func (t *Tensor) TopK(k int) ([]int32, *Tensor) {
	t.check2D("topk")
	rows, cols := t.shape[0], t.shape[1]
	if k <= 0 || k > cols {
		panic(fmt.Sprintf("ml: topk %d out of range for %d columns", k, cols))
	}

	indices := make([]int32, rows*k)
	values := New(rows, k)
	for r := 0; r < rows; r++ {
		row := t.data[r*cols : (r+1)*cols]
		best := indices[r*k : (r+1)*k]
		for i := range best {
			best[i] = -1
		}

		for c, v := range row {
			pos := k
			for i := 0; i < k; i++ {
				if best[i] == -1 || v > row[best[i]] {
					pos = i
					break
				}
			}
			if pos == k {
				continue
			}
			copy(best[pos+1:], best[pos:k-1])
			best[pos] = int32(c)
		}

		for i, c := range best {
			values.data[r*k+i] = row[c]
		}
	}
	return indices, values
}
