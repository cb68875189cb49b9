package convert

import (
	"fmt"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

func parseTorch(replacer *strings.Replacer, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, p := range ps {
		pt, err := pytorch.Load(p)
		if err != nil {
			return nil, err
		}

		dict, ok := pt.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected checkpoint layout %T", p, pt)
		}

		for _, k := range dict.Keys() {
			t, ok := dict.MustGet(k).(*pytorch.Tensor)
			if !ok {
				continue
			}

			shape := make([]uint64, len(t.Size))
			for i, dim := range t.Size {
				shape[i] = uint64(dim)
			}

			name := k.(string)
			var repack Repacker
			// flax-style kernels are stored [in, out]
			if base, ok := strings.CutSuffix(name, ".kernel"); ok {
				if len(shape) != 2 {
					return nil, fmt.Errorf("kernel %q is not a matrix", name)
				}
				name = base + ".weight"
				shape[0], shape[1] = shape[1], shape[0]
				repack = transposed
			}

			pt := &torch{
				tensor: t,
				tensorBase: &tensorBase{
					name:  replacer.Replace(name),
					shape: shape,
				},
			}
			if repack != nil {
				pt.SetRepacker(repack)
			}
			ts = append(ts, pt)
		}
	}

	return ts, nil
}

type torch struct {
	tensor *pytorch.Tensor
	*tensorBase
}

func (pt *torch) Kind() string {
	switch pt.tensor.Source.(type) {
	case *pytorch.HalfStorage:
		return "F16"
	case *pytorch.BFloat16Storage:
		return "BF16"
	case *pytorch.DoubleStorage:
		return "F64"
	default:
		return "F32"
	}
}

func (pt *torch) Floats() ([]float32, error) {
	var numel int = 1
	for _, d := range pt.tensor.Size {
		numel *= d
	}

	var data []float32
	switch s := pt.tensor.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	case *pytorch.DoubleStorage:
		data = make([]float32, len(s.Data))
		for i, v := range s.Data {
			data[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("%s: unsupported storage %T", pt.Name(), pt.tensor.Source)
	}

	offset := pt.tensor.StorageOffset
	if offset+numel > len(data) {
		return nil, fmt.Errorf("%s: storage holds %d elements, need %d", pt.Name(), len(data), offset+numel)
	}

	f32s := make([]float32, numel)
	copy(f32s, data[offset:offset+numel])

	if pt.repacker != nil {
		return pt.repacker(pt.Name(), f32s, pt.Shape())
	}
	return f32s, nil
}
