package convert

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/mixstack/moe/ml"
)

// expertKey matches checkpoints that store one tensor per expert, e.g.
// experts.3.htoh4.weight.
var expertKey = regexp.MustCompile(`^experts\.(\d+)\.(htoh4|h4toh)\.(weight|bias)$`)

// mergeExperts stacks per-expert tensors into the block's batched layout,
// e.g. N tensors experts.i.htoh4.weight of shape [out, in] become one
// experts.htoh4.weight of shape [N, out, in]. Checkpoints that are already
// stacked pass through unchanged.
func mergeExperts(tensors map[string]*ml.Tensor) (map[string]*ml.Tensor, error) {
	groups := make(map[string]map[int]*ml.Tensor)

	out := make(map[string]*ml.Tensor, len(tensors))
	for name, t := range tensors {
		matches := expertKey.FindStringSubmatch(name)
		if matches == nil {
			out[name] = t
			continue
		}

		idx, err := strconv.Atoi(matches[1])
		if err != nil {
			return nil, err
		}

		merged := fmt.Sprintf("experts.%s.%s", matches[2], matches[3])
		if groups[merged] == nil {
			groups[merged] = make(map[int]*ml.Tensor)
		}
		groups[merged][idx] = t
	}

	for merged, parts := range groups {
		stacked, err := stackExperts(merged, parts)
		if err != nil {
			return nil, err
		}
		out[merged] = stacked
	}
	return out, nil
}

func stackExperts(name string, parts map[int]*ml.Tensor) (*ml.Tensor, error) {
	n := len(parts)

	dense := make([]tensor.Tensor, n)
	var partShape []int
	for idx, t := range parts {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("%s: expert indices are not contiguous, have %d of %d", name, idx, n)
		}
		if partShape == nil {
			partShape = t.Shape()
		} else if !slices.Equal(partShape, t.Shape()) {
			return nil, fmt.Errorf("%s: expert %d shape %v does not match %v", name, idx, t.Shape(), partShape)
		}

		dense[idx] = tensor.New(
			tensor.WithShape(append([]int{1}, t.Shape()...)...),
			tensor.WithBacking(slices.Clone(t.Floats())),
		)
	}

	stacked, err := tensor.Concat(0, dense[0], dense[1:]...)
	if err != nil {
		return nil, fmt.Errorf("%s: stacking experts: %w", name, err)
	}

	flat := tensor.Materialize(stacked)
	if err := flat.Reshape(flat.Shape().TotalSize()); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	data, err := native.VectorF32(flat.(*tensor.Dense))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return ml.FromFloats(slices.Clone(data), append([]int{n}, partShape...)...), nil
}
