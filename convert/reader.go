// Package convert reads model checkpoints (safetensors or PyTorch
// pickles) into tensors usable by the moe package. Checkpoint tensor
// names are rewritten to the block's canonical names and per-expert
// weight matrices are merged into stacked expert tensors.
package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"golang.org/x/sync/errgroup"

	"github.com/mixstack/moe/ml"
)

// Tensor is a named checkpoint tensor whose data has not been read yet.
type Tensor interface {
	Name() string
	// Kind reports the stored dtype, e.g. F32, F16, BF16.
	Kind() string
	Shape() []uint64
	// Floats reads and decodes the tensor data as float32.
	Floats() ([]float32, error)
	SetRepacker(Repacker)
}

// Repacker rewrites decoded tensor data before use.
type Repacker func(name string, data []float32, shape []uint64) ([]float32, error)

type tensorBase struct {
	name     string
	shape    []uint64
	repacker Repacker
}

func (t *tensorBase) Name() string {
	return t.name
}

func (t *tensorBase) Shape() []uint64 {
	return t.shape
}

func (t *tensorBase) SetRepacker(fn Repacker) {
	t.repacker = fn
}

// replacer rewrites checkpoint tensor names to the canonical block names:
// gate.weight, experts.htoh4.weight, shared.h4toh.bias, layer_norm.weight
// and so on. Per-expert names keep their index for merging.
func replacer() *strings.Replacer {
	return strings.NewReplacer(
		"mlp.", "",
		"block_sparse_moe.", "",
		"feed_forward.", "",
		"gate.gate.", "gate.", // some gates nest their scoring linear under .gate
		"router.", "gate.",
		"ffn_gate_inp.", "gate.",
		"shared_experts.", "shared.",
		"shared_expert.", "shared.",
		"up_proj", "htoh4",
		"down_proj", "h4toh",
		"w1.", "htoh4.",
		"w2.", "h4toh.",
	)
}

// transposed repacks a matrix stored in [cols, rows] order into row-major
// [rows, cols] data, where shape is the repacked [rows, cols].
func transposed(name string, data []float32, shape []uint64) ([]float32, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("%s: transpose needs a matrix, have %v", name, shape)
	}

	n := tensor.New(
		tensor.WithShape(int(shape[1]), int(shape[0])),
		tensor.WithBacking(data),
	)

	nt, err := tensor.Transpose(n, 1, 0)
	if err != nil {
		return nil, err
	}
	nt = tensor.Materialize(nt)

	if err := nt.Reshape(nt.Shape().TotalSize()); err != nil {
		return nil, err
	}
	return native.VectorF32(nt.(*tensor.Dense))
}

// Parse lists the tensors of the checkpoint in dir without reading their
// data.
func Parse(dir string) ([]Tensor, error) {
	patterns := []struct {
		glob  string
		torch bool
	}{
		{glob: "model.safetensors"},
		{glob: "model-*-of-*.safetensors"},
		{glob: "*.safetensors"},
		{glob: "pytorch_model.bin", torch: true},
		{glob: "pytorch_model-*-of-*.bin", torch: true},
		{glob: "*.pth", torch: true},
		{glob: "*.pt", torch: true},
	}

	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern.glob))
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			continue
		}

		if pattern.torch {
			return parseTorch(replacer(), matches...)
		}

		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = filepath.Base(m)
		}
		return parseSafetensors(os.DirFS(dir), replacer(), names...)
	}

	return nil, fmt.Errorf("no checkpoint found in %s", dir)
}

// materialize reads every tensor concurrently into ml tensors keyed by
// canonical name.
func materialize(ts []Tensor) (map[string]*ml.Tensor, error) {
	out := make([]*ml.Tensor, len(ts))

	var g errgroup.Group
	g.SetLimit(8)
	for i, t := range ts {
		g.Go(func() error {
			data, err := t.Floats()
			if err != nil {
				return fmt.Errorf("reading %s: %w", t.Name(), err)
			}

			shape := make([]int, len(t.Shape()))
			for j, d := range t.Shape() {
				shape[j] = int(d)
			}
			out[i] = ml.FromFloats(data, shape...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tensors := make(map[string]*ml.Tensor, len(ts))
	for i, t := range ts {
		if _, ok := tensors[t.Name()]; ok {
			return nil, fmt.Errorf("duplicate tensor %q", t.Name())
		}
		tensors[t.Name()] = out[i]
	}
	return tensors, nil
}

// Load reads the checkpoint in dir and returns its tensors keyed by
// canonical name, with per-expert tensors merged into stacked form.
func Load(dir string) (map[string]*ml.Tensor, error) {
	ts, err := Parse(dir)
	if err != nil {
		return nil, err
	}

	tensors, err := materialize(ts)
	if err != nil {
		return nil, err
	}
	return mergeExperts(tensors)
}
