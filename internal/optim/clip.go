package optim

import (
	"math"

	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

type clipByGlobalNorm struct {
	maxNorm float64
}

// ClipByGlobalNorm rescales all updates together so that their joint L2
// norm does not exceed maxNorm. Updates already within the bound are
// returned unchanged.
func ClipByGlobalNorm(maxNorm float64) GradientTransformation {
	return clipByGlobalNorm{maxNorm: maxNorm}
}

func (c clipByGlobalNorm) Init(*tree.Tree) (*tree.Tree, error) {
	return tree.Empty(), nil
}

func (c clipByGlobalNorm) Update(updates, state, _ *tree.Tree) (*tree.Tree, *tree.Tree, error) {
	norm := GlobalNorm(updates)
	if norm < c.maxNorm {
		return updates, state, nil
	}
	scale := c.maxNorm / norm
	out, err := updates.MapTensors(func(_ string, u *tensor.RawTensor) (*tensor.RawTensor, error) {
		return combine(u, u.DType(), func(_ int, v float64) float64 { return v * scale })
	})
	return out, state, err
}

// GlobalNorm returns the L2 norm over every array leaf of t.
func GlobalNorm(t *tree.Tree) float64 {
	var sum float64
	for _, leaf := range t.Tensors() {
		for _, v := range leaf.Value.(*tensor.RawTensor).Float64s() {
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}
