package optim

import (
	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

// trace accumulates a momentum buffer:
//
//	velocity = momentum * velocity + gradient
//	update   = velocity
//
// Chained with ScaleBySchedule(-lr) this is SGD with momentum.
type trace struct {
	momentum float64
}

// Trace returns the SGD momentum transformation. State: "trace.<path>".
func Trace(momentum float64) GradientTransformation {
	return trace{momentum: momentum}
}

func (s trace) Init(params *tree.Tree) (*tree.Tree, error) {
	return zerosLike(params).Prefix("trace"), nil
}

func (s trace) Update(updates, state, _ *tree.Tree) (*tree.Tree, *tree.Tree, error) {
	velocities := state.Subtree("trace")
	if !tree.Congruent(velocities, updates) {
		return nil, nil, errors.New("momentum state does not match update structure")
	}
	out, err := updates.MapTensors(func(path string, g *tensor.RawTensor) (*tensor.RawTensor, error) {
		v, ok := velocities.Tensor(path)
		if !ok {
			return nil, errors.Errorf("no velocity for %q", path)
		}
		vData := v.Float64s()
		return combine(g, v.DType(), func(i int, gi float64) float64 { return s.momentum*vData[i] + gi }, v)
	})
	if err != nil {
		return nil, nil, err
	}
	return out, out.Prefix("trace"), nil
}
