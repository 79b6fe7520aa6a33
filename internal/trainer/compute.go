package trainer

import (
	"github.com/born-ml/meshtrain/internal/data"
	"github.com/born-ml/meshtrain/internal/precision"
	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/substrate"
	"github.com/born-ml/meshtrain/internal/tree"
)

// atCompute wraps obj so that it always sees the model at compute
// precision. Differentiable objectives stay differentiable.
func atCompute(obj substrate.Objective, policy precision.Policy) substrate.Objective {
	c := computeObjective{obj: obj, policy: policy}
	if d, ok := obj.(substrate.Differentiable); ok {
		return computeDifferentiable{computeObjective: c, d: d}
	}
	return c
}

type computeObjective struct {
	obj    substrate.Objective
	policy precision.Policy
}

func (c computeObjective) Loss(model *tree.Tree, batch data.Batch, key rng.Key) (float64, error) {
	model, err := c.policy.CastToCompute(model)
	if err != nil {
		return 0, err
	}
	return c.obj.Loss(model, batch, key)
}

type computeDifferentiable struct {
	computeObjective
	d substrate.Differentiable
}

func (c computeDifferentiable) LossAndGrad(model *tree.Tree, batch data.Batch, key rng.Key) (float64, *tree.Tree, error) {
	model, err := c.policy.CastToCompute(model)
	if err != nil {
		return 0, nil, err
	}
	return c.d.LossAndGrad(model, batch, key)
}
