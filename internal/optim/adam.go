package optim

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

// scaleByAdam rescales updates with bias-corrected Adam moments.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient       // First moment
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²      // Second moment
//	m_hat = m_t / (1 - beta1^t)                        // Bias correction
//	v_hat = v_t / (1 - beta2^t)                        // Bias correction
//	update = m_hat / (sqrt(v_hat) + eps)
//
// The learning rate is not applied here; chain with ScaleBySchedule.
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type scaleByAdam struct {
	beta1 float64
	beta2 float64
	eps   float64
}

// ScaleByAdam returns the Adam moment normalization.
//
// State: "mu.<path>" and "nu.<path>" moments in the gradient dtype, plus an
// int64 "count" of completed updates.
func ScaleByAdam(beta1, beta2, eps float64) GradientTransformation {
	return scaleByAdam{beta1: beta1, beta2: beta2, eps: eps}
}

func (a scaleByAdam) Init(params *tree.Tree) (*tree.Tree, error) {
	zeros := zerosLike(params)
	return tree.Concat(zeros.Prefix("mu"), zeros.Prefix("nu"), tree.MustNew(countLeaf(0)))
}

func (a scaleByAdam) Update(updates, state, _ *tree.Tree) (*tree.Tree, *tree.Tree, error) {
	count, err := readCount(state)
	if err != nil {
		return nil, nil, err
	}
	mu, nu := state.Subtree("mu"), state.Subtree("nu")
	if !tree.Congruent(mu, updates) || !tree.Congruent(nu, updates) {
		return nil, nil, errors.New("adam state does not match update structure")
	}

	t := float64(count + 1)
	biasCorrection1 := 1.0 - math.Pow(a.beta1, t)
	biasCorrection2 := 1.0 - math.Pow(a.beta2, t)

	leaves := updates.Leaves()
	out := make([]tree.Leaf, len(leaves))
	newMu := make([]tree.Leaf, len(leaves))
	newNu := make([]tree.Leaf, len(leaves))
	for i, leaf := range leaves {
		out[i], newMu[i], newNu[i] = tree.Leaf{Path: leaf.Path}, tree.Leaf{Path: leaf.Path}, tree.Leaf{Path: leaf.Path}
		g, ok := leaf.Value.(*tensor.RawTensor)
		if !ok {
			continue
		}
		m, _ := mu.Tensor(leaf.Path)
		v, _ := nu.Tensor(leaf.Path)
		if m == nil || v == nil {
			return nil, nil, errors.Errorf("no adam moments for %q", leaf.Path)
		}
		u, m2, v2, err := a.updateLeaf(g, m, v, biasCorrection1, biasCorrection2)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "leaf %q", leaf.Path)
		}
		out[i].Value, newMu[i].Value, newNu[i].Value = u, m2, v2
	}

	next, err := tree.Concat(
		tree.MustNew(newMu...).Prefix("mu"),
		tree.MustNew(newNu...).Prefix("nu"),
		tree.MustNew(countLeaf(count+1)),
	)
	if err != nil {
		return nil, nil, err
	}
	return tree.MustNew(out...), next, nil
}

func (a scaleByAdam) updateLeaf(g, m, v *tensor.RawTensor, biasCorrection1, biasCorrection2 float64) (u, m2, v2 *tensor.RawTensor, err error) {
	if !g.Shape().Equal(m.Shape()) || !g.Shape().Equal(v.Shape()) {
		return nil, nil, nil, errors.Errorf("gradient %v does not match moments %v", g.Meta(), m.Meta())
	}
	grad := g.Float64s()
	mData := m.Float64s()
	vData := v.Float64s()
	upd := make([]float64, len(grad))
	for i, gi := range grad {
		mData[i] = a.beta1*mData[i] + (1.0-a.beta1)*gi
		vData[i] = a.beta2*vData[i] + (1.0-a.beta2)*gi*gi
		mHat := mData[i] / biasCorrection1
		vHat := vData[i] / biasCorrection2
		upd[i] = mHat / (math.Sqrt(vHat) + a.eps)
	}
	if u, err = tensor.FromFloat64s(upd, g.Shape(), g.DType()); err != nil {
		return nil, nil, nil, err
	}
	if m2, err = tensor.FromFloat64s(mData, m.Shape(), m.DType()); err != nil {
		return nil, nil, nil, err
	}
	if v2, err = tensor.FromFloat64s(vData, v.Shape(), v.DType()); err != nil {
		return nil, nil, nil, err
	}
	return u, m2, v2, nil
}
