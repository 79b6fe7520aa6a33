// Package optim builds gradient transformation pipelines and learning rate
// schedules.
//
// A GradientTransformation turns gradients into parameter updates. It is a
// pure value: all of its mutable state lives in an explicit state tree that
// the caller threads from one Update to the next. Transformations compose
// with Chain, and ApplyUpdates adds the final updates to the parameters.
//
// Trees passed here may hold nil placeholders (see tree.Partition); they
// stay placeholders in updates and state.
//
// Example:
//
//	opt := optim.Chain(
//	    optim.ClipByGlobalNorm(1.0),
//	    optim.ScaleByAdam(0.9, 0.999, 1e-8),
//	    optim.ScaleBySchedule(func(step int) float64 { return -1e-3 }),
//	)
//	state, _ := opt.Init(params)
//	updates, state, _ := opt.Update(grads, state, params)
//	params, _ = optim.ApplyUpdates(params, updates)
package optim

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

// GradientTransformation is the optimizer contract.
type GradientTransformation interface {
	// Init returns the initial state for params.
	Init(params *tree.Tree) (*tree.Tree, error)

	// Update transforms updates (initially the gradients) given the current
	// state and parameters. It returns the new updates and the new state;
	// neither input is modified.
	Update(updates, state, params *tree.Tree) (*tree.Tree, *tree.Tree, error)
}

type chain []GradientTransformation

// Chain applies transformations in order. Child states are stored under
// "<index>." prefixes.
func Chain(ts ...GradientTransformation) GradientTransformation {
	return chain(ts)
}

func (c chain) Init(params *tree.Tree) (*tree.Tree, error) {
	states := make([]*tree.Tree, len(c))
	for i, t := range c {
		s, err := t.Init(params)
		if err != nil {
			return nil, errors.Wrapf(err, "init transformation %d", i)
		}
		states[i] = s.Prefix(strconv.Itoa(i))
	}
	return tree.Concat(states...)
}

func (c chain) Update(updates, state, params *tree.Tree) (*tree.Tree, *tree.Tree, error) {
	states := make([]*tree.Tree, len(c))
	for i, t := range c {
		key := strconv.Itoa(i)
		var (
			s   *tree.Tree
			err error
		)
		updates, s, err = t.Update(updates, state.Subtree(key), params)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "update transformation %d", i)
		}
		states[i] = s.Prefix(key)
	}
	next, err := tree.Concat(states...)
	if err != nil {
		return nil, nil, err
	}
	return updates, next, nil
}

// ApplyUpdates returns params + updates. Each sum is computed in float64
// and stored in the parameter's dtype. Leaves without an update are kept.
func ApplyUpdates(params, updates *tree.Tree) (*tree.Tree, error) {
	if !tree.Congruent(params, updates) {
		return nil, errors.New("updates do not match parameter structure")
	}
	return params.MapTensors(func(path string, p *tensor.RawTensor) (*tensor.RawTensor, error) {
		u, ok := updates.Tensor(path)
		if !ok {
			return p, nil
		}
		uv := u.Float64s()
		return combine(p, p.DType(), func(i int, pv float64) float64 { return pv + uv[i] }, u)
	})
}

// combine maps every element of base through fn, checking that each of
// others has the same shape, and stores the result as dtype.
func combine(base *tensor.RawTensor, dtype tensor.DataType, fn func(i int, v float64) float64, others ...*tensor.RawTensor) (*tensor.RawTensor, error) {
	for _, o := range others {
		if !o.Shape().Equal(base.Shape()) {
			return nil, errors.Errorf("shape mismatch: %v vs %v", base.Meta(), o.Meta())
		}
	}
	values := base.Float64s()
	for i, v := range values {
		values[i] = fn(i, v)
	}
	return tensor.FromFloat64s(values, base.Shape(), dtype)
}

// zerosLike returns a tree matching t with zero arrays in place of every
// array leaf and placeholders everywhere else.
func zerosLike(t *tree.Tree) *tree.Tree {
	out, _ := t.Map(func(_ string, v any) (any, error) {
		if raw, ok := v.(*tensor.RawTensor); ok {
			return tensor.ZerosLike(raw.Meta()), nil
		}
		return nil, nil
	})
	return out
}

func readCount(state *tree.Tree) (int, error) {
	raw, ok := state.Tensor("count")
	if !ok {
		return 0, errors.New("optimizer state has no count")
	}
	return int(raw.Item()), nil
}

func countLeaf(n int) tree.Leaf {
	return tree.Leaf{Path: "count", Value: tensor.Scalar(float64(n), tensor.Int64)}
}

type scaleBySchedule struct {
	schedule Schedule
}

// ScaleBySchedule multiplies updates by schedule(count), where count is the
// number of previous updates.
func ScaleBySchedule(schedule Schedule) GradientTransformation {
	return scaleBySchedule{schedule: schedule}
}

func (s scaleBySchedule) Init(*tree.Tree) (*tree.Tree, error) {
	return tree.New(countLeaf(0))
}

func (s scaleBySchedule) Update(updates, state, _ *tree.Tree) (*tree.Tree, *tree.Tree, error) {
	count, err := readCount(state)
	if err != nil {
		return nil, nil, err
	}
	factor := s.schedule(count)
	out, err := updates.MapTensors(func(_ string, u *tensor.RawTensor) (*tensor.RawTensor, error) {
		return combine(u, u.DType(), func(_ int, v float64) float64 { return v * factor })
	})
	if err != nil {
		return nil, nil, err
	}
	next, err := tree.New(countLeaf(count + 1))
	return out, next, err
}

type addDecayedWeights struct {
	weightDecay float64
}

// AddDecayedWeights adds weightDecay * param to each update.
func AddDecayedWeights(weightDecay float64) GradientTransformation {
	return addDecayedWeights{weightDecay: weightDecay}
}

func (a addDecayedWeights) Init(*tree.Tree) (*tree.Tree, error) {
	return tree.Empty(), nil
}

func (a addDecayedWeights) Update(updates, state, params *tree.Tree) (*tree.Tree, *tree.Tree, error) {
	if params == nil {
		return nil, nil, errors.New("weight decay requires params")
	}
	out, err := updates.MapTensors(func(path string, u *tensor.RawTensor) (*tensor.RawTensor, error) {
		p, ok := params.Tensor(path)
		if !ok {
			return nil, errors.Errorf("no parameter for update %q", path)
		}
		pv := p.Float64s()
		return combine(u, u.DType(), func(i int, v float64) float64 { return v + a.weightDecay*pv[i] }, p)
	})
	return out, state, err
}
