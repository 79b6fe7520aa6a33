package substrate

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/data"
	"github.com/born-ml/meshtrain/internal/mesh"
	"github.com/born-ml/meshtrain/internal/parallel"
	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

// DefaultFiniteDifferenceStep is the smallest relative central difference
// step used for objectives that do not provide gradients. Leaves of
// low-precision dtypes use the cube root of their epsilon when it is
// larger.
const DefaultFiniteDifferenceStep = 1e-6

// Local executes programs on the host. A batch is split into one shard per
// data-parallel row of the mesh, shards run concurrently, and results are
// reduced in shard order so the outcome does not depend on scheduling.
type Local struct {
	mesh *mesh.DeviceMesh
	par  parallel.Config
	step float64
}

// LocalOption configures a Local compiler.
type LocalOption func(*Local)

// WithParallel overrides the shard scheduling.
func WithParallel(cfg parallel.Config) LocalOption {
	return func(l *Local) { l.par = cfg }
}

// WithFiniteDifferenceStep sets the smallest relative step used to
// differentiate objectives that do not implement Differentiable.
func WithFiniteDifferenceStep(h float64) LocalOption {
	return func(l *Local) { l.step = h }
}

// NewLocal returns a host compiler for m.
func NewLocal(m *mesh.DeviceMesh, opts ...LocalOption) *Local {
	l := &Local{
		mesh: m,
		par:  parallel.PerDevice(m.DataSize()),
		step: DefaultFiniteDifferenceStep,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// stepFor returns the relative finite difference step for leaves of dt.
func (l *Local) stepFor(dt tensor.DataType) float64 {
	return max(l.step, math.Cbrt(dt.Epsilon()))
}

// Bind implements Compiler.
func (l *Local) Bind(obj Objective, axes Axes) (Program, error) {
	if obj == nil {
		return nil, errors.New("cannot bind a nil objective")
	}
	return &localProgram{local: l, obj: obj, axes: axes}, nil
}

type localProgram struct {
	local *Local
	obj   Objective
	axes  Axes
}

func (p *localProgram) Axes() Axes {
	return p.axes
}

func (p *localProgram) shards(batch data.Batch) ([]data.Batch, error) {
	if batch.Len() == 0 {
		return nil, errors.New("empty batch")
	}
	n := p.local.mesh.DataSize()
	if batch.Len()%n != 0 {
		n = 1
	}
	return data.Split(batch, n)
}

func (p *localProgram) Loss(ctx context.Context, model *tree.Tree, batch data.Batch, key rng.Key) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	shards, err := p.shards(batch)
	if err != nil {
		return 0, err
	}
	losses := make([]float64, len(shards))
	err = parallel.ForErr(len(shards), func(i int) error {
		var err error
		losses[i], err = p.obj.Loss(model, shards[i], key.Fold(i))
		return errors.Wrapf(err, "shard %d", i)
	}, p.local.par)
	if err != nil {
		return 0, err
	}
	return mean(losses), nil
}

func (p *localProgram) LossAndGrad(ctx context.Context, trainable, rest *tree.Tree, batch data.Batch, key rng.Key) (float64, *tree.Tree, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	model, err := tree.Combine(trainable, rest)
	if err != nil {
		return 0, nil, err
	}
	shards, err := p.shards(batch)
	if err != nil {
		return 0, nil, err
	}

	losses := make([]float64, len(shards))
	grads := make([]*tree.Tree, len(shards))
	err = parallel.ForErr(len(shards), func(i int) error {
		var err error
		losses[i], grads[i], err = p.shardLossAndGrad(model, trainable, shards[i], key.Fold(i))
		return errors.Wrapf(err, "shard %d", i)
	}, p.local.par)
	if err != nil {
		return 0, nil, err
	}

	grad, err := MeanTrees(trainable, grads)
	if err != nil {
		return 0, nil, err
	}
	return mean(losses), grad, nil
}

func (p *localProgram) shardLossAndGrad(model, trainable *tree.Tree, batch data.Batch, key rng.Key) (float64, *tree.Tree, error) {
	if d, ok := p.obj.(Differentiable); ok {
		loss, full, err := d.LossAndGrad(model, batch, key)
		if err != nil {
			return 0, nil, err
		}
		grad, err := project(full, trainable)
		return loss, grad, err
	}
	return p.finiteDifferences(model, trainable, batch, key)
}

// project keeps the gradient leaves of trainable paths as float64.
func project(full, trainable *tree.Tree) (*tree.Tree, error) {
	return trainable.MapTensors(func(path string, param *tensor.RawTensor) (*tensor.RawTensor, error) {
		g, ok := full.Tensor(path)
		if !ok {
			return nil, errors.New("objective returned no gradient")
		}
		if !g.Shape().Equal(param.Shape()) {
			return nil, errors.Errorf("gradient %v does not match parameter %v", g.Meta(), param.Meta())
		}
		return g.Cast(tensor.Float64), nil
	})
}

// finiteDifferences differentiates the objective by central differences,
// one element at a time. Each perturbed value is rounded to the dtype of
// its leaf, and the difference quotient divides by the perturbation that
// survived the rounding.
func (p *localProgram) finiteDifferences(model, trainable *tree.Tree, batch data.Batch, key rng.Key) (float64, *tree.Tree, error) {
	loss, err := p.obj.Loss(model, batch, key)
	if err != nil {
		return 0, nil, err
	}
	grad, err := trainable.MapTensors(func(path string, param *tensor.RawTensor) (*tensor.RawTensor, error) {
		dt := param.DType()
		values := param.Float64s()
		out := make([]float64, len(values))
		for i := range values {
			orig := values[i]
			h := p.local.stepFor(dt) * max(1, math.Abs(orig))
			hi, lo := tensor.RoundTrip(orig+h, dt), tensor.RoundTrip(orig-h, dt)
			if hi == lo {
				return nil, errors.Errorf("perturbation of %s[%d] vanishes in %s", path, i, dt)
			}
			values[i] = hi
			plus, err := p.perturbed(model, path, values, param.Shape(), dt, batch, key)
			if err != nil {
				return nil, err
			}
			values[i] = lo
			minus, err := p.perturbed(model, path, values, param.Shape(), dt, batch, key)
			if err != nil {
				return nil, err
			}
			values[i] = orig
			out[i] = (plus - minus) / (hi - lo)
		}
		return tensor.FromFloat64s(out, param.Shape(), tensor.Float64)
	})
	if err != nil {
		return 0, nil, err
	}
	return loss, grad, nil
}

func (p *localProgram) perturbed(model *tree.Tree, path string, values []float64, shape tensor.Shape, dt tensor.DataType, batch data.Batch, key rng.Key) (float64, error) {
	leaf, err := tensor.FromFloat64s(values, shape, dt)
	if err != nil {
		return 0, err
	}
	m, err := model.With(path, leaf)
	if err != nil {
		return 0, err
	}
	return p.obj.Loss(m, batch, key)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// MeanTrees averages congruent gradient trees leaf by leaf and returns the
// means as float64 leaves shaped like the matching leaf of like.
func MeanTrees(like *tree.Tree, trees []*tree.Tree) (*tree.Tree, error) {
	if len(trees) == 1 {
		return trees[0], nil
	}
	sums := make(map[string][]float64, like.Len())
	for _, t := range trees {
		if !tree.Congruent(like, t) {
			return nil, errors.New("gradient structure does not match parameters")
		}
		for _, leaf := range t.Tensors() {
			values := leaf.Value.(*tensor.RawTensor).Float64s()
			acc, ok := sums[leaf.Path]
			if !ok {
				sums[leaf.Path] = values
				continue
			}
			if len(acc) != len(values) {
				return nil, errors.Errorf("gradient %q changes size across shards", leaf.Path)
			}
			for i, v := range values {
				acc[i] += v
			}
		}
	}
	n := float64(len(trees))
	return like.MapTensors(func(path string, ref *tensor.RawTensor) (*tensor.RawTensor, error) {
		acc, ok := sums[path]
		if !ok {
			return nil, errors.New("no gradient for parameter")
		}
		for i := range acc {
			acc[i] /= n
		}
		return tensor.FromFloat64s(acc, ref.Shape(), tensor.Float64)
	})
}
