package main

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/data"
	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

// sample is one regression example.
type sample struct {
	x []float64
	y float64
}

// synthesize draws n examples of y = w·x + b + noise. The true weights
// come from truth, the inputs and noise from samples.
func synthesize(n, dim int, truth, samples rng.Key) []sample {
	tr := truth.Rand()
	w := make([]float64, dim)
	for i := range w {
		w[i] = tr.NormFloat64()
	}
	b := tr.NormFloat64()

	r := samples.Rand()
	out := make([]sample, n)
	for i := range out {
		x := make([]float64, dim)
		y := b
		for j := range x {
			x[j] = r.NormFloat64()
			y += w[j] * x[j]
		}
		out[i] = sample{x: x, y: y + 0.01*r.NormFloat64()}
	}
	return out
}

// regressionModel describes a linear model over dim standardized features.
// "norm.scale" is a frozen per-feature scale and "stats.version" an integer
// buffer; neither is trained.
type regressionModel struct {
	dim int
	key rng.Key
}

func (m regressionModel) Shape() (*tree.Tree, error) {
	f32 := func(n int) tensor.ShapeDtype { return tensor.ShapeDtype{Shape: tensor.Shape{n}, DType: tensor.Float32} }
	return tree.New(
		tree.Leaf{Path: "dense.w", Value: f32(m.dim)},
		tree.Leaf{Path: "dense.b", Value: f32(1)},
		tree.Leaf{Path: "norm.scale", Value: f32(m.dim)},
		tree.Leaf{Path: "stats.version", Value: tensor.ShapeDtype{Shape: tensor.Shape{1}, DType: tensor.Int32}},
	)
}

func (m regressionModel) Init() (*tree.Tree, error) {
	r := m.key.Rand()
	return tree.New(
		tree.Leaf{Path: "dense.w", Value: tensor.Xavier(m.dim, 1, tensor.Shape{m.dim}, tensor.Float32, r)},
		tree.Leaf{Path: "dense.b", Value: tensor.Zeros(tensor.Shape{1}, tensor.Float32)},
		tree.Leaf{Path: "norm.scale", Value: tensor.Full(tensor.Shape{m.dim}, tensor.Float32, 1)},
		tree.Leaf{Path: "stats.version", Value: tensor.Full(tensor.Shape{1}, tensor.Int32, 1)},
	)
}

// meanSquaredError is the mean of (w·(scale*x) + b - y)² with analytic
// gradients for the dense leaves.
type meanSquaredError struct{}

func leaf(model *tree.Tree, path string) ([]float64, error) {
	raw, ok := model.Tensor(path)
	if !ok {
		return nil, errors.Errorf("model has no array %q", path)
	}
	return raw.Float64s(), nil
}

func (meanSquaredError) forward(model *tree.Tree, batch data.Batch) (residuals []float64, inputs [][]float64, err error) {
	w, err := leaf(model, "dense.w")
	if err != nil {
		return nil, nil, err
	}
	b, err := leaf(model, "dense.b")
	if err != nil {
		return nil, nil, err
	}
	scale, err := leaf(model, "norm.scale")
	if err != nil {
		return nil, nil, err
	}
	examples, ok := batch.(data.Examples[sample])
	if !ok {
		return nil, nil, errors.Errorf("unexpected batch type %T", batch)
	}

	residuals = make([]float64, len(examples))
	inputs = make([][]float64, len(examples))
	for i, ex := range examples {
		x := make([]float64, len(ex.x))
		pred := b[0]
		for j := range x {
			x[j] = scale[j] * ex.x[j]
			pred += w[j] * x[j]
		}
		residuals[i] = pred - ex.y
		inputs[i] = x
	}
	return residuals, inputs, nil
}

func (o meanSquaredError) Loss(model *tree.Tree, batch data.Batch, _ rng.Key) (float64, error) {
	r, _, err := o.forward(model, batch)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range r {
		sum += v * v
	}
	return sum / float64(len(r)), nil
}

func (o meanSquaredError) LossAndGrad(model *tree.Tree, batch data.Batch, _ rng.Key) (float64, *tree.Tree, error) {
	r, inputs, err := o.forward(model, batch)
	if err != nil {
		return 0, nil, err
	}
	n := float64(len(r))
	var loss, db float64
	dw := make([]float64, len(inputs[0]))
	for i, res := range r {
		loss += res * res / n
		db += 2 * res / n
		for j, x := range inputs[i] {
			dw[j] += 2 * res * x / n
		}
	}
	gw, err := tensor.FromFloat64s(dw, tensor.Shape{len(dw)}, tensor.Float64)
	if err != nil {
		return 0, nil, err
	}
	gb, err := tensor.FromFloat64s([]float64{db}, tensor.Shape{1}, tensor.Float64)
	if err != nil {
		return 0, nil, err
	}
	grad, err := tree.New(tree.Leaf{Path: "dense.w", Value: gw}, tree.Leaf{Path: "dense.b", Value: gb})
	return loss, grad, err
}

// shuffled returns a permutation of examples drawn from r.
func shuffled(examples []sample, r *rand.Rand) []sample {
	out := append([]sample(nil), examples...)
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
