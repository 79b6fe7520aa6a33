// Package accum computes the mean loss and gradient of a logical batch by
// evaluating it in microbatches.
//
// Each microbatch holds perDevice examples for every data-parallel row of
// the mesh. Sums are kept in float64 whatever the parameter dtype and the
// means are cast back to each parameter's dtype once, at the end.
package accum

import (
	"context"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/data"
	"github.com/born-ml/meshtrain/internal/errs"
	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

// Func evaluates loss and gradient on one microbatch. index identifies the
// microbatch within the logical batch.
type Func func(ctx context.Context, trainable *tree.Tree, micro data.Batch, index int) (float64, *tree.Tree, error)

// Accumulator splits logical batches into microbatches.
type Accumulator struct {
	perDevice    int
	dataAxisSize int
}

// New returns an accumulator for perDevice examples on each of
// dataAxisSize data-parallel rows.
func New(perDevice, dataAxisSize int) (*Accumulator, error) {
	if perDevice <= 0 {
		return nil, errs.Config("per-device parallelism must be positive, got %d", perDevice)
	}
	if dataAxisSize <= 0 {
		return nil, errs.Config("data axis size must be positive, got %d", dataAxisSize)
	}
	return &Accumulator{perDevice: perDevice, dataAxisSize: dataAxisSize}, nil
}

// MicrobatchSize returns the number of examples per microbatch.
func (a *Accumulator) MicrobatchSize() int {
	return a.perDevice * a.dataAxisSize
}

// Microbatches returns how many microbatches a batch of batchLen examples
// needs. The batch must divide evenly.
func (a *Accumulator) Microbatches(batchLen int) (int, error) {
	size := a.MicrobatchSize()
	if batchLen <= 0 || batchLen%size != 0 {
		return 0, errs.Config("batch size %d is not divisible by per-device parallelism %d x data axis size %d",
			batchLen, a.perDevice, a.dataAxisSize)
	}
	return batchLen / size, nil
}

// Accumulate returns the mean loss and mean gradient of fn over the
// microbatches of batch, in order. Microbatch gradients are summed in
// float64 and only the mean is stored in the dtype of each trainable leaf.
// ctx is checked between microbatches.
func (a *Accumulator) Accumulate(ctx context.Context, fn Func, trainable *tree.Tree, batch data.Batch) (float64, *tree.Tree, error) {
	n, err := a.Microbatches(batch.Len())
	if err != nil {
		return 0, nil, err
	}
	micro := []data.Batch{batch}
	if n > 1 {
		if micro, err = data.Split(batch, n); err != nil {
			return 0, nil, err
		}
	}

	sum := newSum(trainable)
	var loss float64
	for i, mb := range micro {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		l, g, err := fn(ctx, trainable, mb, i)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "microbatch %d", i)
		}
		loss += l
		if err := sum.add(g); err != nil {
			return 0, nil, errors.Wrapf(err, "microbatch %d", i)
		}
	}

	grad, err := sum.mean(float64(n))
	if err != nil {
		return 0, nil, err
	}
	return loss / float64(n), grad, nil
}

// sum holds float64 running totals for the array leaves of like.
type sum struct {
	like   *tree.Tree
	totals map[string][]float64
}

func newSum(like *tree.Tree) *sum {
	s := &sum{like: like, totals: make(map[string][]float64)}
	for _, leaf := range like.Tensors() {
		s.totals[leaf.Path] = make([]float64, leaf.Value.(*tensor.RawTensor).NumElements())
	}
	return s
}

func (s *sum) add(g *tree.Tree) error {
	if !tree.Congruent(s.like, g) {
		return errors.New("gradient structure does not match trainable parameters")
	}
	for path, total := range s.totals {
		raw, ok := g.Tensor(path)
		if !ok {
			return errors.Errorf("no gradient for %q", path)
		}
		values := raw.Float64s()
		if len(values) != len(total) {
			return errors.Errorf("gradient %q has %d elements, want %d", path, len(values), len(total))
		}
		for i, v := range values {
			total[i] += v
		}
	}
	return nil
}

func (s *sum) mean(n float64) (*tree.Tree, error) {
	return s.like.MapTensors(func(path string, ref *tensor.RawTensor) (*tensor.RawTensor, error) {
		total := s.totals[path]
		out := make([]float64, len(total))
		for i, v := range total {
			out[i] = v / n
		}
		return tensor.FromFloat64s(out, ref.Shape(), ref.DType())
	})
}
