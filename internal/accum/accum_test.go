package accum

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/meshtrain/internal/data"
	"github.com/born-ml/meshtrain/internal/errs"
	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

func params(dtype tensor.DataType) *tree.Tree {
	w, err := tensor.FromFloat64s([]float64{0.5, -0.25}, tensor.Shape{2}, dtype)
	if err != nil {
		panic(err)
	}
	return tree.MustNew(tree.Leaf{Path: "w", Value: w}, tree.Leaf{Path: "frozen"})
}

// quadratic is mean over examples of (w·x - y)², with its gradient.
func quadratic(_ context.Context, trainable *tree.Tree, micro data.Batch, _ int) (float64, *tree.Tree, error) {
	raw, _ := trainable.Tensor("w")
	w := raw.Float64s()
	examples := micro.(data.Examples[[3]float64])
	var loss float64
	grad := make([]float64, 2)
	for _, e := range examples {
		r := w[0]*e[0] + w[1]*e[1] - e[2]
		loss += r * r
		grad[0] += 2 * r * e[0]
		grad[1] += 2 * r * e[1]
	}
	n := float64(len(examples))
	grad[0] /= n
	grad[1] /= n
	g, err := tensor.FromFloat64s(grad, tensor.Shape{2}, raw.DType())
	if err != nil {
		return 0, nil, err
	}
	return loss / n, tree.MustNew(tree.Leaf{Path: "w", Value: g}, tree.Leaf{Path: "frozen"}), nil
}

func batch() data.Examples[[3]float64] {
	return data.Examples[[3]float64]{
		{1, 2, 3}, {0, 1, -1}, {2, 2, 0}, {-1, 3, 4},
		{5, 0, 2}, {1, 1, 1}, {0.5, -2, 3}, {3, 3, 3},
	}
}

func TestAccumulationEquivalence(t *testing.T) {
	ctx := context.Background()
	full, err := New(8, 1)
	require.NoError(t, err)
	wantLoss, wantGrad, err := full.Accumulate(ctx, quadratic, params(tensor.Float64), batch())
	require.NoError(t, err)
	want, _ := wantGrad.Tensor("w")

	for _, tc := range []struct{ perDevice, dataAxis, micro int }{
		{4, 1, 2}, {2, 1, 4}, {1, 1, 8}, {2, 2, 2}, {1, 2, 4}, {4, 2, 1},
	} {
		acc, err := New(tc.perDevice, tc.dataAxis)
		require.NoError(t, err)
		n, err := acc.Microbatches(8)
		require.NoError(t, err)
		assert.Equal(t, tc.micro, n)

		loss, grad, err := acc.Accumulate(ctx, quadratic, params(tensor.Float64), batch())
		require.NoError(t, err)
		got, _ := grad.Tensor("w")

		assert.InDelta(t, wantLoss, loss, 1e-12)
		assert.InDeltaSlice(t, want.Float64s(), got.Float64s(), 1e-12)
	}
}

func TestAccumulateKeepsParamDtype(t *testing.T) {
	acc, err := New(2, 1)
	require.NoError(t, err)

	_, grad, err := acc.Accumulate(context.Background(), quadratic, params(tensor.BFloat16), batch())
	require.NoError(t, err)
	g, _ := grad.Tensor("w")
	assert.Equal(t, tensor.BFloat16, g.DType())

	frozen, _ := grad.Get("frozen")
	assert.Nil(t, frozen)
}

func TestMicrobatchGradientsAreRoundedOnce(t *testing.T) {
	acc, err := New(4, 1)
	require.NoError(t, err)

	// In units of the bfloat16 spacing u on [1, 2): rounding 1+0.4u and
	// 1+0.8u first gives a mean of 1+0.5u, which ties down to 1. The exact
	// mean 1+0.6u rounds up to 1+u.
	const u = 1.0 / 128
	micro := []float64{1 + 0.4*u, 1 + 0.8*u}
	fn := func(_ context.Context, trainable *tree.Tree, _ data.Batch, index int) (float64, *tree.Tree, error) {
		g, err := tensor.FromFloat64s([]float64{micro[index]}, tensor.Shape{1}, tensor.Float64)
		if err != nil {
			return 0, nil, err
		}
		return 0, tree.MustNew(tree.Leaf{Path: "w", Value: g}), nil
	}
	trainable := tree.MustNew(tree.Leaf{Path: "w", Value: tensor.Zeros(tensor.Shape{1}, tensor.BFloat16)})

	_, grad, err := acc.Accumulate(context.Background(), fn, trainable, batch())
	require.NoError(t, err)
	g, _ := grad.Tensor("w")
	assert.Equal(t, tensor.BFloat16, g.DType())
	assert.Equal(t, []float64{1 + u}, g.Float64s())
}

func TestSingleMicrobatchCallsThrough(t *testing.T) {
	acc, err := New(4, 2)
	require.NoError(t, err)

	calls := 0
	fn := func(ctx context.Context, trainable *tree.Tree, micro data.Batch, index int) (float64, *tree.Tree, error) {
		calls++
		assert.Equal(t, 0, index)
		assert.Equal(t, 8, micro.Len())
		return quadratic(ctx, trainable, micro, index)
	}
	_, _, err = acc.Accumulate(context.Background(), fn, params(tensor.Float32), batch())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestIndivisibleBatchIsConfigError(t *testing.T) {
	acc, err := New(3, 1)
	require.NoError(t, err)

	_, _, err = acc.Accumulate(context.Background(), quadratic, params(tensor.Float32), batch())
	assert.True(t, errors.Is(err, errs.ErrConfig))

	_, err = New(0, 1)
	assert.True(t, errors.Is(err, errs.ErrConfig))
}

func TestAccumulateStopsOnError(t *testing.T) {
	acc, err := New(1, 1)
	require.NoError(t, err)

	boom := errors.New("nan loss")
	calls := 0
	fn := func(_ context.Context, _ *tree.Tree, _ data.Batch, index int) (float64, *tree.Tree, error) {
		calls++
		if index == 2 {
			return 0, nil, boom
		}
		return 1, params(tensor.Float32), nil
	}
	_, _, err = acc.Accumulate(context.Background(), fn, params(tensor.Float32), batch())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = acc.Accumulate(ctx, fn, params(tensor.Float32), batch())
	assert.ErrorIs(t, err, context.Canceled)
}
