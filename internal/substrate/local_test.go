package substrate

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/meshtrain/internal/data"
	"github.com/born-ml/meshtrain/internal/mesh"
	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

type point struct{ x, y float64 }

func scalar(v float64) *tensor.RawTensor {
	raw, _ := tensor.FromFloat64s([]float64{v}, tensor.Shape{1}, tensor.Float64)
	return raw
}

func leafValue(m *tree.Tree, path string) float64 {
	raw, _ := m.Tensor(path)
	return raw.Item()
}

// lineLoss is mean((w*x + b - y)²).
func lineLoss(model *tree.Tree, batch data.Batch, _ rng.Key) (float64, error) {
	w, b := leafValue(model, "w"), leafValue(model, "b")
	var sum float64
	points := batch.(data.Examples[point])
	for _, p := range points {
		r := w*p.x + b - p.y
		sum += r * r
	}
	return sum / float64(len(points)), nil
}

type analyticLine struct{}

func (analyticLine) Loss(model *tree.Tree, batch data.Batch, key rng.Key) (float64, error) {
	return lineLoss(model, batch, key)
}

func (analyticLine) LossAndGrad(model *tree.Tree, batch data.Batch, key rng.Key) (float64, *tree.Tree, error) {
	loss, err := lineLoss(model, batch, key)
	if err != nil {
		return 0, nil, err
	}
	w, b := leafValue(model, "w"), leafValue(model, "b")
	var dw, db float64
	points := batch.(data.Examples[point])
	for _, p := range points {
		r := w*p.x + b - p.y
		dw += 2 * r * p.x
		db += 2 * r
	}
	n := float64(len(points))
	return loss, tree.MustNew(
		tree.Leaf{Path: "w", Value: scalar(dw / n)},
		tree.Leaf{Path: "b", Value: scalar(db / n)},
	), nil
}

func testBatch() data.Examples[point] {
	return data.Examples[point]{{1, 3}, {2, 5}, {3, 7.5}, {4, 8}, {-1, 0}, {0, 1}, {5, 11}, {6, 12}}
}

func split(t *testing.T, w, b float64, trainB bool) (trainable, rest *tree.Tree) {
	t.Helper()
	model := tree.MustNew(
		tree.Leaf{Path: "w", Value: scalar(w)},
		tree.Leaf{Path: "b", Value: scalar(b)},
	)
	filter := tree.FilterFunc(func(path string, _ any) bool { return path == "w" || trainB })
	trainable, rest, err := tree.Partition(model, filter)
	require.NoError(t, err)
	return trainable, rest
}

func newMesh(t *testing.T, devices, model int) *mesh.DeviceMesh {
	t.Helper()
	m, err := mesh.NewDeviceMesh(mesh.LocalDevices(devices), model)
	require.NoError(t, err)
	return m
}

func TestLocalShardingMatchesSingleDevice(t *testing.T) {
	ctx := context.Background()
	trainable, rest := split(t, 1.5, 0.5, true)

	single, err := NewLocal(newMesh(t, 1, 1)).Bind(analyticLine{}, Axes{})
	require.NoError(t, err)
	sharded, err := NewLocal(newMesh(t, 8, 2)).Bind(analyticLine{}, Axes{})
	require.NoError(t, err)

	l1, g1, err := single.LossAndGrad(ctx, trainable, rest, testBatch(), rng.NewKey(0))
	require.NoError(t, err)
	l4, g4, err := sharded.LossAndGrad(ctx, trainable, rest, testBatch(), rng.NewKey(0))
	require.NoError(t, err)

	assert.InDelta(t, l1, l4, 1e-12)
	assert.InDelta(t, leafValue(g1, "w"), leafValue(g4, "w"), 1e-12)
	assert.InDelta(t, leafValue(g1, "b"), leafValue(g4, "b"), 1e-12)
}

func TestFiniteDifferencesMatchAnalytic(t *testing.T) {
	ctx := context.Background()
	trainable, rest := split(t, 1.5, 0.5, true)
	local := NewLocal(newMesh(t, 2, 1))

	analytic, err := local.Bind(analyticLine{}, Axes{})
	require.NoError(t, err)
	numeric, err := local.Bind(ObjectiveFunc(lineLoss), Axes{})
	require.NoError(t, err)

	la, ga, err := analytic.LossAndGrad(ctx, trainable, rest, testBatch(), rng.NewKey(1))
	require.NoError(t, err)
	ln, gn, err := numeric.LossAndGrad(ctx, trainable, rest, testBatch(), rng.NewKey(1))
	require.NoError(t, err)

	assert.InDelta(t, la, ln, 1e-12)
	assert.InDelta(t, leafValue(ga, "w"), leafValue(gn, "w"), 1e-5)
	assert.InDelta(t, leafValue(ga, "b"), leafValue(gn, "b"), 1e-5)
}

func TestFiniteDifferencesInLowPrecision(t *testing.T) {
	ctx := context.Background()
	model := tree.MustNew(
		tree.Leaf{Path: "w", Value: scalar(1.5).Cast(tensor.BFloat16)},
		tree.Leaf{Path: "b", Value: scalar(0.5).Cast(tensor.BFloat16)},
	)
	trainable, rest, err := tree.Partition(model, tree.Const(true))
	require.NoError(t, err)
	local := NewLocal(newMesh(t, 1, 1))

	analytic, err := local.Bind(analyticLine{}, Axes{})
	require.NoError(t, err)
	numeric, err := local.Bind(ObjectiveFunc(lineLoss), Axes{})
	require.NoError(t, err)

	_, ga, err := analytic.LossAndGrad(ctx, trainable, rest, testBatch(), rng.NewKey(0))
	require.NoError(t, err)
	_, gn, err := numeric.LossAndGrad(ctx, trainable, rest, testBatch(), rng.NewKey(0))
	require.NoError(t, err)

	for _, path := range []string{"w", "b"} {
		g, _ := gn.Tensor(path)
		assert.Equal(t, tensor.Float64, g.DType(), path)
		assert.NotZero(t, g.Item(), path)
		assert.InDelta(t, leafValue(ga, path), g.Item(), 1e-3, path)
	}
}

func TestGradientOnlyForTrainable(t *testing.T) {
	trainable, rest := split(t, 1.5, 0.5, false)
	prog, err := NewLocal(newMesh(t, 1, 1)).Bind(analyticLine{}, Axes{})
	require.NoError(t, err)

	_, grad, err := prog.LossAndGrad(context.Background(), trainable, rest, testBatch(), rng.NewKey(0))
	require.NoError(t, err)
	assert.True(t, tree.Congruent(trainable, grad))

	b, ok := grad.Get("b")
	require.True(t, ok)
	assert.Nil(t, b)
}

func TestUnevenBatchRunsOnOneShard(t *testing.T) {
	prog, err := NewLocal(newMesh(t, 4, 1)).Bind(ObjectiveFunc(lineLoss), Axes{})
	require.NoError(t, err)

	model := tree.MustNew(tree.Leaf{Path: "w", Value: scalar(2)}, tree.Leaf{Path: "b", Value: scalar(1)})
	loss, err := prog.Loss(context.Background(), model, testBatch()[:3], rng.NewKey(0))
	require.NoError(t, err)
	assert.InDelta(t, 0.25/3, loss, 1e-12)
}

func TestLossErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	prog, err := NewLocal(newMesh(t, 2, 1)).Bind(ObjectiveFunc(func(*tree.Tree, data.Batch, rng.Key) (float64, error) {
		return 0, boom
	}), Axes{})
	require.NoError(t, err)

	_, err = prog.Loss(context.Background(), tree.Empty(), testBatch(), rng.NewKey(0))
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = prog.Loss(ctx, tree.Empty(), testBatch(), rng.NewKey(0))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewLocal(newMesh(t, 1, 1)).Bind(nil, Axes{})
	assert.Error(t, err)
}
