package trainer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/meshtrain/tensor"
	"github.com/born-ml/meshtrain/trainer"
	"github.com/born-ml/meshtrain/tree"
)

// meanOffset is mean((c - y)²) over scalar targets y.
type meanOffset struct{}

func (meanOffset) Loss(model *tree.Tree, batch trainer.Batch, _ trainer.Key) (float64, error) {
	c, _ := model.Tensor("c")
	v := c.Item()
	var sum float64
	for _, y := range batch.(trainer.Examples[float64]) {
		sum += (v - y) * (v - y)
	}
	return sum / float64(batch.Len()), nil
}

func TestPublicTrainingRun(t *testing.T) {
	cfg := trainer.DefaultConfig()
	cfg.RunID = "facade"
	cfg.NumTrainSteps = 30
	cfg.TrainBatchSize = 4
	cfg.Checkpointer.BasePath = t.TempDir()
	cfg.Optimizer.Algorithm = "sgd"
	cfg.Optimizer.LearningRate = 0.1
	cfg.Optimizer.LRSchedule = "constant"
	cfg.Optimizer.WarmupRatio = 0

	resolved, err := cfg.Resolve(trainer.Environment{Devices: trainer.LocalDevices(2)})
	require.NoError(t, err)

	tr, err := trainer.New(resolved, nil, meanOffset{})
	require.NoError(t, err)

	model := tree.MustNew(tree.Leaf{Path: "c", Value: tensor.Scalar(0, tensor.Float32)})
	state, err := tr.InitialState(context.Background(), trainer.NewKey(0), model, nil)
	require.NoError(t, err)

	loader, err := trainer.NewSliceLoader([]float64{1, 2, 3, 2}, 4, true)
	require.NoError(t, err)
	last, err := tr.Train(context.Background(), state, loader)
	require.NoError(t, err)

	c, _ := last.Model().Tensor("c")
	assert.InDelta(t, 2.0, c.Item(), 0.1)
	assert.Equal(t, 30, last.NextStep())
}

func TestPublicErrors(t *testing.T) {
	cfg := trainer.DefaultConfig()
	cfg.ModelAxisSize = 3
	_, err := cfg.Resolve(trainer.Environment{Devices: trainer.LocalDevices(4)})
	assert.True(t, errors.Is(err, trainer.ErrConfig))

	policy, err := trainer.ParsePolicy("bf16")
	require.NoError(t, err)
	assert.Equal(t, tensor.BFloat16, policy.Compute)
}
