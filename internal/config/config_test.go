package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/meshtrain/internal/errs"
	"github.com/born-ml/meshtrain/internal/mesh"
	"github.com/born-ml/meshtrain/internal/precision"
	"github.com/born-ml/meshtrain/internal/tensor"
)

const sample = `
seed = 7
mp = "p=f32,c=bf16,o=f32"
run_id = "demo"
fsdp_axis = "embed"
tensor_parallel_axes = ["mlp", "heads"]
model_axis_size = 2
train_batch_size = 32
per_device_parallelism = 2
num_train_steps = 100
steps_per_eval = 10
load_checkpoint = true

[axis_resources]
vocab = "model"

[checkpointer]
base_path = "ckpt"
save_interval = "5m"
keep_every = 50

[optimizer]
learning_rate = 0.01
lr_schedule = "linear"
warmup_ratio = 0.1
`

func TestParse(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, precision.Policy{Param: tensor.Float32, Compute: tensor.BFloat16, Output: tensor.Float32}, cfg.MP)
	assert.Equal(t, AxisList{"embed"}, cfg.FSDPAxis)
	assert.Equal(t, []string{"mlp", "heads"}, cfg.TensorParallelAxes)
	assert.Equal(t, LoadRequired, cfg.LoadCheckpoint)
	assert.Equal(t, 5*time.Minute, cfg.Checkpointer.SaveInterval)
	assert.Equal(t, 50, cfg.Checkpointer.KeepEvery)
	assert.Equal(t, 0.01, cfg.Optimizer.LearningRate)

	// Untouched keys keep their defaults.
	assert.Equal(t, "batch", cfg.BatchAxis)
	assert.Equal(t, 0.999, cfg.Optimizer.Beta2)
	assert.Equal(t, -1, cfg.MaxEvalBatches)
}

func TestParseLoadModes(t *testing.T) {
	for text, want := range map[string]LoadMode{
		`load_checkpoint = false`:      LoadForbidden,
		`load_checkpoint = "AUTO"`:     LoadAuto,
		`load_checkpoint = "required"`: LoadRequired,
		`fsdp_axis = ["embed", "mlp"]`: LoadAuto,
	} {
		cfg, err := Parse(text)
		require.NoError(t, err, text)
		assert.Equal(t, want, cfg.LoadCheckpoint, text)
	}

	_, err := Parse(`load_checkpoint = "sometimes"`)
	assert.Error(t, err)
	_, err = Parse(`load_checkpoint = 3`)
	assert.Error(t, err)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse("num_train_step = 3\n[optimizer]\nlr = 1.0\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConfig))
	assert.Contains(t, err.Error(), "num_train_step")
	assert.Contains(t, err.Error(), "optimizer.lr")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.RunID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.True(t, errors.Is(err, errs.ErrConfig))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func env(n int) Environment {
	return Environment{Devices: mesh.LocalDevices(n), Accelerator: func() bool { return false }}
}

func TestResolve(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)

	r, err := cfg.Resolve(env(8))
	require.NoError(t, err)
	assert.Equal(t, 4, r.DataAxisSize)
	assert.Equal(t, 2, r.PerDeviceParallelism)
	assert.Equal(t, 2, r.PerDeviceEvalParallelism)
	assert.Equal(t, 8, r.EvalBatchSize)
	assert.Equal(t, 8, r.MicrobatchSize())
	assert.Equal(t, filepath.Join("ckpt", "demo"), r.LoadCheckpointPath)
	assert.Equal(t, filepath.Join("runs", "demo"), r.RunDir)

	assert.Equal(t, mesh.ResourceModel, r.ComputeMapping["mlp"])
	assert.Equal(t, mesh.ResourceData, r.ComputeMapping["batch"])
	assert.Equal(t, mesh.ResourceModel, r.ComputeMapping["vocab"])
	assert.Equal(t, mesh.ResourceData, r.ParameterMapping["embed"])
	_, ok := r.ComputeMapping["embed"]
	assert.False(t, ok)
}

func TestResolveDerivesParallelism(t *testing.T) {
	cfg := Default()
	cfg.TrainBatchSize = 16
	cfg.RunID = ""
	r, err := cfg.Resolve(env(4))
	require.NoError(t, err)
	assert.Equal(t, 4, r.PerDeviceParallelism)
	assert.Equal(t, 16, r.MicrobatchSize())
	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, LoadAuto, r.LoadCheckpoint)
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TrainerConfig)
		env    Environment
		target error
	}{
		{"indivisible mesh", func(c *TrainerConfig) { c.ModelAxisSize = 3 }, env(8), errs.ErrConfig},
		{"indivisible batch", func(c *TrainerConfig) { c.TrainBatchSize = 12; c.PerDeviceParallelism = 2 }, env(8), errs.ErrConfig},
		{"batch below devices", func(c *TrainerConfig) { c.TrainBatchSize = 4 }, env(8), errs.ErrConfig},
		{"local devices", func(c *TrainerConfig) { c.ModelAxisSize = 4 }, Environment{Devices: mesh.LocalDevices(12), LocalDeviceCount: 6}, errs.ErrConfig},
		{"bad optimizer", func(c *TrainerConfig) { c.Optimizer.LRSchedule = "step" }, env(8), errs.ErrConfig},
		{"no steps", func(c *TrainerConfig) { c.NumTrainSteps = 0 }, env(8), errs.ErrConfig},
		{"accelerator", func(c *TrainerConfig) { c.RequireAccelerator = true }, env(8), errs.ErrResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.TrainBatchSize = 64
			tt.mutate(&cfg)
			_, err := cfg.Resolve(tt.env)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), err.Error())
		})
	}
}
