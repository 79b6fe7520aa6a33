// Package config loads and resolves the trainer configuration.
//
// A TrainerConfig is what the user writes in TOML. Resolve checks it
// against the available devices and computes every derived value once:
// the device mesh, batch parallelism, axis mappings and checkpoint paths.
package config

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/checkpoint"
	"github.com/born-ml/meshtrain/internal/errs"
	"github.com/born-ml/meshtrain/internal/optim"
	"github.com/born-ml/meshtrain/internal/precision"
)

// LoadMode controls whether training resumes from a checkpoint.
type LoadMode string

const (
	// LoadAuto resumes when a checkpoint exists and starts fresh otherwise.
	LoadAuto LoadMode = "auto"
	// LoadRequired fails when no checkpoint exists.
	LoadRequired LoadMode = "required"
	// LoadForbidden always starts fresh.
	LoadForbidden LoadMode = "forbidden"
)

// UnmarshalTOML accepts a mode name or a boolean (true means required,
// false forbidden).
func (m *LoadMode) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case bool:
		if v {
			*m = LoadRequired
		} else {
			*m = LoadForbidden
		}
		return nil
	case string:
		mode := LoadMode(strings.ToLower(strings.TrimSpace(v)))
		if mode == "" {
			mode = LoadAuto
		}
		if err := mode.Validate(); err != nil {
			return err
		}
		*m = mode
		return nil
	default:
		return errors.Errorf("load_checkpoint must be a string or boolean, got %T", v)
	}
}

// Validate checks that m is a known mode. The empty mode means LoadAuto.
func (m LoadMode) Validate() error {
	switch m {
	case "", LoadAuto, LoadRequired, LoadForbidden:
		return nil
	default:
		return errs.Config("unknown load_checkpoint mode %q", string(m))
	}
}

// AxisList is a list of logical axis names that may be written in TOML as
// a single string.
type AxisList []string

// UnmarshalTOML implements toml.Unmarshaler.
func (a *AxisList) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case string:
		*a = AxisList{v}
	case []any:
		out := make(AxisList, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return errors.Errorf("axis names must be strings, got %T", item)
			}
			out = append(out, s)
		}
		*a = out
	default:
		return errors.Errorf("axis list must be a string or array, got %T", v)
	}
	return nil
}

// TrainerConfig is the declarative trainer configuration.
type TrainerConfig struct {
	Seed int64            `toml:"seed"`
	MP   precision.Policy `toml:"mp"`

	LogDir     string `toml:"log_dir"`
	RunBaseDir string `toml:"run_base_dir"`
	// RunID names the run. A random id is generated when empty.
	RunID string `toml:"run_id"`

	BatchAxis              string            `toml:"batch_axis"`
	FSDPAxis               AxisList          `toml:"fsdp_axis"`
	TensorParallelAxes     []string          `toml:"tensor_parallel_axes"`
	AxisResources          map[string]string `toml:"axis_resources"`
	ParameterAxisResources map[string]string `toml:"parameter_axis_resources"`
	ModelAxisSize          int               `toml:"model_axis_size"`

	TrainBatchSize int `toml:"train_batch_size"`
	// PerDeviceParallelism is the number of examples each device processes
	// at once; -1 derives it from the batch size and device count.
	PerDeviceParallelism int `toml:"per_device_parallelism"`
	// PerDeviceEvalParallelism defaults (-1) to PerDeviceParallelism.
	PerDeviceEvalParallelism int `toml:"per_device_eval_parallelism"`

	NumTrainSteps int `toml:"num_train_steps"`
	StepsPerEval  int `toml:"steps_per_eval"`
	// MaxEvalBatches limits evaluation; -1 evaluates every batch.
	MaxEvalBatches int `toml:"max_eval_batches"`

	Checkpointer checkpoint.Config `toml:"checkpointer"`
	// LoadCheckpoint defaults to auto.
	LoadCheckpoint LoadMode `toml:"load_checkpoint"`
	// LoadCheckpointPath is a checkpoint file or a directory searched for
	// the latest one. Defaults to <checkpointer.base_path>/<run_id>.
	LoadCheckpointPath string `toml:"load_checkpoint_path"`

	RequireAccelerator bool `toml:"require_accelerator"`

	Optimizer optim.Config `toml:"optimizer"`
}

// Default returns the default configuration.
func Default() TrainerConfig {
	return TrainerConfig{
		MP:                       precision.Full,
		LogDir:                   "logs",
		RunBaseDir:               "runs",
		BatchAxis:                "batch",
		FSDPAxis:                 AxisList{"embed"},
		ModelAxisSize:            1,
		TrainBatchSize:           512,
		PerDeviceParallelism:     -1,
		PerDeviceEvalParallelism: -1,
		NumTrainSteps:            400_000,
		StepsPerEval:             1_000,
		MaxEvalBatches:           -1,
		Checkpointer:             checkpoint.DefaultConfig(),
		LoadCheckpoint:           LoadAuto,
		Optimizer:                optim.DefaultConfig(),
	}
}

// Load reads a TOML file over the defaults. Unknown keys are rejected.
func Load(path string) (TrainerConfig, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return TrainerConfig{}, errs.WrapConfig(err, "load %s", path)
	}
	if err := checkUndecoded(meta); err != nil {
		return TrainerConfig{}, errors.Wrapf(err, "load %s", path)
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults.
func Parse(text string) (TrainerConfig, error) {
	cfg := Default()
	meta, err := toml.Decode(text, &cfg)
	if err != nil {
		return TrainerConfig{}, errs.WrapConfig(err, "parse config")
	}
	if err := checkUndecoded(meta); err != nil {
		return TrainerConfig{}, err
	}
	return cfg, nil
}

func checkUndecoded(meta toml.MetaData) error {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	return errs.Config("unknown config keys: %s", strings.Join(keys, ", "))
}

// Validate checks the settings that do not depend on the devices.
func (c TrainerConfig) Validate() error {
	if c.NumTrainSteps <= 0 {
		return errs.Config("num_train_steps must be positive, got %d", c.NumTrainSteps)
	}
	if c.TrainBatchSize <= 0 {
		return errs.Config("train_batch_size must be positive, got %d", c.TrainBatchSize)
	}
	if c.ModelAxisSize <= 0 {
		return errs.Config("model_axis_size must be positive, got %d", c.ModelAxisSize)
	}
	if c.PerDeviceParallelism == 0 || c.PerDeviceParallelism < -1 {
		return errs.Config("per_device_parallelism must be positive or -1, got %d", c.PerDeviceParallelism)
	}
	if c.PerDeviceEvalParallelism == 0 || c.PerDeviceEvalParallelism < -1 {
		return errs.Config("per_device_eval_parallelism must be positive or -1, got %d", c.PerDeviceEvalParallelism)
	}
	if c.StepsPerEval < 0 {
		return errs.Config("steps_per_eval must not be negative, got %d", c.StepsPerEval)
	}
	if c.MaxEvalBatches < -1 {
		return errs.Config("max_eval_batches must be non-negative or -1, got %d", c.MaxEvalBatches)
	}
	if err := c.LoadCheckpoint.Validate(); err != nil {
		return err
	}
	if err := c.Checkpointer.Validate(); err != nil {
		return errs.WrapConfig(err, "checkpointer")
	}
	if err := c.Optimizer.Validate(); err != nil {
		return errs.WrapConfig(err, "optimizer")
	}
	return nil
}
