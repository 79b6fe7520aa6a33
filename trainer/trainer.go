// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package trainer

import (
	"github.com/born-ml/meshtrain/internal/checkpoint"
	"github.com/born-ml/meshtrain/internal/config"
	"github.com/born-ml/meshtrain/internal/data"
	"github.com/born-ml/meshtrain/internal/mesh"
	"github.com/born-ml/meshtrain/internal/optim"
	"github.com/born-ml/meshtrain/internal/precision"
	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/substrate"
	"github.com/born-ml/meshtrain/internal/trainer"
	"github.com/born-ml/meshtrain/internal/tree"
)

// Errors.
var (
	// ErrConfig marks fatal configuration errors.
	ErrConfig = trainer.ErrConfig
	// ErrResource marks a missing accelerator.
	ErrResource = trainer.ErrResource
	// ErrCheckpointNotFound marks a checkpoint lookup that found nothing.
	ErrCheckpointNotFound = trainer.ErrCheckpointNotFound
)

// Trainer

// Trainer runs training steps for one configuration.
type Trainer = trainer.Trainer

// State is an immutable training state.
type State = trainer.State

// StepInfo is the result of one step.
type StepInfo = trainer.StepInfo

// Option configures a Trainer.
type Option = trainer.Option

// Initializer builds a model on demand and describes its shape.
type Initializer = trainer.Initializer

// InitFunc adapts a function to Initializer.
type InitFunc = trainer.InitFunc

// New returns a trainer for a resolved configuration. A nil opt builds the
// optimizer from the configuration.
func New(cfg *Resolved, opt optim.GradientTransformation, obj Objective, opts ...Option) (*Trainer, error) {
	return trainer.New(cfg, opt, obj, opts...)
}

// NewState builds a state by hand.
func NewState(step int, model, optState *tree.Tree, key Key) *State {
	return trainer.NewState(step, model, optState, key)
}

// WithTrainable selects the trainable leaves.
func WithTrainable(filter tree.Filter) Option { return trainer.WithTrainable(filter) }

// WithCompiler sets the execution substrate.
func WithCompiler(c Compiler) Option { return trainer.WithCompiler(c) }

// WithCheckpointer replaces the configured checkpointer; nil disables it.
func WithCheckpointer(c *Checkpointer) Option { return trainer.WithCheckpointer(c) }

// Configuration

// Config is the declarative trainer configuration.
type Config = config.TrainerConfig

// Resolved is a configuration checked against the devices.
type Resolved = config.Resolved

// Environment lists the devices a configuration is resolved against.
type Environment = config.Environment

// LoadMode controls checkpoint resume.
type LoadMode = config.LoadMode

// Checkpoint load modes.
const (
	LoadAuto      = config.LoadAuto
	LoadRequired  = config.LoadRequired
	LoadForbidden = config.LoadForbidden
)

// Policy is a mixed precision policy.
type Policy = precision.Policy

// ParsePolicy reads "f32", "bf16" or "p=f32,c=bf16,o=f32".
func ParsePolicy(s string) (Policy, error) { return precision.Parse(s) }

// DefaultConfig returns the default configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Device is one compute device.
type Device = mesh.Device

// LocalDevices returns n host devices, one per core when n is not positive.
func LocalDevices(n int) []Device { return mesh.LocalDevices(n) }

// Substrate

// Objective computes the mean loss of a model on a batch.
type Objective = substrate.Objective

// ObjectiveFunc adapts a function to Objective.
type ObjectiveFunc = substrate.ObjectiveFunc

// Differentiable objectives also provide their gradients.
type Differentiable = substrate.Differentiable

// Compiler binds objectives to an execution substrate.
type Compiler = substrate.Compiler

// Program is a bound objective.
type Program = substrate.Program

// Data

// Batch is a logical batch of examples.
type Batch = data.Batch

// Loader yields batches.
type Loader = data.Loader

// Examples is a batch backed by a slice.
type Examples[T any] = data.Examples[T]

// NewSliceLoader serves fixed-size batches from examples.
func NewSliceLoader[T any](examples []T, batchSize int, wrap bool) (Loader, error) {
	var opts []data.LoaderOption
	if wrap {
		opts = append(opts, data.WithWrap())
	}
	l, err := data.NewSliceLoader(examples, batchSize, opts...)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Randomness and checkpoints

// Key is a deterministic random key.
type Key = rng.Key

// NewKey returns the root key for seed.
func NewKey(seed int64) Key { return rng.NewKey(seed) }

// Checkpointer writes and reads checkpoints.
type Checkpointer = checkpoint.Checkpointer

// CheckpointConfig is the checkpoint policy.
type CheckpointConfig = checkpoint.Config
