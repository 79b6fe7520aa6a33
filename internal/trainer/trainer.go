// Package trainer drives the optimization loop: it owns the trainable
// partition, the bound loss program, gradient accumulation, the optimizer
// update and the hooks that observe each step.
//
// A Trainer is built once per run from a resolved configuration. States are
// immutable; TrainStep maps a state and a batch to the next state.
package trainer

import (
	"context"
	"io"
	"iter"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/born-ml/meshtrain/internal/accum"
	"github.com/born-ml/meshtrain/internal/callbacks"
	"github.com/born-ml/meshtrain/internal/checkpoint"
	"github.com/born-ml/meshtrain/internal/config"
	"github.com/born-ml/meshtrain/internal/data"
	"github.com/born-ml/meshtrain/internal/errs"
	"github.com/born-ml/meshtrain/internal/hooks"
	"github.com/born-ml/meshtrain/internal/optim"
	"github.com/born-ml/meshtrain/internal/precision"
	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/substrate"
	"github.com/born-ml/meshtrain/internal/tree"
)

// Trainer runs training steps for one configuration.
type Trainer struct {
	cfg          *config.Resolved
	policy       precision.Policy
	opt          optim.GradientTransformation
	schedule     optim.Schedule
	program      substrate.Program
	accum        *accum.Accumulator
	filter       tree.Filter
	checkpointer *checkpoint.Checkpointer
	logger       zerolog.Logger
	hooks        hooks.Registry[StepInfo]

	mu   sync.Mutex
	mask *tree.Mask
}

// Option configures a Trainer.
type Option func(*options)

type options struct {
	filter       tree.Filter
	compiler     substrate.Compiler
	checkpointer *checkpoint.Checkpointer
	noCkpt       bool
	logger       *zerolog.Logger
}

// WithTrainable selects the trainable leaves. Only floating-point arrays
// are ever trainable; by default all of them are.
func WithTrainable(filter tree.Filter) Option {
	return func(o *options) { o.filter = filter }
}

// WithCompiler sets the execution substrate. The default is
// substrate.NewLocal over the configured mesh.
func WithCompiler(c substrate.Compiler) Option {
	return func(o *options) { o.compiler = c }
}

// WithCheckpointer replaces the checkpointer built from the configuration.
// A nil checkpointer disables saving and loading.
func WithCheckpointer(c *checkpoint.Checkpointer) Option {
	return func(o *options) {
		o.checkpointer = c
		o.noCkpt = c == nil
	}
}

// WithLogger sets the logger. The default is the global zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// New returns a trainer. When opt is nil the optimizer is built from the
// configuration.
func New(cfg *config.Resolved, opt optim.GradientTransformation, obj substrate.Objective, opts ...Option) (*Trainer, error) {
	if cfg == nil {
		return nil, errs.Config("trainer needs a resolved configuration")
	}
	if obj == nil {
		return nil, errs.Config("trainer needs an objective")
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	logger := log.Logger
	if o.logger != nil {
		logger = *o.logger
	}

	schedule, err := cfg.Config.Optimizer.Schedule(cfg.Config.NumTrainSteps)
	if err != nil {
		return nil, errs.WrapConfig(err, "learning rate schedule")
	}
	if opt == nil {
		if opt, err = cfg.Config.Optimizer.Build(cfg.Config.NumTrainSteps); err != nil {
			return nil, errs.WrapConfig(err, "optimizer")
		}
	}

	compiler := o.compiler
	if compiler == nil {
		compiler = substrate.NewLocal(cfg.Mesh)
	}
	program, err := compiler.Bind(atCompute(obj, cfg.Config.MP), substrate.Axes{
		Compute:   cfg.ComputeMapping,
		Parameter: cfg.ParameterMapping,
	})
	if err != nil {
		return nil, errors.Wrap(err, "bind objective")
	}

	acc, err := accum.New(cfg.PerDeviceParallelism, cfg.DataAxisSize)
	if err != nil {
		return nil, err
	}

	ckpt := o.checkpointer
	if ckpt == nil && !o.noCkpt {
		ckpt, err = checkpoint.New(cfg.Config.Checkpointer, cfg.RunID, checkpoint.WithLogger(logger))
		if err != nil {
			return nil, errs.WrapConfig(err, "checkpointer")
		}
	}

	return &Trainer{
		cfg:          cfg,
		policy:       cfg.Config.MP,
		opt:          opt,
		schedule:     schedule,
		program:      program,
		accum:        acc,
		filter:       o.filter,
		checkpointer: ckpt,
		logger:       logger,
	}, nil
}

// Config returns the resolved configuration.
func (t *Trainer) Config() *config.Resolved { return t.cfg }

// Checkpointer returns the checkpointer, or nil when disabled.
func (t *Trainer) Checkpointer() *checkpoint.Checkpointer { return t.checkpointer }

// Mask returns the trainable mask for model's structure. The mask is
// recomputed whenever a path, an array shape or an array dtype differs from
// the cached one, so the filter runs once per structure.
func (t *Trainer) Mask(model *tree.Tree) *tree.Mask {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mask == nil || !t.mask.Matches(model) {
		t.mask = tree.NewMask(model, t.filter)
	}
	return t.mask
}

// TrainableParamsOnly returns model with every non-trainable leaf replaced
// by a placeholder.
func (t *Trainer) TrainableParamsOnly(model *tree.Tree) (*tree.Tree, error) {
	trainable, _, err := t.Mask(model).Partition(model)
	return trainable, err
}

// AddHook registers fn to observe every step divisible by every.
func (t *Trainer) AddHook(fn hooks.Func[StepInfo], every int) {
	t.hooks.Add(fn, every)
}

// AddDefaultHooks registers the step logger, the progress logger, the
// validation loss (when newEvalLoader is set and evaluation is enabled)
// and the checkpointer.
func (t *Trainer) AddDefaultHooks(ctx context.Context, newEvalLoader func() data.Loader) {
	c := t.cfg.Config
	t.AddHook(callbacks.LogStep[StepInfo](t.logger, t.schedule, c.TrainBatchSize), 1)
	t.AddHook(callbacks.Progress[StepInfo](t.logger, c.NumTrainSteps), 1)
	if newEvalLoader != nil && c.MaxEvalBatches != 0 && c.StepsPerEval > 0 {
		t.AddHook(callbacks.ValidationLoss[StepInfo](ctx, t.logger, t.EvalLoss, newEvalLoader, c.MaxEvalBatches, nil), c.StepsPerEval)
	}
	if t.checkpointer != nil {
		t.AddHook(func(info StepInfo) error { return t.checkpointer.OnStep(info) }, 1)
	}
}

// RunHooks fires the registered hooks for info.
func (t *Trainer) RunHooks(info StepInfo, force bool) error {
	if force {
		info.forced = true
	}
	return t.hooks.Fire(info, force)
}

// TrainStep runs one optimization step and returns the resulting state.
// The same state and batch always produce the same result.
func (t *Trainer) TrainStep(ctx context.Context, state *State, batch data.Batch) (StepInfo, error) {
	start := time.Now()
	next, loss, err := t.step(ctx, state, batch)
	if err != nil {
		return StepInfo{}, errors.Wrapf(err, "step %d", state.step)
	}
	return StepInfo{
		state:    next,
		loss:     loss,
		duration: time.Since(start),
		trainer:  t,
	}, nil
}

func (t *Trainer) step(ctx context.Context, state *State, batch data.Batch) (*State, float64, error) {
	trainable, rest, err := t.Mask(state.model).Partition(state.model)
	if err != nil {
		return nil, 0, err
	}
	stepKey, nextKey := state.key.Split()

	// Gradients are taken at compute precision and reduced to the param
	// dtype by the accumulator.
	computeTrainable, err := t.policy.CastToCompute(trainable)
	if err != nil {
		return nil, 0, err
	}
	lossAndGrad := func(ctx context.Context, _ *tree.Tree, micro data.Batch, i int) (float64, *tree.Tree, error) {
		return t.program.LossAndGrad(ctx, computeTrainable, rest, micro, stepKey.Fold(i))
	}
	loss, grad, err := t.accum.Accumulate(ctx, lossAndGrad, trainable, batch)
	if err != nil {
		return nil, 0, err
	}

	updates, optState, err := t.opt.Update(grad, state.optState, trainable)
	if err != nil {
		return nil, 0, errors.Wrap(err, "optimizer update")
	}
	trainable, err = optim.ApplyUpdates(trainable, updates)
	if err != nil {
		return nil, 0, err
	}
	if trainable, err = t.policy.CastToParam(trainable); err != nil {
		return nil, 0, err
	}
	model, err := tree.Combine(trainable, rest)
	if err != nil {
		return nil, 0, err
	}
	return NewState(state.step+1, model, optState, nextKey), t.policy.CastOutput(loss), nil
}

// TrainingSteps yields one StepInfo per step until the configured number of
// steps is reached or the loader is exhausted. With runHooks set, the hooks
// observe each step before it is yielded. An error is yielded once and ends
// the sequence; breaking out of the loop stops training between steps.
func (t *Trainer) TrainingSteps(ctx context.Context, state *State, loader data.Loader, runHooks bool) iter.Seq2[StepInfo, error] {
	return func(yield func(StepInfo, error) bool) {
		var hookTime time.Duration
		state := state
		for state.step < t.cfg.Config.NumTrainSteps {
			loadStart := time.Now()
			batch, err := loader.Next(ctx)
			if errors.Is(err, io.EOF) {
				t.logger.Warn().Int("step", state.step).Msg("loader exhausted before the last step")
				return
			}
			if err != nil {
				yield(StepInfo{}, errors.Wrapf(err, "load batch for step %d", state.step))
				return
			}
			loading := time.Since(loadStart)

			info, err := t.TrainStep(ctx, state, batch)
			if err != nil {
				yield(StepInfo{}, err)
				return
			}
			info.loading = loading
			info.hookTime = hookTime

			if runHooks {
				hookStart := time.Now()
				if err := t.RunHooks(info, false); err != nil {
					yield(StepInfo{}, errors.Wrapf(err, "hooks at step %d", info.Step()))
					return
				}
				hookTime = time.Since(hookStart)
			}
			if !yield(info, nil) {
				return
			}
			state = info.state
		}
	}
}

// Train runs TrainingSteps with hooks to completion and then fires every
// hook once more, forced. It returns the last step's info. When state has
// already reached the last step nothing runs and the returned info carries
// state with a NaN loss.
func (t *Trainer) Train(ctx context.Context, state *State, loader data.Loader) (StepInfo, error) {
	last := StepInfo{state: state, loss: math.NaN(), trainer: t}
	ran := false
	for info, err := range t.TrainingSteps(ctx, state, loader, true) {
		if err != nil {
			return last, err
		}
		last, ran = info, true
	}
	if !ran {
		return last, nil
	}
	if err := t.RunHooks(last, true); err != nil {
		return last, errors.Wrap(err, "final hooks")
	}
	return last, nil
}

// EvalLoss evaluates the loss of model on batch without gradients, at
// output precision.
func (t *Trainer) EvalLoss(ctx context.Context, model *tree.Tree, batch data.Batch) (float64, error) {
	loss, err := t.program.Loss(ctx, model, batch, rng.Key{})
	if err != nil {
		return 0, err
	}
	return t.policy.CastOutput(loss), nil
}
