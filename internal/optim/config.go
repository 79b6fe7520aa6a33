package optim

import (
	"math"

	"github.com/pkg/errors"
)

// Schedule kinds accepted by Config.LRSchedule.
const (
	ScheduleConstant = "constant"
	ScheduleCosine   = "cosine"
	ScheduleLinear   = "linear"
)

// Algorithms accepted by Config.Algorithm.
const (
	AlgorithmAdam = "adam"
	AlgorithmSGD  = "sgd"
)

// Config declares an optimizer.
//
// The pipeline is, in order: optional clipping by global norm
// (MaxGradNorm > 0), Adam moments (or SGD momentum), optional decoupled
// weight decay (WeightDecay > 0) and scaling by -lr(step).
type Config struct {
	Algorithm    string  `toml:"algorithm"`
	LearningRate float64 `toml:"learning_rate"`
	WeightDecay  float64 `toml:"weight_decay"`
	Beta1        float64 `toml:"beta1"`
	Beta2        float64 `toml:"beta2"`
	Epsilon      float64 `toml:"epsilon"`
	Momentum     float64 `toml:"momentum"`
	MaxGradNorm  float64 `toml:"max_grad_norm"`
	MinLRRatio   float64 `toml:"min_lr_ratio"`
	WarmupRatio  float64 `toml:"warmup_ratio"`
	LRSchedule   string  `toml:"lr_schedule"`
}

// DefaultConfig returns the default optimizer settings.
func DefaultConfig() Config {
	return Config{
		Algorithm:    AlgorithmAdam,
		LearningRate: 6e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		MaxGradNorm:  1.0,
		WarmupRatio:  0.01,
		LRSchedule:   ScheduleCosine,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	switch c.Algorithm {
	case "", AlgorithmAdam, AlgorithmSGD:
	default:
		return errors.Errorf("unknown optimizer algorithm %q", c.Algorithm)
	}
	switch c.LRSchedule {
	case ScheduleConstant, ScheduleCosine, ScheduleLinear:
	default:
		return errors.Errorf("unknown lr_schedule %q", c.LRSchedule)
	}
	if c.LearningRate < 0 {
		return errors.Errorf("learning_rate must be non-negative, got %g", c.LearningRate)
	}
	if c.WarmupRatio < 0 || c.WarmupRatio > 1 {
		return errors.Errorf("warmup_ratio must be in [0, 1], got %g", c.WarmupRatio)
	}
	if c.MinLRRatio < 0 || c.MinLRRatio > 1 {
		return errors.Errorf("min_lr_ratio must be in [0, 1], got %g", c.MinLRRatio)
	}
	if c.MaxGradNorm < 0 {
		return errors.Errorf("max_grad_norm must be non-negative, got %g", c.MaxGradNorm)
	}
	return nil
}

// WarmupSteps returns round(WarmupRatio * numTrainSteps).
func (c Config) WarmupSteps(numTrainSteps int) int {
	return int(math.Round(c.WarmupRatio * float64(numTrainSteps)))
}

// Schedule returns the learning rate schedule for a run of numTrainSteps.
//
// With warmup, the rate ramps linearly from 0 to LearningRate over the
// warmup steps, then the chosen schedule decays toward
// LearningRate*MinLRRatio over the remaining steps. When the warmup rounds
// to zero steps there is no warmup phase.
func (c Config) Schedule(numTrainSteps int) (Schedule, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	warmup := c.WarmupSteps(numTrainSteps)
	decaySteps := numTrainSteps - warmup
	minLR := c.LearningRate * c.MinLRRatio

	var schedule Schedule
	switch c.LRSchedule {
	case ScheduleConstant:
		schedule = Constant(c.LearningRate)
	case ScheduleCosine:
		schedule = CosineDecay(c.LearningRate, decaySteps, c.MinLRRatio)
	case ScheduleLinear:
		schedule = Linear(c.LearningRate, minLR, decaySteps)
	}

	if warmup != 0 {
		schedule = Join([]Schedule{Linear(0, c.LearningRate, warmup), schedule}, []int{warmup})
	}
	return schedule, nil
}

// Build returns the gradient transformation for a run of numTrainSteps.
func (c Config) Build(numTrainSteps int) (GradientTransformation, error) {
	schedule, err := c.Schedule(numTrainSteps)
	if err != nil {
		return nil, err
	}

	var components []GradientTransformation
	if c.MaxGradNorm > 0 {
		components = append(components, ClipByGlobalNorm(c.MaxGradNorm))
	}
	if c.Algorithm == AlgorithmSGD {
		if c.Momentum > 0 {
			components = append(components, Trace(c.Momentum))
		}
	} else {
		components = append(components, ScaleByAdam(c.Beta1, c.Beta2, c.Epsilon))
	}
	if c.WeightDecay > 0 {
		components = append(components, AddDecayedWeights(c.WeightDecay))
	}
	components = append(components, ScaleBySchedule(func(step int) float64 { return -schedule(step) }))

	return Chain(components...), nil
}
