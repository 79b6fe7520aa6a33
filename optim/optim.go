// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim builds optimizers as chains of gradient transformations.
//
// Optimizer state is an explicit tree returned by Init and threaded through
// Update; nothing is hidden inside the transformation values.
//
// # Basic Usage
//
//	cfg := optim.DefaultConfig()
//	cfg.LearningRate = 3e-4
//	opt, _ := cfg.Build(numTrainSteps) // clip -> adam -> decay -> -lr(step)
//
//	state, _ := opt.Init(params)
//	updates, state, _ := opt.Update(grads, state, params)
//	params, _ = optim.ApplyUpdates(params, updates)
//
// # Schedules
//
// Config.Schedule returns the learning rate schedule: an optional linear
// warmup over round(WarmupRatio*steps) steps followed by constant, cosine
// or linear decay toward LearningRate*MinLRRatio.
package optim

import (
	"github.com/born-ml/meshtrain/internal/optim"
	"github.com/born-ml/meshtrain/internal/tree"
)

// GradientTransformation turns gradients into updates.
type GradientTransformation = optim.GradientTransformation

// Schedule maps a step to a learning rate.
type Schedule = optim.Schedule

// Config declares an optimizer.
type Config = optim.Config

// Schedule and algorithm names.
const (
	ScheduleConstant = optim.ScheduleConstant
	ScheduleCosine   = optim.ScheduleCosine
	ScheduleLinear   = optim.ScheduleLinear
	AlgorithmAdam    = optim.AlgorithmAdam
	AlgorithmSGD     = optim.AlgorithmSGD
)

// DefaultConfig returns Adam with 6e-4 learning rate, cosine decay, 1%
// warmup and clipping at 1.0.
func DefaultConfig() Config { return optim.DefaultConfig() }

// Chain applies transformations in order.
func Chain(ts ...GradientTransformation) GradientTransformation { return optim.Chain(ts...) }

// ScaleByAdam normalizes updates by Adam moment estimates.
func ScaleByAdam(b1, b2, eps float64) GradientTransformation { return optim.ScaleByAdam(b1, b2, eps) }

// Trace accumulates momentum.
func Trace(momentum float64) GradientTransformation { return optim.Trace(momentum) }

// ClipByGlobalNorm bounds the joint L2 norm of the updates.
func ClipByGlobalNorm(maxNorm float64) GradientTransformation { return optim.ClipByGlobalNorm(maxNorm) }

// AddDecayedWeights adds weightDecay * param to the updates.
func AddDecayedWeights(weightDecay float64) GradientTransformation {
	return optim.AddDecayedWeights(weightDecay)
}

// ScaleBySchedule multiplies updates by schedule(step).
func ScaleBySchedule(schedule Schedule) GradientTransformation { return optim.ScaleBySchedule(schedule) }

// ApplyUpdates returns params + updates.
func ApplyUpdates(params, updates *tree.Tree) (*tree.Tree, error) {
	return optim.ApplyUpdates(params, updates)
}

// Constant returns value at every step.
func Constant(value float64) Schedule { return optim.Constant(value) }

// Linear moves from init to end over transitionSteps steps.
func Linear(init, end float64, transitionSteps int) Schedule {
	return optim.Linear(init, end, transitionSteps)
}

// CosineDecay decays init to init*alpha over decaySteps steps.
func CosineDecay(init float64, decaySteps int, alpha float64) Schedule {
	return optim.CosineDecay(init, decaySteps, alpha)
}

// Join runs schedules one after the other, switching at boundaries. Each
// schedule sees steps relative to its start.
func Join(schedules []Schedule, boundaries []int) Schedule {
	return optim.Join(schedules, boundaries)
}
