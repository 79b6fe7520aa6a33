package optim

import (
	"math"
)

// Schedule maps an update count to a learning rate.
type Schedule func(step int) float64

// Constant returns value at every step.
func Constant(value float64) Schedule {
	return func(int) float64 { return value }
}

// Linear interpolates from init to end over transitionSteps and stays at
// end afterwards. A non-positive transitionSteps yields init forever.
func Linear(init, end float64, transitionSteps int) Schedule {
	if transitionSteps <= 0 {
		return Constant(init)
	}
	return func(step int) float64 {
		count := min(max(step, 0), transitionSteps)
		frac := 1 - float64(count)/float64(transitionSteps)
		return (init-end)*frac + end
	}
}

// CosineDecay anneals from init to alpha*init over decaySteps following a
// half cosine, then stays at alpha*init.
func CosineDecay(init float64, decaySteps int, alpha float64) Schedule {
	if decaySteps <= 0 {
		return Constant(init)
	}
	return func(step int) float64 {
		count := min(max(step, 0), decaySteps)
		cosine := 0.5 * (1 + math.Cos(math.Pi*float64(count)/float64(decaySteps)))
		return init * ((1-alpha)*cosine + alpha)
	}
}

// Join runs schedules back to back. Schedule i+1 takes over at
// boundaries[i] and sees steps counted from that boundary.
func Join(schedules []Schedule, boundaries []int) Schedule {
	if len(boundaries) != len(schedules)-1 {
		panic("optim: Join needs one boundary fewer than schedules")
	}
	return func(step int) float64 {
		offset := 0
		for i, b := range boundaries {
			if step < b {
				return schedules[i](step - offset)
			}
			offset = b
		}
		return schedules[len(schedules)-1](step - offset)
	}
}
