package trainer

import (
	"time"

	"github.com/born-ml/meshtrain/internal/checkpoint"
	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/tree"
)

// State is an immutable training state. Step counts completed steps; the
// optimizer state covers the trainable leaves of Model only.
type State struct {
	step     int
	model    *tree.Tree
	optState *tree.Tree
	key      rng.Key
}

// NewState returns a state. The trees are not copied and must not be
// modified afterwards.
func NewState(step int, model, optState *tree.Tree, key rng.Key) *State {
	return &State{step: step, model: model, optState: optState, key: key}
}

// Step returns the number of completed steps.
func (s *State) Step() int { return s.step }

// Model returns the full model, trainable and non-trainable leaves.
func (s *State) Model() *tree.Tree { return s.model }

// OptState returns the optimizer state.
func (s *State) OptState() *tree.Tree { return s.optState }

// Key returns the random key the next step splits.
func (s *State) Key() rng.Key { return s.key }

// StepInfo is the read-only result of one training step.
type StepInfo struct {
	state    *State
	loss     float64
	duration time.Duration
	loading  time.Duration
	hookTime time.Duration
	forced   bool
	trainer  *Trainer
}

// State returns the state after the step.
func (i StepInfo) State() *State { return i.state }

// Step returns the number of the step that completed.
func (i StepInfo) Step() int { return i.state.step - 1 }

// NextStep returns the number of the step that will run next.
func (i StepInfo) NextStep() int { return i.state.step }

// Loss is the mean loss of the step, at output precision.
func (i StepInfo) Loss() float64 { return i.loss }

// Duration is the wall time of the step itself.
func (i StepInfo) Duration() time.Duration { return i.duration }

// LoadingTime is the time spent waiting for the batch.
func (i StepInfo) LoadingTime() time.Duration { return i.loading }

// HookTime is the time the hooks took after the previous step.
func (i StepInfo) HookTime() time.Duration { return i.hookTime }

// Forced reports the final observation of a run.
func (i StepInfo) Forced() bool { return i.forced }

// Model returns the model after the step.
func (i StepInfo) Model() *tree.Tree { return i.state.model }

// OptState returns the optimizer state after the step.
func (i StepInfo) OptState() *tree.Tree { return i.state.optState }

// NextKey returns the key of the following step.
func (i StepInfo) NextKey() rng.Key { return i.state.key }

// Snapshot returns the persisted part of the state: its trainable leaves,
// optimizer state and key.
func (i StepInfo) Snapshot() (*checkpoint.Snapshot, error) {
	trainable, err := i.trainer.TrainableParamsOnly(i.state.model)
	if err != nil {
		return nil, err
	}
	return &checkpoint.Snapshot{
		Step:      i.Step(),
		Trainable: trainable,
		OptState:  i.state.optState,
		Key:       i.state.key,
	}, nil
}
