// Package substrate is the boundary between the training core and the
// engine that executes numeric work.
//
// The core hands a pure Objective and the axis mappings to a Compiler once,
// at construction, and gets back a Program. Every loss or gradient
// evaluation afterwards goes through that Program. Nothing else in the core
// evaluates the objective.
package substrate

import (
	"context"

	"github.com/born-ml/meshtrain/internal/data"
	"github.com/born-ml/meshtrain/internal/mesh"
	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/tree"
)

// Objective computes the scalar loss of model on batch.
//
// Implementations must be pure and must return the mean over the batch's
// examples; microbatch accumulation relies on both.
type Objective interface {
	Loss(model *tree.Tree, batch data.Batch, key rng.Key) (float64, error)
}

// ObjectiveFunc adapts a function to Objective.
type ObjectiveFunc func(model *tree.Tree, batch data.Batch, key rng.Key) (float64, error)

// Loss implements Objective.
func (f ObjectiveFunc) Loss(model *tree.Tree, batch data.Batch, key rng.Key) (float64, error) {
	return f(model, batch, key)
}

// Differentiable is an Objective that also provides gradients with respect
// to the floating-point array leaves of model. Gradient leaves for other
// paths are ignored.
type Differentiable interface {
	Objective
	LossAndGrad(model *tree.Tree, batch data.Batch, key rng.Key) (float64, *tree.Tree, error)
}

// Axes are the mappings a program is bound with.
type Axes struct {
	Compute   mesh.ResourceMapping
	Parameter mesh.ResourceMapping
}

// Program is an objective bound to a substrate.
type Program interface {
	// Loss evaluates the objective without gradients.
	Loss(ctx context.Context, model *tree.Tree, batch data.Batch, key rng.Key) (float64, error)

	// LossAndGrad evaluates the objective on combine(trainable, rest) and
	// returns the gradient with respect to trainable only. The gradient tree
	// is congruent with trainable and holds placeholders where trainable
	// does. Gradient leaves are float64 so that callers can reduce them
	// before rounding to the parameter dtype.
	LossAndGrad(ctx context.Context, trainable, rest *tree.Tree, batch data.Batch, key rng.Key) (float64, *tree.Tree, error)

	// Axes returns the mappings the program was bound with.
	Axes() Axes
}

// Compiler binds objectives to an execution substrate.
type Compiler interface {
	Bind(obj Objective, axes Axes) (Program, error)
}
