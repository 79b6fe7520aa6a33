package trainer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/checkpoint"
	"github.com/born-ml/meshtrain/internal/config"
	"github.com/born-ml/meshtrain/internal/errs"
	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/tensor"
	"github.com/born-ml/meshtrain/internal/tree"
)

// Initializer builds a model on demand.
type Initializer interface {
	// Shape returns the structure of the model Init builds, with
	// tensor.ShapeDtype leaves in place of arrays. It must not do the
	// numeric work of Init.
	Shape() (*tree.Tree, error)
	// Init materializes the model. Calls must return equal models.
	Init() (*tree.Tree, error)
}

// InitFunc adapts a function to Initializer. Its Shape runs the function,
// so prefer a dedicated Initializer for large models.
type InitFunc func() (*tree.Tree, error)

// Shape implements Initializer.
func (f InitFunc) Shape() (*tree.Tree, error) {
	m, err := f()
	if err != nil {
		return nil, err
	}
	return m.Shape(), nil
}

// Init implements Initializer.
func (f InitFunc) Init() (*tree.Tree, error) { return f() }

// InitialState returns the state training starts from. Exactly one of
// model and init must be set.
//
// Unless loading is forbidden, a checkpoint matching the model's trainable
// leaves and optimizer state is looked up at the configured load path. When
// one is found its trainable leaves, optimizer state and key are restored
// and the step resumes after the checkpointed one; the non-trainable leaves
// come from model, or from init when no model is given. Otherwise the model
// is initialized fresh at step 0 with key.
func (t *Trainer) InitialState(ctx context.Context, key rng.Key, model *tree.Tree, init Initializer) (*State, error) {
	if (model == nil) == (init == nil) {
		return nil, errs.Config("exactly one of model and initializer must be given")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.cfg.LoadCheckpoint != config.LoadForbidden && t.checkpointer != nil {
		state, err := t.restore(model, init)
		switch {
		case err == nil:
			return state, nil
		case !errors.Is(err, checkpoint.ErrNotFound):
			return nil, err
		case t.cfg.LoadCheckpoint == config.LoadRequired:
			return nil, errs.WrapConfig(err, "required checkpoint missing")
		default:
			t.logger.Info().Str("path", t.cfg.LoadCheckpointPath).Msg("no checkpoint found, starting from scratch")
		}
	} else if t.cfg.LoadCheckpoint == config.LoadRequired {
		return nil, errs.Config("checkpoint loading is required but no checkpointer is configured")
	}

	return t.fresh(model, init, key)
}

func (t *Trainer) restore(model *tree.Tree, init Initializer) (*State, error) {
	shape, err := modelShape(model, init)
	if err != nil {
		return nil, err
	}
	mask := t.Mask(shape)
	trainableShape, _, err := mask.Partition(shape)
	if err != nil {
		return nil, err
	}
	trainableShape = atDType(trainableShape, t.policy.Param)
	optShape, err := t.optStateShape(trainableShape)
	if err != nil {
		return nil, err
	}

	snap, err := t.checkpointer.Load(t.cfg.LoadCheckpointPath, checkpoint.Template{
		Trainable: trainableShape,
		OptState:  optShape,
	})
	if err != nil {
		return nil, err
	}

	if model == nil {
		if model, err = init.Init(); err != nil {
			return nil, errors.Wrap(err, "initialize model")
		}
	}
	_, rest, err := t.Mask(model).Partition(model)
	if err != nil {
		return nil, err
	}
	if rest, err = t.policy.CastToCompute(rest); err != nil {
		return nil, err
	}
	restored, err := tree.Combine(snap.Trainable, rest)
	if err != nil {
		return nil, err
	}
	return NewState(snap.Step+1, restored, snap.OptState, snap.Key), nil
}

func (t *Trainer) fresh(model *tree.Tree, init Initializer, key rng.Key) (*State, error) {
	if model == nil {
		var err error
		if model, err = init.Init(); err != nil {
			return nil, errors.Wrap(err, "initialize model")
		}
	}
	trainable, rest, err := t.Mask(model).Partition(model)
	if err != nil {
		return nil, err
	}
	if trainable, err = t.policy.CastToParam(trainable); err != nil {
		return nil, err
	}
	if rest, err = t.policy.CastToCompute(rest); err != nil {
		return nil, err
	}
	optState, err := t.opt.Init(trainable)
	if err != nil {
		return nil, errors.Wrap(err, "initialize optimizer state")
	}
	combined, err := tree.Combine(trainable, rest)
	if err != nil {
		return nil, err
	}
	return NewState(0, combined, optState, key), nil
}

func modelShape(model *tree.Tree, init Initializer) (*tree.Tree, error) {
	if model != nil {
		return model.Shape(), nil
	}
	shape, err := init.Shape()
	if err != nil {
		return nil, errors.Wrap(err, "model shape")
	}
	return shape, nil
}

// optStateShape returns the shape of the optimizer state for parameters of
// the given shape, by initializing it over zeros.
func (t *Trainer) optStateShape(trainableShape *tree.Tree) (*tree.Tree, error) {
	zeros, err := trainableShape.Map(func(_ string, v any) (any, error) {
		if meta, ok := v.(tensor.ShapeDtype); ok {
			return tensor.ZerosLike(meta), nil
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	state, err := t.opt.Init(zeros)
	if err != nil {
		return nil, errors.Wrap(err, "optimizer state shape")
	}
	return state.Shape(), nil
}

// atDType sets the dtype of every floating ShapeDtype leaf.
func atDType(shape *tree.Tree, dt tensor.DataType) *tree.Tree {
	out, _ := shape.Map(func(_ string, v any) (any, error) {
		if meta, ok := v.(tensor.ShapeDtype); ok && meta.DType.IsFloating() {
			meta.DType = dt
			return meta, nil
		}
		return v, nil
	})
	return out
}
