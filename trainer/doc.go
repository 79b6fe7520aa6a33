// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package trainer is the public entry point of meshtrain: it resolves a
// training configuration against the device mesh, binds a loss to the
// execution substrate, and runs the optimization loop with gradient
// accumulation, mixed precision, checkpoint resume and step hooks.
//
// # Basic Usage
//
//	cfg, _ := trainer.LoadConfig("train.toml")
//	resolved, _ := cfg.Resolve(trainer.Environment{Devices: trainer.LocalDevices(0)})
//
//	t, _ := trainer.New(resolved, nil, objective,
//	    trainer.WithTrainable(tree.ByPrefix{Default: true, Rules: map[string]bool{"embed": false}}),
//	)
//	t.AddDefaultHooks(ctx, newEvalLoader)
//
//	state, _ := t.InitialState(ctx, trainer.NewKey(cfg.Seed), nil, initializer)
//	last, err := t.Train(ctx, state, loader)
//
// # Resuming
//
// InitialState looks for a checkpoint at load_checkpoint_path (by default
// <checkpointer.base_path>/<run_id>) unless load_checkpoint is "forbidden".
// Only trainable leaves, optimizer state and the random key are persisted;
// the remaining leaves are rebuilt by the initializer.
//
// # Errors
//
// Configuration and resource errors match ErrConfig and ErrResource with
// errors.Is and are returned before any step runs. Errors from the loss,
// optimizer or loader are returned from the step that hit them.
package trainer
