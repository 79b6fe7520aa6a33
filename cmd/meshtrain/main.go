// Package main provides the meshtrain CLI.
//
// Usage:
//
//	meshtrain version
//	meshtrain train -config configs/linear.toml [-devices 4]
//
// The train command fits a linear regression model on synthetic data with
// the full training core: mesh resolution, microbatch accumulation, mixed
// precision, checkpoint resume and the default hooks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/born-ml/meshtrain/internal/config"
	"github.com/born-ml/meshtrain/internal/data"
	"github.com/born-ml/meshtrain/internal/logging"
	"github.com/born-ml/meshtrain/internal/mesh"
	"github.com/born-ml/meshtrain/internal/rng"
	"github.com/born-ml/meshtrain/internal/trainer"
	"github.com/born-ml/meshtrain/internal/tree"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "version":
		fmt.Printf("meshtrain %s\n", version)
	case "train":
		logging.ConfigureRuntime()
		if err := train(os.Args[2:]); err != nil {
			log.Error().Err(err).Msg("training failed")
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("meshtrain - distributed training core")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  train      Train the demo regression model (-config file.toml)")
}

func train(args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath := fs.String("config", "configs/linear.toml", "Trainer configuration file")
	devices := fs.Int("devices", 4, "Number of host devices (0 = one per core)")
	features := fs.Int("features", 8, "Number of input features")
	examples := fs.Int("examples", 4096, "Number of synthetic training examples")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	resolved, err := cfg.Resolve(config.Environment{
		Devices: mesh.LocalDevices(*devices),
		Logger:  log.Logger,
	})
	if err != nil {
		return err
	}
	closer, err := logging.InitFile(cfg.LogDir, resolved.RunID)
	if err != nil {
		return err
	}
	defer closer.Close()

	log.Info().
		Str("run_id", resolved.RunID).
		Int("devices", resolved.Mesh.DeviceCount()).
		Int("data_axis", resolved.DataAxisSize).
		Int("model_axis", resolved.Mesh.ModelSize()).
		Int("microbatch", resolved.MicrobatchSize()).
		Str("mp", cfg.MP.String()).
		Str("host_features", strings.Join(mesh.HostFeatures(), ",")).
		Msg("resolved configuration")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	trainKey, modelKey := rng.NewKey(cfg.Seed).Split()
	keys := modelKey.Fold(1).SplitN(4)
	truth, trainKeys, evalKeys, shuffleKey := keys[0], keys[1], keys[2], keys[3]
	trainSet := synthesize(*examples, *features, truth, trainKeys)
	evalSet := synthesize(max(resolved.EvalBatchSize*4, *examples/8), *features, truth, evalKeys)

	t, err := trainer.New(resolved, nil, meanSquaredError{},
		trainer.WithTrainable(tree.ByPrefix{Default: true, Rules: map[string]bool{"norm": false}}),
	)
	if err != nil {
		return err
	}
	newEvalLoader, err := rewinding(evalSet, resolved.EvalBatchSize)
	if err != nil {
		return errors.Wrap(err, "evaluation data")
	}
	t.AddDefaultHooks(ctx, newEvalLoader)

	state, err := t.InitialState(ctx, trainKey, nil, regressionModel{dim: *features, key: modelKey})
	if err != nil {
		return err
	}
	loader, err := data.NewSliceLoader(shuffled(trainSet, shuffleKey.Rand()), cfg.TrainBatchSize, data.WithWrap())
	if err != nil {
		return errors.Wrap(err, "training data")
	}

	last, err := t.Train(ctx, state, loader)
	if err != nil {
		return err
	}
	log.Info().Int("steps", last.NextStep()).Float64("loss", last.Loss()).Msg("training finished")
	return nil
}

// rewinding builds one loader over examples and returns a factory that
// rewinds it to the first batch on every call.
func rewinding[T any](examples []T, batchSize int) (func() data.Loader, error) {
	l, err := data.NewSliceLoader(examples, batchSize)
	if err != nil {
		return nil, err
	}
	return func() data.Loader {
		l.Reset()
		return l
	}, nil
}
