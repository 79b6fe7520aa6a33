// Package callbacks provides the stock training hooks: a per-step logger,
// a progress reporter and a validation loss evaluator.
package callbacks

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/born-ml/meshtrain/internal/data"
	"github.com/born-ml/meshtrain/internal/hooks"
	"github.com/born-ml/meshtrain/internal/optim"
	"github.com/born-ml/meshtrain/internal/tree"
)

// Info is the view of a completed step the stock hooks read.
type Info interface {
	Step() int
	Loss() float64
	Duration() time.Duration
	LoadingTime() time.Duration
	HookTime() time.Duration
	Model() *tree.Tree
}

// LogStep logs the loss, learning rate and timings of each observed step.
// schedule may be nil. batchSize, when positive, adds examples per second.
func LogStep[I Info](logger zerolog.Logger, schedule optim.Schedule, batchSize int) hooks.Func[I] {
	return func(info I) error {
		ev := logger.Info().
			Int("step", info.Step()).
			Float64("loss", info.Loss()).
			Dur("step_time", info.Duration()).
			Dur("loading_time", info.LoadingTime()).
			Dur("hook_time", info.HookTime())
		if schedule != nil {
			ev = ev.Float64("learning_rate", schedule(info.Step()))
		}
		if secs := info.Duration().Seconds(); batchSize > 0 && secs > 0 {
			ev = ev.Float64("examples_per_second", float64(batchSize)/secs)
		}
		ev.Msg("train step")
		return nil
	}
}

// Progress logs the position in a run of total steps, with the running
// mean loss and an estimate of the remaining time.
func Progress[I Info](logger zerolog.Logger, total int) hooks.Func[I] {
	var (
		seen    int
		lossSum float64
		elapsed time.Duration
	)
	return func(info I) error {
		seen++
		lossSum += info.Loss()
		elapsed += info.Duration() + info.LoadingTime()

		done := info.Step() + 1
		ev := logger.Info().
			Int("step", done).
			Int("total", total).
			Float64("mean_loss", lossSum/float64(seen))
		if total > 0 {
			ev = ev.Float64("percent", 100*float64(done)/float64(total))
			if remaining := total - done; remaining > 0 {
				ev = ev.Dur("eta", elapsed/time.Duration(seen)*time.Duration(remaining))
			}
		}
		ev.Msg("progress")
		return nil
	}
}

// EvalFunc evaluates the loss of model on one batch without gradients.
type EvalFunc func(ctx context.Context, model *tree.Tree, batch data.Batch) (float64, error)

// ValidationLoss returns a hook that evaluates the mean loss over batches
// from a fresh loader. maxBatches limits the number of batches; a negative
// value reads the loader until io.EOF. report, if not nil, receives the
// mean.
func ValidationLoss[I Info](ctx context.Context, logger zerolog.Logger, eval EvalFunc, newLoader func() data.Loader, maxBatches int, report func(step int, loss float64)) hooks.Func[I] {
	return func(info I) error {
		loss, n, err := MeanLoss(ctx, eval, info.Model(), newLoader(), maxBatches)
		if err != nil {
			return errors.Wrapf(err, "validation at step %d", info.Step())
		}
		if n == 0 {
			logger.Warn().Int("step", info.Step()).Msg("validation loader produced no batches")
			return nil
		}
		logger.Info().Int("step", info.Step()).Float64("eval_loss", loss).Int("batches", n).Msg("validation")
		if report != nil {
			report(info.Step(), loss)
		}
		return nil
	}
}

// MeanLoss averages eval over up to maxBatches batches of loader and
// returns the mean and the number of batches read.
func MeanLoss(ctx context.Context, eval EvalFunc, model *tree.Tree, loader data.Loader, maxBatches int) (float64, int, error) {
	var (
		total float64
		n     int
	)
	for maxBatches < 0 || n < maxBatches {
		batch, err := loader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, n, err
		}
		loss, err := eval(ctx, model, batch)
		if err != nil {
			return 0, n, err
		}
		total += loss
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return total / float64(n), n, nil
}
