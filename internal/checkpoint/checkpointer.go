package checkpoint

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config controls where and how often checkpoints are written.
type Config struct {
	// BasePath is the directory holding one subdirectory per run.
	BasePath string `toml:"base_path"`
	// SaveInterval is the wall time between temporary checkpoints. Only the
	// most recent temporary checkpoint is kept. Zero disables them.
	SaveInterval time.Duration `toml:"save_interval"`
	// KeepEvery makes the checkpoint of every step divisible by it
	// permanent. Zero disables permanent checkpoints.
	KeepEvery int `toml:"keep_every"`
}

// DefaultConfig returns the default checkpoint policy.
func DefaultConfig() Config {
	return Config{
		BasePath:     "checkpoints",
		SaveInterval: 15 * time.Minute,
		KeepEvery:    10000,
	}
}

// Validate checks the policy.
func (c Config) Validate() error {
	if c.BasePath == "" {
		return errors.New("checkpointer base_path is empty")
	}
	if c.SaveInterval < 0 {
		return errors.Errorf("checkpointer save_interval must not be negative, got %s", c.SaveInterval)
	}
	if c.KeepEvery < 0 {
		return errors.Errorf("checkpointer keep_every must not be negative, got %d", c.KeepEvery)
	}
	return nil
}

// Info is what the checkpointer needs from an observed step.
type Info interface {
	// Step is the number of the last completed step.
	Step() int
	// Forced reports an observation that must be persisted, such as the end
	// of training.
	Forced() bool
	// Snapshot returns the state to persist. It is only called when a
	// checkpoint is due.
	Snapshot() (*Snapshot, error)
}

// Checkpointer writes checkpoints for one run and applies the retention
// policy. It is driven synchronously from the training loop and is not
// safe for concurrent use.
type Checkpointer struct {
	cfg    Config
	runID  string
	now    func() time.Time
	logger zerolog.Logger

	lastSave  time.Time
	lastTemp  string
	lastSaved int
}

// Option configures a Checkpointer.
type Option func(*Checkpointer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Checkpointer) { c.now = now }
}

// WithLogger sets the logger used to report saves.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Checkpointer) { c.logger = logger }
}

// New returns a checkpointer for runID.
func New(cfg Config, runID string, opts ...Option) (*Checkpointer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Checkpointer{
		cfg:       cfg,
		runID:     runID,
		now:       time.Now,
		logger:    zerolog.Nop(),
		lastSaved: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastSave = c.now()
	return c, nil
}

// Dir returns the directory this run's checkpoints are written to.
func (c *Checkpointer) Dir() string {
	return filepath.Join(c.cfg.BasePath, c.runID)
}

// Save writes s into Dir. Temporary checkpoints replace the previous
// temporary one once written.
func (c *Checkpointer) Save(s *Snapshot, permanent bool) (string, error) {
	path := filepath.Join(c.Dir(), FileName(s.Step))
	if err := Write(path, s, c.runID, permanent); err != nil {
		return "", errors.Wrapf(err, "save checkpoint for step %d", s.Step)
	}
	c.logger.Info().Int("step", s.Step).Str("path", path).Bool("permanent", permanent).Msg("saved checkpoint")

	if c.lastTemp != "" && c.lastTemp != path {
		if err := os.Remove(c.lastTemp); err != nil && !os.IsNotExist(err) {
			c.logger.Warn().Err(err).Str("path", c.lastTemp).Msg("failed to remove temporary checkpoint")
		}
	}
	c.lastTemp = ""
	if !permanent {
		c.lastTemp = path
	}
	c.lastSave = c.now()
	c.lastSaved = s.Step
	return path, nil
}

// Load reads the checkpoint at path against tmpl, see Read.
func (c *Checkpointer) Load(path string, tmpl Template) (*Snapshot, error) {
	s, err := Read(path, tmpl)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Int("step", s.Step).Str("path", path).Msg("loaded checkpoint")
	return s, nil
}

// OnStep saves a checkpoint when one is due: on forced observations, at
// steps divisible by KeepEvery (permanent) and when SaveInterval has
// elapsed since the last save (temporary). A step is never saved twice.
func (c *Checkpointer) OnStep(info Info) error {
	step := info.Step()
	if step == c.lastSaved {
		return nil
	}

	keep := c.cfg.KeepEvery > 0 && step > 0 && step%c.cfg.KeepEvery == 0
	due := c.cfg.SaveInterval > 0 && c.now().Sub(c.lastSave) >= c.cfg.SaveInterval
	if !info.Forced() && !keep && !due {
		return nil
	}

	s, err := info.Snapshot()
	if err != nil {
		return err
	}
	_, err = c.Save(s, keep || info.Forced())
	return err
}
