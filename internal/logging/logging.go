// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment variables that override the profile defaults.
const (
	EnvLogLevel     = "MESHTRAIN_LOG_LEVEL"
	EnvLogTimestamp = "MESHTRAIN_LOG_TIMESTAMP"
	EnvLogNoColor   = "MESHTRAIN_LOG_NOCOLOR"
)

// Profile selects the default logger configuration.
type Profile int

const (
	// ProfileRuntime logs at info level with timestamps.
	ProfileRuntime Profile = iota
	// ProfileTest logs at debug level without timestamps.
	ProfileTest
)

// Config is the resolved logger configuration.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
}

var (
	configureOnce sync.Once
	mu            sync.Mutex
	active        Config
	console       io.Writer = os.Stderr
)

// ConfigureRuntime configures the logger for the CLI.
func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

// ConfigureTests configures the logger for tests.
func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure installs the global logger for profile. Only the first call in
// a process has an effect.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		install(cfg, nil)
	})
}

// InitFile tees the global logger into <logDir>/<runName>.log as JSON lines.
// The returned closer closes the file.
func InitFile(logDir, runName string) (io.Closer, error) {
	Configure(ProfileRuntime)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log dir %s", logDir)
	}
	path := filepath.Join(logDir, runName+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", path)
	}
	mu.Lock()
	cfg := active
	mu.Unlock()
	install(cfg, f)
	log.Info().Str("path", path).Msg("logging to file")
	return f, nil
}

func install(cfg Config, file io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	active = cfg

	out := zerolog.ConsoleWriter{Out: console, NoColor: cfg.NoColor, TimeFormat: time.RFC3339}
	if !cfg.Timestamp {
		out.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	var w io.Writer = out
	if file != nil {
		w = zerolog.MultiLevelWriter(out, file)
	}
	zerolog.SetGlobalLevel(cfg.Level)
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

func defaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel}
	default:
		return Config{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
