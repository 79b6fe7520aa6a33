// Package errs defines the error taxonomy shared by the training packages.
//
// Configuration and resource errors are fatal and surface before any step
// runs. Callers test for them with errors.Is; every site wraps one of the
// sentinels below with the concrete cause.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors.
var (
	ErrConfig   = errors.New("configuration error")
	ErrResource = errors.New("resource error")
)

// Config wraps ErrConfig with a formatted message.
func Config(format string, args ...any) error {
	return errors.Wrapf(ErrConfig, format, args...)
}

// Resource wraps ErrResource with a formatted message.
func Resource(format string, args ...any) error {
	return errors.Wrapf(ErrResource, format, args...)
}

// WrapConfig marks cause as a configuration error. Both ErrConfig and
// cause stay in the chain, so errors.Is matches either. An empty format
// adds no message.
func WrapConfig(cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &chained{kind: ErrConfig, cause: cause, msg: fmt.Sprintf(format, args...)}
}

// chained is an error of a taxonomy kind with a concrete cause.
type chained struct {
	kind  error
	cause error
	msg   string
}

func (c *chained) Error() string {
	if c.msg == "" {
		return c.kind.Error() + ": " + c.cause.Error()
	}
	return c.kind.Error() + ": " + c.msg + ": " + c.cause.Error()
}

func (c *chained) Unwrap() []error { return []error{c.kind, c.cause} }
