package latentgo

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when the pipeline is used after Close.
	ErrClosed = errors.New("pipeline is closed")
)

// ConfigurationError indicates an invalid Config field. It is raised by
// New before any work starts; a pipeline is never constructed from a
// bad configuration.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ConfigurationError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.cause }
