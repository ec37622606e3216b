package protein

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySpace is returned when a search space has no parameters.
	ErrEmptySpace = errors.New("search space has no parameters")

	// ErrDegenerateSurrogate is returned by a surrogate that cannot be fit on
	// the data it was given.
	ErrDegenerateSurrogate = errors.New("surrogate fit is degenerate")
)

// ConfigurationError reports an invalid search space or optimizer setting. It is
// always fatal and is raised at construction time, before any job is dispatched.
type ConfigurationError struct {
	Parameter string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Parameter == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}

	return fmt.Sprintf("invalid configuration for %q: %s", e.Parameter, e.Reason)
}

func configErrorf(parameter, format string, args ...any) error {
	return &ConfigurationError{Parameter: parameter, Reason: fmt.Sprintf(format, args...)}
}
