// Package logging builds the logr.Logger shared by every package
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/go-logr/stdr"
)

// Config selects the logger output
type Config struct {
	Verbosity int  `mapstructure:"verbosity"`
	JSON      bool `mapstructure:"json"`

	// Output defaults to stderr
	Output io.Writer `mapstructure:"-"`
}

// New returns a text logger backed by the standard library, or a JSON
// logger when config.JSON is set.
func New(config Config) logr.Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	if config.JSON {
		return funcr.NewJSON(func(obj string) {
			fmt.Fprintln(out, obj)
		}, funcr.Options{
			LogTimestamp: true,
			Verbosity:    config.Verbosity,
		}).WithName("protein")
	}

	// stdr keeps its verbosity globally
	stdr.SetVerbosity(config.Verbosity)

	return stdr.New(stdlog.New(out, "", stdlog.LstdFlags)).WithName("protein")
}
