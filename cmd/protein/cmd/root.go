// Package cmd implements the protein command line
package cmd

import (
	"errors"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thalesfsp/protein/internal/config"
	"github.com/thalesfsp/protein/store"
)

// app carries the state shared by every command of one invocation
type app struct {
	cfgFile string
	output  string
	v       *viper.Viper
}

// NewRootCommand builds the command tree. Every call gets its own viper
// instance, so commands can be executed repeatedly in one process.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "protein",
		Short: "Adaptive hyperparameter sweep controller",
		Long: `protein runs a closed optimization loop over training and evaluation jobs.
It suggests hyperparameters with a Gaussian process over the score/cost Pareto
front, dispatches jobs in synchronized batches and tracks them in a run store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "sweep.yaml", "experiment file")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "output format: table or json")
	root.PersistentFlags().Int("verbosity", 0, "log verbosity (overrides log.verbosity)")
	root.PersistentFlags().Bool("json-log", false, "log as JSON (overrides log.json)")
	_ = a.v.BindPFlag("log.verbosity", root.PersistentFlags().Lookup("verbosity"))
	_ = a.v.BindPFlag("log.json", root.PersistentFlags().Lookup("json-log"))

	root.AddCommand(
		newRunCmd(a),
		newStatusCmd(a),
		newSuggestCmd(a),
		newReportCmd(a),
		newValidateCmd(a),
	)

	return root
}

// Execute runs the command line
func Execute() error {
	return NewRootCommand().Execute()
}

func (a *app) load() (*config.Config, error) {
	return config.Load(a.cfgFile, a.v)
}

func (a *app) isJSON() bool {
	return a.output == "json"
}

// openStore loads the config and opens only the store
func (a *app) openStore() (*config.Config, store.Store, error) {
	c, err := a.load()
	if err != nil {
		return nil, nil, err
	}

	s, err := c.BuildStore()
	if err != nil {
		return nil, nil, err
	}

	return c, s, nil
}

func closeStore(s store.Store, err *error) {
	if closer, ok := s.(io.Closer); ok {
		*err = errors.Join(*err, closer.Close())
	}
}
