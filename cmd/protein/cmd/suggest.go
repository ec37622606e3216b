package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/protein/store"
)

func newSuggestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Print suggestions for the current history without dispatching",
		Long: `Suggest fits the optimizer on every finished run of the experiment and prints
the next hyperparameters, one JSON document per line. Nothing is dispatched and
the scheduler state is left untouched.`,
		Args: cobra.NoArgs,
		RunE: a.suggest,
	}

	cmd.Flags().IntP("count", "n", 1, "number of suggestions")

	return cmd
}

func (a *app) suggest(cmd *cobra.Command, _ []string) (err error) {
	n, _ := cmd.Flags().GetInt("count")
	if n < 1 {
		return errors.New("count must be at least 1")
	}

	c, s, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := c.Logger()

	opt, err := c.BuildOptimizer(nil, log)
	if err != nil {
		return err
	}

	sched, err := c.BuildScheduler(opt, nil, log)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	runs, err := s.FetchRuns(ctx, store.Filter{Group: c.Scheduler.ExperimentID})
	if err != nil {
		return fmt.Errorf("failed to fetch runs: %w", err)
	}

	observations := sched.Observations(runs)
	log.V(1).Info("Fitting optimizer", "runs", len(runs), "observations", len(observations))

	suggestions, err := opt.Suggest(ctx, observations, n)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, suggestion := range suggestions {
		if err := enc.Encode(suggestion); err != nil {
			return err
		}
	}

	return nil
}
