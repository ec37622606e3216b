package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/protein/dispatcher"
	"github.com/thalesfsp/protein/store"
)

func newReportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Merge values into a run summary",
		Long: `Report is called by training and evaluation jobs to record their metrics.
Values are parsed as JSON when possible, so numbers and booleans keep their
type; anything else is stored as a string.

  protein report --set evaluator/score=0.83 --set timing/total=1800`,
		Args: cobra.NoArgs,
		RunE: a.report,
	}

	cmd.Flags().String("run-id", "", "run to update (defaults to $"+dispatcher.EnvRunID+")")
	cmd.Flags().StringArray("set", []string{}, "values in key=value format")

	return cmd
}

func (a *app) report(cmd *cobra.Command, _ []string) (err error) {
	runID, _ := cmd.Flags().GetString("run-id")
	if runID == "" {
		runID = os.Getenv(dispatcher.EnvRunID)
	}

	if runID == "" {
		return errors.New("run id is required (--run-id or $" + dispatcher.EnvRunID + ")")
	}

	sets, _ := cmd.Flags().GetStringArray("set")
	if len(sets) == 0 {
		return errors.New("nothing to report, use --set key=value")
	}

	update, err := parseValues(sets)
	if err != nil {
		return err
	}

	_, s, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	ok, err := s.UpdateRunSummary(cmd.Context(), runID, update)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}

	if !ok {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Updated run %s with %d values\n", runID, len(update))

	return nil
}

func parseValues(sets []string) (map[string]any, error) {
	update := make(map[string]any, len(sets))

	for _, set := range sets {
		key, raw, ok := strings.Cut(set, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid value format: %s (expected key=value)", set)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}

		update[key] = value
	}

	return update, nil
}
