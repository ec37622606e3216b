package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the experiment file",
		Args:  cobra.NoArgs,
		RunE:  a.validate,
	}
}

func (a *app) validate(cmd *cobra.Command, _ []string) error {
	c, err := a.load()
	if err != nil {
		return err
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()

	if a.isJSON() {
		output, err := json.MarshalIndent(map[string]any{
			"experiment_id": c.Scheduler.ExperimentID,
			"scheduler":     c.Scheduler.ModelDump(),
			"parameters":    c.Parameters,
			"protein":       c.Protein,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}

		fmt.Fprintln(out, string(output))

		return nil
	}

	fmt.Fprintf(out, "Experiment %s: %d trials in batches of %d, store %s, dispatcher %s\n\n",
		c.Scheduler.ExperimentID, c.Scheduler.MaxTrials, c.Scheduler.BatchSize,
		orDefault(c.Store.Type, "sqlite"), orDefault(c.Dispatcher.Type, "local"))

	names := make([]string, 0, len(c.Parameters))
	for name := range c.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(out)
	table.Header("Parameter", "Distribution", "Min", "Max", "Mean")

	for _, name := range names {
		p := c.Parameters[name]

		mean := "-"
		if p.Mean != nil {
			mean = strconv.FormatFloat(*p.Mean, 'g', 6, 64)
		}

		if err := table.Append(name, string(p.Distribution),
			strconv.FormatFloat(p.Min, 'g', 6, 64),
			strconv.FormatFloat(p.Max, 'g', 6, 64),
			mean,
		); err != nil {
			return err
		}
	}

	return table.Render()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}

	return v
}
