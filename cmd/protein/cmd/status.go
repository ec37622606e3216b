package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/thalesfsp/protein/models"
	"github.com/thalesfsp/protein/store"
)

// runView is one row of the status output
type runView struct {
	RunID     string           `json:"run_id"`
	Status    models.RunStatus `json:"status"`
	Trial     *int             `json:"trial,omitempty"`
	Score     *float64         `json:"score,omitempty"`
	Cost      *float64         `json:"cost,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the runs of the experiment",
		Args:  cobra.NoArgs,
		RunE:  a.status,
	}
}

func (a *app) status(cmd *cobra.Command, _ []string) (err error) {
	c, s, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	runs, err := s.FetchRuns(cmd.Context(), store.Filter{Group: c.Scheduler.ExperimentID})
	if err != nil {
		return fmt.Errorf("failed to fetch runs: %w", err)
	}

	views := make([]runView, len(runs))
	counts := make(map[models.RunStatus]int)

	for i, run := range runs {
		views[i] = runView{
			RunID:     run.RunID,
			Status:    run.Status(),
			Score:     metric(run, c.Scheduler.ScoreKey),
			Cost:      metric(run, c.Scheduler.CostKey),
			UpdatedAt: run.LastUpdatedAt,
		}

		if trial := metric(run, models.KeyTrial); trial != nil {
			n := int(*trial)
			views[i].Trial = &n
		}

		counts[views[i].Status]++
	}

	out := cmd.OutOrStdout()

	if a.isJSON() {
		output, err := json.MarshalIndent(map[string]any{
			"experiment_id": c.Scheduler.ExperimentID,
			"runs":          views,
			"counts":        counts,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}

		fmt.Fprintln(out, string(output))

		return nil
	}

	if len(views) == 0 {
		fmt.Fprintf(out, "No runs for experiment %s\n", c.Scheduler.ExperimentID)
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Run", "Status", "Trial", "Score", "Cost", "Updated")

	for _, v := range views {
		trial := "-"
		if v.Trial != nil {
			trial = strconv.Itoa(*v.Trial)
		}

		updated := "-"
		if !v.UpdatedAt.IsZero() {
			updated = v.UpdatedAt.Format(time.DateTime)
		}

		if err := table.Append(v.RunID, string(v.Status), trial, formatFloat(v.Score), formatFloat(v.Cost), updated); err != nil {
			return err
		}
	}

	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nTotal runs: %d", len(views))
	for _, status := range models.AllRunStatuses {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(out, ", %s: %d", status, n)
		}
	}
	fmt.Fprintln(out)

	return nil
}

func metric(run models.RunInfo, key string) *float64 {
	if key == "" {
		return nil
	}

	v, ok := run.Metric(key)
	if !ok {
		return nil
	}

	return &v
}

func formatFloat(v *float64) string {
	if v == nil {
		return "-"
	}

	return strconv.FormatFloat(*v, 'g', 6, 64)
}
