package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/thalesfsp/protein/controller"
	"github.com/thalesfsp/protein/dispatcher"
	"github.com/thalesfsp/protein/internal/server"
	"github.com/thalesfsp/protein/models"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the experiment until it completes",
		Long: `Run builds the store, dispatcher, optimizer and scheduler from the experiment
file and polls until every trial is evaluated. A persisted scheduler state is
resumed. SIGINT or SIGTERM cancels the active jobs and exits.`,
		Args: cobra.NoArgs,
		RunE: a.run,
	}

	cmd.Flags().String("listen", "", "status server address (overrides metrics.listen)")
	_ = a.v.BindPFlag("metrics.listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func (a *app) run(cmd *cobra.Command, _ []string) (err error) {
	c, err := a.load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	rt, err := c.Build(ctx)
	if err != nil {
		return err
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err = errors.Join(err, rt.Close(closeCtx))
	}()

	log := rt.Log

	if c.Metrics.Listen != "" {
		var opts []server.Option
		if hc, ok := rt.Store.(interface{ HealthCheck(context.Context) error }); ok {
			opts = append(opts, server.WithHealthCheck(hc.HealthCheck))
		}

		srv := server.New(c.Metrics.Listen, rt.Controller, rt.Metrics, log.WithName("server"), opts...)
		if _, err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error(err, "Status server shutdown")
			}
		}()
	}

	signals, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting experiment",
		"experiment_id", c.Scheduler.ExperimentID,
		"max_trials", c.Scheduler.MaxTrials,
		"batch_size", c.Scheduler.BatchSize,
		"parameters", len(c.Parameters),
	)

	done := make(chan error, 1)
	go func() {
		done <- rt.Controller.Run(ctx, callbacks(log))
	}()

	select {
	case err = <-done:
	case <-signals.Done():
		log.Info("Shutting down, cancelling active jobs")

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err = errors.Join(rt.Controller.Stop(stopCtx), <-done)
	}

	waitJobs(rt.Dispatcher)

	status := rt.Controller.Status()

	kv := []any{
		"complete", status.Complete,
		"trials", status.TrialsIssued,
		"completed_runs", len(status.CompletedRuns),
	}
	if status.BestScore != nil {
		kv = append(kv, "best_score", *status.BestScore)
	}

	log.Info("Experiment finished", kv...)

	return err
}

func callbacks(log logr.Logger) controller.Callbacks {
	return controller.Callbacks{
		OnTrainingCompleted: func(run models.RunInfo, failed bool) {
			log.Info("Training finished", "run_id", run.RunID, "failed", failed)
		},
		OnEvalCompleted: func(run models.RunInfo, failed bool) {
			log.Info("Evaluation finished", "run_id", run.RunID, "failed", failed)
		},
		OnJobDispatch: func(job models.JobDefinition, dispatchID string) {
			log.V(1).Info("Job dispatched", "run_id", job.RunID, "job_type", job.Type, "dispatch_id", dispatchID)
		},
	}
}

// waitJobs blocks until the child processes of a local dispatcher exited
func waitJobs(d dispatcher.Dispatcher) {
	type unwrapper interface {
		Unwrap() dispatcher.Dispatcher
	}

	for d != nil {
		if local, ok := d.(*dispatcher.LocalDispatcher); ok {
			local.Wait()
			return
		}

		u, ok := d.(unwrapper)
		if !ok {
			return
		}

		d = u.Unwrap()
	}
}
