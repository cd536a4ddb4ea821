package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/config"
	"github.com/openfroyo/fnrelease/pkg/engine"
	"github.com/openfroyo/fnrelease/pkg/stores"
	"github.com/openfroyo/fnrelease/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newApplyCommand() *cobra.Command {
	var (
		flags       planFlags
		historyPath string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Deploy the wanted endpoints",
		Long: `Plan and execute the changes needed to make the project match the
wanted endpoints.

This command:
  - Creates and updates functions of each changeset concurrently
  - Deletes functions only when every create and update of the changeset succeeded
  - Retries throttled and conflicting calls with exponential backoff
  - Reports failures with guidance and records the run in the deploy history

The command fails when any function failed to deploy. Deletes skipped after a
failure are reported but do not fail the command on their own.`,
		Example: `  # Deploy everything
  FNRELEASE_ACCESS_TOKEN=$(gcloud auth print-access-token) \
    fnrelease apply --want want.yaml --have have.yaml

  # Re-run deletes that were skipped
  fnrelease apply --want want.yaml --have have.yaml --only default:old-fn`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireDeployTarget(); err != nil {
				return err
			}
			if historyPath != "" {
				cfg.History.Enabled = true
				cfg.History.Path = historyPath
			}

			tel, ctx, err := newTelemetry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()
			if err := tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			plan, err := buildPlan(ctx, cfg, tel, &flags)
			if err != nil {
				return err
			}
			if planIsEmpty(plan) {
				fmt.Fprintln(cmd.OutOrStdout(), "No changes to apply.")
				return nil
			}

			var history *stores.SQLiteStore
			if cfg.History.Enabled {
				history, err = openHistory(ctx, cfg.History.Path)
				if err != nil {
					return err
				}
				defer history.Close()
				tel.Events.Subscribe(history.Subscriber(ctx, tel.Logger.NewComponentLogger("history")), nil)
			}

			log.Info().
				Str("project", cfg.Project).
				Int("changesets", len(plan)).
				Msg("Applying plan")

			clients, services, err := newClients(ctx, cfg)
			if err != nil {
				return err
			}
			defer services.Close()

			started := time.Now()
			summary := newFabricator(clients, cfg, tel).ApplyPlan(ctx, plan)

			out := cmd.OutOrStdout()
			reporter := engine.NewReporter(tel.Events, out, tel.Logger.NewComponentLogger("reporter"))
			stats := reporter.LogAndTrackDeployStats(ctx, summary)
			if jsonOutput {
				if err := writeJSON(out, newApplyOutput(summary, stats)); err != nil {
					return err
				}
			} else {
				reporter.PrintErrors(summary)
				printStats(out, stats)
			}

			if history != nil {
				recordHistory(ctx, history, tel, cfg, summary, started)
			}

			if failures := summary.Failures(); len(failures) > 0 {
				return fmt.Errorf("%d function(s) failed to deploy", len(failures))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&historyPath, "history", "", "deploy history database (overrides the config)")

	return cmd
}

// recordHistory stores the run, flushes tracked events into the store and
// prunes old runs. Failures are logged and never fail the apply.
func recordHistory(ctx context.Context, history *stores.SQLiteStore, tel *telemetry.Telemetry, cfg *config.Config, summary *engine.Summary, started time.Time) {
	logger := tel.Logger.NewComponentLogger("history").WithRunID(summary.RunID)

	if err := history.RecordSummary(ctx, summary, started); err != nil {
		logger.WithError(err).Warn("failed to record deploy history")
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := tel.Events.Shutdown(flushCtx); err != nil {
		logger.WithError(err).Warn("failed to flush tracked events")
	}

	if cfg.History.Keep > 0 {
		deleted, err := history.PruneRuns(ctx, cfg.History.Keep)
		if err != nil {
			logger.WithError(err).Warn("failed to prune deploy history")
		} else if deleted > 0 {
			logger.Debugf("pruned %d old run(s)", deleted)
		}
	}
}

func printStats(w io.Writer, stats engine.DeployStats) {
	fmt.Fprintf(w, "Deployed %d function(s), %d failed, %d aborted, %d skipped in %s.\n",
		stats.Successes-stats.Skipped, stats.Failures, stats.Aborts, stats.Skipped, stats.TotalTime.Round(time.Millisecond))
}

type applyOutput struct {
	RunID     string              `json:"run_id"`
	Status    string              `json:"status"`
	TotalTime string              `json:"total_time"`
	Stats     engine.DeployStats  `json:"stats"`
	Results   []applyResultOutput `json:"results"`
}

type applyResultOutput struct {
	Function string `json:"function"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

func newApplyOutput(summary *engine.Summary, stats engine.DeployStats) applyOutput {
	out := applyOutput{
		RunID:     summary.RunID,
		Status:    string(summary.Status()),
		TotalTime: summary.TotalTime.String(),
		Stats:     stats,
		Results:   make([]applyResultOutput, 0, len(summary.Results)),
	}
	for _, r := range summary.Results {
		res := applyResultOutput{
			Function: backend.Label(r.Endpoint),
			Status:   string(r.Status()),
			Duration: r.Duration.String(),
		}
		if r.Err != nil {
			res.Error = r.Err.Error()
		}
		out.Results = append(out.Results, res)
	}
	return out
}
