package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fnrelease/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit       int
		runID       string
		historyPath string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded applies",
		Long: `List the runs recorded in the deploy history, newest first, or the
per-function results of one run.`,
		Example: `  # Last 10 runs
  fnrelease history --limit 10

  # Results of one run
  fnrelease history --run 5f1c9e1a-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if historyPath == "" {
				historyPath = cfg.History.Path
			}
			if historyPath == "" {
				return fmt.Errorf("no history database configured")
			}

			ctx := cmd.Context()
			store, err := openHistory(ctx, historyPath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if runID != "" {
				run, err := store.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				results, err := store.ListResults(ctx, run.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, map[string]any{"run": run, "results": results})
				}
				printResults(out, run, results)
				return nil
			}

			runs, err := store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, runs)
			}
			printRuns(out, runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show the results of one run")
	cmd.Flags().StringVar(&historyPath, "history", "", "deploy history database (overrides the config)")

	return cmd
}

func printRuns(w io.Writer, runs []*stores.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tOK\tFAILED\tABORTED\tSKIPPED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status,
			r.Successes, r.Failures, r.Aborts, r.Skipped, r.TotalTime)
	}
	_ = tw.Flush()
}

func printResults(w io.Writer, run *stores.Run, results []*stores.Result) {
	fmt.Fprintf(w, "Run %s (%s) started %s\n\n", run.ID, run.Status, run.StartedAt.Local().Format(time.DateTime))

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNCTION\tPLATFORM\tTRIGGER\tSTATUS\tOPERATION\tDURATION\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Label, r.Platform, r.TriggerType, r.Status, deref(r.Operation), r.Duration, deref(r.Error))
	}
	_ = tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
