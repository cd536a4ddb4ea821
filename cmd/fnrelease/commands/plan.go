package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fnrelease/pkg/backend"
	"github.com/openfroyo/fnrelease/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var flags planFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the changes an apply would make",
		Long: `Diff the wanted endpoints against the deployed ones and print the
changesets an apply would execute.

The plan:
  - Groups endpoints by codebase, region and memory into changesets
  - Marks updates that must delete and recreate the function
  - Deletes only endpoints created by fnrelease unless --delete-all is set
  - Fails on updates the remote APIs cannot perform`,
		Example: `  # Plan against the deployed endpoints
  fnrelease plan --want want.yaml --have have.yaml

  # Plan a subset of functions
  fnrelease plan --want want.yaml --have have.yaml --only api,billing.webhook`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tel, ctx, err := newTelemetry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(ctx) }()

			log.Debug().
				Str("want", flags.wantPath).
				Str("have", flags.havePath).
				Str("only", flags.only).
				Bool("delete_all", flags.deleteAll).
				Msg("Planning")

			plan, err := buildPlan(ctx, cfg, tel, &flags)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	flags.register(cmd)

	return cmd
}

func planIsEmpty(plan engine.Plan) bool {
	for _, cs := range plan {
		if !cs.IsEmpty() {
			return false
		}
	}
	return true
}

// printPlan writes one block per non-empty changeset.
func printPlan(w io.Writer, plan engine.Plan) {
	if planIsEmpty(plan) {
		fmt.Fprintln(w, "No changes.")
		return
	}

	for _, key := range plan.Keys() {
		cs := plan[key]
		if cs.IsEmpty() {
			continue
		}

		fmt.Fprintf(w, "Changeset %s:\n", key)
		for _, e := range cs.Create {
			fmt.Fprintf(w, "  + create %s\n", backend.Label(e))
		}
		for _, u := range cs.Update {
			note := ""
			if u.DeleteAndRecreate != nil {
				note += " (recreate)"
			}
			if u.Unsafe {
				note += " (unsafe)"
			}
			fmt.Fprintf(w, "  ~ update %s%s\n", backend.Label(u.Endpoint), note)
		}
		for _, e := range cs.Delete {
			fmt.Fprintf(w, "  - delete %s\n", backend.Label(e))
		}
		for _, e := range cs.Skip {
			fmt.Fprintf(w, "  = skip   %s\n", backend.Label(e))
		}
	}
}
