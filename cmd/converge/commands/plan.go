package commands

import (
	"github.com/spf13/cobra"
)

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var ao applyOptions

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what apply would change",
		Long: `Run a dry convergence against the target node.

Every resource is checked against the node, but nothing is changed.
Resources that would change are reported as pending, and refreshes are
not delivered. Policies receive dry_run=true in their input. The dry run
is recorded in the history without updating resource state.`,
		Example: `  # Preview changes on the local node
  converge plan -m site.cue

  # Machine readable output
  converge plan -m site.cue --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConverge(cmd.Context(), cmd.OutOrStdout(), opts, ao, true)
		},
	}

	cmd.Flags().IntVar(&ao.parallelism, "parallelism", 0, "max concurrent provider calls (default from node config)")

	return cmd
}
