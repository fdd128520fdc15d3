package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jiocloud/nodeconverge/pkg/engine"
	"github.com/jiocloud/nodeconverge/pkg/policy"
	"github.com/spf13/cobra"
)

type applyOptions struct {
	parallelism int
}

func newApplyCommand(opts *globalOptions) *cobra.Command {
	var ao applyOptions

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the node to the manifest",
		Long: `Converge the target node to the declared catalog.

This command:
  - Connects to the target and detects its platform
  - Loads the manifest and compiles it into an ordered graph
  - Passes the graph through the policy gate
  - Walks the graph, changing only resources that are out of sync
  - Delivers refreshes to resources subscribed to changed ones
  - Records the run and its events in the local history`,
		Example: `  # Converge the local node
  converge apply -m site.cue

  # Converge a remote node with a node config
  converge apply -c node.yaml --target ssh://ubuntu@gw1.example.com

  # Limit concurrent provider calls
  converge apply -m site.cue --parallelism 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConverge(cmd.Context(), cmd.OutOrStdout(), opts, ao, false)
		},
	}

	cmd.Flags().IntVar(&ao.parallelism, "parallelism", 0, "max concurrent provider calls (default from node config)")

	return cmd
}

func runConverge(ctx context.Context, out io.Writer, opts *globalOptions, ao applyOptions, dryRun bool) error {
	s, err := openSession(ctx, opts, sessionOptions{connect: true, history: true, gate: true})
	if err != nil {
		return err
	}
	defer s.close()

	if ao.parallelism > 0 {
		s.cfg.Parallelism = ao.parallelism
	}
	return s.apply(ctx, out, opts.jsonOutput, dryRun)
}

// apply compiles, gates and converges the manifest once.
func (s *session) apply(ctx context.Context, out io.Writer, jsonOutput, dryRun bool) error {
	_, g, result, err := s.compile(ctx, dryRun)
	if err != nil {
		var denied *policy.DeniedError
		if errors.As(err, &denied) && !jsonOutput {
			renderPolicy(out, result)
		}
		return err
	}

	report, err := s.converge(ctx, g, dryRun)
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		if result != nil && (len(result.Violations) > 0 || len(result.Warnings) > 0) {
			renderPolicy(out, result)
			fmt.Fprintln(out)
		}
		renderReport(out, report)
	}

	if report.Failed() {
		for _, e := range report.FailedEntries() {
			ev := s.logger.Error().Str("resource", e.Reference)
			if e.Error != nil {
				ev = ev.Err(e.Error)
			}
			ev.Msg("Resource failed")
		}
		return fmt.Errorf("%w: %d of %d resources failed", errRunFailed, report.Summary.Failed, report.Summary.Total)
	}
	if report.Status == engine.RunStatusCancelled {
		return fmt.Errorf("run %s cancelled: %w", report.RunID, context.Cause(ctx))
	}
	return nil
}
