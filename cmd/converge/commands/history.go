package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/jiocloud/nodeconverge/pkg/engine"
	"github.com/jiocloud/nodeconverge/pkg/stores"
	"github.com/spf13/cobra"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
		Long: `List the runs recorded in the local history, newest first.

Subcommands show one run in detail, its event timeline, the recorded
history of one resource and prune old runs.`,
		Example: `  converge history --limit 5
  converge history show 0d4c7a3e-...
  converge history events 0d4c7a3e-...
  converge history resource 'Service[contrail-api]'
  converge history prune --keep 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), opts, func(ctx context.Context, s *session) error {
				runs, err := s.store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), runs)
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
					return nil
				}
				return renderRuns(cmd.OutOrStdout(), runs)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list (0 for all)")

	cmd.AddCommand(newHistoryShowCommand(opts))
	cmd.AddCommand(newHistoryEventsCommand(opts))
	cmd.AddCommand(newHistoryResourceCommand(opts))
	cmd.AddCommand(newHistoryPruneCommand(opts))

	return cmd
}

func withHistory(ctx context.Context, opts *globalOptions, fn func(context.Context, *session) error) error {
	s, err := openSession(ctx, opts, sessionOptions{history: true})
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func newHistoryShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show one run and its resource results (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), opts, func(ctx context.Context, s *session) error {
				id := ""
				if len(args) == 1 {
					id = args[0]
				} else {
					latest, err := s.store.LatestRun(ctx)
					if err != nil {
						return err
					}
					id = latest.ID
				}

				run, err := s.store.GetRun(ctx, id)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), run)
				}
				return renderRun(cmd.OutOrStdout(), run)
			})
		},
	}
}

func newHistoryEventsCommand(opts *globalOptions) *cobra.Command {
	var (
		level    string
		resource string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the event timeline of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), opts, func(ctx context.Context, s *session) error {
				query := stores.EventQuery{RunID: args[0], Level: level, Limit: limit}
				if resource != "" {
					id, err := engine.ParseReference(resource)
					if err != nil {
						return err
					}
					query.Resource = id.String()
				}
				events, err := s.store.GetEvents(ctx, query)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), events)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tLEVEL\tTYPE\tRESOURCE\tMESSAGE")
				for _, e := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						e.Timestamp.Format("15:04:05.000"), e.Level, e.Type, e.Resource, e.Message)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "only events of this level (info, warning, error)")
	cmd.Flags().StringVar(&resource, "resource", "", "only events of this resource reference")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of events")

	return cmd
}

func newHistoryResourceCommand(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "resource <Type[title]>",
		Short: "Show the recorded results of one resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := engine.ParseReference(args[0])
			if err != nil {
				return err
			}
			ref := id.String()

			return withHistory(cmd.Context(), opts, func(ctx context.Context, s *session) error {
				state, err := s.store.GetResourceState(ctx, ref)
				if err != nil {
					return err
				}
				results, err := s.store.ResourceHistory(ctx, ref, limit)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
						"state":   state,
						"history": results,
					})
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s last %s in run %s\n", state.Resource, state.LastOutcome, state.LastRunID)
				if state.LastChangedAt != nil {
					fmt.Fprintf(out, "Last changed %s\n", state.LastChangedAt.Format("2006-01-02 15:04:05"))
				}
				fmt.Fprintln(out)

				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tOUTCOME\tCHANGED\tREFRESHED\tDETAIL")
				for _, r := range results {
					detail := r.Message
					if r.Error != "" {
						detail = r.Error
					}
					fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", r.RunID, r.Outcome, r.Changed, r.Refreshed, detail)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of results to show (0 for all)")

	return cmd
}

func newHistoryPruneCommand(opts *globalOptions) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 0 {
				return errors.New("--keep must not be negative")
			}
			return withHistory(cmd.Context(), opts, func(ctx context.Context, s *session) error {
				n, err := s.store.PruneRuns(ctx, keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d runs, kept the newest %d\n", n, keep)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 100, "number of runs to keep")

	return cmd
}
