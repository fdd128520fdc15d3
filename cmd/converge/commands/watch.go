package commands

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jiocloud/nodeconverge/pkg/config"
	"github.com/jiocloud/nodeconverge/pkg/policy"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type watchOptions struct {
	applyOptions
	interval time.Duration
	delay    time.Duration
	dryRun   bool
}

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var wo watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the node converged as manifests and policies change",
		Long: `Converge once, then converge again whenever the manifest or a policy
file changes, and every --interval.

Runs never overlap. A failed run is logged and the watch continues.
When the node config sets a metrics address, Prometheus metrics are
served for as long as the watch runs.`,
		Example: `  # Re-converge on change and every 30 minutes
  converge watch -c node.yaml --interval 30m

  # Only report drift
  converge watch -m site.cue --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openSession(ctx, opts, sessionOptions{connect: true, history: true, gate: true})
			if err != nil {
				return err
			}
			defer s.close()
			if wo.parallelism > 0 {
				s.cfg.Parallelism = wo.parallelism
			}

			return s.watch(ctx, cmd, opts.jsonOutput, wo)
		},
	}

	cmd.Flags().IntVar(&wo.parallelism, "parallelism", 0, "max concurrent provider calls (default from node config)")
	cmd.Flags().DurationVar(&wo.interval, "interval", 0, "also converge periodically (0 disables)")
	cmd.Flags().DurationVar(&wo.delay, "delay", 500*time.Millisecond, "debounce delay for file changes")
	cmd.Flags().BoolVar(&wo.dryRun, "dry-run", false, "only report what would change")

	return cmd
}

func (s *session) watch(ctx context.Context, cmd *cobra.Command, jsonOutput bool, wo watchOptions) error {
	paths := append([]string{s.cfg.Manifest}, s.cfg.Policy.Paths...)
	watcher, err := config.NewWatcher(s.logger, paths...)
	if err != nil {
		return err
	}
	watcher.AddExtensions(policy.Extensions...)
	watcher.SetDelay(wo.delay)

	var mu sync.Mutex
	converge := func(ctx context.Context, reason string) {
		mu.Lock()
		defer mu.Unlock()

		s.logger.Info().Str("trigger", reason).Msg("Converging")
		err := s.apply(ctx, cmd.OutOrStdout(), jsonOutput, wo.dryRun)
		switch {
		case err == nil:
		case errors.Is(err, errRunFailed):
			s.logger.Warn().Err(err).Msg("Run finished with failures")
		case ctx.Err() != nil:
		default:
			s.logger.Error().Err(err).Msg("Run failed")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.tel.Metrics.Serve(ctx)
	})

	g.Go(func() error {
		converge(ctx, "startup")
		return watcher.Run(ctx, func(ctx context.Context) error {
			if s.policy != nil {
				if err := s.policy.ReloadPolicies(ctx); err != nil {
					return err
				}
			}
			converge(ctx, "change")
			return nil
		})
	})

	if wo.interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(wo.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					converge(ctx, "interval")
				}
			}
		})
	}

	return g.Wait()
}
