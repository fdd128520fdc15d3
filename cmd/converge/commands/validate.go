package commands

import (
	"fmt"

	"github.com/jiocloud/nodeconverge/pkg/policy"
	"github.com/spf13/cobra"
)

type validateResult struct {
	Manifest  string         `json:"manifest"`
	Name      string         `json:"name,omitempty"`
	Sources   []string       `json:"source_files"`
	Platform  string         `json:"platform"`
	Resources int            `json:"resources"`
	Edges     int            `json:"edges"`
	Levels    int            `json:"levels"`
	Policy    *policy.Result `json:"policy,omitempty"`

	NoProvider []string `json:"no_provider,omitempty"`
}

func unresolvedErr(unresolved []string) error {
	if len(unresolved) == 0 {
		return nil
	}
	return fmt.Errorf("%d resources have no provider", len(unresolved))
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate and compile a manifest",
		Long: `Validate a manifest without touching the node.

The manifest is checked against the resource schemas, compiled into a
graph (rejecting duplicates, dangling references and cycles), resolved
against the platform's providers and passed through the policy gate.

With --platform the target is not contacted at all.`,
		Example: `  # Validate against the detected platform of the local node
  converge validate -m site.cue

  # Validate for a platform without connecting
  converge validate -m site.cue --platform debian/trusty`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			s, err := openSession(ctx, opts, sessionOptions{connect: opts.platform == "", gate: true})
			if err != nil {
				return err
			}
			defer s.close()
			if s.registry == nil {
				s.registry = s.offlineRegistry()
			}

			manifest, g, result, err := s.compile(ctx, true)
			if err != nil {
				if result != nil && !opts.jsonOutput {
					renderPolicy(out, result)
				}
				return err
			}

			// Compile leaves unresolved providers to the run; validation
			// reports them up front.
			var unresolved []string
			for _, r := range g.Order() {
				if _, err := g.Provider(r.ID()); err != nil {
					unresolved = append(unresolved, err.Error())
				}
			}

			res := validateResult{
				Manifest:  s.cfg.Manifest,
				Name:      manifest.Name,
				Sources:   manifest.SourceFiles,
				Platform:  s.platform.String(),
				Resources: g.Len(),
				Edges:     len(g.Edges()),
				Levels:    len(g.Levels()),
				Policy:    result,

				NoProvider: unresolved,
			}
			if opts.jsonOutput {
				if err := writeJSON(out, res); err != nil {
					return err
				}
				return unresolvedErr(unresolved)
			}

			if len(unresolved) > 0 {
				for _, msg := range unresolved {
					fmt.Fprintf(out, "  ✗ %s\n", msg)
				}
				return unresolvedErr(unresolved)
			}

			fmt.Fprintf(out, "✓ %s is valid for %s\n", res.Manifest, res.Platform)
			fmt.Fprintf(out, "  %d source files\n", len(res.Sources))
			fmt.Fprintf(out, "  %d resources, %d edges, %d levels\n", res.Resources, res.Edges, res.Levels)
			renderPolicy(out, result)
			return nil
		},
	}

	return cmd
}
