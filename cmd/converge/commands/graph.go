package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newGraphCommand(opts *globalOptions) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the compiled resource graph as DOT",
		Long: `Compile the manifest and print its resource graph in Graphviz DOT
format. Ordering edges are solid, refresh edges are dashed.

Provider resolution and the policy gate are skipped, so the target is
never contacted.`,
		Example: `  converge graph -m site.cue | dot -Tsvg > site.svg
  converge graph -m site.cue --out site.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openSession(ctx, opts, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.close()

			_, g, _, err := s.compile(ctx, true)
			if err != nil {
				return err
			}

			dot := g.ToDOT()
			if outPath == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), dot)
				return err
			}
			if err := os.WriteFile(outPath, []byte(dot), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", outPath, err)
			}
			s.logger.Info().Str("path", outPath).Int("resources", g.Len()).Msg("Graph written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the graph to a file instead of stdout")

	return cmd
}
