package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// Global flags
type globalOptions struct {
	configPath   string
	manifestPath string
	target       string
	platform     string
	statePath    string
	jsonOutput   bool
	logEvents    bool
}

// errRunFailed marks a run whose report contains failed resources.
var errRunFailed = errors.New("run failed")

// ExitCode maps a command error to the process exit status: 2 for a run
// with failed resources, 1 for everything else.
func ExitCode(err error) int {
	if errors.Is(err, errRunFailed) {
		return 2
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge a Neutron network node to its declared state",
		Long: `converge reads a catalog of declared resources (packages, files,
neutron_config entries, Neutron networks and subnets, Contrail route
targets, Consul services, execs), orders them by their relationships and
brings the node into the declared state.

Manifests are written in CUE, Starlark or YAML. Compiled catalogs pass a
Rego policy gate before anything is touched, and every run is recorded in
a local SQLite history.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "node config file (YAML or TOML)")
	flags.StringVarP(&opts.manifestPath, "manifest", "m", "", "manifest file or CUE package directory")
	flags.StringVar(&opts.target, "target", "", `target node: "local" or ssh://user@host[:port]`)
	flags.StringVar(&opts.platform, "platform", "", "skip detection and use family/os, e.g. debian/trusty")
	flags.StringVar(&opts.statePath, "state", "", "run history database")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.BoolVar(&opts.logEvents, "log-events", false, "log every run event")

	rootCmd.AddCommand(newApplyCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))

	return rootCmd
}
