// Command tier drives the speculative tiering VM: it runs scenarios,
// serves the control API, inspects stored traces and prints artifacts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tiered/manifest"
)

// rootOptions holds global flags and the manifest loaded for every command.
type rootOptions struct {
	Dir     string
	Verbose int

	manifest *manifest.Manifest
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tier: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "tier",
		Short:         "Speculative tiering VM",
		Long:          "Runs tiering scenarios, serves the control API and inspects tier traces.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.FindAndLoad(opts.Dir)
			if err != nil {
				return err
			}
			if m == nil {
				m = manifest.Default()
			}
			opts.manifest = m
			configureLogging(m, opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Dir, "dir", "C", ".", "directory to search for tiered.toml")
	cmd.PersistentFlags().CountVarP(&opts.Verbose, "verbose", "v", "increase log verbosity (repeatable)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTraceCommand(opts))
	cmd.AddCommand(newDisasmCommand(opts))
	cmd.AddCommand(newCheckConfigCommand(opts))
	return cmd
}

func configureLogging(m *manifest.Manifest, verbose int) {
	verbosity := m.Log.Verbosity
	if verbose > verbosity {
		verbosity = verbose
	}
	var path *string
	if m.Log.Path != "" {
		p := m.Log.Path
		path = &p
	}
	commonlog.Configure(verbosity, path)
}
