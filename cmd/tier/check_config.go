package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/chazu/tiered/harness"
	"github.com/chazu/tiered/manifest"
)

func newCheckConfigCommand(root *rootOptions) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "check-config [dir]",
		Short: "Validate tiered.toml and the scenarios it names",
		Long: `Check-config loads tiered.toml from dir (or the nearest parent), validates
it against the configuration schema, parses every scenario in the configured
scenario directories and prints the effective configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := root.manifest
			if len(args) == 1 {
				found, err := manifest.FindAndLoad(args[0])
				if err != nil {
					return err
				}
				if found == nil {
					found = manifest.Default()
				}
				m = found
			}
			return checkConfig(cmd, m, quiet)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the effective configuration")
	return cmd
}

func checkConfig(cmd *cobra.Command, m *manifest.Manifest, quiet bool) error {
	out := cmd.OutOrStdout()
	if m.Dir == "" {
		fmt.Fprintf(out, "# no %s found, using defaults\n", manifest.FileName)
	} else {
		fmt.Fprintf(out, "# %s\n", filepath.Join(m.Dir, manifest.FileName))
	}

	if !quiet {
		if err := toml.NewEncoder(out).Encode(m); err != nil {
			return err
		}
	}

	count := 0
	for _, dir := range m.ScenarioDirPaths() {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			fmt.Fprintf(out, "# scenario directory %s does not exist\n", dir)
			continue
		}
		scenarios, err := harness.LoadDir(dir)
		if err != nil {
			return err
		}
		count += len(scenarios)
	}
	fmt.Fprintf(out, "# ok: %d scenarios\n", count)
	return nil
}
