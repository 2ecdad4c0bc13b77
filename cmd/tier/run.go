package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chazu/tiered/harness"
	"github.com/chazu/tiered/store"
	"github.com/chazu/tiered/vm"
)

var errScenariosFailed = errors.New("scenarios failed")

type runOptions struct {
	*rootOptions
	DB      string
	ShowLog bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run [scenario.yaml | dir]...",
		Short: "Run tiering scenarios",
		Long: `Run executes scenario files on fresh VMs and reports failed expectations.
Directories are searched for *.yaml files. With no arguments the scenario
directories named in tiered.toml are used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.DB, "db", "", "record trace events in this SQLite database")
	cmd.Flags().BoolVarP(&opts.ShowLog, "log", "l", false, "print each scenario's step log")
	return cmd
}

func runScenarios(cmd *cobra.Command, opts *runOptions, args []string) error {
	if len(args) == 0 {
		args = opts.manifest.ScenarioDirPaths()
	}
	scenarios, err := loadScenarios(args)
	if err != nil {
		return err
	}
	if len(scenarios) == 0 {
		return errors.New("no scenarios found")
	}

	runOpts := harness.Options{Base: opts.manifest.VMConfig()}

	dbPath := opts.DB
	if dbPath == "" {
		dbPath = opts.manifest.TraceDBPath()
	}
	var st *store.Store
	if dbPath != "" {
		st, err = store.Open(dbPath)
		if err != nil {
			return err
		}
		defer st.Close()
		runOpts.Sinks = []vm.TraceSink{st}
		runOpts.Finish = func(v *vm.VM) error { return saveSnapshots(st, v) }
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, s := range scenarios {
		if st != nil {
			if _, err := st.BeginRun(context.Background(), s.Name); err != nil {
				return err
			}
		}
		res, err := harness.RunWithOptions(s, runOpts)
		if err != nil {
			fmt.Fprintf(out, "ERROR %s: %v\n", s.Name, err)
			failed++
			continue
		}
		if opts.ShowLog {
			fmt.Fprint(out, res.Text())
		}
		if res.Pass {
			fmt.Fprintf(out, "PASS  %s\n", s.Name)
			continue
		}
		failed++
		fmt.Fprintf(out, "FAIL  %s\n", s.Name)
		for _, e := range res.Errors {
			fmt.Fprintf(out, "      %s\n", e)
		}
	}

	fmt.Fprintf(out, "\n%d scenarios, %d failed\n", len(scenarios), failed)
	if failed > 0 {
		return errScenariosFailed
	}
	return nil
}

// saveSnapshots stores the final feedback of every function the tier
// manager tracked.
func saveSnapshots(st *store.Store, v *vm.VM) error {
	ctx := context.Background()
	for _, fs := range v.Tiers().Stats().Functions {
		fn, err := v.FunctionNamed(fs.Function)
		if err != nil {
			continue
		}
		if err := st.SaveSnapshot(ctx, v.Registry(), v.Feedback(fn)); err != nil {
			return err
		}
	}
	return nil
}

// loadScenarios reads every path, expanding directories to their *.yaml files.
func loadScenarios(paths []string) ([]*harness.Scenario, error) {
	var all []*harness.Scenario
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			found, err := harness.LoadDir(p)
			if err != nil {
				return nil, err
			}
			all = append(all, found...)
			continue
		}
		s, err := harness.LoadScenario(p)
		if err != nil {
			return nil, err
		}
		all = append(all, s)
	}
	return all, nil
}
