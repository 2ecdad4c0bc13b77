package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/tiered/compiler"
	"github.com/chazu/tiered/vm"
)

type disasmOptions struct {
	*rootOptions
	Function string
	Optimize bool
	Warmup   int
	Args     []string
}

func newDisasmCommand(root *rootOptions) *cobra.Command {
	opts := &disasmOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "disasm <file.tasm>",
		Short: "Disassemble bytecode, feedback and optimized artifacts",
		Long: `Disasm assembles a listing and prints each function's bytecode.
With --warmup the function is prepared and called to collect feedback;
--optimize then compiles it on the next call and prints the artifact.
Without --arg, warmup call i passes i for every parameter.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return disasm(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.Function, "function", "f", "", "only this function")
	cmd.Flags().BoolVar(&opts.Optimize, "optimize", false, "optimize after warmup and print the artifact")
	cmd.Flags().IntVarP(&opts.Warmup, "warmup", "w", 0, "number of warmup calls")
	cmd.Flags().StringArrayVarP(&opts.Args, "arg", "a", nil, "warmup argument (number, true, false, null, undefined, $global or string)")
	return cmd
}

func disasm(cmd *cobra.Command, opts *disasmOptions, path string) error {
	config := opts.manifest.VMConfig()
	config.InvocationThreshold = 0
	config.Concurrent = false
	machine := vm.New(vm.WithConfig(config))
	defer machine.Close()

	prog, err := compiler.AssembleFile(machine.Registry(), path)
	if err != nil {
		return err
	}
	prog.Install(machine)

	fns := prog.Functions
	if opts.Function != "" {
		fn := prog.Function(opts.Function)
		if fn == nil {
			return fmt.Errorf("%s: no function %s", path, opts.Function)
		}
		fns = []*vm.Function{fn}
	}

	warmup := opts.Warmup
	if opts.Optimize && warmup == 0 {
		warmup = 1
	}

	out := cmd.OutOrStdout()
	for i, fn := range fns {
		if i > 0 {
			fmt.Fprintln(out)
		}
		if warmup > 0 {
			if err := exercise(machine, fn, opts, warmup); err != nil {
				return err
			}
		}
		fmt.Fprint(out, machine.Inspect(fn))
	}
	return nil
}

// exercise collects feedback for fn and, when asked, installs an
// optimized artifact.
func exercise(machine *vm.VM, fn *vm.Function, opts *disasmOptions, warmup int) error {
	if err := machine.PrepareForOptimization(fn); err != nil {
		return err
	}
	for i := 0; i < warmup; i++ {
		args, err := warmupArgs(machine, fn, opts.Args, i)
		if err != nil {
			return err
		}
		if _, err := machine.CallFunction(fn, vm.Undefined, args); err != nil {
			return fmt.Errorf("warmup call %d of %s: %w", i+1, fn.Name, err)
		}
	}
	if !opts.Optimize {
		return nil
	}
	if err := machine.OptimizeOnNextCall(fn); err != nil {
		return err
	}
	args, err := warmupArgs(machine, fn, opts.Args, warmup)
	if err != nil {
		return err
	}
	if _, err := machine.CallFunction(fn, vm.Undefined, args); err != nil {
		return fmt.Errorf("optimizing call of %s: %w", fn.Name, err)
	}
	return nil
}

func warmupArgs(machine *vm.VM, fn *vm.Function, literals []string, i int) ([]vm.Value, error) {
	if len(literals) == 0 {
		args := make([]vm.Value, fn.Arity)
		for j := range args {
			args[j] = vm.FromInt(i)
		}
		return args, nil
	}
	args := make([]vm.Value, len(literals))
	for j, lit := range literals {
		v, err := parseArg(machine, lit)
		if err != nil {
			return nil, err
		}
		args[j] = v
	}
	return args, nil
}

// parseArg converts a command-line literal to a value.
func parseArg(machine *vm.VM, lit string) (vm.Value, error) {
	switch lit {
	case "true":
		return vm.True, nil
	case "false":
		return vm.False, nil
	case "null":
		return vm.Null, nil
	case "undefined":
		return vm.Undefined, nil
	}
	if strings.HasPrefix(lit, "$") {
		v, ok := machine.Global(lit[1:])
		if !ok {
			return vm.Undefined, fmt.Errorf("%s is not defined", lit[1:])
		}
		return v, nil
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		return vm.FromFloat(f), nil
	}
	return machine.Registry().NewString(lit), nil
}
