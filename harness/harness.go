// Package harness runs YAML scenarios against a VM and records a
// deterministic log of results and tier transitions.
//
// A scenario installs an assembler program, binds globals and then runs a
// list of steps. Each step is one of the control operations
// (prepare, optimize, deoptimize, assert_status), a call with an optional
// expected result, or a global read. The log interleaves the steps with
// the trace events they caused, so it can be compared against a golden
// file.
package harness

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tliron/commonlog"
	"gopkg.in/yaml.v3"

	"github.com/chazu/tiered/compiler"
	"github.com/chazu/tiered/vm"
)

var log = commonlog.GetLogger("tiered.harness")

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every expectation held.
	Pass bool

	// Errors lists failed expectations.
	Errors []string

	// Log is one line per step, each followed by the trace events it
	// caused, indented.
	Log []string

	// Trace is the full event trace of the run.
	Trace []vm.TraceEvent
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Errors: []string{}, Log: []string{}}
}

// AddError records a failed expectation.
func (r *Result) AddError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Text returns the log as newline-terminated text.
func (r *Result) Text() string {
	var sb strings.Builder
	for _, line := range r.Log {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Options configure a run.
type Options struct {
	// Base is the configuration the scenario's overrides apply to.
	Base vm.Config

	// Sinks receive every trace event, e.g. a store.Store.
	Sinks []vm.TraceSink

	// Finish, if set, runs on the VM after the last step.
	Finish func(*vm.VM) error
}

// Run executes a scenario on a fresh VM with the default configuration.
func Run(s *Scenario) (*Result, error) {
	return RunWithOptions(s, Options{Base: vm.DefaultConfig()})
}

// RunWithOptions executes a scenario on a fresh VM. The error is non-nil
// only when the scenario cannot be set up or a step is malformed; failed
// expectations are reported in the Result.
func RunWithOptions(s *Scenario, opts Options) (*Result, error) {
	vmOpts := []vm.Option{vm.WithConfig(s.Config.Apply(opts.Base))}
	for _, sink := range opts.Sinks {
		vmOpts = append(vmOpts, vm.WithTraceSink(sink))
	}
	machine := vm.New(vmOpts...)
	defer machine.Close()

	r := &runner{vm: machine, heap: machine.Registry(), result: NewResult()}

	prog, err := compiler.Assemble(r.heap, s.Program)
	if err != nil {
		return nil, fmt.Errorf("%s: program: %w", s.Name, err)
	}
	prog.Install(machine)
	if err := r.bindGlobals(&s.Globals); err != nil {
		return nil, fmt.Errorf("%s: globals: %w", s.Name, err)
	}

	r.result.Log = append(r.result.Log, "scenario "+s.Name)
	r.flush()
	for i, step := range s.Steps {
		if err := r.step(i+1, step); err != nil {
			return nil, fmt.Errorf("%s: step %d: %w", s.Name, i+1, err)
		}
	}
	r.result.Trace = machine.Trace().Events()
	if opts.Finish != nil {
		if err := opts.Finish(machine); err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
	}
	log.Infof("scenario %s: pass=%t, %d steps", s.Name, r.result.Pass, len(s.Steps))
	return r.result, nil
}

type runner struct {
	vm      *vm.VM
	heap    *vm.ObjectRegistry
	result  *Result
	lastSeq uint64
}

// flush appends the events recorded since the previous flush.
func (r *runner) flush() {
	for _, ev := range r.vm.Trace().Events() {
		if ev.Seq <= r.lastSeq {
			continue
		}
		r.lastSeq = ev.Seq
		r.result.Log = append(r.result.Log, "  "+RenderEvent(ev))
	}
}

func (r *runner) bindGlobals(node *yaml.Node) error {
	if node.Kind == 0 {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		v, err := r.value(node.Content[i+1])
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		r.vm.DefineGlobal(name, v)
	}
	return nil
}

// value converts a YAML node into a script value.
func (r *runner) value(n *yaml.Node) (vm.Value, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return r.value(n.Alias)
	case yaml.MappingNode:
		v, obj := r.heap.NewObject()
		for i := 0; i+1 < len(n.Content); i += 2 {
			prop, err := r.value(n.Content[i+1])
			if err != nil {
				return vm.Undefined, err
			}
			obj.Set(r.heap.Shapes, r.heap.Intern(n.Content[i].Value), prop)
		}
		return v, nil
	case yaml.ScalarNode:
	default:
		return vm.Undefined, fmt.Errorf("line %d: unsupported value", n.Line)
	}

	switch n.ShortTag() {
	case "!undefined":
		return vm.Undefined, nil
	case "!!null":
		return vm.Null, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return vm.Undefined, err
		}
		return vm.FromBool(b), nil
	case "!!int", "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return vm.Undefined, err
		}
		return vm.FromFloat(f), nil
	case "!!str":
		if ref, ok := strings.CutPrefix(n.Value, "$"); ok && ref != "" {
			v, bound := r.vm.Global(ref)
			if !bound {
				return vm.Undefined, fmt.Errorf("line %d: %s is not defined", n.Line, ref)
			}
			return v, nil
		}
		return r.heap.NewString(n.Value), nil
	}
	return vm.Undefined, fmt.Errorf("line %d: unsupported tag %s", n.Line, n.ShortTag())
}

func (r *runner) function(name string) (*vm.Function, error) {
	return r.vm.FunctionNamed(name)
}

func (r *runner) step(n int, s Step) error {
	defer r.flush()

	switch s.Action() {
	case "prepare":
		fn, err := r.function(s.Prepare)
		if err != nil {
			return err
		}
		r.result.Log = append(r.result.Log, "prepare "+s.Prepare)
		if err := r.vm.PrepareForOptimization(fn); err != nil {
			r.result.AddError("step %d: prepare %s: %v", n, s.Prepare, err)
		}
	case "optimize":
		fn, err := r.function(s.Optimize)
		if err != nil {
			return err
		}
		r.result.Log = append(r.result.Log, "optimize "+s.Optimize)
		if err := r.vm.OptimizeOnNextCall(fn); err != nil {
			r.result.AddError("step %d: optimize %s: %v", n, s.Optimize, err)
		}
	case "deoptimize":
		fn, err := r.function(s.Deoptimize)
		if err != nil {
			return err
		}
		r.result.Log = append(r.result.Log, "deoptimize "+s.Deoptimize)
		if err := r.vm.DeoptimizeFunction(fn); err != nil {
			r.result.AddError("step %d: deoptimize %s: %v", n, s.Deoptimize, err)
		}
	case "assert_status":
		return r.assertStatus(n, s.AssertStatus)
	case "call":
		return r.call(n, s)
	case "eval":
		v, ok := r.vm.Global(s.Eval)
		if !ok {
			return fmt.Errorf("%s is not defined", s.Eval)
		}
		r.result.Log = append(r.result.Log, fmt.Sprintf("eval %s = %s", s.Eval, r.heap.Describe(v)))
		return r.check(n, s, v)
	default:
		return errors.New("step has no action")
	}
	return nil
}

func (r *runner) assertStatus(n int, a *StatusAssertion) error {
	fn, err := r.function(a.Function)
	if err != nil {
		return err
	}
	r.result.Log = append(r.result.Log, fmt.Sprintf("assert %s %s", a.Function, a.Status))
	switch a.Status {
	case "optimized":
		err = r.vm.AssertOptimized(fn)
	case "unoptimized":
		err = r.vm.AssertUnoptimized(fn)
	default:
		want, perr := vm.ParseFunctionStatus(a.Status)
		if perr != nil {
			return perr
		}
		if got := r.vm.Status(fn); got != want {
			err = fmt.Errorf("expected %s to be %s, it is %s", a.Function, want, got)
		}
	}
	if err != nil {
		r.result.AddError("step %d: %v", n, err)
	}
	return nil
}

func (r *runner) call(n int, s Step) error {
	fn, err := r.function(s.Call)
	if err != nil {
		return err
	}
	args := make([]vm.Value, len(s.Args))
	rendered := make([]string, len(s.Args))
	for i := range s.Args {
		if args[i], err = r.value(&s.Args[i]); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		rendered[i] = r.heap.Describe(args[i])
	}
	head := fmt.Sprintf("call %s(%s)", s.Call, strings.Join(rendered, ", "))

	v, err := r.vm.CallFunction(fn, vm.Undefined, args)
	if err != nil {
		var se *vm.ScriptError
		if !errors.As(err, &se) {
			return err
		}
		r.result.Log = append(r.result.Log, fmt.Sprintf("%s ! %s [%s]", head, se.Code, r.vm.Status(fn)))
		if s.ExpectError == "" {
			r.result.AddError("step %d: %s failed: %v", n, head, err)
		} else if string(se.Code) != s.ExpectError {
			r.result.AddError("step %d: %s failed with %s, want %s", n, head, se.Code, s.ExpectError)
		}
		return nil
	}

	r.result.Log = append(r.result.Log, fmt.Sprintf("%s = %s [%s]", head, r.heap.Describe(v), r.vm.Status(fn)))
	if s.ExpectError != "" {
		r.result.AddError("step %d: %s returned %s, want %s", n, head, r.heap.Describe(v), s.ExpectError)
		return nil
	}
	return r.check(n, s, v)
}

func (r *runner) check(n int, s Step, got vm.Value) error {
	switch {
	case s.ExpectNaN:
		if !got.IsNumber() || !math.IsNaN(got.Number()) {
			r.result.AddError("step %d: got %s, want NaN", n, r.heap.Describe(got))
		}
	case s.HasExpect():
		want, err := r.value(&s.Expect)
		if err != nil {
			return fmt.Errorf("expect: %w", err)
		}
		if !sameValue(got, want) {
			r.result.AddError("step %d: got %s, want %s", n, r.heap.Describe(got), r.heap.Describe(want))
		}
	}
	return nil
}

func sameValue(a, b vm.Value) bool {
	if a.IsNumber() && b.IsNumber() {
		x, y := a.Number(), b.Number()
		return x == y || (math.IsNaN(x) && math.IsNaN(y))
	}
	return vm.SameValue(a, b)
}

// RenderEvent formats a trace event without run-specific details such as
// artifact IDs, so the rendering is stable across runs.
func RenderEvent(ev vm.TraceEvent) string {
	switch ev.Kind {
	case vm.TraceStatus:
		return fmt.Sprintf("status %s: %s -> %s (%s)", ev.Function, ev.From, ev.To, ev.Reason)
	case vm.TraceDeopt:
		return fmt.Sprintf("deopt %s: %s %s", ev.Function, ev.DeoptKind, ev.Reason)
	case vm.TraceMegamorphic:
		return fmt.Sprintf("megamorphic %s: site %d", ev.Function, ev.Site)
	}
	return fmt.Sprintf("%s %s", ev.Kind, ev.Function)
}
