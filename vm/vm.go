package vm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: the tiered virtual machine
// ---------------------------------------------------------------------------

// VM runs functions in a baseline interpreter and a speculative optimized
// tier. Script execution is single-threaded per VM; only compilation may
// happen on another goroutine.
type VM struct {
	registry    *ObjectRegistry
	config      Config
	assumptions *AssumptionRegistry
	compiler    *SpeculativeCompiler
	interp      *Interpreter
	tiers       *TierManager
	deopt       *DeoptimizationEngine
	trace       *TraceRecorder
	log         commonlog.Logger

	globalsMu sync.RWMutex
	globals   map[uint32]Value // interned name -> value

	depth int
}

// Option configures a VM.
type Option func(*options)

type options struct {
	config Config
	sinks  []TraceSink
}

// WithConfig replaces the default configuration.
func WithConfig(c Config) Option {
	return func(o *options) { o.config = c }
}

// WithTraceSink forwards every trace event to sink.
func WithTraceSink(sink TraceSink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sink) }
}

// New creates a VM with the tiering intrinsics installed as globals.
func New(opts ...Option) *VM {
	o := options{config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.config.MaxBytecodeLength <= 0 {
		o.config.MaxBytecodeLength = DefaultMaxBytecodeLength
	}
	if o.config.MaxPolymorphism <= 0 {
		o.config.MaxPolymorphism = DefaultMaxPolymorphism
	}

	vm := &VM{
		registry: NewObjectRegistry(),
		config:   o.config,
		trace:    NewTraceRecorder(o.config.TraceCapacity),
		log:      commonlog.GetLogger("tiered.vm"),
		globals:  make(map[uint32]Value),
	}
	for _, s := range o.sinks {
		vm.trace.AddSink(s)
	}
	vm.assumptions = NewAssumptionRegistry(vm.registry)
	vm.compiler = NewSpeculativeCompiler(vm.registry, vm.assumptions, o.config.MaxBytecodeLength)
	vm.interp = NewInterpreter(vm)
	vm.tiers = NewTierManager(o.config, vm.compiler, vm.trace)
	vm.deopt = NewDeoptimizationEngine(vm.tiers, vm.interp, vm.trace)
	vm.installIntrinsics()
	return vm
}

// Close stops background compilation.
func (vm *VM) Close() {
	vm.tiers.Stop()
}

// Registry returns the VM's heap.
func (vm *VM) Registry() *ObjectRegistry { return vm.registry }

// Config returns the VM's configuration.
func (vm *VM) Config() Config { return vm.config }

// Tiers returns the tier manager.
func (vm *VM) Tiers() *TierManager { return vm.tiers }

// Deopts returns the deoptimization engine.
func (vm *VM) Deopts() *DeoptimizationEngine { return vm.deopt }

// Trace returns the trace recorder.
func (vm *VM) Trace() *TraceRecorder { return vm.trace }

// ---------------------------------------------------------------------------
// Globals and functions
// ---------------------------------------------------------------------------

// Define registers fn and binds it to a global of the same name.
func (vm *VM) Define(fn *Function) Value {
	v := vm.registry.RegisterFunction(fn)
	vm.DefineGlobal(fn.Name, v)
	return v
}

// DefineGlobal binds name to v.
func (vm *VM) DefineGlobal(name string, v Value) {
	vm.globalsMu.Lock()
	defer vm.globalsMu.Unlock()
	vm.globals[vm.registry.Intern(name)] = v
}

// Global returns the value bound to name.
func (vm *VM) Global(name string) (Value, bool) {
	vm.globalsMu.RLock()
	defer vm.globalsMu.RUnlock()
	v, ok := vm.globals[vm.registry.Intern(name)]
	return v, ok
}

// GlobalNames returns every bound global name.
func (vm *VM) GlobalNames() []string {
	vm.globalsMu.RLock()
	defer vm.globalsMu.RUnlock()
	names := make([]string, 0, len(vm.globals))
	for id := range vm.globals {
		names = append(names, vm.registry.StringAt(id))
	}
	return names
}

func (vm *VM) loadGlobal(name Value) (Value, error) {
	vm.globalsMu.RLock()
	v, ok := vm.globals[name.StringID()]
	vm.globalsMu.RUnlock()
	if !ok {
		return Undefined, newScriptError(ErrCodeReferenceError, "%s is not defined", vm.registry.GoString(name))
	}
	return v, nil
}

func (vm *VM) storeGlobal(name, v Value) {
	vm.globalsMu.Lock()
	vm.globals[name.StringID()] = v
	vm.globalsMu.Unlock()
}

// FunctionNamed resolves a global to a script function.
func (vm *VM) FunctionNamed(name string) (*Function, error) {
	v, ok := vm.Global(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownFunction)
	}
	return vm.FunctionOf(v)
}

// FunctionOf resolves a function value.
func (vm *VM) FunctionOf(v Value) (*Function, error) {
	if !v.IsFunction() {
		return nil, fmt.Errorf("%s: %w", debugString(vm.registry, v), ErrNotAFunction)
	}
	fn := vm.registry.GetFunction(v)
	if fn == nil {
		return nil, fmt.Errorf("function #%d: %w", v.FunctionID(), ErrUnknownFunction)
	}
	return fn, nil
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// Call invokes the global function name with an undefined receiver.
func (vm *VM) Call(name string, args ...Value) (Value, error) {
	fn, err := vm.FunctionNamed(name)
	if err != nil {
		return Undefined, err
	}
	return vm.CallFunction(fn, Undefined, args)
}

// CallFunction invokes fn. Tier transitions are invisible to the caller:
// the result and any script error are the same in either tier.
func (vm *VM) CallFunction(fn *Function, this Value, args []Value) (Value, error) {
	return vm.callFunction(fn, this, args)
}

func (vm *VM) callValue(callee, this Value, args []Value) (Value, error) {
	if !callee.IsFunction() {
		return Undefined, NewTypeError("%s is not a function", debugString(vm.registry, callee))
	}
	fn := vm.registry.GetFunction(callee)
	if fn == nil {
		return Undefined, NewTypeError("function #%d was released", callee.FunctionID())
	}
	return vm.callFunction(fn, this, args)
}

func (vm *VM) callMethod(recv Value, name uint32, args []Value) (Value, error) {
	m, err := vm.getNamed(recv, name)
	if err != nil {
		return Undefined, err
	}
	if !m.IsFunction() {
		return Undefined, NewTypeError("%s.%s is not a function",
			debugString(vm.registry, recv), vm.registry.StringAt(name))
	}
	return vm.callValue(m, recv, args)
}

func (vm *VM) callFunction(fn *Function, this Value, args []Value) (Value, error) {
	if fn.IsNative() {
		return fn.Native(vm, this, args)
	}
	vm.depth++
	defer func() { vm.depth-- }()
	if vm.config.MaxCallDepth > 0 && vm.depth > vm.config.MaxCallDepth {
		return Undefined, newScriptError(ErrCodeRangeError, "maximum call stack size exceeded")
	}

	art, fb := vm.tiers.Enter(fn)
	if art != nil {
		return vm.runOptimized(art, this, args)
	}
	return vm.interp.Execute(fn, this, args, fb)
}

// ---------------------------------------------------------------------------
// Control operations
// ---------------------------------------------------------------------------

// PrepareForOptimization allocates fn's feedback vector and makes it
// eligible for OptimizeOnNextCall. Idempotent.
func (vm *VM) PrepareForOptimization(fn *Function) error {
	return vm.tiers.Prepare(fn)
}

// OptimizeOnNextCall compiles fn on its next invocation, regardless of
// the invocation counter.
func (vm *VM) OptimizeOnNextCall(fn *Function) error {
	return vm.tiers.OptimizeOnNextCall(fn)
}

// DeoptimizeFunction invalidates fn's artifact immediately. It may be
// called while the artifact is running, e.g. from a valueOf; the running
// activation finishes in the baseline.
func (vm *VM) DeoptimizeFunction(fn *Function) error {
	if fn.IsNative() {
		return fmt.Errorf("deoptimize %s: %w", fn.Name, ErrNativeFunction)
	}
	vm.tiers.DeoptimizeFunction(fn)
	return nil
}

// Status returns fn's current status.
func (vm *VM) Status(fn *Function) FunctionStatus {
	return vm.tiers.Status(fn)
}

// AssertOptimized fails unless fn is optimized.
func (vm *VM) AssertOptimized(fn *Function) error {
	if st := vm.tiers.Status(fn); st != StatusOptimized {
		return newScriptError(ErrCodeAssertion, "expected %s to be optimized, it is %s", fn.Name, st)
	}
	return nil
}

// AssertUnoptimized fails if fn is optimized.
func (vm *VM) AssertUnoptimized(fn *Function) error {
	if st := vm.tiers.Status(fn); st == StatusOptimized {
		return newScriptError(ErrCodeAssertion, "expected %s not to be optimized", fn.Name)
	}
	return nil
}

// Feedback returns a snapshot of fn's feedback, or an empty one when no
// vector was allocated.
func (vm *VM) Feedback(fn *Function) *FeedbackSnapshot {
	if fb := vm.tiers.Feedback(fn); fb != nil {
		return fb.Snapshot()
	}
	return EmptySnapshot(fn)
}

// Compile runs the speculative compiler on fn's current feedback without
// installing the result.
func (vm *VM) Compile(fn *Function) (*GuardedArtifact, error) {
	return vm.compiler.Compile(fn, vm.Feedback(fn))
}

// Inspect describes fn's bytecode, feedback and installed artifact.
func (vm *VM) Inspect(fn *Function) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s]\n", fn, vm.Status(fn))
	sb.WriteString(fn.Disassemble(vm.registry))
	snap := vm.Feedback(fn)
	if len(snap.Entries) > 0 {
		sb.WriteString("feedback:\n")
		for _, e := range snap.Entries {
			fmt.Fprintf(&sb, "  %s\n", e)
		}
	}
	if art := vm.tiers.Artifact(fn); art != nil {
		sb.WriteString(art.Disassemble(vm.registry))
	}
	return sb.String()
}
