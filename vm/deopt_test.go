package vm

import (
	"testing"
)

func expectInvariant(t *testing.T, what string, f func()) {
	t.Helper()
	defer func() {
		if _, ok := recover().(*InvariantViolation); !ok {
			t.Errorf("%s: expected an invariant violation", what)
		}
	}()
	f()
}

// handArtifact builds an artifact for f(a, b) with one local whose only
// resume point sits at the ADD site and uses every location kind.
func handArtifact(heap *ObjectRegistry) *GuardedArtifact {
	fn := NewFunctionBuilder(heap, "f", 2).SetNumLocals(1).
		LoadArg(0).LoadArg(1).Site(OpAdd).Return().MustBuild()
	art := newArtifact(fn)
	art.Constants = []Value{heap.NewString("k")}
	art.NumTagged = 2
	art.NumFloat = 1
	art.NumIndex = 1
	art.Assumptions = []Assumption{{ID: 0, Kind: AssumePrimitiveNumeric, Site: 0, PC: fn.Sites[0].PC}}
	art.resumeFor = []ResumeIndex{0}
	art.ResumePoints = []ResumePoint{{
		PC: fn.Sites[0].PC,
		Layout: FrameLayout{
			Receiver: ReceiverLocation,
			Args:     []Location{ArgAt(0), ArgAt(1)},
			Locals:   []Location{FloatAt(0)},
			Stack:    []Location{IndexAt(0), ConstantAt(0), UndefinedLocation, TaggedAt(1)},
		},
	}}
	return art
}

func newTestEngine(heap *ObjectRegistry) *DeoptimizationEngine {
	c := NewSpeculativeCompiler(heap, NewAssumptionRegistry(heap), 0)
	tiers := NewTierManager(manualConfig(), c, nil)
	return NewDeoptimizationEngine(tiers, nil, tiers.trace)
}

// ---------------------------------------------------------------------------
// Frame translation
// ---------------------------------------------------------------------------

func TestDeoptTranslatesEveryLocation(t *testing.T) {
	heap := NewObjectRegistry()
	d := newTestEngine(heap)
	art := handArtifact(heap)

	recv, _ := heap.NewObject()
	fr := newOptimizedFrame(art, recv, []Value{FromInt(1)})
	fr.Floats[0] = 2.5
	fr.Indices[0] = 7
	fr.Tagged[1] = True

	frame := d.Deoptimize(art, GuardFailure{Assumption: 0, Reason: DeoptNotANumber}, fr)

	if frame.PC != art.Function.Sites[0].PC {
		t.Errorf("pc = %d, want %d", frame.PC, art.Function.Sites[0].PC)
	}
	if frame.Receiver != recv {
		t.Errorf("receiver not carried over")
	}
	expectNumber(t, frame.Args[0], 1)
	if !frame.Args[1].IsUndefined() {
		t.Errorf("missing argument = %s, want undefined", debugString(heap, frame.Args[1]))
	}
	expectNumber(t, frame.Locals[0], 2.5)
	if len(frame.Stack) != 4 {
		t.Fatalf("stack depth = %d, want 4", len(frame.Stack))
	}
	expectNumber(t, frame.Stack[0], 7)
	if heap.GoString(frame.Stack[1]) != "k" {
		t.Errorf("stack[1] = %s, want \"k\"", debugString(heap, frame.Stack[1]))
	}
	if !frame.Stack[2].IsUndefined() || frame.Stack[3] != True {
		t.Errorf("stack tail = %s %s", debugString(heap, frame.Stack[2]), debugString(heap, frame.Stack[3]))
	}

	if art.Valid() || art.InvalidationReason() != DeoptNotANumber {
		t.Errorf("artifact should be invalidated with %s, got %s", DeoptNotANumber, art.InvalidationReason())
	}
	stats := d.Stats()
	if stats.Eager != 1 || stats.Lazy != 0 || stats.ByReason[DeoptNotANumber] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDeoptInvariants(t *testing.T) {
	heap := NewObjectRegistry()
	d := newTestEngine(heap)

	expectInvariant(t, "missing resume point", func() {
		art := handArtifact(heap)
		art.resumeFor = nil
		d.Deoptimize(art, GuardFailure{Assumption: 0, Reason: DeoptNotANumber}, newOptimizedFrame(art, Undefined, nil))
	})
	expectInvariant(t, "eager deopt at a lazy point", func() {
		art := handArtifact(heap)
		art.ResumePoints[0].Lazy = true
		d.Deoptimize(art, GuardFailure{Assumption: 0, Reason: DeoptNotANumber}, newOptimizedFrame(art, Undefined, nil))
	})
	expectInvariant(t, "lazy deopt at an eager point", func() {
		art := handArtifact(heap)
		d.DeoptimizeLazy(art, 0, newOptimizedFrame(art, Undefined, nil))
	})
	expectInvariant(t, "register out of range", func() {
		art := handArtifact(heap)
		art.ResumePoints[0].Layout.Stack[3] = TaggedAt(9)
		d.Deoptimize(art, GuardFailure{Assumption: 0, Reason: DeoptNotANumber}, newOptimizedFrame(art, Undefined, nil))
	})
	expectInvariant(t, "locals mismatch", func() {
		art := handArtifact(heap)
		art.ResumePoints[0].Layout.Locals = nil
		d.Deoptimize(art, GuardFailure{Assumption: 0, Reason: DeoptNotANumber}, newOptimizedFrame(art, Undefined, nil))
	})
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestGuardFailsBeforeSideEffects(t *testing.T) {
	vm := newTestVM(t, WithConfig(manualConfig()))
	calls := 0
	obj := newObject(vm, "valueOf", native(vm, "valueOf", func(vm *VM, this Value, args []Value) (Value, error) {
		calls++
		return FromInt(16), nil
	}))
	fn := define(t, vm, NewFunctionBuilder(vm.Registry(), "mysqrt", 1).LoadArg(0).Site(OpMathSqrt).Return())

	mustNoError(t, vm.PrepareForOptimization(fn))
	expectNumber(t, call(t, vm, fn, FromInt(16)), 4)
	mustNoError(t, vm.OptimizeOnNextCall(fn))
	expectNumber(t, call(t, vm, fn, FromInt(16)), 4)
	expectStatus(t, vm, fn, StatusOptimized)

	expectNumber(t, call(t, vm, fn, obj), 4)
	if calls != 1 {
		t.Errorf("valueOf called %d times, want 1", calls)
	}
	expectStatus(t, vm, fn, StatusDeoptimized)

	stats := vm.Deopts().Stats()
	if stats.Eager != 1 || stats.Lazy != 0 || stats.ByReason[DeoptNotANumber] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	found := false
	for _, ev := range vm.Trace().EventsFor("mysqrt") {
		if ev.Kind == TraceDeopt && ev.DeoptKind == DeoptEager.String() {
			found = true
		}
	}
	if !found {
		t.Errorf("no eager deopt event recorded")
	}
}

func TestLazyDeoptAfterCallOut(t *testing.T) {
	vm := newTestVM(t, WithConfig(manualConfig()))
	h := define(t, vm, NewFunctionBuilder(vm.Registry(), "h", 1).
		LoadArg(0).PushNumber(1).Site(OpAdd).Return())

	plain := newObject(vm, "valueOf", native(vm, "valueOf", func(vm *VM, this Value, args []Value) (Value, error) {
		return FromInt(41), nil
	}))
	evil := newObject(vm, "valueOf", native(vm, "valueOf", func(vm *VM, this Value, args []Value) (Value, error) {
		if err := vm.DeoptimizeFunction(h); err != nil {
			return Undefined, err
		}
		return FromInt(41), nil
	}))

	mustNoError(t, vm.PrepareForOptimization(h))
	expectNumber(t, call(t, vm, h, plain), 42)
	mustNoError(t, vm.OptimizeOnNextCall(h))
	expectNumber(t, call(t, vm, h, plain), 42)
	expectStatus(t, vm, h, StatusOptimized)

	expectNumber(t, call(t, vm, h, evil), 42)
	expectStatus(t, vm, h, StatusDeoptimized)
	if vm.Tiers().Artifact(h) != nil {
		t.Errorf("artifact still installed")
	}
	stats := vm.Deopts().Stats()
	if stats.Eager != 0 || stats.Lazy != 1 {
		t.Errorf("stats = %+v, want one lazy deopt", stats)
	}
}

func TestNestedDeopt(t *testing.T) {
	vm := newTestVM(t, WithConfig(manualConfig()))
	reg := vm.Registry()
	inner := define(t, vm, NewFunctionBuilder(reg, "inner", 1).LoadArg(0).Site(OpMathSqrt).Return())
	outer := define(t, vm, NewFunctionBuilder(reg, "outer", 1).
		LoadGlobal("inner").LoadArg(0).Call(1).PushNumber(1).Site(OpAdd).Return())

	obj := newObject(vm, "valueOf", native(vm, "valueOf", func(vm *VM, this Value, args []Value) (Value, error) {
		if err := vm.DeoptimizeFunction(outer); err != nil {
			return Undefined, err
		}
		return FromInt(16), nil
	}))

	for _, fn := range []*Function{inner, outer} {
		mustNoError(t, vm.PrepareForOptimization(fn))
	}
	expectNumber(t, call(t, vm, outer, FromInt(16)), 5)
	for _, fn := range []*Function{inner, outer} {
		mustNoError(t, vm.OptimizeOnNextCall(fn))
	}
	expectNumber(t, call(t, vm, outer, FromInt(16)), 5)
	expectStatus(t, vm, outer, StatusOptimized)
	expectStatus(t, vm, inner, StatusOptimized)

	expectNumber(t, call(t, vm, outer, obj), 5)
	for _, fn := range []*Function{inner, outer} {
		expectStatus(t, vm, fn, StatusDeoptimized)
		if vm.Tiers().Artifact(fn) != nil {
			t.Errorf("%s still has an artifact", fn.Name)
		}
	}
	stats := vm.Deopts().Stats()
	if stats.Eager != 1 || stats.Lazy != 1 {
		t.Errorf("stats = %+v, want one eager and one lazy", stats)
	}
}

func TestDeoptInsideLoopResumesMidIteration(t *testing.T) {
	vm := newTestVM(t, WithConfig(manualConfig()))
	reg := vm.Registry()
	poison := false
	vm.DefineGlobal("g", native(vm, "g", func(vm *VM, this Value, args []Value) (Value, error) {
		if poison && args[0].Number() == 3 {
			return vm.Registry().NewString("x"), nil
		}
		return args[0], nil
	}))

	// loopg(n) { acc = 0; for (i = 0; i < n; i++) acc = acc + g(i); return acc }
	b := NewFunctionBuilder(reg, "loopg", 1)
	loop := b.NewLabel("loop")
	done := b.NewLabel("done")
	b.PushNumber(0).StoreLocal(0)
	b.PushNumber(0).StoreLocal(1)
	b.Mark(loop)
	b.LoadLocal(0).LoadArg(0).Site(OpLessThan).Jump(OpJumpIfFalse, done)
	b.LoadLocal(1).LoadGlobal("g").LoadLocal(0).Call(1).Site(OpAdd).StoreLocal(1)
	b.LoadLocal(0).PushNumber(1).Site(OpAdd).StoreLocal(0)
	b.Jump(OpJump, loop)
	b.Mark(done)
	b.LoadLocal(1).Return()
	fn := define(t, vm, b)

	mustNoError(t, vm.PrepareForOptimization(fn))
	expectNumber(t, call(t, vm, fn, FromInt(5)), 10)
	mustNoError(t, vm.OptimizeOnNextCall(fn))
	expectNumber(t, call(t, vm, fn, FromInt(5)), 10)
	expectStatus(t, vm, fn, StatusOptimized)

	poison = true
	got := call(t, vm, fn, FromInt(5))
	if s := reg.GoString(got); !got.IsString() || s != "3x4" {
		t.Errorf("loopg(5) = %s, want \"3x4\"", debugString(reg, got))
	}
	expectStatus(t, vm, fn, StatusDeoptimized)
}
