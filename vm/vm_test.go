package vm

import (
	"errors"
	"math"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestVM(t *testing.T, opts ...Option) *VM {
	t.Helper()
	vm := New(opts...)
	t.Cleanup(vm.Close)
	return vm
}

var nan = math.NaN()

// manualConfig disables automatic tiering so tests control every
// transition explicitly.
func manualConfig() Config {
	c := DefaultConfig()
	c.InvocationThreshold = 0
	return c
}

func define(t *testing.T, vm *VM, b *FunctionBuilder) *Function {
	t.Helper()
	fn, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	vm.Define(fn)
	return fn
}

func call(t *testing.T, vm *VM, fn *Function, args ...Value) Value {
	t.Helper()
	v, err := vm.CallFunction(fn, Undefined, args)
	if err != nil {
		t.Fatalf("%s: %v", fn.Name, err)
	}
	return v
}

func newObject(vm *VM, kv ...interface{}) Value {
	v, obj := vm.Registry().NewObject()
	for i := 0; i+1 < len(kv); i += 2 {
		obj.Set(vm.Registry().Shapes, vm.Registry().Intern(kv[i].(string)), kv[i+1].(Value))
	}
	return v
}

func native(vm *VM, name string, body NativeFunc) Value {
	return vm.Registry().RegisterFunction(NewNativeFunction(name, 0, body))
}

func str(vm *VM, s string) Value {
	return vm.Registry().NewString(s)
}

func expectNumber(t *testing.T, got Value, want float64) {
	t.Helper()
	if !got.IsNumber() {
		t.Errorf("result = %s, want %v", debugString(nil, got), want)
		return
	}
	if math.IsNaN(want) {
		if !math.IsNaN(got.Number()) {
			t.Errorf("result = %v, want NaN", got.Number())
		}
		return
	}
	if got.Number() != want {
		t.Errorf("result = %v, want %v", got.Number(), want)
	}
}

func expectStatus(t *testing.T, vm *VM, fn *Function, want FunctionStatus) {
	t.Helper()
	if got := vm.Status(fn); got != want {
		t.Errorf("status of %s = %s, want %s", fn.Name, got, want)
	}
}

func mustNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Calls and globals
// ---------------------------------------------------------------------------

func TestCallByName(t *testing.T) {
	vm := newTestVM(t)
	define(t, vm, NewFunctionBuilder(vm.Registry(), "add", 2).
		LoadArg(0).LoadArg(1).Site(OpAdd).Return())

	v, err := vm.Call("add", FromInt(2), FromInt(40))
	mustNoError(t, err)
	expectNumber(t, v, 42)

	if _, err := vm.Call("missing"); !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("Call(missing) error = %v, want ErrUnknownFunction", err)
	}
	vm.DefineGlobal("notfn", FromInt(1))
	if _, err := vm.Call("notfn"); !errors.Is(err, ErrNotAFunction) {
		t.Errorf("Call(notfn) error = %v, want ErrNotAFunction", err)
	}
}

func TestGlobalsAndReferenceError(t *testing.T) {
	vm := newTestVM(t)
	set := define(t, vm, NewFunctionBuilder(vm.Registry(), "set", 1).
		LoadArg(0).StoreGlobal("g").Emit(OpPushUndefined).Return())
	get := define(t, vm, NewFunctionBuilder(vm.Registry(), "get", 0).
		LoadGlobal("g").Return())
	bad := define(t, vm, NewFunctionBuilder(vm.Registry(), "bad", 0).
		LoadGlobal("nope").Return())

	call(t, vm, set, FromInt(7))
	expectNumber(t, call(t, vm, get), 7)

	_, err := vm.CallFunction(bad, Undefined, nil)
	if !IsScriptError(err, ErrCodeReferenceError) {
		t.Errorf("error = %v, want REFERENCE_ERROR", err)
	}
}

func TestCallDepthLimit(t *testing.T) {
	c := manualConfig()
	c.MaxCallDepth = 16
	vm := newTestVM(t, WithConfig(c))
	define(t, vm, NewFunctionBuilder(vm.Registry(), "loop", 0).
		LoadGlobal("loop").Call(0).Return())

	_, err := vm.Call("loop")
	if !IsScriptError(err, ErrCodeRangeError) {
		t.Errorf("error = %v, want RANGE_ERROR", err)
	}
}

func TestMethodCallUsesReceiver(t *testing.T) {
	vm := newTestVM(t)
	getX := define(t, vm, NewFunctionBuilder(vm.Registry(), "getX", 0).
		Emit(OpPushThis).GetNamed("x").Return())
	obj := newObject(vm, "x", FromInt(5), "getX", vm.Registry().RegisterFunction(getX))
	vm.DefineGlobal("obj", obj)
	caller := define(t, vm, NewFunctionBuilder(vm.Registry(), "caller", 0).
		LoadGlobal("obj").CallMethod("getX", 0).Return())

	expectNumber(t, call(t, vm, caller), 5)

	missing := define(t, vm, NewFunctionBuilder(vm.Registry(), "missing", 0).
		LoadGlobal("obj").CallMethod("nothing", 0).Return())
	if _, err := vm.CallFunction(missing, Undefined, nil); !IsScriptError(err, ErrCodeTypeError) {
		t.Errorf("error = %v, want TYPE_ERROR", err)
	}
}

// ---------------------------------------------------------------------------
// Control operations
// ---------------------------------------------------------------------------

func TestOptimizeRequiresPrepare(t *testing.T) {
	vm := newTestVM(t, WithConfig(manualConfig()))
	fn := define(t, vm, NewFunctionBuilder(vm.Registry(), "f", 0).PushNumber(1).Return())

	if err := vm.OptimizeOnNextCall(fn); !errors.Is(err, ErrNotPrepared) {
		t.Fatalf("error = %v, want ErrNotPrepared", err)
	}
	mustNoError(t, vm.PrepareForOptimization(fn))
	mustNoError(t, vm.PrepareForOptimization(fn))
	mustNoError(t, vm.OptimizeOnNextCall(fn))
	expectNumber(t, call(t, vm, fn), 1)
	expectStatus(t, vm, fn, StatusOptimized)
}

func TestOptimizeWithoutPrepareWhenAllowed(t *testing.T) {
	c := manualConfig()
	c.RequirePrepare = false
	vm := newTestVM(t, WithConfig(c))
	fn := define(t, vm, NewFunctionBuilder(vm.Registry(), "f", 0).PushNumber(1).Return())

	mustNoError(t, vm.OptimizeOnNextCall(fn))
	call(t, vm, fn)
	expectStatus(t, vm, fn, StatusOptimized)
}

func TestAssertions(t *testing.T) {
	vm := newTestVM(t, WithConfig(manualConfig()))
	fn := define(t, vm, NewFunctionBuilder(vm.Registry(), "f", 0).PushNumber(1).Return())

	if err := vm.AssertUnoptimized(fn); err != nil {
		t.Errorf("AssertUnoptimized on a fresh function: %v", err)
	}
	if err := vm.AssertOptimized(fn); !IsAssertionError(err) {
		t.Errorf("AssertOptimized error = %v, want assertion failure", err)
	}

	mustNoError(t, vm.PrepareForOptimization(fn))
	mustNoError(t, vm.OptimizeOnNextCall(fn))
	call(t, vm, fn)

	if err := vm.AssertOptimized(fn); err != nil {
		t.Errorf("AssertOptimized: %v", err)
	}
	if err := vm.AssertUnoptimized(fn); !IsAssertionError(err) {
		t.Errorf("AssertUnoptimized error = %v, want assertion failure", err)
	}
}

func TestNativeFunctionsCannotTier(t *testing.T) {
	vm := newTestVM(t)
	fn, err := vm.FunctionNamed("isOptimized")
	mustNoError(t, err)
	if err := vm.PrepareForOptimization(fn); !errors.Is(err, ErrNativeFunction) {
		t.Errorf("Prepare error = %v, want ErrNativeFunction", err)
	}
	if err := vm.DeoptimizeFunction(fn); !errors.Is(err, ErrNativeFunction) {
		t.Errorf("Deoptimize error = %v, want ErrNativeFunction", err)
	}
}

func TestIntrinsicsFromScript(t *testing.T) {
	vm := newTestVM(t, WithConfig(manualConfig()))
	target := define(t, vm, NewFunctionBuilder(vm.Registry(), "target", 0).PushNumber(1).Return())

	// driver() { prepareForOptimization(target); target(); optimizeOnNextCall(target);
	//            target(); return isOptimized(target); }
	driver := define(t, vm, NewFunctionBuilder(vm.Registry(), "driver", 0).
		LoadGlobal("prepareForOptimization").LoadGlobal("target").Call(1).Emit(OpPOP).
		LoadGlobal("target").Call(0).Emit(OpPOP).
		LoadGlobal("optimizeOnNextCall").LoadGlobal("target").Call(1).Emit(OpPOP).
		LoadGlobal("target").Call(0).Emit(OpPOP).
		LoadGlobal("isOptimized").LoadGlobal("target").Call(1).Return())

	if got := call(t, vm, driver); got != True {
		t.Errorf("isOptimized(target) = %s, want true", debugString(vm.Registry(), got))
	}
	expectStatus(t, vm, target, StatusOptimized)

	assert := define(t, vm, NewFunctionBuilder(vm.Registry(), "assert", 0).
		LoadGlobal("assertUnoptimized").LoadGlobal("target").Call(1).Return())
	if _, err := vm.CallFunction(assert, Undefined, nil); !IsAssertionError(err) {
		t.Errorf("assertUnoptimized(target) error = %v, want assertion failure", err)
	}

	badArg := define(t, vm, NewFunctionBuilder(vm.Registry(), "badArg", 0).
		LoadGlobal("deoptimizeFunction").PushNumber(3).Call(1).Return())
	if _, err := vm.CallFunction(badArg, Undefined, nil); !IsScriptError(err, ErrCodeTypeError) {
		t.Errorf("deoptimizeFunction(3) error = %v, want TYPE_ERROR", err)
	}
}

func TestInspect(t *testing.T) {
	vm := newTestVM(t, WithConfig(manualConfig()))
	fn := define(t, vm, NewFunctionBuilder(vm.Registry(), "sq", 1).
		LoadArg(0).Site(OpMathSqrt).Return())
	mustNoError(t, vm.PrepareForOptimization(fn))
	call(t, vm, fn, FromInt(4))
	mustNoError(t, vm.OptimizeOnNextCall(fn))
	call(t, vm, fn, FromInt(4))

	out := vm.Inspect(fn)
	for _, want := range []string{"[optimized]", "MATH_SQRT", "feedback:", "guard"} {
		if !strings.Contains(out, want) {
			t.Errorf("Inspect output missing %q:\n%s", want, out)
		}
	}
}
