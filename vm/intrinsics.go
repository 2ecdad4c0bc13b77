package vm

// installIntrinsics binds the tiering control operations as native
// globals so script code can drive tier transitions mid-execution.
func (vm *VM) installIntrinsics() {
	vm.defineNative("prepareForOptimization", 1, func(vm *VM, fn *Function) (Value, error) {
		return Undefined, vm.PrepareForOptimization(fn)
	})
	vm.defineNative("optimizeOnNextCall", 1, func(vm *VM, fn *Function) (Value, error) {
		return Undefined, vm.OptimizeOnNextCall(fn)
	})
	vm.defineNative("deoptimizeFunction", 1, func(vm *VM, fn *Function) (Value, error) {
		return Undefined, vm.DeoptimizeFunction(fn)
	})
	vm.defineNative("assertOptimized", 1, func(vm *VM, fn *Function) (Value, error) {
		return Undefined, vm.AssertOptimized(fn)
	})
	vm.defineNative("assertUnoptimized", 1, func(vm *VM, fn *Function) (Value, error) {
		return Undefined, vm.AssertUnoptimized(fn)
	})
	vm.defineNative("isOptimized", 1, func(vm *VM, fn *Function) (Value, error) {
		return FromBool(vm.Status(fn) == StatusOptimized), nil
	})
}

// defineNative installs a one-argument intrinsic whose argument must be a
// script function.
func (vm *VM) defineNative(name string, arity int, body func(vm *VM, fn *Function) (Value, error)) {
	native := NewNativeFunction(name, arity, func(vm *VM, this Value, args []Value) (Value, error) {
		target := Undefined
		if len(args) > 0 {
			target = args[0]
		}
		fn, err := vm.FunctionOf(target)
		if err != nil {
			return Undefined, NewTypeError("%s: %s", name, err.Error())
		}
		return body(vm, fn)
	})
	vm.Define(native)
}
