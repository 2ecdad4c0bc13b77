package compiler

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/chazu/tiered/vm"
)

const charCodeListing = `
; charCodeAt with a key that is not an array index
global string "foobar"

func f(useArrayIndex)
    load_arg useArrayIndex
    jump_if_false other
    push "1"
    store_local index
    jump done
other:
    push "4294967296"
    store_local index
done: load_global string
    load_local index
    char_code_at
    return
end
`

func newVM(t *testing.T) *vm.VM {
	t.Helper()
	v := vm.New()
	t.Cleanup(v.Close)
	return v
}

func TestAssembleAndRun(t *testing.T) {
	v := newVM(t)
	prog, err := Assemble(v.Registry(), charCodeListing)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(prog.Globals) != 1 || len(prog.Functions) != 1 {
		t.Fatalf("program = %d globals, %d functions", len(prog.Globals), len(prog.Functions))
	}
	f := prog.Function("f")
	if f == nil {
		t.Fatalf("function f missing")
	}
	if f.Arity != 1 || f.NumLocals != 1 || len(f.Sites) != 1 || f.Sites[0].Kind != vm.SiteCharCodeAt {
		t.Errorf("f = arity %d, locals %d, sites %v", f.Arity, f.NumLocals, f.Sites)
	}
	if !strings.HasPrefix(f.Source, "func f(") || !strings.HasSuffix(f.Source, "end") {
		t.Errorf("source = %q", f.Source)
	}

	prog.Install(v)
	got, err := v.Call("f", vm.True)
	if err != nil {
		t.Fatalf("f(true): %v", err)
	}
	if got.Number() != 111 {
		t.Errorf("f(true) = %v, want 111", got.Number())
	}
	got, err = v.Call("f", vm.False)
	if err != nil {
		t.Fatalf("f(false): %v", err)
	}
	if !math.IsNaN(got.Number()) {
		t.Errorf("f(false) = %v, want NaN", got.Number())
	}
}

func TestAssemblerMatchesBuilder(t *testing.T) {
	heap := vm.NewObjectRegistry()
	prog, err := Assemble(heap, `
func sum(n)
    var i, acc
    push 0
    store_local i
    push 0
    store_local acc
loop:
    load_local i
    load_arg n
    less_than
    jump_if_false done
    load_local acc
    load_local i
    add
    store_local acc
    load_local i
    push 1
    add
    store_local i
    jump loop
done:
    load_local acc
    return
end
`)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	b := vm.NewFunctionBuilder(heap, "sum", 1)
	loop := b.NewLabel("loop")
	done := b.NewLabel("done")
	b.PushNumber(0).StoreLocal(0)
	b.PushNumber(0).StoreLocal(1)
	b.Mark(loop)
	b.LoadLocal(0).LoadArg(0).Site(vm.OpLessThan).Jump(vm.OpJumpIfFalse, done)
	b.LoadLocal(1).LoadLocal(0).Site(vm.OpAdd).StoreLocal(1)
	b.LoadLocal(0).PushNumber(1).Site(vm.OpAdd).StoreLocal(0)
	b.Jump(vm.OpJump, loop)
	b.Mark(done)
	b.LoadLocal(1).Return()
	want := b.MustBuild()

	got := prog.Function("sum")
	if !bytes.Equal(got.Code, want.Code) {
		t.Errorf("code differs:\n%s\nwant:\n%s", got.Disassemble(heap), want.Disassemble(heap))
	}
	if len(got.Sites) != 3 || got.NumLocals != 2 {
		t.Errorf("sites = %d, locals = %d", len(got.Sites), got.NumLocals)
	}
}

func TestAssembleOperandForms(t *testing.T) {
	v := newVM(t)
	prog, err := Assemble(v.Registry(), `
global one 1
global big 0x10
global none null

func method(o)
    load_arg 0
    push 7
    set_named x
    load_arg o
    get_named "x"
    load_arg o
    call_method getY 0
    add
    load_global one
    add
    load_global big
    add
    return
end
`)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if g := prog.Globals[1]; g.Name != "big" || g.Value.Number() != 16 {
		t.Errorf("global big = %v", g.Value.Number())
	}
	if !prog.Globals[2].Value.IsNull() {
		t.Errorf("global none should be null")
	}
	prog.Install(v)

	getY := vm.NewNativeFunction("getY", 0, func(*vm.VM, vm.Value, []vm.Value) (vm.Value, error) {
		return vm.FromInt(100), nil
	})
	obj, o := v.Registry().NewObject()
	o.Set(v.Registry().Shapes, v.Registry().Intern("getY"), v.Registry().RegisterFunction(getY))

	got, err := v.Call("method", obj)
	if err != nil {
		t.Fatalf("method: %v", err)
	}
	if got.Number() != 124 {
		t.Errorf("method(o) = %v, want 124", got.Number())
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		line   int
		want   string
	}{
		{"unknown instruction", "func f()\n  frobnicate\nend", 2, "unknown instruction"},
		{"missing end", "func f()\n  return\n", 3, "missing end"},
		{"duplicate function", "func f()\nreturn\nend\nfunc f()\nreturn\nend", 4, "defined twice"},
		{"unknown parameter", "func f(a)\n  load_arg b\nend", 2, "unknown parameter"},
		{"argument range", "func f(a)\n  load_arg 3\nend", 2, "out of range"},
		{"bad count", "func f()\n  call x\nend", 2, "expected NUMBER"},
		{"top level junk", "push 1", 1, "expected func or global"},
		{"bad literal", "global g frob", 1, "unknown literal"},
		{"bad character", "func f()\n  push @\nend", 2, "unexpected character"},
		{"duplicate parameter", "func f(a, a)\nend", 1, "duplicate parameter"},
		{"two instructions", "func f()\n  pop pop\nend", 2, "expected NEWLINE"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Assemble(vm.NewObjectRegistry(), tc.source)
			var ae *Error
			if !errors.As(err, &ae) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if ae.Pos.Line != tc.line || !strings.Contains(ae.Msg, tc.want) {
				t.Errorf("error = %v, want line %d containing %q", ae, tc.line, tc.want)
			}
		})
	}
}

func TestAssembleUnmarkedLabel(t *testing.T) {
	_, err := Assemble(vm.NewObjectRegistry(), "func f()\n  jump nowhere\nend\n")
	if err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Errorf("error = %v, want an unmarked label error", err)
	}
}
