package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Frame: Execution state for one baseline activation
// ---------------------------------------------------------------------------

// Frame is the state of a function running in the baseline tier. The
// deoptimizer builds Frames from optimized register state, so every field
// is plain data.
type Frame struct {
	Function *Function
	Receiver Value
	Args     []Value
	Locals   []Value
	Stack    []Value
	PC       int

	feedback *FeedbackRecord
}

func (f *Frame) push(v Value) {
	f.Stack = append(f.Stack, v)
}

func (f *Frame) pop() Value {
	n := len(f.Stack)
	if n == 0 {
		invariant("interpreter", "stack underflow in %s at %d", f.Function, f.PC)
	}
	v := f.Stack[n-1]
	f.Stack = f.Stack[:n-1]
	return v
}

func (f *Frame) top() Value {
	if len(f.Stack) == 0 {
		invariant("interpreter", "stack underflow in %s at %d", f.Function, f.PC)
	}
	return f.Stack[len(f.Stack)-1]
}

func (f *Frame) popN(n int) []Value {
	if len(f.Stack) < n {
		invariant("interpreter", "stack underflow in %s at %d", f.Function, f.PC)
	}
	vals := make([]Value, n)
	copy(vals, f.Stack[len(f.Stack)-n:])
	f.Stack = f.Stack[:len(f.Stack)-n]
	return vals
}

// normalizeArgs pads or truncates args to fn's arity.
func normalizeArgs(fn *Function, args []Value) []Value {
	out := make([]Value, fn.Arity)
	for i := range out {
		if i < len(args) {
			out[i] = args[i]
		} else {
			out[i] = Undefined
		}
	}
	return out
}

// NewFrame creates a frame positioned at the start of fn.
func NewFrame(fn *Function, this Value, args []Value) *Frame {
	locals := make([]Value, fn.NumLocals)
	for i := range locals {
		locals[i] = Undefined
	}
	return &Frame{
		Function: fn,
		Receiver: this,
		Args:     normalizeArgs(fn, args),
		Locals:   locals,
		Stack:    make([]Value, 0, 8),
	}
}

// ---------------------------------------------------------------------------
// Interpreter: Baseline bytecode execution
// ---------------------------------------------------------------------------

// Interpreter executes bytecode without speculation and records type
// feedback at every site. It is the only writer of FeedbackRecords.
type Interpreter struct {
	vm *VM
}

// NewInterpreter creates an interpreter bound to vm.
func NewInterpreter(vm *VM) *Interpreter {
	return &Interpreter{vm: vm}
}

// Execute runs fn from its first instruction.
func (i *Interpreter) Execute(fn *Function, this Value, args []Value, fb *FeedbackRecord) (Value, error) {
	fr := NewFrame(fn, this, args)
	fr.feedback = fb
	return i.run(fr)
}

// Resume continues a frame rebuilt by the deoptimizer. It implements
// BaselineResumer.
func (i *Interpreter) Resume(fr *Frame) (Value, error) {
	if fr.feedback == nil {
		fr.feedback = i.vm.tiers.Feedback(fr.Function)
	}
	return i.run(fr)
}

func (i *Interpreter) observe(fr *Frame, site SiteID, obs Observation) {
	if fr.feedback == nil {
		return
	}
	if fr.feedback.Observe(site, obs) {
		i.vm.tiers.noteMegamorphic(fr.Function, site)
	}
}

func (i *Interpreter) run(fr *Frame) (result Value, err error) {
	vm := i.vm
	reg := vm.registry
	fn := fr.Function
	bc := fn.Code
	consts := fn.Constants

	defer func() {
		if se, ok := err.(*ScriptError); ok && se.Function == "" {
			se.Function = fn.String()
		}
	}()

	for {
		if fr.PC >= len(bc) {
			return Undefined, nil
		}
		op := Opcode(bc[fr.PC])
		fr.PC++

		switch op {
		// --- Stack operations ---
		case OpNOP:

		case OpPOP:
			fr.pop()

		case OpDUP:
			fr.push(fr.top())

		// --- Push constants ---
		case OpPushUndefined:
			fr.push(Undefined)

		case OpPushThis:
			fr.push(fr.Receiver)

		case OpPushConst:
			idx := binary.LittleEndian.Uint16(bc[fr.PC:])
			fr.PC += 2
			if int(idx) >= len(consts) {
				invariant("interpreter", "constant index %d out of bounds (len=%d)", idx, len(consts))
			}
			fr.push(consts[idx])

		// --- Variables ---
		case OpLoadArg:
			idx := bc[fr.PC]
			fr.PC++
			fr.push(fr.Args[idx])

		case OpLoadLocal:
			idx := bc[fr.PC]
			fr.PC++
			fr.push(fr.Locals[idx])

		case OpStoreLocal:
			idx := bc[fr.PC]
			fr.PC++
			fr.Locals[idx] = fr.pop()

		case OpLoadGlobal:
			idx := binary.LittleEndian.Uint16(bc[fr.PC:])
			fr.PC += 2
			v, err := vm.loadGlobal(consts[idx])
			if err != nil {
				return Undefined, err
			}
			fr.push(v)

		case OpStoreGlobal:
			idx := binary.LittleEndian.Uint16(bc[fr.PC:])
			fr.PC += 2
			vm.storeGlobal(consts[idx], fr.pop())

		// --- Properties ---
		case OpGetNamed:
			site := fr.PC - 1
			idx := binary.LittleEndian.Uint16(bc[fr.PC:])
			s := SiteID(bc[fr.PC+2])
			fr.PC += 3
			recv := fr.pop()
			i.observe(fr, s, reg.observeNamed(recv))
			v, err := vm.getNamed(recv, consts[idx].StringID())
			if err != nil {
				return Undefined, i.annotate(err, fn, site)
			}
			fr.push(v)

		case OpGetKeyed:
			s := SiteID(bc[fr.PC])
			fr.PC++
			key := fr.pop()
			recv := fr.pop()
			i.observe(fr, s, reg.observeKeyed(recv, key))
			v, err := vm.getKeyed(recv, key)
			if err != nil {
				return Undefined, err
			}
			fr.push(v)

		case OpSetNamed:
			idx := binary.LittleEndian.Uint16(bc[fr.PC:])
			fr.PC += 2
			v := fr.pop()
			recv := fr.pop()
			if err := vm.setNamed(recv, consts[idx].StringID(), v); err != nil {
				return Undefined, err
			}

		case OpNewObject:
			obj, _ := reg.NewObject()
			fr.push(obj)

		case OpCharCodeAt:
			s := SiteID(bc[fr.PC])
			fr.PC++
			index := fr.pop()
			recv := fr.pop()
			i.observe(fr, s, reg.observeCharCodeAt(recv, index))
			v, err := vm.charCodeAt(recv, index)
			if err != nil {
				return Undefined, err
			}
			fr.push(v)

		// --- Arithmetic ---
		case OpAdd, OpSub, OpMul, OpDiv, OpLessThan:
			s := SiteID(bc[fr.PC])
			fr.PC++
			b := fr.pop()
			a := fr.pop()
			i.observe(fr, s, reg.observeArith(a, b))
			v, err := vm.arith(op, a, b)
			if err != nil {
				return Undefined, err
			}
			fr.push(v)

		case OpMathSqrt:
			s := SiteID(bc[fr.PC])
			fr.PC++
			x := fr.pop()
			i.observe(fr, s, reg.observeCoercion(x))
			v, err := vm.mathSqrt(x)
			if err != nil {
				return Undefined, err
			}
			fr.push(v)

		case OpStrictEq:
			b := fr.pop()
			a := fr.pop()
			fr.push(FromBool(StrictEquals(a, b)))

		case OpNot:
			fr.push(FromBool(!ToBoolean(fr.pop())))

		// --- Control flow ---
		case OpJump:
			offset := int16(binary.LittleEndian.Uint16(bc[fr.PC:]))
			fr.PC += 2 + int(offset)

		case OpJumpIfFalse:
			offset := int16(binary.LittleEndian.Uint16(bc[fr.PC:]))
			fr.PC += 2
			if !ToBoolean(fr.pop()) {
				fr.PC += int(offset)
			}

		case OpCall:
			argc := int(bc[fr.PC])
			fr.PC++
			args := fr.popN(argc)
			callee := fr.pop()
			v, err := vm.callValue(callee, Undefined, args)
			if err != nil {
				return Undefined, err
			}
			fr.push(v)

		case OpCallMethod:
			idx := binary.LittleEndian.Uint16(bc[fr.PC:])
			argc := int(bc[fr.PC+2])
			fr.PC += 3
			args := fr.popN(argc)
			recv := fr.pop()
			v, err := vm.callMethod(recv, consts[idx].StringID(), args)
			if err != nil {
				return Undefined, err
			}
			fr.push(v)

		case OpReturn:
			return fr.pop(), nil

		default:
			return Undefined, fmt.Errorf("interpreter: unknown opcode 0x%02X at %d in %s", byte(op), fr.PC-1, fn)
		}
	}
}

// annotate adds the failing offset to type errors raised by property reads.
func (i *Interpreter) annotate(err error, fn *Function, pc int) error {
	if se, ok := err.(*ScriptError); ok && se.Function == "" {
		se.Function = fmt.Sprintf("%s@%04d", fn, pc)
	}
	return err
}
