package vm

import (
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Optimized instruction set
// ---------------------------------------------------------------------------

// OOp is an optimized-tier operation. Operands name registers in one of
// three files: tagged Values, unboxed float64s and uint32 indices.
type OOp uint8

const (
	ONop         OOp = iota
	OLoadConst       // A=tagged dst, B=constant
	OLoadArg         // A=tagged dst, B=argument
	OLoadThis        // A=tagged dst
	OMove            // A=tagged dst, B=tagged src
	OLoadGlobal      // A=tagged dst, B=name constant
	OStoreGlobal     // A=name constant, B=tagged src
	OLoadFloat       // A=float dst, B=number constant
	OBoxFloat        // A=tagged dst, B=float src
	OBoxIndex        // A=tagged dst, B=index src
	OGuardShape      // A=tagged src
	OGuardKey        // A=tagged src
	OGuardIndex      // A=index dst, B=tagged key, C=tagged receiver
	OGuardNumber     // A=float dst, B=tagged src
	OLoadField       // A=tagged dst, B=tagged object, C=slot
	OStringLength    // A=float dst, B=tagged string
	OStringCharAt    // A=tagged dst, B=tagged string, C=index
	OCharCodeAt      // A=float dst, B=tagged string, C=index
	OFloatAdd        // A=float dst, B, C=float
	OFloatSub        // A=float dst, B, C=float
	OFloatMul        // A=float dst, B, C=float
	OFloatDiv        // A=float dst, B, C=float
	OFloatLess       // A=tagged dst, B, C=float
	OFloatSqrt       // A=float dst, B=float
	OGetNamed        // A=tagged dst, B=tagged object, C=name constant
	OGetKeyed        // A=tagged dst, B=tagged object, C=tagged key (call-out)
	OSetNamed        // A=tagged object, B=tagged value, C=name constant
	ONewObject       // A=tagged dst
	OCharCodeAtAny   // A=tagged dst, B=tagged receiver, C=tagged index (call-out)
	OArith           // A=tagged dst, B, C=tagged, Sub=bytecode op (call-out)
	OSqrt            // A=tagged dst, B=tagged (call-out)
	OStrictEq        // A=tagged dst, B, C=tagged
	ONot             // A=tagged dst, B=tagged
	OCall            // A=tagged dst, B=first of callee+args, C=argc (call-out)
	OCallMethod      // A=tagged dst, B=first of receiver+args, C=argc, D=name constant (call-out)
	OJump            // A=target
	OJumpIfFalse     // A=tagged cond, B=target
	OReturn          // A=tagged src
)

var oopNames = [...]string{
	ONop:           "nop",
	OLoadConst:     "load.const",
	OLoadArg:       "load.arg",
	OLoadThis:      "load.this",
	OMove:          "move",
	OLoadGlobal:    "load.global",
	OStoreGlobal:   "store.global",
	OLoadFloat:     "load.float",
	OBoxFloat:      "box.float",
	OBoxIndex:      "box.index",
	OGuardShape:    "guard.shape",
	OGuardKey:      "guard.key",
	OGuardIndex:    "guard.index",
	OGuardNumber:   "guard.number",
	OLoadField:     "load.field",
	OStringLength:  "string.length",
	OStringCharAt:  "string.charat",
	OCharCodeAt:    "string.charcodeat",
	OFloatAdd:      "float.add",
	OFloatSub:      "float.sub",
	OFloatMul:      "float.mul",
	OFloatDiv:      "float.div",
	OFloatLess:     "float.less",
	OFloatSqrt:     "float.sqrt",
	OGetNamed:      "generic.getnamed",
	OGetKeyed:      "generic.getkeyed",
	OSetNamed:      "generic.setnamed",
	ONewObject:     "new.object",
	OCharCodeAtAny: "generic.charcodeat",
	OArith:         "generic.arith",
	OSqrt:          "generic.sqrt",
	OStrictEq:      "stricteq",
	ONot:           "not",
	OCall:          "call",
	OCallMethod:    "call.method",
	OJump:          "jump",
	OJumpIfFalse:   "jump.iffalse",
	OReturn:        "return",
}

func (op OOp) String() string {
	if int(op) < len(oopNames) {
		return oopNames[op]
	}
	return fmt.Sprintf("oop(%d)", op)
}

// IsGuard reports whether op checks an assumption.
func (op OOp) IsGuard() bool {
	return op >= OGuardShape && op <= OGuardNumber
}

// IsCallOut reports whether op may run user code.
func (op OOp) IsCallOut() bool {
	switch op {
	case OGetKeyed, OCharCodeAtAny, OArith, OSqrt, OCall, OCallMethod:
		return true
	}
	return false
}

// OInstr is one optimized instruction.
type OInstr struct {
	Op         OOp
	A, B, C, D int
	Sub        Opcode       // bytecode operation for OArith
	Guard      AssumptionID // assumption checked by guard ops
	Lazy       ResumeIndex  // resume point after a call-out, NoResume otherwise
	PC         int          // originating bytecode offset
}

func (in OInstr) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.String())
	switch in.Op {
	case OLoadConst, OLoadArg, OMove, OLoadGlobal, OLoadFloat, OBoxFloat, OBoxIndex, OGuardNumber, OStringLength, OSqrt, ONot, OFloatSqrt:
		fmt.Fprintf(&sb, " %d, %d", in.A, in.B)
	case OLoadThis, ONewObject, OJump, OReturn, OGuardShape, OGuardKey:
		fmt.Fprintf(&sb, " %d", in.A)
	case OStoreGlobal, OJumpIfFalse:
		fmt.Fprintf(&sb, " %d, %d", in.A, in.B)
	case OCallMethod:
		fmt.Fprintf(&sb, " %d, %d, %d, %d", in.A, in.B, in.C, in.D)
	case OArith:
		fmt.Fprintf(&sb, " %s %d, %d, %d", in.Sub, in.A, in.B, in.C)
	default:
		fmt.Fprintf(&sb, " %d, %d, %d", in.A, in.B, in.C)
	}
	if in.Op.IsGuard() {
		fmt.Fprintf(&sb, " [a%d]", in.Guard)
	}
	if in.Lazy != NoResume {
		fmt.Fprintf(&sb, " [lazy r%d]", in.Lazy)
	}
	return sb.String()
}

// Disassemble returns a listing of the optimized code, its assumptions
// and its resume points.
func (a *GuardedArtifact) Disassemble(heap *ObjectRegistry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", a)
	fmt.Fprintf(&sb, "registers: tagged=%d float=%d index=%d\n", a.NumTagged, a.NumFloat, a.NumIndex)
	for _, as := range a.Assumptions {
		r, _ := a.ResumeFor(as.ID)
		fmt.Fprintf(&sb, "a%d  %s -> r%d\n", as.ID, as.Describe(heap), r)
	}
	for i, in := range a.Code {
		fmt.Fprintf(&sb, "%04d  %-40s ; @%04d\n", i, in, in.PC)
	}
	for i, rp := range a.ResumePoints {
		kind := "eager"
		if rp.Lazy {
			kind = "lazy"
		}
		fmt.Fprintf(&sb, "r%d  %s pc=%04d stack=%v locals=%v\n", i, kind, rp.PC, rp.Layout.Stack, rp.Layout.Locals)
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// OptimizedFrame and executor
// ---------------------------------------------------------------------------

// OptimizedFrame is the register state of one optimized activation.
type OptimizedFrame struct {
	Artifact *GuardedArtifact
	Receiver Value
	Args     []Value
	Tagged   []Value
	Floats   []float64
	Indices  []uint32
	IP       int
}

func newOptimizedFrame(art *GuardedArtifact, this Value, args []Value) *OptimizedFrame {
	fr := &OptimizedFrame{
		Artifact: art,
		Receiver: this,
		Args:     normalizeArgs(art.Function, args),
		Tagged:   make([]Value, art.NumTagged),
		Floats:   make([]float64, art.NumFloat),
		Indices:  make([]uint32, art.NumIndex),
	}
	for i := range fr.Tagged {
		fr.Tagged[i] = Undefined
	}
	return fr
}

// GuardFailure identifies the guard that failed and why.
type GuardFailure struct {
	Assumption AssumptionID
	Reason     DeoptReason
}

// runOptimized executes a valid artifact. Guard failures and post-call-out
// invalidation hand the activation to the deoptimizer, which finishes it
// in the baseline interpreter.
func (vm *VM) runOptimized(art *GuardedArtifact, this Value, args []Value) (result Value, err error) {
	defer func() {
		if se, ok := err.(*ScriptError); ok && se.Function == "" {
			se.Function = art.Function.String()
		}
	}()

	fr := newOptimizedFrame(art, this, args)
	checks := vm.assumptions
	code := art.Code
	t := fr.Tagged
	f := fr.Floats

	for {
		in := &code[fr.IP]
		fr.IP++

		switch in.Op {
		case ONop:

		case OLoadConst:
			t[in.A] = art.Constants[in.B]
		case OLoadArg:
			t[in.A] = fr.Args[in.B]
		case OLoadThis:
			t[in.A] = fr.Receiver
		case OMove:
			t[in.A] = t[in.B]
		case OLoadGlobal:
			v, err := vm.loadGlobal(art.Constants[in.B])
			if err != nil {
				return Undefined, err
			}
			t[in.A] = v
		case OStoreGlobal:
			vm.storeGlobal(art.Constants[in.A], t[in.B])
		case OLoadFloat:
			f[in.A] = art.Constants[in.B].Number()
		case OBoxFloat:
			t[in.A] = FromFloat(f[in.B])
		case OBoxIndex:
			t[in.A] = FromFloat(float64(fr.Indices[in.B]))

		case OGuardShape:
			if !checks.CheckShape(art.Assumptions[in.Guard], t[in.A]) {
				return vm.deopt.Bailout(art, GuardFailure{in.Guard, DeoptWrongShape}, fr)
			}
		case OGuardKey:
			if !checks.CheckKey(art.Assumptions[in.Guard], t[in.A]) {
				return vm.deopt.Bailout(art, GuardFailure{in.Guard, DeoptWrongKey}, fr)
			}
		case OGuardIndex:
			idx, reason, ok := checks.CheckIndex(art.Assumptions[in.Guard], t[in.B], t[in.C])
			if !ok {
				return vm.deopt.Bailout(art, GuardFailure{in.Guard, reason}, fr)
			}
			fr.Indices[in.A] = idx
		case OGuardNumber:
			n, ok := checks.CheckNumber(t[in.B])
			if !ok {
				return vm.deopt.Bailout(art, GuardFailure{in.Guard, DeoptNotANumber}, fr)
			}
			f[in.A] = n

		case OLoadField:
			t[in.A] = vm.registry.GetObject(t[in.B]).SlotAt(in.C)
		case OStringLength:
			f[in.A] = float64(StringLength(vm.registry.GoString(t[in.B])))
		case OStringCharAt:
			if c, ok := charAt(vm.registry.GoString(t[in.B]), int(fr.Indices[in.C])); ok {
				t[in.A] = vm.registry.NewString(c)
			} else {
				t[in.A] = Undefined
			}
		case OCharCodeAt:
			if cu, ok := CodeUnitAt(vm.registry.GoString(t[in.B]), int(fr.Indices[in.C])); ok {
				f[in.A] = float64(cu)
			} else {
				f[in.A] = math.NaN()
			}

		case OFloatAdd:
			f[in.A] = f[in.B] + f[in.C]
		case OFloatSub:
			f[in.A] = f[in.B] - f[in.C]
		case OFloatMul:
			f[in.A] = f[in.B] * f[in.C]
		case OFloatDiv:
			f[in.A] = f[in.B] / f[in.C]
		case OFloatLess:
			t[in.A] = FromBool(f[in.B] < f[in.C])
		case OFloatSqrt:
			f[in.A] = math.Sqrt(f[in.B])

		case OGetNamed:
			v, err := vm.getNamed(t[in.B], art.Constants[in.C].StringID())
			if err != nil {
				return Undefined, annotateOptimized(err, art, in)
			}
			t[in.A] = v
		case OSetNamed:
			if err := vm.setNamed(t[in.A], art.Constants[in.C].StringID(), t[in.B]); err != nil {
				return Undefined, err
			}
		case ONewObject:
			t[in.A], _ = vm.registry.NewObject()
		case OStrictEq:
			t[in.A] = FromBool(StrictEquals(t[in.B], t[in.C]))
		case ONot:
			t[in.A] = FromBool(!ToBoolean(t[in.B]))

		case OGetKeyed, OCharCodeAtAny, OArith, OSqrt, OCall, OCallMethod:
			v, err := vm.callOut(art, in, fr)
			if err != nil {
				return Undefined, err
			}
			t[in.A] = v
			if !art.Valid() {
				return vm.deopt.BailoutLazy(art, in.Lazy, fr)
			}

		case OJump:
			fr.IP = in.A
		case OJumpIfFalse:
			if !ToBoolean(t[in.A]) {
				fr.IP = in.B
			}
		case OReturn:
			return t[in.A], nil

		default:
			invariant("optimized", "unknown op %s at %d in %s", in.Op, fr.IP-1, art)
		}
	}
}

// annotateOptimized names the failing bytecode offset the way the baseline
// does for named property loads, so an error reads the same in both tiers.
func annotateOptimized(err error, art *GuardedArtifact, in *OInstr) error {
	se, ok := err.(*ScriptError)
	if !ok || se.Function != "" {
		return err
	}
	if code := art.Function.Code; in.PC < len(code) && Opcode(code[in.PC]) == OpGetNamed {
		se.Function = fmt.Sprintf("%s@%04d", art.Function, in.PC)
	}
	return err
}

// callOut performs an operation that may run user code.
func (vm *VM) callOut(art *GuardedArtifact, in *OInstr, fr *OptimizedFrame) (Value, error) {
	t := fr.Tagged
	switch in.Op {
	case OGetKeyed:
		return vm.getKeyed(t[in.B], t[in.C])
	case OCharCodeAtAny:
		return vm.charCodeAt(t[in.B], t[in.C])
	case OArith:
		return vm.arith(in.Sub, t[in.B], t[in.C])
	case OSqrt:
		return vm.mathSqrt(t[in.B])
	case OCall:
		args := append([]Value(nil), t[in.B+1:in.B+1+in.C]...)
		return vm.callValue(t[in.B], Undefined, args)
	case OCallMethod:
		args := append([]Value(nil), t[in.B+1:in.B+1+in.C]...)
		return vm.callMethod(t[in.B], art.Constants[in.D].StringID(), args)
	}
	invariant("optimized", "%s is not a call-out", in.Op)
	return Undefined, nil
}
