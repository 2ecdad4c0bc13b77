package vm

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

// BailoutReason says why the speculative compiler produced no artifact.
type BailoutReason uint8

const (
	BailoutNone BailoutReason = iota
	BailoutNativeFunction
	BailoutTooLarge
	BailoutMalformedBytecode
	BailoutAllSitesMegamorphic
)

var bailoutReasonNames = [...]string{
	BailoutNone:                "none",
	BailoutNativeFunction:      "native-function",
	BailoutTooLarge:            "too-large",
	BailoutMalformedBytecode:   "malformed-bytecode",
	BailoutAllSitesMegamorphic: "all-sites-megamorphic",
}

func (r BailoutReason) String() string {
	if int(r) < len(bailoutReasonNames) {
		return bailoutReasonNames[r]
	}
	return "unknown"
}

// DefaultMaxBytecodeLength bounds the functions the compiler accepts.
const DefaultMaxBytecodeLength = 16 * 1024

// ---------------------------------------------------------------------------
// SpeculativeCompiler
// ---------------------------------------------------------------------------

// SpeculativeCompiler lowers bytecode plus a feedback snapshot into a
// GuardedArtifact. It abstractly interprets the operand stack, keeps
// numbers unboxed in float registers where feedback allows, and records a
// resume point for every guard and call-out.
//
// The compiler reads only the function, the snapshot and the shape table,
// so it may run on a background goroutine.
type SpeculativeCompiler struct {
	heap        *ObjectRegistry
	assumptions *AssumptionRegistry
	maxBytecode int
	log         commonlog.Logger

	compiled atomic.Uint64
	bailouts atomic.Uint64
}

// NewSpeculativeCompiler creates a compiler over heap.
func NewSpeculativeCompiler(heap *ObjectRegistry, assumptions *AssumptionRegistry, maxBytecode int) *SpeculativeCompiler {
	if maxBytecode <= 0 {
		maxBytecode = DefaultMaxBytecodeLength
	}
	return &SpeculativeCompiler{
		heap:        heap,
		assumptions: assumptions,
		maxBytecode: maxBytecode,
		log:         commonlog.GetLogger("tiered.vm.compile"),
	}
}

func (c *SpeculativeCompiler) bailout(fn *Function, reason BailoutReason, detail string) error {
	c.bailouts.Add(1)
	c.log.Debugf("bailout %s: %s %s", fn, reason, detail)
	return &BailoutError{Function: fn.String(), Reason: reason, Detail: detail}
}

// Compile builds an artifact for fn from fb. It returns a *BailoutError
// when fn cannot or should not be optimized.
func (c *SpeculativeCompiler) Compile(fn *Function, fb *FeedbackSnapshot) (*GuardedArtifact, error) {
	if fn.IsNative() {
		return nil, c.bailout(fn, BailoutNativeFunction, "")
	}
	if len(fn.Code) > c.maxBytecode {
		return nil, c.bailout(fn, BailoutTooLarge, fmt.Sprintf("%d bytes", len(fn.Code)))
	}
	if fb == nil {
		fb = EmptySnapshot(fn)
	}
	if len(fb.Entries) != len(fn.Sites) {
		return nil, c.bailout(fn, BailoutMalformedBytecode, "feedback does not match sites")
	}
	if len(fb.Entries) > 0 {
		mega := 0
		for _, e := range fb.Entries {
			if e.State == CacheMegamorphic {
				mega++
			}
		}
		if mega == len(fb.Entries) {
			return nil, c.bailout(fn, BailoutAllSitesMegamorphic, "")
		}
	}

	start := time.Now()
	cp := &compilation{
		c:      c,
		fn:     fn,
		fb:     fb,
		art:    newArtifact(fn),
		depth:  map[int]int{},
		labels: map[int]int{},
		undef:  -1,
	}
	cp.art.Constants = append([]Value(nil), fn.Constants...)
	cp.art.FeedbackVersion = fb.Version

	if err := cp.analyze(); err != nil {
		return nil, c.bailout(fn, BailoutMalformedBytecode, err.Error())
	}
	cp.lower()
	cp.patch()

	art := cp.art
	art.NumTagged = fn.NumLocals + cp.maxDepth
	art.NumFloat = cp.floats
	art.NumIndex = cp.indices
	fp, err := GuardSetFingerprint(c.heap, fn, art.Assumptions)
	if err != nil {
		return nil, err
	}
	art.Fingerprint = fp

	c.compiled.Add(1)
	c.log.Debugf("compiled %s: %d ops, %d guards, %d resume points in %s",
		fn, len(art.Code), len(art.Assumptions), len(art.ResumePoints), time.Since(start))
	return art, nil
}

// Counts returns the number of artifacts produced and bailouts taken.
func (c *SpeculativeCompiler) Counts() (compiled, bailouts uint64) {
	return c.compiled.Load(), c.bailouts.Load()
}

// ---------------------------------------------------------------------------
// One compilation
// ---------------------------------------------------------------------------

type fixup struct {
	at     int  // instruction index
	target int  // bytecode pc
	useB   bool // patch B instead of A
}

type compilation struct {
	c   *SpeculativeCompiler
	fn  *Function
	fb  *FeedbackSnapshot
	art *GuardedArtifact

	insns    []Instruction
	depth    map[int]int // stack depth on entry, reachable pcs only
	leaders  map[int]bool
	maxDepth int

	stack     []Location
	reachable bool
	pc        int
	labels    map[int]int
	fixups    []fixup
	floats    int
	indices   int
	undef     int
}

func stackEffect(in Instruction) (pops, pushes int) {
	switch in.Op {
	case OpNOP, OpJump:
		return 0, 0
	case OpPOP, OpStoreLocal, OpStoreGlobal, OpJumpIfFalse, OpReturn:
		return 1, 0
	case OpDUP:
		return 1, 2
	case OpPushUndefined, OpPushThis, OpPushConst, OpLoadArg, OpLoadLocal, OpLoadGlobal, OpNewObject:
		return 0, 1
	case OpGetNamed, OpMathSqrt, OpNot:
		return 1, 1
	case OpGetKeyed, OpCharCodeAt, OpAdd, OpSub, OpMul, OpDiv, OpLessThan, OpStrictEq:
		return 2, 1
	case OpSetNamed:
		return 2, 0
	case OpCall:
		return in.A + 1, 1
	case OpCallMethod:
		return in.B + 1, 1
	}
	return 0, 0
}

// analyze decodes the function, finds basic-block leaders and computes
// the operand stack depth at every reachable instruction.
func (cp *compilation) analyze() error {
	fn := cp.fn
	index := map[int]int{}
	for pc := 0; pc < len(fn.Code); {
		in, err := DecodeInstruction(fn.Code, pc)
		if err != nil {
			return err
		}
		index[pc] = len(cp.insns)
		cp.insns = append(cp.insns, in)
		pc = in.Next
	}
	if len(cp.insns) == 0 {
		return fmt.Errorf("empty function")
	}

	cp.leaders = map[int]bool{0: true}
	for _, in := range cp.insns {
		switch in.Op {
		case OpJump, OpJumpIfFalse:
			if _, ok := index[in.A]; !ok {
				return fmt.Errorf("jump at %d to %d is not an instruction", in.PC, in.A)
			}
			cp.leaders[in.A] = true
			if in.Next < len(fn.Code) {
				cp.leaders[in.Next] = true
			}
		case OpReturn:
			if in.Next < len(fn.Code) {
				cp.leaders[in.Next] = true
			}
		case OpLoadArg:
			if in.A >= fn.Arity {
				return fmt.Errorf("argument %d out of range at %d", in.A, in.PC)
			}
		case OpLoadLocal, OpStoreLocal:
			if in.A >= fn.NumLocals {
				return fmt.Errorf("local %d out of range at %d", in.A, in.PC)
			}
		case OpPushConst, OpLoadGlobal, OpStoreGlobal, OpSetNamed, OpGetNamed, OpCallMethod:
			if in.A >= len(fn.Constants) {
				return fmt.Errorf("constant %d out of range at %d", in.A, in.PC)
			}
		}
		if in.Site != NoSite && int(in.Site) >= len(cp.fb.Entries) {
			return fmt.Errorf("site %d out of range at %d", in.Site, in.PC)
		}
	}

	cp.depth[0] = 0
	work := []int{0}
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		in := cp.insns[index[pc]]
		d := cp.depth[pc]
		pops, pushes := stackEffect(in)
		if d < pops {
			return fmt.Errorf("stack underflow at %d", pc)
		}
		nd := d - pops + pushes
		if nd > cp.maxDepth {
			cp.maxDepth = nd
		}
		if d > cp.maxDepth {
			cp.maxDepth = d
		}

		var succ []int
		switch in.Op {
		case OpReturn:
		case OpJump:
			succ = []int{in.A}
		case OpJumpIfFalse:
			succ = []int{in.A, in.Next}
		default:
			succ = []int{in.Next}
		}
		for _, s := range succ {
			if s >= len(cp.fn.Code) {
				return fmt.Errorf("execution falls off the end after %d", pc)
			}
			if old, ok := cp.depth[s]; ok {
				if old != nd {
					return fmt.Errorf("inconsistent stack depth at %d (%d vs %d)", s, old, nd)
				}
				continue
			}
			cp.depth[s] = nd
			work = append(work, s)
		}
	}
	return nil
}

// lower emits optimized code for every reachable instruction.
func (cp *compilation) lower() {
	for _, in := range cp.insns {
		cp.pc = in.PC
		if cp.leaders[in.PC] {
			if cp.reachable {
				cp.normalize()
			}
			d, ok := cp.depth[in.PC]
			if !ok {
				cp.reachable = false
				continue
			}
			cp.labels[in.PC] = len(cp.art.Code)
			cp.stack = cp.stack[:0]
			for k := 0; k < d; k++ {
				cp.stack = append(cp.stack, TaggedAt(cp.canon(k)))
			}
			cp.reachable = true
		} else if !cp.reachable {
			continue
		}
		cp.lowerInstruction(in)
	}
}

func (cp *compilation) patch() {
	for _, f := range cp.fixups {
		target, ok := cp.labels[f.target]
		if !ok {
			invariant("compile", "no label for pc %d in %s", f.target, cp.fn)
		}
		if f.useB {
			cp.art.Code[f.at].B = target
		} else {
			cp.art.Code[f.at].A = target
		}
	}
}

// ---------------------------------------------------------------------------
// Abstract stack and register helpers
// ---------------------------------------------------------------------------

func (cp *compilation) canon(k int) int { return cp.fn.NumLocals + k }

func (cp *compilation) push(l Location) { cp.stack = append(cp.stack, l) }

func (cp *compilation) pop() Location {
	l := cp.stack[len(cp.stack)-1]
	cp.stack = cp.stack[:len(cp.stack)-1]
	return l
}

func (cp *compilation) popN(n int) { cp.stack = cp.stack[:len(cp.stack)-n] }

func (cp *compilation) emit(in OInstr) int {
	in.PC = cp.pc
	if !in.Op.IsGuard() {
		in.Guard = -1
	}
	if !in.Op.IsCallOut() {
		in.Lazy = NoResume
	}
	cp.art.Code = append(cp.art.Code, in)
	return len(cp.art.Code) - 1
}

func (cp *compilation) newFloat() int {
	cp.floats++
	return cp.floats - 1
}

func (cp *compilation) newIndex() int {
	cp.indices++
	return cp.indices - 1
}

func (cp *compilation) constIndex(v Value) int {
	for i, c := range cp.art.Constants {
		if c == v {
			return i
		}
	}
	cp.art.Constants = append(cp.art.Constants, v)
	return len(cp.art.Constants) - 1
}

func (cp *compilation) undefConst() int {
	if cp.undef < 0 {
		cp.undef = cp.constIndex(Undefined)
	}
	return cp.undef
}

// materialize writes the value at loc into tagged register dst.
func (cp *compilation) materialize(dst int, loc Location) {
	switch loc.Kind {
	case LocTagged:
		if loc.Index != dst {
			cp.emit(OInstr{Op: OMove, A: dst, B: loc.Index})
		}
	case LocFloat:
		cp.emit(OInstr{Op: OBoxFloat, A: dst, B: loc.Index})
	case LocIndex:
		cp.emit(OInstr{Op: OBoxIndex, A: dst, B: loc.Index})
	case LocConstant:
		cp.emit(OInstr{Op: OLoadConst, A: dst, B: loc.Index})
	case LocArg:
		cp.emit(OInstr{Op: OLoadArg, A: dst, B: loc.Index})
	case LocReceiver:
		cp.emit(OInstr{Op: OLoadThis, A: dst})
	default:
		cp.emit(OInstr{Op: OLoadConst, A: dst, B: cp.undefConst()})
	}
}

// materializeSlot moves stack slot k into its canonical tagged register
// and returns that register. A slot only ever aliases registers of equal
// or lower depth, so the write never clobbers a live value.
func (cp *compilation) materializeSlot(k int) int {
	dst := cp.canon(k)
	loc := cp.stack[k]
	if loc.Kind == LocTagged && loc.Index == dst {
		return dst
	}
	cp.materialize(dst, loc)
	cp.stack[k] = TaggedAt(dst)
	return dst
}

// normalize puts the whole stack in canonical registers, the state every
// block boundary expects.
func (cp *compilation) normalize() {
	for k := range cp.stack {
		cp.materializeSlot(k)
	}
}

// protectLocal copies stack slots that alias local i before i is written.
func (cp *compilation) protectLocal(i int) {
	for k, loc := range cp.stack {
		if loc.Kind == LocTagged && loc.Index == i {
			cp.materializeSlot(k)
		}
	}
}

func (cp *compilation) layout() FrameLayout {
	l := FrameLayout{
		Receiver: ReceiverLocation,
		Args:     make([]Location, cp.fn.Arity),
		Locals:   make([]Location, cp.fn.NumLocals),
		Stack:    append([]Location(nil), cp.stack...),
	}
	for i := range l.Args {
		l.Args[i] = ArgAt(i)
	}
	for i := range l.Locals {
		l.Locals[i] = TaggedAt(i)
	}
	return l
}

// resumeHere records a resume point that re-executes the current
// instruction in the baseline tier.
func (cp *compilation) resumeHere() ResumeIndex {
	cp.art.ResumePoints = append(cp.art.ResumePoints, ResumePoint{PC: cp.pc, Layout: cp.layout()})
	return ResumeIndex(len(cp.art.ResumePoints) - 1)
}

// resumeAfter records a lazy resume point that continues at next with
// the call-out's result already on the stack.
func (cp *compilation) resumeAfter(next int) ResumeIndex {
	cp.art.ResumePoints = append(cp.art.ResumePoints, ResumePoint{PC: next, Lazy: true, Layout: cp.layout()})
	return ResumeIndex(len(cp.art.ResumePoints) - 1)
}

func (cp *compilation) guard(op OOp, a Assumption, r ResumeIndex, in OInstr) {
	a.ID = AssumptionID(len(cp.art.Assumptions))
	cp.art.Assumptions = append(cp.art.Assumptions, a)
	cp.art.resumeFor = append(cp.art.resumeFor, r)
	in.Op = op
	in.Guard = a.ID
	in.Lazy = NoResume
	cp.emit(in)
}

func findAssumption(as []Assumption, kind AssumptionKind, operand int) *Assumption {
	for i := range as {
		if as[i].Kind == kind && as[i].Operand == operand {
			return &as[i]
		}
	}
	return nil
}

func (cp *compilation) isNumeric(loc Location) bool {
	switch loc.Kind {
	case LocFloat:
		return true
	case LocConstant:
		return cp.art.Constants[loc.Index].IsNumber()
	}
	return false
}

// floatOperand returns a float register holding stack slot k. Slots that
// are not statically numbers must already be materialized and are guarded.
func (cp *compilation) floatOperand(k int, a *Assumption, r ResumeIndex) int {
	loc := cp.stack[k]
	switch {
	case loc.Kind == LocFloat:
		return loc.Index
	case loc.Kind == LocConstant && cp.art.Constants[loc.Index].IsNumber():
		f := cp.newFloat()
		cp.emit(OInstr{Op: OLoadFloat, A: f, B: loc.Index})
		return f
	}
	f := cp.newFloat()
	cp.guard(OGuardNumber, *a, r, OInstr{A: f, B: loc.Index})
	return f
}

// ---------------------------------------------------------------------------
// Instruction lowering
// ---------------------------------------------------------------------------

func (cp *compilation) lowerInstruction(in Instruction) {
	switch in.Op {
	case OpNOP:

	case OpPOP:
		cp.pop()
	case OpDUP:
		cp.push(cp.stack[len(cp.stack)-1])
	case OpPushUndefined:
		cp.push(UndefinedLocation)
	case OpPushThis:
		cp.push(ReceiverLocation)
	case OpPushConst:
		cp.push(ConstantAt(in.A))
	case OpLoadArg:
		cp.push(ArgAt(in.A))
	case OpLoadLocal:
		cp.push(TaggedAt(in.A))

	case OpStoreLocal:
		v := cp.pop()
		cp.protectLocal(in.A)
		cp.materialize(in.A, v)

	case OpLoadGlobal:
		dst := cp.canon(len(cp.stack))
		cp.emit(OInstr{Op: OLoadGlobal, A: dst, B: in.A})
		cp.push(TaggedAt(dst))

	case OpStoreGlobal:
		r := cp.materializeSlot(len(cp.stack) - 1)
		cp.pop()
		cp.emit(OInstr{Op: OStoreGlobal, A: in.A, B: r})

	case OpNewObject:
		dst := cp.canon(len(cp.stack))
		cp.emit(OInstr{Op: ONewObject, A: dst})
		cp.push(TaggedAt(dst))

	case OpSetNamed:
		d := len(cp.stack) - 2
		ro := cp.materializeSlot(d)
		rv := cp.materializeSlot(d + 1)
		cp.popN(2)
		cp.emit(OInstr{Op: OSetNamed, A: ro, B: rv, C: in.A})

	case OpGetNamed:
		cp.lowerGetNamed(in)
	case OpGetKeyed:
		cp.lowerGetKeyed(in)
	case OpCharCodeAt:
		cp.lowerCharCodeAt(in)
	case OpAdd, OpSub, OpMul, OpDiv, OpLessThan:
		cp.lowerArith(in)
	case OpMathSqrt:
		cp.lowerSqrt(in)

	case OpStrictEq:
		d := len(cp.stack) - 2
		rb := cp.materializeSlot(d)
		rc := cp.materializeSlot(d + 1)
		cp.popN(2)
		cp.emit(OInstr{Op: OStrictEq, A: cp.canon(d), B: rb, C: rc})
		cp.push(TaggedAt(cp.canon(d)))

	case OpNot:
		d := len(cp.stack) - 1
		r := cp.materializeSlot(d)
		cp.pop()
		cp.emit(OInstr{Op: ONot, A: cp.canon(d), B: r})
		cp.push(TaggedAt(cp.canon(d)))

	case OpCall, OpCallMethod:
		argc := in.A
		if in.Op == OpCallMethod {
			argc = in.B
		}
		d := len(cp.stack) - argc - 1
		for k := d; k < len(cp.stack); k++ {
			cp.materializeSlot(k)
		}
		cp.popN(argc + 1)
		dst := cp.canon(d)
		cp.push(TaggedAt(dst))
		lazy := cp.resumeAfter(in.Next)
		if in.Op == OpCall {
			cp.emit(OInstr{Op: OCall, A: dst, B: dst, C: argc, Lazy: lazy})
		} else {
			cp.emit(OInstr{Op: OCallMethod, A: dst, B: dst, C: argc, D: in.A, Lazy: lazy})
		}

	case OpJump:
		cp.normalize()
		at := cp.emit(OInstr{Op: OJump})
		cp.fixups = append(cp.fixups, fixup{at: at, target: in.A})
		cp.reachable = false

	case OpJumpIfFalse:
		d := len(cp.stack) - 1
		r := cp.materializeSlot(d)
		cp.pop()
		cp.normalize()
		at := cp.emit(OInstr{Op: OJumpIfFalse, A: r})
		cp.fixups = append(cp.fixups, fixup{at: at, target: in.A, useB: true})

	case OpReturn:
		r := cp.materializeSlot(len(cp.stack) - 1)
		cp.pop()
		cp.emit(OInstr{Op: OReturn, A: r})
		cp.reachable = false

	default:
		invariant("compile", "cannot lower %s at %d", in.Op, in.PC)
	}
}

func (cp *compilation) derive(site SiteID) []Assumption {
	return cp.c.assumptions.Derive(cp.fb.Entry(site))
}

// genericCallOut lowers a site without speculation. The operation may run
// user code, so it gets a lazy resume point after it.
func (cp *compilation) genericCallOut(op OOp, sub Opcode, in Instruction, operands int) {
	d := len(cp.stack) - operands
	regs := [2]int{}
	for i := 0; i < operands; i++ {
		regs[i] = cp.materializeSlot(d + i)
	}
	cp.popN(operands)
	dst := cp.canon(d)
	cp.push(TaggedAt(dst))
	lazy := cp.resumeAfter(in.Next)
	cp.emit(OInstr{Op: op, A: dst, B: regs[0], C: regs[1], Sub: sub, Lazy: lazy})
}

func (cp *compilation) lowerGetNamed(in Instruction) {
	d := len(cp.stack) - 1
	nameVal := cp.fn.Constants[in.A]
	shape := findAssumption(cp.derive(in.Site), AssumeShapeStable, 0)

	if shape != nil && nameVal.IsString() {
		name := nameVal.StringID()
		switch {
		case shape.Class.Kind == KindObject:
			if sh := cp.c.heap.Shapes.Get(shape.Class.Shape); sh != nil {
				ro := cp.materializeSlot(d)
				r := cp.resumeHere()
				cp.guard(OGuardShape, *shape, r, OInstr{A: ro})
				cp.pop()
				cp.loadField(sh, name, ro, d)
				return
			}
		case shape.Class.Kind == KindString && cp.c.heap.StringAt(name) == "length":
			ro := cp.materializeSlot(d)
			r := cp.resumeHere()
			cp.guard(OGuardShape, *shape, r, OInstr{A: ro})
			cp.pop()
			f := cp.newFloat()
			cp.emit(OInstr{Op: OStringLength, A: f, B: ro})
			cp.push(FloatAt(f))
			return
		}
	}

	ro := cp.materializeSlot(d)
	cp.pop()
	cp.emit(OInstr{Op: OGetNamed, A: cp.canon(d), B: ro, C: in.A})
	cp.push(TaggedAt(cp.canon(d)))
}

// loadField pushes obj[name] for an object already guarded to shape sh.
func (cp *compilation) loadField(sh *Shape, name uint32, ro, d int) {
	if off, ok := sh.Offset(name); ok {
		cp.emit(OInstr{Op: OLoadField, A: cp.canon(d), B: ro, C: off})
		cp.push(TaggedAt(cp.canon(d)))
		return
	}
	cp.push(ConstantAt(cp.undefConst()))
}

func (cp *compilation) lowerGetKeyed(in Instruction) {
	d := len(cp.stack) - 2
	as := cp.derive(in.Site)
	shape := findAssumption(as, AssumeShapeStable, 0)
	index := findAssumption(as, AssumeIndexRepresentable, 1)
	key := findAssumption(as, AssumeConstantKey, 1)

	switch {
	case shape != nil && shape.Class.Kind == KindString && index != nil:
		ro := cp.materializeSlot(d)
		rk := cp.materializeSlot(d + 1)
		r := cp.resumeHere()
		cp.guard(OGuardShape, *shape, r, OInstr{A: ro})
		ix := cp.newIndex()
		cp.guard(OGuardIndex, *index, r, OInstr{A: ix, B: rk, C: ro})
		cp.popN(2)
		cp.emit(OInstr{Op: OStringCharAt, A: cp.canon(d), B: ro, C: ix})
		cp.push(TaggedAt(cp.canon(d)))

	case key != nil && (key.Key.IsString() || key.Key.IsNumber() || key.Key.IsSpecial()):
		name := cp.propertyKey(key.Key)
		ro := cp.materializeSlot(d)
		rk := cp.materializeSlot(d + 1)
		r := cp.resumeHere()
		var sh *Shape
		if shape != nil && shape.Class.Kind == KindObject {
			sh = cp.c.heap.Shapes.Get(shape.Class.Shape)
		}
		if sh != nil {
			cp.guard(OGuardShape, *shape, r, OInstr{A: ro})
		}
		cp.guard(OGuardKey, *key, r, OInstr{A: rk})
		cp.popN(2)
		if sh != nil {
			cp.loadField(sh, name, ro, d)
			return
		}
		cp.emit(OInstr{Op: OGetNamed, A: cp.canon(d), B: ro, C: cp.constIndex(FromStringID(name))})
		cp.push(TaggedAt(cp.canon(d)))

	default:
		cp.genericCallOut(OGetKeyed, OpGetKeyed, in, 2)
	}
}

// propertyKey converts a primitive key at compile time. Primitive
// conversion cannot run user code.
func (cp *compilation) propertyKey(v Value) uint32 {
	switch {
	case v.IsString():
		return v.StringID()
	case v.IsNumber():
		return cp.c.heap.Intern(NumberToString(v.Number()))
	}
	return cp.c.heap.Intern(debugString(cp.c.heap, v))
}

func (cp *compilation) lowerCharCodeAt(in Instruction) {
	d := len(cp.stack) - 2
	as := cp.derive(in.Site)
	shape := findAssumption(as, AssumeShapeStable, 0)
	index := findAssumption(as, AssumeIndexRepresentable, 1)

	if shape != nil && shape.Class.Kind == KindString && index != nil {
		ro := cp.materializeSlot(d)
		rk := cp.materializeSlot(d + 1)
		r := cp.resumeHere()
		cp.guard(OGuardShape, *shape, r, OInstr{A: ro})
		ix := cp.newIndex()
		cp.guard(OGuardIndex, *index, r, OInstr{A: ix, B: rk, C: ro})
		cp.popN(2)
		f := cp.newFloat()
		cp.emit(OInstr{Op: OCharCodeAt, A: f, B: ro, C: ix})
		cp.push(FloatAt(f))
		return
	}
	cp.genericCallOut(OCharCodeAtAny, OpCharCodeAt, in, 2)
}

var floatOps = map[Opcode]OOp{
	OpAdd: OFloatAdd,
	OpSub: OFloatSub,
	OpMul: OFloatMul,
	OpDiv: OFloatDiv,
}

func (cp *compilation) lowerArith(in Instruction) {
	d := len(cp.stack) - 2
	as := cp.derive(in.Site)
	num := [2]*Assumption{
		findAssumption(as, AssumePrimitiveNumeric, 0),
		findAssumption(as, AssumePrimitiveNumeric, 1),
	}

	var needGuard [2]bool
	for i := 0; i < 2; i++ {
		if cp.isNumeric(cp.stack[d+i]) {
			continue
		}
		if num[i] == nil {
			cp.genericCallOut(OArith, in.Op, in, 2)
			return
		}
		needGuard[i] = true
	}

	r := NoResume
	if needGuard[0] || needGuard[1] {
		for i := 0; i < 2; i++ {
			if needGuard[i] {
				cp.materializeSlot(d + i)
			}
		}
		r = cp.resumeHere()
	}
	fb := cp.floatOperand(d, num[0], r)
	fc := cp.floatOperand(d+1, num[1], r)
	cp.popN(2)

	if in.Op == OpLessThan {
		cp.emit(OInstr{Op: OFloatLess, A: cp.canon(d), B: fb, C: fc})
		cp.push(TaggedAt(cp.canon(d)))
		return
	}
	f := cp.newFloat()
	cp.emit(OInstr{Op: floatOps[in.Op], A: f, B: fb, C: fc})
	cp.push(FloatAt(f))
}

func (cp *compilation) lowerSqrt(in Instruction) {
	d := len(cp.stack) - 1
	num := findAssumption(cp.derive(in.Site), AssumePrimitiveNumeric, 0)
	if !cp.isNumeric(cp.stack[d]) && num == nil {
		cp.genericCallOut(OSqrt, OpMathSqrt, in, 1)
		return
	}
	r := NoResume
	if !cp.isNumeric(cp.stack[d]) {
		cp.materializeSlot(d)
		r = cp.resumeHere()
	}
	src := cp.floatOperand(d, num, r)
	cp.pop()
	f := cp.newFloat()
	cp.emit(OInstr{Op: OFloatSqrt, A: f, B: src})
	cp.push(FloatAt(f))
}
