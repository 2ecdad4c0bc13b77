package vm

import (
	"fmt"
	"strings"
)

// SiteID indexes a function's feedback sites, in bytecode order.
type SiteID int

// NoSite marks instructions that record no feedback.
const NoSite SiteID = -1

// MaxSites bounds the number of feedback sites in one function; site
// operands are a single byte.
const MaxSites = 256

// NativeFunc implements a function in Go. It receives the running VM, the
// receiver and the already-evaluated arguments.
type NativeFunc func(vm *VM, this Value, args []Value) (Value, error)

// ---------------------------------------------------------------------------
// Function: bytecode or native callable
// ---------------------------------------------------------------------------

// Function is a callable unit. Bytecode functions carry code, constants and
// a site table; native functions carry only a NativeFunc.
type Function struct {
	id uint32

	Name      string
	Arity     int
	NumLocals int
	Constants []Value
	Code      []byte
	Sites     []CallSite
	Source    string

	Native NativeFunc
}

// CallSite describes one feedback-recording instruction.
type CallSite struct {
	ID   SiteID
	Kind SiteKind
	PC   int
	Op   Opcode
}

func (s CallSite) String() string {
	return fmt.Sprintf("site %d (%s @%04d)", s.ID, s.Kind, s.PC)
}

// ID returns the registry ID, or 0 for an unregistered function.
func (f *Function) ID() uint32 { return f.id }

// IsNative reports whether f is implemented in Go.
func (f *Function) IsNative() bool { return f.Native != nil }

// Site returns the call site with the given ID.
func (f *Function) Site(id SiteID) (CallSite, bool) {
	if id < 0 || int(id) >= len(f.Sites) {
		return CallSite{}, false
	}
	return f.Sites[id], true
}

// Constant returns the constant at the given index.
// Panics if index is out of range.
func (f *Function) Constant(index int) Value {
	if index < 0 || index >= len(f.Constants) {
		panic(fmt.Sprintf("constant index %d out of range", index))
	}
	return f.Constants[index]
}

func (f *Function) String() string {
	if f.Name == "" {
		return "<anonymous>"
	}
	return f.Name
}

// NewNativeFunction wraps a Go function.
func NewNativeFunction(name string, arity int, fn NativeFunc) *Function {
	return &Function{Name: name, Arity: arity, Native: fn}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble returns a listing of f's bytecode with constants resolved.
func (f *Function) Disassemble(heap *ObjectRegistry) string {
	if f.IsNative() {
		return fmt.Sprintf("function %s: <native>", f)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "function %s (arity=%d locals=%d sites=%d)\n", f, f.Arity, f.NumLocals, len(f.Sites))
	for pc := 0; pc < len(f.Code); {
		in, err := DecodeInstruction(f.Code, pc)
		if err != nil {
			fmt.Fprintf(&sb, "%04d  <%v>\n", pc, err)
			break
		}
		sb.WriteString(f.formatInstruction(heap, in))
		sb.WriteByte('\n')
		pc = in.Next
	}
	return sb.String()
}

func (f *Function) formatInstruction(heap *ObjectRegistry, in Instruction) string {
	name := in.Op.Name()
	switch in.Op {
	case OpPushConst, OpLoadGlobal, OpStoreGlobal, OpSetNamed:
		return fmt.Sprintf("%04d  %s %s", in.PC, name, describeConstant(heap, f.Constants[in.A]))
	case OpGetNamed:
		return fmt.Sprintf("%04d  %s %s [site %d]", in.PC, name, describeConstant(heap, f.Constants[in.A]), in.Site)
	case OpCallMethod:
		return fmt.Sprintf("%04d  %s %s argc=%d", in.PC, name, describeConstant(heap, f.Constants[in.A]), in.B)
	case OpLoadArg, OpLoadLocal, OpStoreLocal:
		return fmt.Sprintf("%04d  %s %d", in.PC, name, in.A)
	case OpCall:
		return fmt.Sprintf("%04d  %s argc=%d", in.PC, name, in.A)
	case OpJump, OpJumpIfFalse:
		return fmt.Sprintf("%04d  %s -> %04d", in.PC, name, in.A)
	}
	if in.Site != NoSite {
		return fmt.Sprintf("%04d  %s [site %d]", in.PC, name, in.Site)
	}
	return fmt.Sprintf("%04d  %s", in.PC, name)
}

func describeConstant(heap *ObjectRegistry, v Value) string {
	if heap != nil && v.IsString() {
		return fmt.Sprintf("%q", heap.GoString(v))
	}
	return debugString(heap, v)
}

// ---------------------------------------------------------------------------
// FunctionBuilder: Helper for constructing functions
// ---------------------------------------------------------------------------

// FunctionBuilder helps construct bytecode Functions. Constants are
// deduplicated and every site instruction gets the next SiteID.
type FunctionBuilder struct {
	heap     *ObjectRegistry
	function *Function
	bytecode *BytecodeBuilder
	labels   []*Label
	err      error
}

// NewFunctionBuilder creates a new function builder.
func NewFunctionBuilder(heap *ObjectRegistry, name string, arity int) *FunctionBuilder {
	return &FunctionBuilder{
		heap:     heap,
		function: &Function{Name: name, Arity: arity},
		bytecode: NewBytecodeBuilder(),
	}
}

// SetSource records the source text the function was assembled from.
func (b *FunctionBuilder) SetSource(source string) *FunctionBuilder {
	b.function.Source = source
	return b
}

// AddLocal increases the local count by 1 and returns the index.
func (b *FunctionBuilder) AddLocal() int {
	idx := b.function.NumLocals
	b.function.NumLocals++
	return idx
}

// SetNumLocals sets the total number of locals.
func (b *FunctionBuilder) SetNumLocals(n int) *FunctionBuilder {
	b.function.NumLocals = n
	return b
}

// AddConstant adds v to the constant pool and returns its index.
func (b *FunctionBuilder) AddConstant(v Value) int {
	for i, c := range b.function.Constants {
		if c == v {
			return i
		}
	}
	if len(b.function.Constants) >= 1<<16 {
		b.fail(fmt.Errorf("too many constants"))
		return 0
	}
	b.function.Constants = append(b.function.Constants, v)
	return len(b.function.Constants) - 1
}

// Bytecode returns the underlying builder.
func (b *FunctionBuilder) Bytecode() *BytecodeBuilder {
	return b.bytecode
}

func (b *FunctionBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *FunctionBuilder) nextSite(op Opcode) byte {
	id := SiteID(len(b.function.Sites))
	if id >= MaxSites {
		b.fail(fmt.Errorf("too many feedback sites"))
		return 0
	}
	b.function.Sites = append(b.function.Sites, CallSite{
		ID:   id,
		Kind: op.Info().Site,
		PC:   b.bytecode.Len(),
		Op:   op,
	})
	return byte(id)
}

// Emit appends an operand-less instruction.
func (b *FunctionBuilder) Emit(op Opcode) *FunctionBuilder {
	if op.OperandBytes() != 0 {
		b.fail(fmt.Errorf("%s needs operands", op))
		return b
	}
	b.bytecode.Emit(op)
	return b
}

// PushConst emits PUSH_CONST for v.
func (b *FunctionBuilder) PushConst(v Value) *FunctionBuilder {
	b.bytecode.EmitUint16(OpPushConst, uint16(b.AddConstant(v)))
	return b
}

// PushNumber emits PUSH_CONST for a number.
func (b *FunctionBuilder) PushNumber(f float64) *FunctionBuilder {
	return b.PushConst(FromFloat(f))
}

// PushString emits PUSH_CONST for an interned string.
func (b *FunctionBuilder) PushString(s string) *FunctionBuilder {
	return b.PushConst(b.heap.NewString(s))
}

// LoadArg emits LOAD_ARG.
func (b *FunctionBuilder) LoadArg(i int) *FunctionBuilder {
	if i < 0 || i >= b.function.Arity {
		b.fail(fmt.Errorf("argument %d out of range", i))
	}
	b.bytecode.EmitByte(OpLoadArg, byte(i))
	return b
}

// LoadLocal emits LOAD_LOCAL.
func (b *FunctionBuilder) LoadLocal(i int) *FunctionBuilder {
	b.checkLocal(i)
	b.bytecode.EmitByte(OpLoadLocal, byte(i))
	return b
}

// StoreLocal emits STORE_LOCAL.
func (b *FunctionBuilder) StoreLocal(i int) *FunctionBuilder {
	b.checkLocal(i)
	b.bytecode.EmitByte(OpStoreLocal, byte(i))
	return b
}

func (b *FunctionBuilder) checkLocal(i int) {
	if i < 0 || i > 255 {
		b.fail(fmt.Errorf("local %d out of range", i))
		return
	}
	if i >= b.function.NumLocals {
		b.function.NumLocals = i + 1
	}
}

// LoadGlobal emits LOAD_GLOBAL.
func (b *FunctionBuilder) LoadGlobal(name string) *FunctionBuilder {
	b.bytecode.EmitUint16(OpLoadGlobal, uint16(b.AddConstant(b.heap.NewString(name))))
	return b
}

// StoreGlobal emits STORE_GLOBAL.
func (b *FunctionBuilder) StoreGlobal(name string) *FunctionBuilder {
	b.bytecode.EmitUint16(OpStoreGlobal, uint16(b.AddConstant(b.heap.NewString(name))))
	return b
}

// GetNamed emits a named property load site.
func (b *FunctionBuilder) GetNamed(name string) *FunctionBuilder {
	k := uint16(b.AddConstant(b.heap.NewString(name)))
	site := b.nextSite(OpGetNamed)
	b.bytecode.EmitUint16Byte(OpGetNamed, k, site)
	return b
}

// SetNamed emits SET_NAMED.
func (b *FunctionBuilder) SetNamed(name string) *FunctionBuilder {
	b.bytecode.EmitUint16(OpSetNamed, uint16(b.AddConstant(b.heap.NewString(name))))
	return b
}

// Site emits a single-operand site instruction (keyed load, charCodeAt,
// arithmetic or sqrt).
func (b *FunctionBuilder) Site(op Opcode) *FunctionBuilder {
	if !op.IsSite() || op == OpGetNamed {
		b.fail(fmt.Errorf("%s is not a single-operand site", op))
		return b
	}
	site := b.nextSite(op)
	b.bytecode.EmitByte(op, site)
	return b
}

// Call emits CALL with argc arguments.
func (b *FunctionBuilder) Call(argc int) *FunctionBuilder {
	if argc < 0 || argc > 255 {
		b.fail(fmt.Errorf("argc %d out of range", argc))
	}
	b.bytecode.EmitByte(OpCall, byte(argc))
	return b
}

// CallMethod emits CALL_METHOD.
func (b *FunctionBuilder) CallMethod(name string, argc int) *FunctionBuilder {
	if argc < 0 || argc > 255 {
		b.fail(fmt.Errorf("argc %d out of range", argc))
	}
	b.bytecode.EmitUint16Byte(OpCallMethod, uint16(b.AddConstant(b.heap.NewString(name))), byte(argc))
	return b
}

// NewLabel creates a jump label.
func (b *FunctionBuilder) NewLabel(name string) *Label {
	l := b.bytecode.NewLabel()
	l.Name = name
	b.labels = append(b.labels, l)
	return l
}

// Mark binds label to the current position.
func (b *FunctionBuilder) Mark(label *Label) *FunctionBuilder {
	if err := b.bytecode.Mark(label); err != nil {
		b.fail(err)
	}
	return b
}

// Jump emits JUMP or JUMP_IF_FALSE to label.
func (b *FunctionBuilder) Jump(op Opcode, label *Label) *FunctionBuilder {
	if op != OpJump && op != OpJumpIfFalse {
		b.fail(fmt.Errorf("%s is not a jump", op))
		return b
	}
	b.bytecode.EmitJump(op, label)
	return b
}

// Return emits RETURN.
func (b *FunctionBuilder) Return() *FunctionBuilder {
	b.bytecode.Emit(OpReturn)
	return b
}

// Build returns the finished function, or the first error encountered.
func (b *FunctionBuilder) Build() (*Function, error) {
	if b.err != nil {
		return nil, fmt.Errorf("function %s: %w", b.function.Name, b.err)
	}
	for _, l := range b.labels {
		if !l.Resolved() {
			return nil, fmt.Errorf("function %s: label %q never marked", b.function.Name, l.Name)
		}
	}
	b.function.Code = b.bytecode.Bytes()
	return b.function, nil
}

// MustBuild is like Build but panics on error.
func (b *FunctionBuilder) MustBuild() *Function {
	fn, err := b.Build()
	if err != nil {
		panic(err)
	}
	return fn
}
