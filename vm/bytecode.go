package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushUndefined Opcode = 0x10 // push undefined
	OpPushThis      Opcode = 0x11 // push receiver
	OpPushConst     Opcode = 0x12 // push constant (16-bit index)
)

// Variable Operations
const (
	OpLoadArg     Opcode = 0x20 // push argument (8-bit index)
	OpLoadLocal   Opcode = 0x21 // push local (8-bit index)
	OpStoreLocal  Opcode = 0x22 // pop into local (8-bit index)
	OpLoadGlobal  Opcode = 0x23 // push global (16-bit name constant)
	OpStoreGlobal Opcode = 0x24 // pop into global (16-bit name constant)
)

// Property Operations
const (
	OpGetNamed   Opcode = 0x30 // obj -> obj[name] (16-bit name constant, 8-bit site)
	OpGetKeyed   Opcode = 0x31 // obj key -> obj[key] (8-bit site)
	OpSetNamed   Opcode = 0x32 // obj value -> (16-bit name constant)
	OpNewObject  Opcode = 0x33 // -> {}
	OpCharCodeAt Opcode = 0x34 // str index -> code unit (8-bit site)
)

// Arithmetic and Builtins
const (
	OpAdd       Opcode = 0x40 // a b -> a+b (8-bit site)
	OpSub       Opcode = 0x41 // a b -> a-b (8-bit site)
	OpMul       Opcode = 0x42 // a b -> a*b (8-bit site)
	OpDiv       Opcode = 0x43 // a b -> a/b (8-bit site)
	OpLessThan  Opcode = 0x44 // a b -> a<b (8-bit site)
	OpMathSqrt  Opcode = 0x45 // x -> sqrt(ToNumber(x)) (8-bit site)
	OpStrictEq  Opcode = 0x46 // a b -> a===b
	OpNot       Opcode = 0x47 // a -> !a
)

// Control Flow
const (
	OpJump        Opcode = 0x60 // unconditional jump (16-bit signed offset)
	OpJumpIfFalse Opcode = 0x61 // pop, jump when falsy (16-bit signed offset)
	OpCall        Opcode = 0x62 // callee args... -> result (8-bit argc)
	OpCallMethod  Opcode = 0x63 // recv args... -> recv[name](args) (16-bit name, 8-bit argc)
	OpReturn      Opcode = 0x64 // return top of stack
)

// SiteKind classifies the operations that record feedback.
type SiteKind uint8

const (
	SiteNone SiteKind = iota
	SiteNamedLoad
	SiteKeyedLoad
	SiteCharCodeAt
	SiteArithmetic
	SiteCoercion
)

var siteKindNames = [...]string{
	SiteNone:       "none",
	SiteNamedLoad:  "named-load",
	SiteKeyedLoad:  "keyed-load",
	SiteCharCodeAt: "char-code-at",
	SiteArithmetic: "arithmetic",
	SiteCoercion:   "coercion",
}

func (k SiteKind) String() string {
	if int(k) < len(siteKindNames) {
		return siteKindNames[k]
	}
	return "unknown"
}

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string   // human-readable name
	OperandBytes int      // number of operand bytes
	StackEffect  int      // net effect on stack (-1 = variable for calls)
	Site         SiteKind // feedback site kind, SiteNone if the op records nothing
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP: {"NOP", 0, 0, SiteNone},
	OpPOP: {"POP", 0, -1, SiteNone},
	OpDUP: {"DUP", 0, 1, SiteNone},

	OpPushUndefined: {"PUSH_UNDEFINED", 0, 1, SiteNone},
	OpPushThis:      {"PUSH_THIS", 0, 1, SiteNone},
	OpPushConst:     {"PUSH_CONST", 2, 1, SiteNone},

	OpLoadArg:     {"LOAD_ARG", 1, 1, SiteNone},
	OpLoadLocal:   {"LOAD_LOCAL", 1, 1, SiteNone},
	OpStoreLocal:  {"STORE_LOCAL", 1, -1, SiteNone},
	OpLoadGlobal:  {"LOAD_GLOBAL", 2, 1, SiteNone},
	OpStoreGlobal: {"STORE_GLOBAL", 2, -1, SiteNone},

	OpGetNamed:   {"GET_NAMED", 3, 0, SiteNamedLoad},
	OpGetKeyed:   {"GET_KEYED", 1, -1, SiteKeyedLoad},
	OpSetNamed:   {"SET_NAMED", 2, -2, SiteNone},
	OpNewObject:  {"NEW_OBJECT", 0, 1, SiteNone},
	OpCharCodeAt: {"CHAR_CODE_AT", 1, -1, SiteCharCodeAt},

	OpAdd:      {"ADD", 1, -1, SiteArithmetic},
	OpSub:      {"SUB", 1, -1, SiteArithmetic},
	OpMul:      {"MUL", 1, -1, SiteArithmetic},
	OpDiv:      {"DIV", 1, -1, SiteArithmetic},
	OpLessThan: {"LESS_THAN", 1, -1, SiteArithmetic},
	OpMathSqrt: {"MATH_SQRT", 1, 0, SiteCoercion},
	OpStrictEq: {"STRICT_EQ", 0, -1, SiteNone},
	OpNot:      {"NOT", 0, 0, SiteNone},

	OpJump:        {"JUMP", 2, 0, SiteNone},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 2, -1, SiteNone},
	OpCall:        {"CALL", 1, -1, SiteNone},
	OpCallMethod:  {"CALL_METHOD", 3, -1, SiteNone},
	OpReturn:      {"RETURN", 0, -1, SiteNone},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// LookupOpcode finds an opcode by name. Matching ignores case.
func LookupOpcode(name string) (Opcode, bool) {
	for op, info := range opcodeTable {
		if strings.EqualFold(info.Name, name) {
			return op, true
		}
	}
	return 0, false
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// IsSite reports whether op records feedback.
func (op Opcode) IsSite() bool {
	return op.Info().Site != SiteNone
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// Instruction is one decoded bytecode instruction.
type Instruction struct {
	PC   int
	Op   Opcode
	A    int    // index, argc, name constant, or absolute jump target
	B    int    // argc for CALL_METHOD
	Site SiteID // NoSite unless the op records feedback
	Next int    // PC of the following instruction
}

// DecodeInstruction decodes the instruction at pc.
func DecodeInstruction(code []byte, pc int) (Instruction, error) {
	if pc < 0 || pc >= len(code) {
		return Instruction{}, fmt.Errorf("pc %d out of range", pc)
	}
	op := Opcode(code[pc])
	info, ok := opcodeTable[op]
	if !ok {
		return Instruction{}, fmt.Errorf("unknown opcode 0x%02X at %d", byte(op), pc)
	}
	next := pc + 1 + info.OperandBytes
	if next > len(code) {
		return Instruction{}, fmt.Errorf("truncated %s at %d", info.Name, pc)
	}
	in := Instruction{PC: pc, Op: op, Site: NoSite, Next: next}
	operands := code[pc+1 : next]

	switch op {
	case OpPushConst, OpLoadGlobal, OpStoreGlobal, OpSetNamed:
		in.A = int(binary.LittleEndian.Uint16(operands))
	case OpLoadArg, OpLoadLocal, OpStoreLocal, OpCall:
		in.A = int(operands[0])
	case OpGetNamed:
		in.A = int(binary.LittleEndian.Uint16(operands))
		in.Site = SiteID(operands[2])
	case OpCallMethod:
		in.A = int(binary.LittleEndian.Uint16(operands))
		in.B = int(operands[2])
	case OpGetKeyed, OpCharCodeAt, OpAdd, OpSub, OpMul, OpDiv, OpLessThan, OpMathSqrt:
		in.Site = SiteID(operands[0])
	case OpJump, OpJumpIfFalse:
		offset := int16(binary.LittleEndian.Uint16(operands))
		in.A = next + int(offset)
	}
	return in, nil
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitUint16Byte appends an opcode with a 16-bit operand followed by a byte.
func (b *BytecodeBuilder) EmitUint16Byte(op Opcode, operand uint16, extra byte) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8), extra)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	Name     string
	resolved bool
	position int   // target once resolved
	refs     []int // operand positions waiting for this label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) error {
	if label.resolved {
		return fmt.Errorf("label %q already resolved", label.Name)
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		if offset < -32768 || offset > 32767 {
			return fmt.Errorf("jump to %q out of range", label.Name)
		}
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
	return nil
}

// EmitJump emits a jump instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0) // placeholder
	}
}

// Resolved reports whether the label has been marked.
func (l *Label) Resolved() bool { return l.resolved }
