package compiler

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/chazu/tiered/vm"
)

// ---------------------------------------------------------------------------
// Assembler: listing text -> vm.Function
// ---------------------------------------------------------------------------
//
// A listing is a sequence of global definitions and functions:
//
//	global string "foobar"
//
//	func f(useArrayIndex)
//	    load_arg useArrayIndex
//	    jump_if_false other
//	    push "1"
//	    store_local index
//	    jump done
//	other:
//	    push "4294967296"
//	    store_local index
//	done:
//	    load_global string
//	    load_local index
//	    char_code_at
//	    return
//	end
//
// Mnemonics are the lower-case opcode names. Arguments and locals may be
// referenced by name or index; a local is allocated the first time its
// name is used.

// Program is the result of assembling one listing.
type Program struct {
	Functions []*vm.Function
	Globals   []Global
}

// Global is a top-level value definition.
type Global struct {
	Name  string
	Value vm.Value
}

// Function returns the function named name, or nil.
func (p *Program) Function(name string) *vm.Function {
	for _, fn := range p.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// Install defines the program's globals and functions in v.
func (p *Program) Install(v *vm.VM) {
	for _, g := range p.Globals {
		v.DefineGlobal(g.Name, g.Value)
	}
	for _, fn := range p.Functions {
		v.Define(fn)
	}
}

// Error is an assembly error at a source position.
type Error struct {
	Pos Position
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
}

// Assemble translates source into functions whose constants live in heap.
func Assemble(heap *vm.ObjectRegistry, source string) (*Program, error) {
	a := &assembler{
		heap:   heap,
		source: source,
		lex:    NewLexer(source),
		prog:   &Program{},
		seen:   map[string]bool{},
	}
	a.next()
	if err := a.program(); err != nil {
		return nil, err
	}
	return a.prog, nil
}

// AssembleFile reads and assembles the listing at path.
func AssembleFile(heap *vm.ObjectRegistry, path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := Assemble(heap, string(data))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", path, err)
	}
	return prog, nil
}

type assembler struct {
	heap   *vm.ObjectRegistry
	source string
	lex    *Lexer
	tok    Token
	prog   *Program
	seen   map[string]bool

	// current function
	b      *vm.FunctionBuilder
	params map[string]int
	locals map[string]int
	labels map[string]*vm.Label
}

func (a *assembler) next() {
	a.tok = a.lex.NextToken()
}

func (a *assembler) errorf(pos Position, format string, args ...interface{}) error {
	return &Error{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (a *assembler) expect(tt TokenType) (Token, error) {
	tok := a.tok
	if tok.Type == TokenError {
		return tok, a.errorf(tok.Pos, "%s", tok.Literal)
	}
	if tok.Type != tt {
		return tok, a.errorf(tok.Pos, "expected %s, found %s", tt, tok)
	}
	a.next()
	return tok, nil
}

// endLine consumes the end of a line. EOF also ends a line.
func (a *assembler) endLine() error {
	if a.tok.Type == TokenEOF {
		return nil
	}
	_, err := a.expect(TokenNewline)
	return err
}

func (a *assembler) program() error {
	for {
		switch a.tok.Type {
		case TokenEOF:
			return nil
		case TokenNewline:
			a.next()
			continue
		case TokenIdentifier:
			switch a.tok.Literal {
			case "func":
				if err := a.function(); err != nil {
					return err
				}
				continue
			case "global":
				if err := a.global(); err != nil {
					return err
				}
				continue
			}
		case TokenError:
			return a.errorf(a.tok.Pos, "%s", a.tok.Literal)
		}
		return a.errorf(a.tok.Pos, "expected func or global, found %s", a.tok)
	}
}

func (a *assembler) global() error {
	a.next() // global
	name, err := a.expect(TokenIdentifier)
	if err != nil {
		return err
	}
	v, err := a.literal()
	if err != nil {
		return err
	}
	a.prog.Globals = append(a.prog.Globals, Global{Name: name.Literal, Value: v})
	return a.endLine()
}

func (a *assembler) function() error {
	start := a.tok.Pos
	a.next() // func
	name, err := a.expect(TokenIdentifier)
	if err != nil {
		return err
	}
	if a.seen[name.Literal] {
		return a.errorf(name.Pos, "function %s defined twice", name.Literal)
	}
	a.seen[name.Literal] = true

	params, err := a.parameters()
	if err != nil {
		return err
	}
	if err := a.endLine(); err != nil {
		return err
	}

	a.b = vm.NewFunctionBuilder(a.heap, name.Literal, len(params))
	a.params = map[string]int{}
	a.locals = map[string]int{}
	a.labels = map[string]*vm.Label{}
	for i, p := range params {
		a.params[p] = i
	}

	for {
		switch a.tok.Type {
		case TokenEOF:
			return a.errorf(a.tok.Pos, "function %s is missing end", name.Literal)
		case TokenNewline:
			a.next()
			continue
		}
		if a.tok.Type == TokenIdentifier && a.tok.Literal == "end" {
			endTok := a.tok
			a.next()
			a.b.SetSource(strings.TrimSpace(a.source[start.Offset : endTok.Pos.Offset+len("end")]))
			fn, err := a.b.Build()
			if err != nil {
				return a.errorf(endTok.Pos, "%v", err)
			}
			a.prog.Functions = append(a.prog.Functions, fn)
			return a.endLine()
		}
		if err := a.line(); err != nil {
			return err
		}
	}
}

func (a *assembler) parameters() ([]string, error) {
	if _, err := a.expect(TokenLParen); err != nil {
		return nil, err
	}
	var params []string
	for a.tok.Type != TokenRParen {
		if len(params) > 0 {
			if _, err := a.expect(TokenComma); err != nil {
				return nil, err
			}
		}
		p, err := a.expect(TokenIdentifier)
		if err != nil {
			return nil, err
		}
		for _, q := range params {
			if q == p.Literal {
				return nil, a.errorf(p.Pos, "duplicate parameter %s", p.Literal)
			}
		}
		params = append(params, p.Literal)
	}
	if len(params) > 255 {
		return nil, a.errorf(a.tok.Pos, "too many parameters")
	}
	a.next() // )
	return params, nil
}

// line assembles one body line: an optional label, then an optional
// directive or instruction.
func (a *assembler) line() error {
	head, err := a.expect(TokenIdentifier)
	if err != nil {
		return err
	}
	if a.tok.Type == TokenColon {
		a.next()
		a.b.Mark(a.label(head.Literal))
		if a.tok.Type != TokenIdentifier {
			return a.endLine()
		}
		head = a.tok
		a.next()
	}

	if head.Literal == "var" {
		for {
			name, err := a.expect(TokenIdentifier)
			if err != nil {
				return err
			}
			if _, ok := a.locals[name.Literal]; ok {
				return a.errorf(name.Pos, "local %s declared twice", name.Literal)
			}
			a.locals[name.Literal] = a.b.AddLocal()
			if a.tok.Type != TokenComma {
				break
			}
			a.next()
		}
		return a.endLine()
	}

	if err := a.instruction(head); err != nil {
		return err
	}
	return a.endLine()
}

func (a *assembler) label(name string) *vm.Label {
	l, ok := a.labels[name]
	if !ok {
		l = a.b.NewLabel(name)
		a.labels[name] = l
	}
	return l
}

func (a *assembler) instruction(mn Token) error {
	if mn.Literal == "push" {
		return a.push()
	}
	op, ok := vm.LookupOpcode(mn.Literal)
	if !ok {
		return a.errorf(mn.Pos, "unknown instruction %q", mn.Literal)
	}

	switch op {
	case vm.OpPushConst:
		return a.push()

	case vm.OpLoadArg:
		i, err := a.slot(a.params, false)
		if err != nil {
			return err
		}
		if i >= len(a.params) {
			return a.errorf(mn.Pos, "argument %d out of range", i)
		}
		a.b.LoadArg(i)

	case vm.OpLoadLocal, vm.OpStoreLocal:
		i, err := a.slot(a.locals, true)
		if err != nil {
			return err
		}
		if op == vm.OpLoadLocal {
			a.b.LoadLocal(i)
		} else {
			a.b.StoreLocal(i)
		}

	case vm.OpLoadGlobal, vm.OpStoreGlobal, vm.OpGetNamed, vm.OpSetNamed:
		name, err := a.name()
		if err != nil {
			return err
		}
		switch op {
		case vm.OpLoadGlobal:
			a.b.LoadGlobal(name)
		case vm.OpStoreGlobal:
			a.b.StoreGlobal(name)
		case vm.OpGetNamed:
			a.b.GetNamed(name)
		default:
			a.b.SetNamed(name)
		}

	case vm.OpCall:
		n, err := a.count()
		if err != nil {
			return err
		}
		a.b.Call(n)

	case vm.OpCallMethod:
		name, err := a.name()
		if err != nil {
			return err
		}
		n, err := a.count()
		if err != nil {
			return err
		}
		a.b.CallMethod(name, n)

	case vm.OpJump, vm.OpJumpIfFalse:
		target, err := a.expect(TokenIdentifier)
		if err != nil {
			return err
		}
		a.b.Jump(op, a.label(target.Literal))

	default:
		switch {
		case op.IsSite():
			a.b.Site(op)
		case op.OperandBytes() == 0:
			a.b.Emit(op)
		default:
			return a.errorf(mn.Pos, "%s cannot be assembled directly", op)
		}
	}
	return nil
}

func (a *assembler) push() error {
	if a.tok.Type == TokenIdentifier && a.tok.Literal == "undefined" {
		a.next()
		a.b.Emit(vm.OpPushUndefined)
		return nil
	}
	v, err := a.literal()
	if err != nil {
		return err
	}
	a.b.PushConst(v)
	return nil
}

// slot resolves a numeric index or a name. Unknown names are allocated
// as new locals when alloc is set.
func (a *assembler) slot(names map[string]int, alloc bool) (int, error) {
	tok := a.tok
	switch tok.Type {
	case TokenNumber:
		a.next()
		n, err := strconv.Atoi(tok.Literal)
		if err != nil || n < 0 || n > 255 {
			return 0, a.errorf(tok.Pos, "bad slot %q", tok.Literal)
		}
		return n, nil
	case TokenIdentifier:
		a.next()
		if i, ok := names[tok.Literal]; ok {
			return i, nil
		}
		if !alloc {
			return 0, a.errorf(tok.Pos, "unknown parameter %s", tok.Literal)
		}
		i := a.b.AddLocal()
		names[tok.Literal] = i
		return i, nil
	}
	return 0, a.errorf(tok.Pos, "expected a slot, found %s", tok)
}

func (a *assembler) name() (string, error) {
	switch a.tok.Type {
	case TokenIdentifier, TokenString:
		s := a.tok.Literal
		a.next()
		return s, nil
	}
	return "", a.errorf(a.tok.Pos, "expected a name, found %s", a.tok)
}

func (a *assembler) count() (int, error) {
	tok, err := a.expect(TokenNumber)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(tok.Literal)
	if err != nil || n < 0 || n > 255 {
		return 0, a.errorf(tok.Pos, "bad argument count %q", tok.Literal)
	}
	return n, nil
}

func (a *assembler) literal() (vm.Value, error) {
	tok := a.tok
	switch tok.Type {
	case TokenNumber:
		a.next()
		f, err := parseNumber(tok.Literal)
		if err != nil {
			return vm.Undefined, a.errorf(tok.Pos, "bad number %q", tok.Literal)
		}
		return vm.FromFloat(f), nil
	case TokenString:
		a.next()
		return a.heap.NewString(tok.Literal), nil
	case TokenIdentifier:
		a.next()
		switch tok.Literal {
		case "undefined":
			return vm.Undefined, nil
		case "null":
			return vm.Null, nil
		case "true":
			return vm.True, nil
		case "false":
			return vm.False, nil
		case "NaN":
			return vm.NaN, nil
		case "Infinity":
			return vm.FromFloat(math.Inf(1)), nil
		}
		return vm.Undefined, a.errorf(tok.Pos, "unknown literal %s", tok.Literal)
	case TokenError:
		return vm.Undefined, a.errorf(tok.Pos, "%s", tok.Literal)
	}
	return vm.Undefined, a.errorf(tok.Pos, "expected a literal, found %s", tok)
}

func parseNumber(lit string) (float64, error) {
	if n, err := strconv.ParseInt(lit, 0, 64); err == nil {
		return float64(n), nil
	}
	return strconv.ParseFloat(strings.ReplaceAll(lit, "_", ""), 64)
}
