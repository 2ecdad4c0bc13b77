package vm

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
)

// MaxArrayIndex is the largest canonical array index, 2^32 - 2.
const MaxArrayIndex = 4294967294

// ---------------------------------------------------------------------------
// Number <-> string conversion
// ---------------------------------------------------------------------------

// NumberToString formats f the way script code observes numbers.
func NumberToString(f float64) string {
	switch {
	case f != f:
		return "NaN"
	case f == 0:
		return "0"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		mant, exp, _ := strings.Cut(s, "e")
		sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
		return mant + "e" + sign + digits
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// StringToNumber parses s with script semantics: surrounding whitespace is
// ignored, the empty string is 0 and anything unparsable is NaN.
func StringToNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil || strings.ContainsRune(s[2:], '_') {
				return math.NaN()
			}
			return float64(n)
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && c != '.' && c != 'e' && c != 'E' && c != '+' && c != '-' {
			return math.NaN()
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return f
		}
		return math.NaN()
	}
	return f
}

// ---------------------------------------------------------------------------
// Truthiness and canonical indices (never run user code)
// ---------------------------------------------------------------------------

// ToBoolean converts v without side effects. The empty string is interned
// as ID 0, so string truthiness needs no registry lookup.
func ToBoolean(v Value) bool {
	switch {
	case v.IsNumber():
		f := v.Number()
		return f != 0 && f == f
	case v.IsString():
		return v.StringID() != 0
	case v.IsObject(), v.IsFunction():
		return true
	default:
		return v == True
	}
}

// CanonicalIndex reports whether v is a canonical array index: an integral
// number in [0, 2^32-2] or a string that is the canonical decimal form of
// one. It never invokes user code.
func (or *ObjectRegistry) CanonicalIndex(v Value) (uint32, bool) {
	switch {
	case v.IsNumber():
		return numberIndex(v.Number())
	case v.IsString():
		return stringIndex(or.GoString(v))
	}
	return 0, false
}

func numberIndex(f float64) (uint32, bool) {
	if f >= 0 && f <= MaxArrayIndex && f == math.Trunc(f) {
		return uint32(f), true
	}
	return 0, false
}

func stringIndex(s string) (uint32, bool) {
	if len(s) == 0 || len(s) > 10 {
		return 0, false
	}
	if s[0] == '0' && len(s) > 1 {
		return 0, false
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	if n > MaxArrayIndex {
		return 0, false
	}
	return uint32(n), true
}

// ---------------------------------------------------------------------------
// UTF-16 view of strings
// ---------------------------------------------------------------------------

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// StringLength returns the length of s in UTF-16 code units.
func StringLength(s string) int {
	if isASCII(s) {
		return len(s)
	}
	return len(utf16.Encode([]rune(s)))
}

// CodeUnitAt returns the UTF-16 code unit at index i.
func CodeUnitAt(s string, i int) (uint16, bool) {
	if i < 0 {
		return 0, false
	}
	if isASCII(s) {
		if i >= len(s) {
			return 0, false
		}
		return uint16(s[i]), true
	}
	units := utf16.Encode([]rune(s))
	if i >= len(units) {
		return 0, false
	}
	return units[i], true
}

func charAt(s string, i int) (string, bool) {
	if isASCII(s) {
		if i < 0 || i >= len(s) {
			return "", false
		}
		return s[i : i+1], true
	}
	cu, ok := CodeUnitAt(s, i)
	if !ok {
		return "", false
	}
	return string(utf16.Decode([]uint16{cu})), true
}

// ---------------------------------------------------------------------------
// Coercions that may run user code
// ---------------------------------------------------------------------------

type primitiveHint uint8

const (
	hintNumber primitiveHint = iota
	hintString
)

// ToPrimitive converts objects by calling valueOf and toString in hint
// order. Primitives are returned unchanged.
func (vm *VM) ToPrimitive(v Value, hint primitiveHint) (Value, error) {
	if v.IsFunction() {
		fn := vm.registry.GetFunction(v)
		return vm.registry.NewString("function " + fn.String() + "() { [code] }"), nil
	}
	if !v.IsObject() {
		return v, nil
	}
	order := [2]string{"valueOf", "toString"}
	if hint == hintString {
		order = [2]string{"toString", "valueOf"}
	}
	obj := vm.registry.GetObject(v)
	for _, name := range order {
		method, ok := obj.Get(vm.registry.Intern(name))
		if !ok || !method.IsFunction() {
			continue
		}
		result, err := vm.callValue(method, v, nil)
		if err != nil {
			return Undefined, err
		}
		if result.IsPrimitive() {
			return result, nil
		}
	}
	if _, ok := obj.Get(vm.registry.Intern("valueOf")); ok {
		if _, ok := obj.Get(vm.registry.Intern("toString")); ok {
			return Undefined, NewTypeError("cannot convert object to primitive value")
		}
	}
	return vm.registry.NewString("[object Object]"), nil
}

// ToNumber converts v to a number, calling valueOf/toString on objects.
func (vm *VM) ToNumber(v Value) (float64, error) {
	switch {
	case v.IsNumber():
		return v.Number(), nil
	case v.IsString():
		return StringToNumber(vm.registry.GoString(v)), nil
	case v == Undefined:
		return math.NaN(), nil
	case v == Null, v == False:
		return 0, nil
	case v == True:
		return 1, nil
	}
	prim, err := vm.ToPrimitive(v, hintNumber)
	if err != nil {
		return 0, err
	}
	return vm.ToNumber(prim)
}

// ToString converts v to a Go string, calling toString/valueOf on objects.
func (vm *VM) ToString(v Value) (string, error) {
	switch {
	case v.IsString():
		return vm.registry.GoString(v), nil
	case v.IsNumber():
		return NumberToString(v.Number()), nil
	case v == Undefined:
		return "undefined", nil
	case v == Null:
		return "null", nil
	case v == True:
		return "true", nil
	case v == False:
		return "false", nil
	}
	prim, err := vm.ToPrimitive(v, hintString)
	if err != nil {
		return "", err
	}
	return vm.ToString(prim)
}

// ToPropertyKey converts v to an interned property key.
func (vm *VM) ToPropertyKey(v Value) (uint32, error) {
	if v.IsString() {
		return v.StringID(), nil
	}
	s, err := vm.ToString(v)
	if err != nil {
		return 0, err
	}
	return vm.registry.Intern(s), nil
}

func toIntegerOrInfinity(f float64) float64 {
	if f != f {
		return 0
	}
	return math.Trunc(f)
}

// ---------------------------------------------------------------------------
// Generic operations shared by both tiers
// ---------------------------------------------------------------------------

func (vm *VM) getNamed(recv Value, key uint32) (Value, error) {
	switch {
	case recv.IsObject():
		v, _ := vm.registry.GetObject(recv).Get(key)
		return v, nil
	case recv.IsString():
		s := vm.registry.GoString(recv)
		name := vm.registry.StringAt(key)
		if name == "length" {
			return FromInt(StringLength(s)), nil
		}
		if idx, ok := stringIndex(name); ok {
			if c, ok := charAt(s, int(idx)); ok {
				return vm.registry.NewString(c), nil
			}
		}
		return Undefined, nil
	case recv.IsFunction():
		fn := vm.registry.GetFunction(recv)
		switch vm.registry.StringAt(key) {
		case "name":
			return vm.registry.NewString(fn.Name), nil
		case "length":
			return FromInt(fn.Arity), nil
		}
		return Undefined, nil
	case recv.IsNullish():
		return Undefined, NewTypeError("cannot read properties of %s (reading '%s')",
			debugString(vm.registry, recv), vm.registry.StringAt(key))
	}
	return Undefined, nil
}

func (vm *VM) getKeyed(recv, key Value) (Value, error) {
	if recv.IsNullish() {
		return Undefined, NewTypeError("cannot read properties of %s", debugString(vm.registry, recv))
	}
	if recv.IsString() {
		if idx, ok := vm.registry.CanonicalIndex(key); ok {
			if c, ok := charAt(vm.registry.GoString(recv), int(idx)); ok {
				return vm.registry.NewString(c), nil
			}
			return Undefined, nil
		}
	}
	k, err := vm.ToPropertyKey(key)
	if err != nil {
		return Undefined, err
	}
	return vm.getNamed(recv, k)
}

func (vm *VM) setNamed(recv Value, key uint32, v Value) error {
	if !recv.IsObject() {
		if recv.IsNullish() {
			return NewTypeError("cannot set properties of %s (setting '%s')",
				debugString(vm.registry, recv), vm.registry.StringAt(key))
		}
		return nil
	}
	vm.registry.GetObject(recv).Set(vm.registry.Shapes, key, v)
	return nil
}

func (vm *VM) charCodeAt(recv, index Value) (Value, error) {
	if recv.IsNullish() {
		return Undefined, NewTypeError("charCodeAt called on %s", debugString(vm.registry, recv))
	}
	s, err := vm.ToString(recv)
	if err != nil {
		return Undefined, err
	}
	f, err := vm.ToNumber(index)
	if err != nil {
		return Undefined, err
	}
	pos := toIntegerOrInfinity(f)
	if pos < 0 || pos > math.MaxInt32 {
		return NaN, nil
	}
	cu, ok := CodeUnitAt(s, int(pos))
	if !ok {
		return NaN, nil
	}
	return FromFloat(float64(cu)), nil
}

func (vm *VM) mathSqrt(v Value) (Value, error) {
	f, err := vm.ToNumber(v)
	if err != nil {
		return Undefined, err
	}
	return FromFloat(math.Sqrt(f)), nil
}

func floatArith(op Opcode, a, b float64) float64 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	case OpDiv:
		return a / b
	}
	panic(fmt.Sprintf("floatArith: %s", op))
}

func (vm *VM) arith(op Opcode, a, b Value) (Value, error) {
	if a.IsNumber() && b.IsNumber() {
		if op == OpLessThan {
			return FromBool(a.Number() < b.Number()), nil
		}
		return FromFloat(floatArith(op, a.Number(), b.Number())), nil
	}

	switch op {
	case OpAdd:
		pa, err := vm.ToPrimitive(a, hintNumber)
		if err != nil {
			return Undefined, err
		}
		pb, err := vm.ToPrimitive(b, hintNumber)
		if err != nil {
			return Undefined, err
		}
		if pa.IsString() || pb.IsString() {
			sa, _ := vm.ToString(pa)
			sb, _ := vm.ToString(pb)
			return vm.registry.NewString(sa + sb), nil
		}
		na, _ := vm.ToNumber(pa)
		nb, _ := vm.ToNumber(pb)
		return FromFloat(na + nb), nil

	case OpLessThan:
		pa, err := vm.ToPrimitive(a, hintNumber)
		if err != nil {
			return Undefined, err
		}
		pb, err := vm.ToPrimitive(b, hintNumber)
		if err != nil {
			return Undefined, err
		}
		if pa.IsString() && pb.IsString() {
			return FromBool(vm.registry.GoString(pa) < vm.registry.GoString(pb)), nil
		}
		na, _ := vm.ToNumber(pa)
		nb, _ := vm.ToNumber(pb)
		return FromBool(na < nb), nil
	}

	na, err := vm.ToNumber(a)
	if err != nil {
		return Undefined, err
	}
	nb, err := vm.ToNumber(b)
	if err != nil {
		return Undefined, err
	}
	return FromFloat(floatArith(op, na, nb)), nil
}

// ---------------------------------------------------------------------------
// Debug formatting
// ---------------------------------------------------------------------------

// Describe renders v for diagnostics: strings are quoted and objects show
// their own properties.
func (or *ObjectRegistry) Describe(v Value) string {
	return debugString(or, v)
}

// debugString renders v for diagnostics without running user code.
func debugString(heap *ObjectRegistry, v Value) string {
	switch {
	case v.IsNumber():
		return NumberToString(v.Number())
	case v.IsString():
		if heap == nil {
			return fmt.Sprintf("string#%d", v.StringID())
		}
		return strconv.Quote(heap.GoString(v))
	case v.IsObject():
		if heap == nil {
			return fmt.Sprintf("object#%d", v.ObjectID())
		}
		obj := heap.GetObject(v)
		if obj == nil {
			return "object#?"
		}
		parts := make([]string, 0, obj.NumSlots())
		for i := 0; i < obj.shape.Len(); i++ {
			slot := obj.SlotAt(i)
			var rendered string
			if slot.IsObject() {
				rendered = "{...}"
			} else {
				rendered = debugString(heap, slot)
			}
			parts = append(parts, heap.StringAt(obj.shape.KeyAt(i))+": "+rendered)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case v.IsFunction():
		if heap == nil {
			return fmt.Sprintf("function#%d", v.FunctionID())
		}
		if fn := heap.GetFunction(v); fn != nil {
			return "function " + fn.String()
		}
		return "function#?"
	case v == Undefined:
		return "undefined"
	case v == Null:
		return "null"
	case v == True:
		return "true"
	case v == False:
		return "false"
	}
	return fmt.Sprintf("Value(0x%016x)", uint64(v))
}
