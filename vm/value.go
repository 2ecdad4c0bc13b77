package vm

import (
	"math"
)

// Value represents a script value using NaN-boxing.
//
// All values are 64-bit IEEE 754 doubles. Non-number values are encoded in
// the NaN space using the quiet NaN prefix and tag bits to distinguish types.
//
// Encoding scheme:
//   - Number: native IEEE 754 double (canonical NaN when NaN)
//   - Object: quiet NaN + tagObject + heap object ID
//   - String: quiet NaN + tagString + interned string ID
//   - Special: quiet NaN + tagSpecial + undefined/null/true/false
//   - Function: quiet NaN + tagFunction + function ID
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for ids
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagObject   uint64 = 0x0001000000000000
	tagString   uint64 = 0x0002000000000000
	tagSpecial  uint64 = 0x0003000000000000
	tagFunction uint64 = 0x0004000000000000
)

// Special value payloads
const (
	specialUndefined uint64 = 0
	specialNull      uint64 = 1
	specialTrue      uint64 = 2
	specialFalse     uint64 = 3
)

// Pre-defined special values
const (
	Undefined Value = Value(nanBits | tagSpecial | specialUndefined)
	Null      Value = Value(nanBits | tagSpecial | specialNull)
	True      Value = Value(nanBits | tagSpecial | specialTrue)
	False     Value = Value(nanBits | tagSpecial | specialFalse)

	// NaN is the canonical not-a-number value. Every NaN produced by
	// arithmetic is folded onto these bits so it never collides with a tag.
	NaN Value = Value(nanBits)
)

// ValueKind classifies a value by its representation.
type ValueKind uint8

const (
	KindNumber ValueKind = iota
	KindString
	KindUndefined
	KindNull
	KindBoolean
	KindObject
	KindFunction
)

var kindNames = [...]string{
	KindNumber:    "number",
	KindString:    "string",
	KindUndefined: "undefined",
	KindNull:      "null",
	KindBoolean:   "boolean",
	KindObject:    "object",
	KindFunction:  "function",
}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsNumber returns true if v represents a float64 value, including the
// infinities and the canonical NaN.
func (v Value) IsNumber() bool {
	bits := uint64(v)
	if (bits & nanBits) != nanBits {
		return true
	}
	return bits&tagMask == 0
}

// IsObject returns true if v references a heap object.
func (v Value) IsObject() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagObject)
}

// IsString returns true if v references an interned string.
func (v Value) IsString() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagString)
}

// IsFunction returns true if v references a registered function.
func (v Value) IsFunction() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagFunction)
}

// IsSpecial returns true if v is undefined, null, true or false.
func (v Value) IsSpecial() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSpecial)
}

func (v Value) IsUndefined() bool { return v == Undefined }
func (v Value) IsNull() bool      { return v == Null }

// IsNullish returns true for undefined and null.
func (v Value) IsNullish() bool { return v == Undefined || v == Null }

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsPrimitive returns true for every value that is not an object or function.
func (v Value) IsPrimitive() bool {
	return !v.IsObject() && !v.IsFunction()
}

// Kind returns the representation kind of v.
func (v Value) Kind() ValueKind {
	switch {
	case v.IsNumber():
		return KindNumber
	case v.IsString():
		return KindString
	case v.IsObject():
		return KindObject
	case v.IsFunction():
		return KindFunction
	case v == Undefined:
		return KindUndefined
	case v == Null:
		return KindNull
	default:
		return KindBoolean
	}
}

// ---------------------------------------------------------------------------
// Number operations
// ---------------------------------------------------------------------------

// Number returns v as a float64.
// Panics if v is not a number.
func (v Value) Number() float64 {
	if !v.IsNumber() {
		panic("Value.Number: not a number")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat creates a Value from a float64.
func FromFloat(f float64) Value {
	if f != f {
		return NaN
	}
	return Value(math.Float64bits(f))
}

// FromInt creates a number Value from an integer.
func FromInt(n int) Value {
	return FromFloat(float64(n))
}

// ---------------------------------------------------------------------------
// Reference operations
// ---------------------------------------------------------------------------

// StringID returns the interned string ID encoded in v.
func (v Value) StringID() uint32 {
	if !v.IsString() {
		panic("Value.StringID: not a string")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromStringID creates a Value from an interned string ID.
func FromStringID(id uint32) Value {
	return Value(nanBits | tagString | uint64(id))
}

// ObjectID returns the heap object ID encoded in v.
func (v Value) ObjectID() uint32 {
	if !v.IsObject() {
		panic("Value.ObjectID: not an object")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromObjectID creates a Value from a heap object ID.
func FromObjectID(id uint32) Value {
	return Value(nanBits | tagObject | uint64(id))
}

// FunctionID returns the function ID encoded in v.
func (v Value) FunctionID() uint32 {
	if !v.IsFunction() {
		panic("Value.FunctionID: not a function")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromFunctionID creates a Value from a function ID.
func FromFunctionID(id uint32) Value {
	return Value(nanBits | tagFunction | uint64(id))
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// StrictEquals compares two values without coercion. Strings are interned
// so identity of the reference is identity of the contents.
func StrictEquals(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		return a.Number() == b.Number()
	}
	return a == b
}

// SameValue is like StrictEquals but treats NaN as equal to itself.
func SameValue(a, b Value) bool {
	if a == NaN && b == NaN {
		return true
	}
	return StrictEquals(a, b)
}
