package vm

import (
	"fmt"
)

// AssumptionKind names the fact an optimized guard relies on.
type AssumptionKind uint8

const (
	// AssumeIndexRepresentable: the index operand is a canonical array
	// index, optionally also below the receiver's length.
	AssumeIndexRepresentable AssumptionKind = iota

	// AssumeShapeStable: the operand has one specific ShapeClass.
	AssumeShapeStable

	// AssumeConstantKey: the key operand is always the same primitive.
	AssumeConstantKey

	// AssumePrimitiveNumeric: the operand is already a number, so no
	// user-visible coercion can run.
	AssumePrimitiveNumeric
)

var assumptionKindNames = [...]string{
	AssumeIndexRepresentable: "index-representable",
	AssumeShapeStable:        "shape-stable",
	AssumeConstantKey:        "constant-key",
	AssumePrimitiveNumeric:   "primitive-numeric",
}

func (k AssumptionKind) String() string {
	if int(k) < len(assumptionKindNames) {
		return assumptionKindNames[k]
	}
	return "unknown"
}

// AssumptionID indexes an artifact's assumption list.
type AssumptionID int

// Assumption is a single speculative fact tied to one site operand.
type Assumption struct {
	ID      AssumptionID
	Kind    AssumptionKind
	Site    SiteID
	PC      int
	Operand int // 0 = receiver or left operand, 1 = key or right operand

	Class    ShapeClass // AssumeShapeStable
	Key      Value      // AssumeConstantKey
	InBounds bool       // AssumeIndexRepresentable
}

// DeoptReason maps a failed assumption to the reason recorded on deopt.
func (a Assumption) DeoptReason() DeoptReason {
	switch a.Kind {
	case AssumeShapeStable:
		return DeoptWrongShape
	case AssumeConstantKey:
		return DeoptWrongKey
	case AssumeIndexRepresentable:
		return DeoptNotAnArrayIndex
	case AssumePrimitiveNumeric:
		return DeoptNotANumber
	}
	return DeoptExplicitRequest
}

// Describe renders the assumption for traces and disassembly.
func (a Assumption) Describe(heap *ObjectRegistry) string {
	switch a.Kind {
	case AssumeShapeStable:
		return fmt.Sprintf("%s(site %d, op%d = %s)", a.Kind, a.Site, a.Operand, a.Class)
	case AssumeConstantKey:
		return fmt.Sprintf("%s(site %d, key = %s)", a.Kind, a.Site, debugString(heap, a.Key))
	case AssumeIndexRepresentable:
		return fmt.Sprintf("%s(site %d, in-bounds=%t)", a.Kind, a.Site, a.InBounds)
	}
	return fmt.Sprintf("%s(site %d, op%d)", a.Kind, a.Site, a.Operand)
}

// ---------------------------------------------------------------------------
// AssumptionRegistry
// ---------------------------------------------------------------------------

// AssumptionRegistry turns feedback into assumptions and evaluates the
// guards that check them. Guard evaluation never runs user code.
type AssumptionRegistry struct {
	heap *ObjectRegistry
}

// NewAssumptionRegistry creates a registry over heap.
func NewAssumptionRegistry(heap *ObjectRegistry) *AssumptionRegistry {
	return &AssumptionRegistry{heap: heap}
}

// Derive returns the narrowest assumptions consistent with every
// observation in entry. Empty and megamorphic sites yield none, as do
// polymorphic class sets.
func (r *AssumptionRegistry) Derive(entry FeedbackEntry) []Assumption {
	if entry.State == CacheEmpty || entry.State == CacheMegamorphic {
		return nil
	}
	site := entry.Site
	base := Assumption{Site: site.ID, PC: site.PC, Key: Undefined}
	var out []Assumption

	shape := func(operand int) {
		if class, ok := entry.Monomorphic(); ok {
			a := base
			a.Kind = AssumeShapeStable
			a.Operand = operand
			a.Class = class
			out = append(out, a)
		}
	}
	index := func() {
		if entry.SawNonIndex {
			return
		}
		a := base
		a.Kind = AssumeIndexRepresentable
		a.Operand = 1
		a.InBounds = !entry.SawOutOfBounds
		out = append(out, a)
	}

	switch site.Kind {
	case SiteNamedLoad:
		shape(0)

	case SiteKeyedLoad:
		shape(0)
		class, mono := entry.Monomorphic()
		if mono && class.Kind == KindString && !entry.SawNonIndex {
			index()
		} else if entry.KeyState == KeySingle {
			a := base
			a.Kind = AssumeConstantKey
			a.Operand = 1
			a.Key = entry.Key
			out = append(out, a)
		}

	case SiteCharCodeAt:
		if class, ok := entry.Monomorphic(); ok && class.Kind == KindString {
			shape(0)
			index()
		}

	case SiteArithmetic:
		for i := 0; i < 2; i++ {
			if !entry.SawNonNumber[i] {
				a := base
				a.Kind = AssumePrimitiveNumeric
				a.Operand = i
				out = append(out, a)
			}
		}

	case SiteCoercion:
		if !entry.SawNonNumber[0] {
			a := base
			a.Kind = AssumePrimitiveNumeric
			out = append(out, a)
		}
	}
	return out
}

// CheckShape evaluates a shape-stable guard against v.
func (r *AssumptionRegistry) CheckShape(a Assumption, v Value) bool {
	return r.heap.ClassOf(v) == a.Class
}

// CheckKey evaluates a constant-key guard against key.
func (r *AssumptionRegistry) CheckKey(a Assumption, key Value) bool {
	return SameValue(a.Key, key)
}

// CheckIndex evaluates an index guard. recv is only consulted for the
// in-bounds variant and must then be a string. On failure the returned
// reason tells a non-index key apart from an out-of-bounds one.
func (r *AssumptionRegistry) CheckIndex(a Assumption, key, recv Value) (uint32, DeoptReason, bool) {
	idx, ok := r.heap.CanonicalIndex(key)
	if !ok {
		return 0, DeoptNotAnArrayIndex, false
	}
	if a.InBounds {
		if !recv.IsString() || int(idx) >= StringLength(r.heap.GoString(recv)) {
			return 0, DeoptOutOfBounds, false
		}
	}
	return idx, DeoptNone, true
}

// CheckNumber evaluates a primitive-numeric guard.
func (r *AssumptionRegistry) CheckNumber(v Value) (float64, bool) {
	if !v.IsNumber() {
		return 0, false
	}
	return v.Number(), true
}
