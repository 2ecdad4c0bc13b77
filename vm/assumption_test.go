package vm

import (
	"testing"
)

func entryFor(t *testing.T, heap *ObjectRegistry, op Opcode, observe func(fb *FeedbackRecord)) FeedbackEntry {
	t.Helper()
	_, fb := feedbackFor(t, heap, op, DefaultMaxPolymorphism)
	observe(fb)
	return fb.Entry(0)
}

func kindsOf(as []Assumption) []AssumptionKind {
	out := make([]AssumptionKind, len(as))
	for i, a := range as {
		out[i] = a.Kind
	}
	return out
}

func sameKinds(a, b []AssumptionKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDeriveAssumptions(t *testing.T) {
	heap := NewObjectRegistry()
	reg := NewAssumptionRegistry(heap)
	obj, _ := heap.NewObject()
	s := heap.NewString("foobar")

	tests := []struct {
		name    string
		op      Opcode
		observe func(fb *FeedbackRecord)
		want    []AssumptionKind
	}{
		{"empty", OpAdd, func(fb *FeedbackRecord) {}, nil},
		{"named load", OpGetNamed, func(fb *FeedbackRecord) {
			fb.Observe(0, heap.observeNamed(obj))
		}, []AssumptionKind{AssumeShapeStable}},
		{"constant key", OpGetKeyed, func(fb *FeedbackRecord) {
			fb.Observe(0, heap.observeKeyed(obj, heap.NewString("a")))
		}, []AssumptionKind{AssumeShapeStable, AssumeConstantKey}},
		{"varying key", OpGetKeyed, func(fb *FeedbackRecord) {
			fb.Observe(0, heap.observeKeyed(obj, heap.NewString("a")))
			fb.Observe(0, heap.observeKeyed(obj, heap.NewString("b")))
		}, []AssumptionKind{AssumeShapeStable}},
		{"string index", OpGetKeyed, func(fb *FeedbackRecord) {
			fb.Observe(0, heap.observeKeyed(s, FromInt(1)))
			fb.Observe(0, heap.observeKeyed(s, FromInt(2)))
		}, []AssumptionKind{AssumeShapeStable, AssumeIndexRepresentable}},
		{"char code", OpCharCodeAt, func(fb *FeedbackRecord) {
			fb.Observe(0, heap.observeCharCodeAt(s, heap.NewString("1")))
		}, []AssumptionKind{AssumeShapeStable, AssumeIndexRepresentable}},
		{"char code non-index", OpCharCodeAt, func(fb *FeedbackRecord) {
			fb.Observe(0, heap.observeCharCodeAt(s, heap.NewString("4294967296")))
		}, []AssumptionKind{AssumeShapeStable}},
		{"numeric", OpMul, func(fb *FeedbackRecord) {
			fb.Observe(0, heap.observeArith(FromInt(1), FromInt(2)))
		}, []AssumptionKind{AssumePrimitiveNumeric, AssumePrimitiveNumeric}},
		{"left operand object", OpMul, func(fb *FeedbackRecord) {
			fb.Observe(0, heap.observeArith(obj, FromInt(2)))
		}, []AssumptionKind{AssumePrimitiveNumeric}},
		{"coercion", OpMathSqrt, func(fb *FeedbackRecord) {
			fb.Observe(0, heap.observeCoercion(FromInt(9)))
		}, []AssumptionKind{AssumePrimitiveNumeric}},
		{"coercion of object", OpMathSqrt, func(fb *FeedbackRecord) {
			fb.Observe(0, heap.observeCoercion(obj))
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := kindsOf(reg.Derive(entryFor(t, heap, tt.op, tt.observe)))
			if !sameKinds(got, tt.want) {
				t.Errorf("Derive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeriveMegamorphicYieldsNothing(t *testing.T) {
	heap := NewObjectRegistry()
	reg := NewAssumptionRegistry(heap)
	_, fb := feedbackFor(t, heap, OpGetNamed, 1)
	a, oa := heap.NewObject()
	b, ob := heap.NewObject()
	oa.Set(heap.Shapes, heap.Intern("x"), True)
	ob.Set(heap.Shapes, heap.Intern("y"), True)
	fb.Observe(0, heap.observeNamed(a))
	fb.Observe(0, heap.observeNamed(b))

	if as := reg.Derive(fb.Entry(0)); len(as) != 0 {
		t.Errorf("megamorphic site derived %v", kindsOf(as))
	}
}

func TestDeriveInBounds(t *testing.T) {
	heap := NewObjectRegistry()
	reg := NewAssumptionRegistry(heap)
	s := heap.NewString("foobar")

	e := entryFor(t, heap, OpCharCodeAt, func(fb *FeedbackRecord) {
		fb.Observe(0, heap.observeCharCodeAt(s, FromInt(1)))
	})
	idx := findAssumption(reg.Derive(e), AssumeIndexRepresentable, 1)
	if idx == nil || !idx.InBounds {
		t.Fatalf("expected an in-bounds index assumption")
	}

	e = entryFor(t, heap, OpCharCodeAt, func(fb *FeedbackRecord) {
		fb.Observe(0, heap.observeCharCodeAt(s, FromInt(10)))
	})
	idx = findAssumption(reg.Derive(e), AssumeIndexRepresentable, 1)
	if idx == nil || idx.InBounds {
		t.Fatalf("expected an index assumption without the bounds check")
	}
}

func TestGuardChecks(t *testing.T) {
	heap := NewObjectRegistry()
	reg := NewAssumptionRegistry(heap)
	s := heap.NewString("foobar")

	shape := Assumption{Kind: AssumeShapeStable, Class: ShapeClass{Kind: KindString}}
	if !reg.CheckShape(shape, s) || reg.CheckShape(shape, FromInt(1)) {
		t.Errorf("CheckShape mismatch")
	}

	key := Assumption{Kind: AssumeConstantKey, Key: heap.NewString("a")}
	if !reg.CheckKey(key, heap.NewString("a")) || reg.CheckKey(key, heap.NewString("b")) {
		t.Errorf("CheckKey mismatch")
	}

	inBounds := Assumption{Kind: AssumeIndexRepresentable, InBounds: true}
	tests := []struct {
		key    Value
		idx    uint32
		reason DeoptReason
		ok     bool
	}{
		{heap.NewString("1"), 1, DeoptNone, true},
		{FromInt(5), 5, DeoptNone, true},
		{FromInt(6), 0, DeoptOutOfBounds, false},
		{heap.NewString("4294967296"), 0, DeoptNotAnArrayIndex, false},
		{FromFloat(0.5), 0, DeoptNotAnArrayIndex, false},
	}
	for _, tt := range tests {
		idx, reason, ok := reg.CheckIndex(inBounds, tt.key, s)
		if idx != tt.idx || reason != tt.reason || ok != tt.ok {
			t.Errorf("CheckIndex(%s) = (%d, %s, %t), want (%d, %s, %t)",
				debugString(heap, tt.key), idx, reason, ok, tt.idx, tt.reason, tt.ok)
		}
	}

	anyIndex := Assumption{Kind: AssumeIndexRepresentable}
	if _, _, ok := reg.CheckIndex(anyIndex, FromInt(100), s); !ok {
		t.Errorf("index check without bounds should accept 100")
	}

	if f, ok := reg.CheckNumber(FromFloat(2.5)); !ok || f != 2.5 {
		t.Errorf("CheckNumber(2.5) = (%v, %t)", f, ok)
	}
	if _, ok := reg.CheckNumber(heap.NewString("2")); ok {
		t.Errorf("CheckNumber(\"2\") should fail")
	}
}

func TestAssumptionDeoptReasons(t *testing.T) {
	tests := map[AssumptionKind]DeoptReason{
		AssumeShapeStable:        DeoptWrongShape,
		AssumeConstantKey:        DeoptWrongKey,
		AssumeIndexRepresentable: DeoptNotAnArrayIndex,
		AssumePrimitiveNumeric:   DeoptNotANumber,
	}
	for kind, want := range tests {
		if got := (Assumption{Kind: kind}).DeoptReason(); got != want {
			t.Errorf("%s reason = %s, want %s", kind, got, want)
		}
	}
}
