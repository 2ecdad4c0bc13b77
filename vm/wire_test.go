package vm

import (
	"testing"
)

func TestFeedbackSnapshotWireForm(t *testing.T) {
	heap := NewObjectRegistry()
	obj, o := heap.NewObject()
	o.Set(heap.Shapes, heap.Intern("a"), FromInt(1))
	fn := NewFunctionBuilder(heap, "load", 2).LoadArg(0).LoadArg(1).Site(OpGetKeyed).Return().MustBuild()
	fb := NewFeedbackRecord(fn, DefaultMaxPolymorphism)
	fb.Observe(0, heap.observeKeyed(obj, heap.NewString("a")))
	fb.Observe(0, heap.observeKeyed(obj, heap.NewString("a")))

	data, err := MarshalFeedbackSnapshot(heap, fb.Snapshot())
	mustNoError(t, err)
	w, err := UnmarshalFeedbackSnapshot(data)
	mustNoError(t, err)

	if w.Function != fn.String() || w.Version != fb.Version() || len(w.Entries) != 1 {
		t.Fatalf("snapshot = %+v", w)
	}
	e := w.Entries[0]
	if e.SiteKind != SiteKeyedLoad.String() || e.PC != fn.Sites[0].PC {
		t.Errorf("site = %s @%d", e.SiteKind, e.PC)
	}
	if e.State != CacheMonomorphic.String() || e.Samples != 2 || len(e.Classes) != 1 {
		t.Errorf("state = %s, samples = %d, classes = %v", e.State, e.Samples, e.Classes)
	}
	if e.KeyState != KeySingle.String() || e.Key != `"a"` {
		t.Errorf("key = %s %s, want single \"a\"", e.KeyState, e.Key)
	}
	if e.SawNonIndex || e.SawOutOfBounds {
		t.Errorf("object receivers should not record index observations")
	}
}

func TestUnmarshalFeedbackSnapshotRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalFeedbackSnapshot([]byte{0xff, 0x00, 0x13}); err == nil {
		t.Errorf("expected an error")
	}
}

func TestGuardSetFingerprintIsOrderSensitive(t *testing.T) {
	heap := NewObjectRegistry()
	fn := NewFunctionBuilder(heap, "add", 2).LoadArg(0).LoadArg(1).Site(OpAdd).Return().MustBuild()
	left := Assumption{Kind: AssumePrimitiveNumeric, Operand: 0}
	right := Assumption{Kind: AssumePrimitiveNumeric, Operand: 1}

	ab, err := GuardSetFingerprint(heap, fn, []Assumption{left, right})
	mustNoError(t, err)
	again, err := GuardSetFingerprint(heap, fn, []Assumption{left, right})
	mustNoError(t, err)
	ba, err := GuardSetFingerprint(heap, fn, []Assumption{right, left})
	mustNoError(t, err)

	if ab != again {
		t.Errorf("fingerprint is not deterministic")
	}
	if ab == ba {
		t.Errorf("reordered guards share a fingerprint")
	}
}
