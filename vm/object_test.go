package vm

import (
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Shape transitions
// ---------------------------------------------------------------------------

func TestShapeTransitionsAreShared(t *testing.T) {
	heap := NewObjectRegistry()
	a, b := heap.Intern("a"), heap.Intern("b")

	_, o1 := heap.NewObject()
	_, o2 := heap.NewObject()
	o1.Set(heap.Shapes, a, FromInt(1))
	o1.Set(heap.Shapes, b, FromInt(2))
	o2.Set(heap.Shapes, a, FromInt(3))
	o2.Set(heap.Shapes, b, FromInt(4))

	if o1.Shape() != o2.Shape() {
		t.Errorf("objects built the same way should share a shape: %s vs %s", o1.Shape(), o2.Shape())
	}
	if off, ok := o1.Shape().Offset(b); !ok || off != 1 {
		t.Errorf("Offset(b) = (%d, %t), want (1, true)", off, ok)
	}
	if o1.Shape().Parent.Parent != heap.Shapes.Root() {
		t.Errorf("shape chain should end at the root")
	}
}

func TestShapeDependsOnInsertionOrder(t *testing.T) {
	heap := NewObjectRegistry()
	a, b := heap.Intern("a"), heap.Intern("b")

	_, o1 := heap.NewObject()
	_, o2 := heap.NewObject()
	o1.Set(heap.Shapes, a, Undefined)
	o1.Set(heap.Shapes, b, Undefined)
	o2.Set(heap.Shapes, b, Undefined)
	o2.Set(heap.Shapes, a, Undefined)

	if o1.Shape() == o2.Shape() {
		t.Errorf("different insertion orders should give different shapes")
	}
}

func TestOverwriteKeepsShape(t *testing.T) {
	heap := NewObjectRegistry()
	key := heap.Intern("x")
	_, obj := heap.NewObject()
	obj.Set(heap.Shapes, key, FromInt(1))
	before := obj.Shape()
	obj.Set(heap.Shapes, key, FromInt(2))

	if obj.Shape() != before {
		t.Errorf("overwriting a key should not transition")
	}
	if v, _ := obj.Get(key); v != FromInt(2) {
		t.Errorf("Get(x) = %v, want 2", v)
	}
	if obj.NumSlots() != 1 {
		t.Errorf("NumSlots() = %d, want 1", obj.NumSlots())
	}
}

func TestConcurrentTransitions(t *testing.T) {
	heap := NewObjectRegistry()
	key := heap.Intern("k")
	root := heap.Shapes.Root()

	var wg sync.WaitGroup
	results := make([]*Shape, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = heap.Shapes.Transition(root, key)
		}(i)
	}
	wg.Wait()
	for _, s := range results[1:] {
		if s != results[0] {
			t.Fatalf("concurrent transitions produced different shapes")
		}
	}
	if heap.Shapes.Len() != 2 {
		t.Errorf("Len() = %d, want 2", heap.Shapes.Len())
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestStringInterning(t *testing.T) {
	heap := NewObjectRegistry()
	if heap.NewString("") != FromStringID(0) {
		t.Errorf("empty string should be ID 0")
	}
	a1 := heap.NewString("foobar")
	a2 := heap.NewString("foobar")
	if a1 != a2 {
		t.Errorf("interning should return the same value")
	}
	if got := heap.GoString(a1); got != "foobar" {
		t.Errorf("GoString = %q, want foobar", got)
	}
}

func TestClassOf(t *testing.T) {
	heap := NewObjectRegistry()
	obj, o := heap.NewObject()

	if c := heap.ClassOf(FromInt(1)); c.Kind != KindNumber {
		t.Errorf("ClassOf(1) = %s, want number", c)
	}
	if c := heap.ClassOf(heap.NewString("s")); c.Kind != KindString {
		t.Errorf("ClassOf(\"s\") = %s, want string", c)
	}
	empty := heap.ClassOf(obj)
	if empty.Kind != KindObject || empty.Shape != RootShapeID {
		t.Errorf("ClassOf({}) = %s, want object#0", empty)
	}
	o.Set(heap.Shapes, heap.Intern("a"), True)
	if heap.ClassOf(obj) == empty {
		t.Errorf("adding a property should change the class")
	}
}

func TestRegisterFunction(t *testing.T) {
	heap := NewObjectRegistry()
	fn := NewFunctionBuilder(heap, "f", 0).PushNumber(1).Return().MustBuild()
	v := heap.RegisterFunction(fn)
	if !v.IsFunction() {
		t.Fatalf("RegisterFunction should return a function value")
	}
	if heap.GetFunction(v) != fn {
		t.Errorf("GetFunction did not return the registered function")
	}
	heap.UnregisterFunction(fn)
	if heap.GetFunction(v) != nil {
		t.Errorf("function should be gone after UnregisterFunction")
	}
}
