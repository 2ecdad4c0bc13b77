package vm

import (
	"fmt"
	"sync"
)

// ShapeID identifies a hidden class. IDs are dense and never reused.
type ShapeID uint32

// RootShapeID is the shape of every freshly allocated object.
const RootShapeID ShapeID = 0

// ---------------------------------------------------------------------------
// Shape: hidden class describing an object's property layout
// ---------------------------------------------------------------------------

// Shape records which property keys an object has and at which slot each
// lives. Objects that gained the same keys in the same order share a shape.
// A Shape is immutable once published except for its transition table.
type Shape struct {
	ID     ShapeID
	Parent *Shape

	keys   []uint32       // string IDs in slot order
	offset map[uint32]int // string ID -> slot

	transitions map[uint32]*Shape // guarded by ShapeTable.mu
}

// Offset returns the slot holding key, if present.
func (s *Shape) Offset(key uint32) (int, bool) {
	off, ok := s.offset[key]
	return off, ok
}

// Len returns the number of properties described by s.
func (s *Shape) Len() int { return len(s.keys) }

// KeyAt returns the string ID stored in slot i.
func (s *Shape) KeyAt(i int) uint32 { return s.keys[i] }

func (s *Shape) String() string {
	return fmt.Sprintf("Shape#%d(%d keys)", s.ID, len(s.keys))
}

// ---------------------------------------------------------------------------
// ShapeTable
// ---------------------------------------------------------------------------

// ShapeTable owns the transition tree rooted at the empty shape.
type ShapeTable struct {
	mu     sync.RWMutex
	shapes []*Shape
}

// NewShapeTable creates a table holding only the root shape.
func NewShapeTable() *ShapeTable {
	root := &Shape{
		ID:          RootShapeID,
		offset:      map[uint32]int{},
		transitions: map[uint32]*Shape{},
	}
	return &ShapeTable{shapes: []*Shape{root}}
}

// Root returns the empty shape.
func (t *ShapeTable) Root() *Shape {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.shapes[RootShapeID]
}

// Get returns the shape with the given ID, or nil.
func (t *ShapeTable) Get(id ShapeID) *Shape {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.shapes) {
		return nil
	}
	return t.shapes[id]
}

// Len returns the number of shapes created so far.
func (t *ShapeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.shapes)
}

// Transition returns the shape reached from `from` by adding key.
// The same (from, key) pair always yields the same shape.
func (t *ShapeTable) Transition(from *Shape, key uint32) *Shape {
	t.mu.RLock()
	next, ok := from.transitions[key]
	t.mu.RUnlock()
	if ok {
		return next
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if next, ok := from.transitions[key]; ok {
		return next
	}

	offsets := make(map[uint32]int, len(from.keys)+1)
	for k, v := range from.offset {
		offsets[k] = v
	}
	offsets[key] = len(from.keys)

	keys := make([]uint32, len(from.keys), len(from.keys)+1)
	copy(keys, from.keys)
	keys = append(keys, key)

	next = &Shape{
		ID:          ShapeID(len(t.shapes)),
		Parent:      from,
		keys:        keys,
		offset:      offsets,
		transitions: map[uint32]*Shape{},
	}
	t.shapes = append(t.shapes, next)
	from.transitions[key] = next
	return next
}

// ---------------------------------------------------------------------------
// ShapeClass: operand classification used by feedback and guards
// ---------------------------------------------------------------------------

// ShapeClass is the structural class of an operand: its kind, plus the
// hidden class for objects. Two operands with equal ShapeClass can be
// handled by the same specialized code.
type ShapeClass struct {
	Kind  ValueKind
	Shape ShapeID
}

func (c ShapeClass) String() string {
	if c.Kind == KindObject {
		return fmt.Sprintf("object#%d", c.Shape)
	}
	return c.Kind.String()
}

// ClassOf returns the ShapeClass of v.
func (or *ObjectRegistry) ClassOf(v Value) ShapeClass {
	kind := v.Kind()
	if kind != KindObject {
		return ShapeClass{Kind: kind}
	}
	obj := or.GetObject(v)
	if obj == nil {
		return ShapeClass{Kind: KindObject}
	}
	return ShapeClass{Kind: KindObject, Shape: obj.shape.ID}
}
