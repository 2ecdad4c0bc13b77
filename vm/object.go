package vm

// Object represents a heap-allocated script object.
//
// Property values live in a flat slot slice whose layout is described by
// the object's shape. Adding a key moves the object along a shape
// transition; existing keys keep their slot.
type Object struct {
	shape *Shape
	slots []Value
}

// Shape returns the object's current hidden class.
func (o *Object) Shape() *Shape { return o.shape }

// Get returns the value stored under key (a string ID).
func (o *Object) Get(key uint32) (Value, bool) {
	off, ok := o.shape.Offset(key)
	if !ok {
		return Undefined, false
	}
	return o.slots[off], true
}

// SlotAt returns the value at a slot offset resolved from the shape.
func (o *Object) SlotAt(off int) Value {
	return o.slots[off]
}

// Set stores v under key, transitioning the shape when key is new.
func (o *Object) Set(shapes *ShapeTable, key uint32, v Value) {
	if off, ok := o.shape.Offset(key); ok {
		o.slots[off] = v
		return
	}
	o.shape = shapes.Transition(o.shape, key)
	o.slots = append(o.slots, v)
}

// NumSlots returns the number of properties.
func (o *Object) NumSlots() int { return len(o.slots) }
