package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// ObjectRegistry: VM-local arenas for strings, objects and functions
// ---------------------------------------------------------------------------

// ObjectRegistry owns every heap entity a Value can reference. Values carry
// the arena ID, never a pointer, so the registry keeps them reachable.
type ObjectRegistry struct {
	// Interned strings
	strings   []string
	stringIDs map[string]uint32
	stringsMu sync.RWMutex

	// Plain objects
	objects   map[uint32]*Object
	objectsMu sync.RWMutex
	objectID  atomic.Uint32

	// Bytecode and native functions
	functions   map[uint32]*Function
	functionsMu sync.RWMutex
	functionID  atomic.Uint32

	// Hidden-class table shared by every object of this VM
	Shapes *ShapeTable
}

// NewObjectRegistry creates a new ObjectRegistry with all arenas initialized.
func NewObjectRegistry() *ObjectRegistry {
	or := &ObjectRegistry{
		stringIDs: make(map[string]uint32),
		objects:   make(map[uint32]*Object),
		functions: make(map[uint32]*Function),
		Shapes:    NewShapeTable(),
	}
	// ID 0 is reserved for the empty string so zero payloads stay meaningful.
	or.intern("")
	return or
}

// ---------------------------------------------------------------------------
// String Registry Methods
// ---------------------------------------------------------------------------

// NewString interns s and returns its string Value.
func (or *ObjectRegistry) NewString(s string) Value {
	return FromStringID(or.intern(s))
}

// Intern returns the ID of s, interning it on first use.
func (or *ObjectRegistry) Intern(s string) uint32 {
	return or.intern(s)
}

func (or *ObjectRegistry) intern(s string) uint32 {
	or.stringsMu.RLock()
	id, ok := or.stringIDs[s]
	or.stringsMu.RUnlock()
	if ok {
		return id
	}

	or.stringsMu.Lock()
	defer or.stringsMu.Unlock()
	if id, ok := or.stringIDs[s]; ok {
		return id
	}
	id = uint32(len(or.strings))
	or.strings = append(or.strings, s)
	or.stringIDs[s] = id
	return id
}

// StringAt returns the contents of an interned string ID.
func (or *ObjectRegistry) StringAt(id uint32) string {
	or.stringsMu.RLock()
	defer or.stringsMu.RUnlock()
	if int(id) >= len(or.strings) {
		return ""
	}
	return or.strings[id]
}

// GoString returns the contents of a string Value.
// Panics if v is not a string.
func (or *ObjectRegistry) GoString(v Value) string {
	return or.StringAt(v.StringID())
}

// StringCount returns the number of interned strings.
func (or *ObjectRegistry) StringCount() int {
	or.stringsMu.RLock()
	defer or.stringsMu.RUnlock()
	return len(or.strings)
}

// ---------------------------------------------------------------------------
// Object Registry Methods
// ---------------------------------------------------------------------------

// NewObject allocates an empty object with the root shape.
func (or *ObjectRegistry) NewObject() (Value, *Object) {
	obj := &Object{shape: or.Shapes.Root()}
	id := or.objectID.Add(1)

	or.objectsMu.Lock()
	or.objects[id] = obj
	or.objectsMu.Unlock()

	return FromObjectID(id), obj
}

// GetObject retrieves an object by its Value.
// Returns nil if v is not a live object reference.
func (or *ObjectRegistry) GetObject(v Value) *Object {
	if !v.IsObject() {
		return nil
	}
	or.objectsMu.RLock()
	defer or.objectsMu.RUnlock()
	return or.objects[v.ObjectID()]
}

// ObjectCount returns the number of registered objects.
func (or *ObjectRegistry) ObjectCount() int {
	or.objectsMu.RLock()
	defer or.objectsMu.RUnlock()
	return len(or.objects)
}

// ---------------------------------------------------------------------------
// Function Registry Methods
// ---------------------------------------------------------------------------

// RegisterFunction assigns fn an ID and returns its Value. Registering the
// same function twice returns the existing Value.
func (or *ObjectRegistry) RegisterFunction(fn *Function) Value {
	if fn.id != 0 {
		return FromFunctionID(fn.id)
	}
	id := or.functionID.Add(1)
	fn.id = id

	or.functionsMu.Lock()
	or.functions[id] = fn
	or.functionsMu.Unlock()

	return FromFunctionID(id)
}

// GetFunction retrieves a function by its Value.
// Returns nil if v is not a function reference.
func (or *ObjectRegistry) GetFunction(v Value) *Function {
	if !v.IsFunction() {
		return nil
	}
	or.functionsMu.RLock()
	defer or.functionsMu.RUnlock()
	return or.functions[v.FunctionID()]
}

// UnregisterFunction removes fn from the registry.
func (or *ObjectRegistry) UnregisterFunction(fn *Function) {
	or.functionsMu.Lock()
	defer or.functionsMu.Unlock()
	delete(or.functions, fn.id)
}

// FunctionCount returns the number of registered functions.
func (or *ObjectRegistry) FunctionCount() int {
	or.functionsMu.RLock()
	defer or.functionsMu.RUnlock()
	return len(or.functions)
}
