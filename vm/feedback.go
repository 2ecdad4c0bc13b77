package vm

// Type feedback for speculative optimization
//
// Every feedback site (named load, keyed load, charCodeAt, arithmetic and
// coercing builtins) owns one FeedbackEntry in its function's
// FeedbackRecord. Entries progress through the same states as a classic
// inline cache: Empty -> Monomorphic -> Polymorphic -> Megamorphic.
//
// Only the baseline interpreter writes feedback. The speculative compiler
// reads a FeedbackSnapshot, an immutable copy taken when compilation starts.

import "fmt"

// CacheState represents the polymorphism of a feedback site.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // Never executed
	CacheMonomorphic                   // One operand class seen
	CachePolymorphic                   // 2..MaxPolymorphism classes seen
	CacheMegamorphic                   // Too many classes, never specialized
)

var cacheStateNames = [...]string{
	CacheEmpty:       "empty",
	CacheMonomorphic: "monomorphic",
	CachePolymorphic: "polymorphic",
	CacheMegamorphic: "megamorphic",
}

func (s CacheState) String() string {
	if int(s) < len(cacheStateNames) {
		return cacheStateNames[s]
	}
	return "unknown"
}

// MaxTrackedClasses is the hard upper bound on MaxPolymorphism.
const MaxTrackedClasses = 8

// DefaultMaxPolymorphism is the number of distinct classes a site may see
// before it becomes megamorphic.
const DefaultMaxPolymorphism = 4

// KeyState tracks whether a keyed site always saw the same key.
type KeyState uint8

const (
	KeyNone     KeyState = iota // no key observed
	KeySingle                   // exactly one distinct key
	KeyMultiple                 // two or more distinct keys
)

func (k KeyState) String() string {
	switch k {
	case KeySingle:
		return "single"
	case KeyMultiple:
		return "multiple"
	}
	return "none"
}

// IndexObservation classifies the index operand of a keyed or charCodeAt
// site against the receiver it was applied to.
type IndexObservation uint8

const (
	IndexAbsent       IndexObservation = iota // site has no index operand
	IndexInBounds                             // canonical index below length
	IndexOutOfBounds                          // canonical index at or past length
	IndexNonCanonical                         // not a canonical array index
)

// Observation is what one execution of a site tells the feedback vector.
type Observation struct {
	Operands    [2]ShapeClass
	NumOperands int
	Key         Value
	HasKey      bool
	Index       IndexObservation
	NonNumber   [2]bool
}

// ---------------------------------------------------------------------------
// FeedbackEntry
// ---------------------------------------------------------------------------

// FeedbackEntry accumulates observations for one site. Observations only
// widen an entry; nothing but Reset narrows it.
type FeedbackEntry struct {
	Site    CallSite
	State   CacheState
	Classes [MaxTrackedClasses]ShapeClass
	Count   int // valid entries in Classes

	KeyState KeyState
	Key      Value

	SawNonIndex    bool
	SawOutOfBounds bool
	SawNonNumber   [2]bool

	Samples uint64
}

func (e *FeedbackEntry) addClass(c ShapeClass, limit int) bool {
	if e.State == CacheMegamorphic {
		return false
	}
	for i := 0; i < e.Count; i++ {
		if e.Classes[i] == c {
			return false
		}
	}
	if e.Count >= limit {
		e.State = CacheMegamorphic
		for i := range e.Classes {
			e.Classes[i] = ShapeClass{}
		}
		e.Count = 0
		return true
	}
	e.Classes[e.Count] = c
	e.Count++
	if e.Count == 1 {
		e.State = CacheMonomorphic
	} else {
		e.State = CachePolymorphic
	}
	return false
}

// observe merges obs into the entry and reports whether this observation
// made the site megamorphic.
func (e *FeedbackEntry) observe(obs Observation, limit int) bool {
	e.Samples++
	became := false
	for i := 0; i < obs.NumOperands; i++ {
		if e.addClass(obs.Operands[i], limit) {
			became = true
		}
		if obs.NonNumber[i] {
			e.SawNonNumber[i] = true
		}
	}
	if obs.HasKey && !obs.Key.IsPrimitive() {
		// An object key converts through toString/valueOf and can name a
		// different property each time.
		e.KeyState = KeyMultiple
		e.Key = Undefined
	} else if obs.HasKey {
		switch e.KeyState {
		case KeyNone:
			e.KeyState = KeySingle
			e.Key = obs.Key
		case KeySingle:
			if !SameValue(e.Key, obs.Key) {
				e.KeyState = KeyMultiple
				e.Key = Undefined
			}
		}
	}
	switch obs.Index {
	case IndexOutOfBounds:
		e.SawOutOfBounds = true
	case IndexNonCanonical:
		e.SawNonIndex = true
	}
	return became
}

// ClassList returns the observed classes in first-seen order.
func (e FeedbackEntry) ClassList() []ShapeClass {
	out := make([]ShapeClass, e.Count)
	copy(out, e.Classes[:e.Count])
	return out
}

// Monomorphic returns the single observed class, if there is exactly one.
func (e FeedbackEntry) Monomorphic() (ShapeClass, bool) {
	if e.State != CacheMonomorphic {
		return ShapeClass{}, false
	}
	return e.Classes[0], true
}

func (e FeedbackEntry) String() string {
	return fmt.Sprintf("%s %s classes=%v key=%s nonIndex=%t oob=%t nonNumber=%v samples=%d",
		e.Site, e.State, e.ClassList(), e.KeyState, e.SawNonIndex, e.SawOutOfBounds, e.SawNonNumber, e.Samples)
}

// ---------------------------------------------------------------------------
// FeedbackRecord: the feedback vector of one function
// ---------------------------------------------------------------------------

// FeedbackRecord holds one FeedbackEntry per site of a function.
type FeedbackRecord struct {
	function *Function
	entries  []FeedbackEntry
	limit    int
	version  uint64
}

// NewFeedbackRecord allocates an empty feedback vector for fn.
func NewFeedbackRecord(fn *Function, maxPolymorphism int) *FeedbackRecord {
	if maxPolymorphism < 1 {
		maxPolymorphism = 1
	}
	if maxPolymorphism > MaxTrackedClasses {
		maxPolymorphism = MaxTrackedClasses
	}
	r := &FeedbackRecord{
		function: fn,
		entries:  make([]FeedbackEntry, len(fn.Sites)),
		limit:    maxPolymorphism,
	}
	for i, site := range fn.Sites {
		r.entries[i].Site = site
		r.entries[i].Key = Undefined
	}
	return r
}

// Function returns the function this record belongs to.
func (r *FeedbackRecord) Function() *Function { return r.function }

// Observe merges an observation for site and reports whether the site
// just became megamorphic.
func (r *FeedbackRecord) Observe(site SiteID, obs Observation) bool {
	if site < 0 || int(site) >= len(r.entries) {
		invariant("feedback", "site %d out of range for %s", site, r.function)
	}
	r.version++
	return r.entries[site].observe(obs, r.limit)
}

// Entry returns a copy of the entry for site.
func (r *FeedbackRecord) Entry(site SiteID) FeedbackEntry {
	return r.entries[site]
}

// Version increases with every observation.
func (r *FeedbackRecord) Version() uint64 { return r.version }

// Snapshot returns an immutable copy of every entry.
func (r *FeedbackRecord) Snapshot() *FeedbackSnapshot {
	entries := make([]FeedbackEntry, len(r.entries))
	copy(entries, r.entries)
	return &FeedbackSnapshot{Function: r.function, Version: r.version, Entries: entries}
}

// Reset clears every entry back to empty.
func (r *FeedbackRecord) Reset() {
	for i := range r.entries {
		site := r.entries[i].Site
		r.entries[i] = FeedbackEntry{Site: site, Key: Undefined}
	}
	r.version++
}

// FeedbackSnapshot is a point-in-time copy of a FeedbackRecord.
type FeedbackSnapshot struct {
	Function *Function
	Version  uint64
	Entries  []FeedbackEntry
}

// EmptySnapshot describes a function whose feedback was never allocated.
func EmptySnapshot(fn *Function) *FeedbackSnapshot {
	return NewFeedbackRecord(fn, DefaultMaxPolymorphism).Snapshot()
}

// Entry returns the entry for site.
func (s *FeedbackSnapshot) Entry(site SiteID) FeedbackEntry {
	return s.Entries[site]
}

// ---------------------------------------------------------------------------
// Observation builders
// ---------------------------------------------------------------------------

func (or *ObjectRegistry) indexObservation(recv, key Value) IndexObservation {
	idx, ok := or.CanonicalIndex(key)
	if !ok {
		return IndexNonCanonical
	}
	if recv.IsString() && int(idx) < StringLength(or.GoString(recv)) {
		return IndexInBounds
	}
	return IndexOutOfBounds
}

func (or *ObjectRegistry) observeNamed(recv Value) Observation {
	return Observation{Operands: [2]ShapeClass{or.ClassOf(recv)}, NumOperands: 1}
}

func (or *ObjectRegistry) observeKeyed(recv, key Value) Observation {
	obs := Observation{
		Operands:    [2]ShapeClass{or.ClassOf(recv)},
		NumOperands: 1,
		Key:         key,
		HasKey:      true,
	}
	switch {
	case !key.IsPrimitive():
		obs.Index = IndexNonCanonical
	case recv.IsString():
		obs.Index = or.indexObservation(recv, key)
	}
	return obs
}

func (or *ObjectRegistry) observeCharCodeAt(recv, index Value) Observation {
	return Observation{
		Operands:    [2]ShapeClass{or.ClassOf(recv)},
		NumOperands: 1,
		Index:       or.indexObservation(recv, index),
	}
}

func (or *ObjectRegistry) observeArith(a, b Value) Observation {
	return Observation{
		Operands:    [2]ShapeClass{or.ClassOf(a), or.ClassOf(b)},
		NumOperands: 2,
		NonNumber:   [2]bool{!a.IsNumber(), !b.IsNumber()},
	}
}

func (or *ObjectRegistry) observeCoercion(v Value) Observation {
	return Observation{
		Operands:    [2]ShapeClass{or.ClassOf(v)},
		NumOperands: 1,
		NonNumber:   [2]bool{!v.IsNumber()},
	}
}
