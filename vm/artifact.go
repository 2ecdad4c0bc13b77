package vm

import (
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DeoptReason records why an artifact stopped being valid.
type DeoptReason uint8

const (
	DeoptNone DeoptReason = iota
	DeoptWrongShape
	DeoptWrongKey
	DeoptNotAnArrayIndex
	DeoptOutOfBounds
	DeoptNotANumber
	DeoptExplicitRequest
	DeoptForgotten
)

var deoptReasonNames = [...]string{
	DeoptNone:            "none",
	DeoptWrongShape:      "wrong-shape",
	DeoptWrongKey:        "wrong-key",
	DeoptNotAnArrayIndex: "not-an-array-index",
	DeoptOutOfBounds:     "out-of-bounds",
	DeoptNotANumber:      "not-a-number",
	DeoptExplicitRequest: "explicit-request",
	DeoptForgotten:       "forgotten",
}

func (r DeoptReason) String() string {
	if int(r) < len(deoptReasonNames) {
		return deoptReasonNames[r]
	}
	return "unknown"
}

// DeoptKind distinguishes how control left optimized code.
type DeoptKind uint8

const (
	// DeoptEager: a guard failed inside the running artifact.
	DeoptEager DeoptKind = iota
	// DeoptLazy: the artifact was invalidated during a call-out and the
	// frame noticed when the call returned.
	DeoptLazy
	// DeoptInvalidate: the artifact was invalidated with no frame to move,
	// e.g. an explicit request while the function was not running.
	DeoptInvalidate
)

func (k DeoptKind) String() string {
	switch k {
	case DeoptEager:
		return "eager"
	case DeoptLazy:
		return "lazy"
	}
	return "invalidate"
}

// ---------------------------------------------------------------------------
// Frame layouts and resume points
// ---------------------------------------------------------------------------

// LocationKind says where a baseline value lives in an optimized frame.
type LocationKind uint8

const (
	LocUndefined LocationKind = iota
	LocTagged                 // tagged register
	LocFloat                  // unboxed float register, re-boxed on deopt
	LocIndex                  // uint32 index register, re-boxed as a number
	LocConstant               // artifact constant, rematerialized on deopt
	LocArg                    // incoming argument
	LocReceiver               // incoming receiver
)

// Location names one value in an optimized frame.
type Location struct {
	Kind  LocationKind
	Index int
}

func TaggedAt(r int) Location   { return Location{Kind: LocTagged, Index: r} }
func FloatAt(r int) Location    { return Location{Kind: LocFloat, Index: r} }
func IndexAt(r int) Location    { return Location{Kind: LocIndex, Index: r} }
func ConstantAt(k int) Location { return Location{Kind: LocConstant, Index: k} }
func ArgAt(i int) Location      { return Location{Kind: LocArg, Index: i} }

var (
	ReceiverLocation  = Location{Kind: LocReceiver}
	UndefinedLocation = Location{Kind: LocUndefined}
)

func (l Location) String() string {
	switch l.Kind {
	case LocTagged:
		return fmt.Sprintf("t%d", l.Index)
	case LocFloat:
		return fmt.Sprintf("f%d", l.Index)
	case LocIndex:
		return fmt.Sprintf("i%d", l.Index)
	case LocConstant:
		return fmt.Sprintf("k%d", l.Index)
	case LocArg:
		return fmt.Sprintf("arg%d", l.Index)
	case LocReceiver:
		return "this"
	}
	return "undefined"
}

// FrameLayout maps every baseline frame slot to its optimized location.
type FrameLayout struct {
	Receiver Location
	Args     []Location
	Locals   []Location
	Stack    []Location
}

// ResumeIndex indexes an artifact's resume point arena.
type ResumeIndex int

// NoResume marks instructions without a resume point.
const NoResume ResumeIndex = -1

// ResumePoint is where baseline execution continues after a deopt, and
// how to rebuild the baseline frame there.
type ResumePoint struct {
	PC     int
	Lazy   bool
	Layout FrameLayout
}

// ---------------------------------------------------------------------------
// GuardedArtifact
// ---------------------------------------------------------------------------

// GuardedArtifact is one optimized compilation of a function. Its code is
// only entered while it is valid; invalidation is one-way.
type GuardedArtifact struct {
	ID       string
	Function *Function

	Code         []OInstr
	Constants    []Value
	Assumptions  []Assumption
	ResumePoints []ResumePoint
	resumeFor    []ResumeIndex // by AssumptionID

	NumTagged int
	NumFloat  int
	NumIndex  int

	FeedbackVersion uint64
	Fingerprint     [32]byte
	CreatedAt       time.Time

	reason atomic.Uint32 // DeoptNone while valid
}

func newArtifact(fn *Function) *GuardedArtifact {
	return &GuardedArtifact{
		ID:        uuid.NewString(),
		Function:  fn,
		CreatedAt: time.Now(),
	}
}

// Valid reports whether the artifact may still be entered.
func (a *GuardedArtifact) Valid() bool {
	return a.reason.Load() == uint32(DeoptNone)
}

// Invalidate marks the artifact invalid. Only the first call has an
// effect; it returns true for that call.
func (a *GuardedArtifact) Invalidate(reason DeoptReason) bool {
	if reason == DeoptNone {
		reason = DeoptExplicitRequest
	}
	return a.reason.CompareAndSwap(uint32(DeoptNone), uint32(reason))
}

// InvalidationReason returns why the artifact was invalidated, or DeoptNone.
func (a *GuardedArtifact) InvalidationReason() DeoptReason {
	return DeoptReason(a.reason.Load())
}

// ResumeFor returns the resume point index for a guarded assumption.
func (a *GuardedArtifact) ResumeFor(id AssumptionID) (ResumeIndex, bool) {
	if id < 0 || int(id) >= len(a.resumeFor) {
		return NoResume, false
	}
	idx := a.resumeFor[id]
	return idx, idx != NoResume
}

// ResumePoint returns the resume point at idx.
func (a *GuardedArtifact) ResumePoint(idx ResumeIndex) (ResumePoint, bool) {
	if idx < 0 || int(idx) >= len(a.ResumePoints) {
		return ResumePoint{}, false
	}
	return a.ResumePoints[idx], true
}

// FingerprintHex returns the guard-set fingerprint as hex.
func (a *GuardedArtifact) FingerprintHex() string {
	return hex.EncodeToString(a.Fingerprint[:])
}

func (a *GuardedArtifact) String() string {
	state := "valid"
	if !a.Valid() {
		state = "invalid(" + a.InvalidationReason().String() + ")"
	}
	return fmt.Sprintf("artifact %s for %s [%d guards, %s]", a.ID[:8], a.Function, len(a.Assumptions), state)
}
