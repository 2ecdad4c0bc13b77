package vm

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical encoding so equal inputs always produce equal
// bytes, which the guard-set fingerprint depends on.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Feedback snapshots
// ---------------------------------------------------------------------------

// WireClass is the portable form of a ShapeClass.
type WireClass struct {
	Kind  uint8  `cbor:"1,keyasint"`
	Shape uint32 `cbor:"2,keyasint,omitempty"`
}

// WireFeedbackEntry is the portable form of a FeedbackEntry. Keys are
// rendered as text since string IDs are local to one VM.
type WireFeedbackEntry struct {
	Site           int         `cbor:"1,keyasint"`
	SiteKind       string      `cbor:"2,keyasint"`
	PC             int         `cbor:"3,keyasint"`
	State          string      `cbor:"4,keyasint"`
	Classes        []WireClass `cbor:"5,keyasint,omitempty"`
	KeyState       string      `cbor:"6,keyasint"`
	Key            string      `cbor:"7,keyasint,omitempty"`
	SawNonIndex    bool        `cbor:"8,keyasint,omitempty"`
	SawOutOfBounds bool        `cbor:"9,keyasint,omitempty"`
	SawNonNumber   [2]bool     `cbor:"10,keyasint"`
	Samples        uint64      `cbor:"11,keyasint"`
}

// WireFeedbackSnapshot is the portable form of a FeedbackSnapshot.
type WireFeedbackSnapshot struct {
	Function string              `cbor:"1,keyasint"`
	Version  uint64              `cbor:"2,keyasint"`
	Entries  []WireFeedbackEntry `cbor:"3,keyasint"`
}

// ToWire converts s into its portable form.
func (s *FeedbackSnapshot) ToWire(heap *ObjectRegistry) *WireFeedbackSnapshot {
	w := &WireFeedbackSnapshot{Function: s.Function.String(), Version: s.Version}
	for _, e := range s.Entries {
		we := WireFeedbackEntry{
			Site:           int(e.Site.ID),
			SiteKind:       e.Site.Kind.String(),
			PC:             e.Site.PC,
			State:          e.State.String(),
			KeyState:       e.KeyState.String(),
			SawNonIndex:    e.SawNonIndex,
			SawOutOfBounds: e.SawOutOfBounds,
			SawNonNumber:   e.SawNonNumber,
			Samples:        e.Samples,
		}
		for _, c := range e.ClassList() {
			we.Classes = append(we.Classes, WireClass{Kind: uint8(c.Kind), Shape: uint32(c.Shape)})
		}
		if e.KeyState == KeySingle {
			we.Key = debugString(heap, e.Key)
		}
		w.Entries = append(w.Entries, we)
	}
	return w
}

// MarshalFeedbackSnapshot serializes a snapshot to CBOR bytes.
func MarshalFeedbackSnapshot(heap *ObjectRegistry, s *FeedbackSnapshot) ([]byte, error) {
	return cborEncMode.Marshal(s.ToWire(heap))
}

// UnmarshalFeedbackSnapshot deserializes a snapshot from CBOR bytes.
func UnmarshalFeedbackSnapshot(data []byte) (*WireFeedbackSnapshot, error) {
	var w WireFeedbackSnapshot
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("vm: unmarshal feedback snapshot: %w", err)
	}
	return &w, nil
}

// ---------------------------------------------------------------------------
// Guard-set fingerprints
// ---------------------------------------------------------------------------

type wireAssumption struct {
	Kind     uint8     `cbor:"1,keyasint"`
	Site     int       `cbor:"2,keyasint"`
	Operand  int       `cbor:"3,keyasint"`
	Class    WireClass `cbor:"4,keyasint"`
	Key      string    `cbor:"5,keyasint,omitempty"`
	InBounds bool      `cbor:"6,keyasint,omitempty"`
}

type wireGuardSet struct {
	Function    string           `cbor:"1,keyasint"`
	Assumptions []wireAssumption `cbor:"2,keyasint"`
}

// GuardSetFingerprint hashes the function name and ordered assumption
// list. Artifacts compiled from equivalent feedback share a fingerprint.
func GuardSetFingerprint(heap *ObjectRegistry, fn *Function, assumptions []Assumption) ([32]byte, error) {
	set := wireGuardSet{Function: fn.String()}
	for _, a := range assumptions {
		wa := wireAssumption{
			Kind:     uint8(a.Kind),
			Site:     int(a.Site),
			Operand:  a.Operand,
			Class:    WireClass{Kind: uint8(a.Class.Kind), Shape: uint32(a.Class.Shape)},
			InBounds: a.InBounds,
		}
		if a.Kind == AssumeConstantKey {
			wa.Key = debugString(heap, a.Key)
		}
		set.Assumptions = append(set.Assumptions, wa)
	}
	data, err := cborEncMode.Marshal(&set)
	if err != nil {
		return [32]byte{}, fmt.Errorf("vm: marshal guard set: %w", err)
	}
	return sha256.Sum256(data), nil
}
