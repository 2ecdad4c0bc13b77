package vm

import (
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

// TraceKind classifies tier events.
type TraceKind string

const (
	TraceStatus      TraceKind = "status"      // FunctionStatus transition
	TraceCompile     TraceKind = "compile"     // artifact installed
	TraceBailout     TraceKind = "bailout"     // compiler declined
	TraceDeopt       TraceKind = "deopt"       // artifact invalidated
	TraceFeedback    TraceKind = "feedback"    // feedback vector allocated
	TraceMegamorphic TraceKind = "megamorphic" // a site saturated
)

// TraceEvent is one entry of the tier trace.
type TraceEvent struct {
	Seq        uint64
	Time       time.Time
	Kind       TraceKind
	Function   string
	From       FunctionStatus
	To         FunctionStatus
	Reason     string
	DeoptKind  string
	PC         int
	Site       SiteID
	Assumption string
	ArtifactID string
	Detail     string
}

func (e TraceEvent) String() string {
	switch e.Kind {
	case TraceStatus:
		return fmt.Sprintf("%s %s: %s -> %s (%s)", e.Kind, e.Function, e.From, e.To, e.Reason)
	case TraceDeopt:
		if e.Assumption != "" {
			return fmt.Sprintf("%s %s: %s %s at %04d [%s]", e.Kind, e.Function, e.DeoptKind, e.Reason, e.PC, e.Assumption)
		}
		return fmt.Sprintf("%s %s: %s %s", e.Kind, e.Function, e.DeoptKind, e.Reason)
	case TraceMegamorphic:
		return fmt.Sprintf("%s %s: site %d", e.Kind, e.Function, e.Site)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %s", e.Kind, e.Function, e.Detail)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Function)
}

// TraceSink receives every recorded event, e.g. a persistent store.
type TraceSink interface {
	RecordEvent(ev TraceEvent) error
}

// DefaultTraceCapacity is the number of events kept in memory.
const DefaultTraceCapacity = 1024

// TraceRecorder keeps the most recent events in a ring and forwards every
// event to its sinks. Sink errors are logged and counted, never returned.
type TraceRecorder struct {
	mu         sync.Mutex
	seq        uint64
	events     []TraceEvent
	capacity   int
	sinks      []TraceSink
	sinkErrors int
	log        commonlog.Logger
}

// NewTraceRecorder creates a recorder keeping up to capacity events.
func NewTraceRecorder(capacity int) *TraceRecorder {
	if capacity <= 0 {
		capacity = DefaultTraceCapacity
	}
	return &TraceRecorder{
		capacity: capacity,
		log:      commonlog.GetLogger("tiered.vm.trace"),
	}
}

// AddSink registers a sink.
func (t *TraceRecorder) AddSink(s TraceSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, s)
}

// Record stamps ev with a sequence number and stores it.
func (t *TraceRecorder) Record(ev TraceEvent) {
	t.mu.Lock()
	t.seq++
	ev.Seq = t.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if len(t.events) >= t.capacity {
		copy(t.events, t.events[1:])
		t.events = t.events[:len(t.events)-1]
	}
	t.events = append(t.events, ev)
	sinks := t.sinks
	t.mu.Unlock()

	for _, s := range sinks {
		if err := s.RecordEvent(ev); err != nil {
			t.mu.Lock()
			t.sinkErrors++
			t.mu.Unlock()
			t.log.Warningf("trace sink: %s", err.Error())
		}
	}
}

// Events returns a copy of the buffered events, oldest first.
func (t *TraceRecorder) Events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}

// EventsFor returns the buffered events of one function.
func (t *TraceRecorder) EventsFor(fn string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range t.Events() {
		if ev.Function == fn {
			out = append(out, ev)
		}
	}
	return out
}

// SinkErrors returns how many sink writes failed.
func (t *TraceRecorder) SinkErrors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sinkErrors
}

// Clear drops buffered events. Sequence numbers keep increasing.
func (t *TraceRecorder) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}
