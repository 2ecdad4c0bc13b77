package vm

import (
	"errors"
	"strings"
	"testing"
)

type recordingSink struct {
	events []TraceEvent
	fail   bool
}

func (s *recordingSink) RecordEvent(ev TraceEvent) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.events = append(s.events, ev)
	return nil
}

func TestTraceRecorderRing(t *testing.T) {
	tr := NewTraceRecorder(3)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		tr.Record(TraceEvent{Kind: TraceFeedback, Function: name})
	}
	events := tr.Events()
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	if events[0].Function != "c" || events[2].Function != "e" {
		t.Errorf("ring kept %s..%s, want c..e", events[0].Function, events[2].Function)
	}
	if events[0].Seq != 3 || events[2].Seq != 5 || events[0].Time.IsZero() {
		t.Errorf("events not stamped: %+v", events)
	}
	if got := tr.EventsFor("d"); len(got) != 1 {
		t.Errorf("EventsFor(d) = %v", got)
	}

	tr.Clear()
	tr.Record(TraceEvent{Kind: TraceFeedback, Function: "f"})
	if events := tr.Events(); len(events) != 1 || events[0].Seq != 6 {
		t.Errorf("after Clear = %+v", events)
	}
}

func TestTraceSinks(t *testing.T) {
	tr := NewTraceRecorder(0)
	good := &recordingSink{}
	bad := &recordingSink{fail: true}
	tr.AddSink(good)
	tr.AddSink(bad)

	tr.Record(TraceEvent{Kind: TraceBailout, Function: "f", Detail: "too-large"})
	tr.Record(TraceEvent{Kind: TraceCompile, Function: "f"})

	if len(good.events) != 2 {
		t.Errorf("sink received %d events, want 2", len(good.events))
	}
	if tr.SinkErrors() != 2 {
		t.Errorf("SinkErrors() = %d, want 2", tr.SinkErrors())
	}
}

func TestTraceEventString(t *testing.T) {
	tests := []struct {
		ev   TraceEvent
		want string
	}{
		{TraceEvent{Kind: TraceStatus, Function: "f", From: StatusOptimized, To: StatusDeoptimized, Reason: "eager"},
			"status f: optimized -> deoptimized (eager)"},
		{TraceEvent{Kind: TraceMegamorphic, Function: "f", Site: 2}, "megamorphic f: site 2"},
		{TraceEvent{Kind: TraceCompile, Function: "f"}, "compile f"},
	}
	for _, tt := range tests {
		if got := tt.ev.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestVMTracesTransitions(t *testing.T) {
	sink := &recordingSink{}
	vm := newTestVM(t, WithConfig(manualConfig()), WithTraceSink(sink))
	fn := define(t, vm, NewFunctionBuilder(vm.Registry(), "mysqrt", 1).LoadArg(0).Site(OpMathSqrt).Return())

	mustNoError(t, vm.PrepareForOptimization(fn))
	call(t, vm, fn, FromInt(4))
	mustNoError(t, vm.OptimizeOnNextCall(fn))
	call(t, vm, fn, FromInt(4))
	call(t, vm, fn, str(vm, "16"))

	var kinds []string
	for _, ev := range sink.events {
		kinds = append(kinds, string(ev.Kind))
	}
	want := "feedback status compile status deopt status"
	if got := strings.Join(kinds, " "); got != want {
		t.Errorf("trace = %q, want %q", got, want)
	}
}
