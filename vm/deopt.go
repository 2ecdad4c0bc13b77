package vm

import (
	"sync"

	"github.com/tliron/commonlog"
)

// BaselineResumer continues a rebuilt frame in the baseline tier.
type BaselineResumer interface {
	Resume(fr *Frame) (Value, error)
}

// DeoptStats counts deoptimizations by kind and reason.
type DeoptStats struct {
	Eager    int
	Lazy     int
	ByReason map[DeoptReason]int
}

// DeoptimizationEngine turns an optimized activation back into a baseline
// frame. The artifact is invalidated and the function's status updated
// before the baseline frame runs, so re-entrant calls made while the
// frame finishes dispatch to the baseline.
type DeoptimizationEngine struct {
	tiers   *TierManager
	resumer BaselineResumer
	trace   *TraceRecorder
	log     commonlog.Logger

	mu    sync.Mutex
	stats DeoptStats
}

// NewDeoptimizationEngine creates an engine that hands rebuilt frames to
// resumer.
func NewDeoptimizationEngine(tiers *TierManager, resumer BaselineResumer, trace *TraceRecorder) *DeoptimizationEngine {
	return &DeoptimizationEngine{
		tiers:   tiers,
		resumer: resumer,
		trace:   trace,
		log:     commonlog.GetLogger("tiered.vm.deopt"),
		stats:   DeoptStats{ByReason: make(map[DeoptReason]int)},
	}
}

// Deoptimize handles a failed guard: it looks up the guard's resume
// point, rebuilds the baseline frame, and invalidates the artifact.
func (d *DeoptimizationEngine) Deoptimize(art *GuardedArtifact, failure GuardFailure, fr *OptimizedFrame) *Frame {
	idx, ok := art.ResumeFor(failure.Assumption)
	if !ok {
		invariant("deopt", "%s has no resume point for assumption %d", art, failure.Assumption)
	}
	rp, _ := art.ResumePoint(idx)
	if rp.Lazy {
		invariant("deopt", "assumption %d of %s resumes at a lazy point", failure.Assumption, art)
	}
	frame := d.translate(art, rp, fr)

	a := art.Assumptions[failure.Assumption]
	d.record(TraceEvent{
		Kind:       TraceDeopt,
		Function:   art.Function.Name,
		Reason:     failure.Reason.String(),
		DeoptKind:  DeoptEager.String(),
		PC:         rp.PC,
		Site:       a.Site,
		Assumption: a.Describe(d.tiers.compiler.heap),
		ArtifactID: art.ID,
	}, DeoptEager, failure.Reason)
	d.log.Infof("deoptimizing %s: %s at %04d", art.Function.Name, failure.Reason, rp.PC)

	d.tiers.invalidate(art, failure.Reason, DeoptEager)
	return frame
}

// DeoptimizeLazy handles an artifact found invalid after a call-out
// returned. The call-out's result is already in the frame, so the
// baseline resumes after the call.
func (d *DeoptimizationEngine) DeoptimizeLazy(art *GuardedArtifact, point ResumeIndex, fr *OptimizedFrame) *Frame {
	rp, ok := art.ResumePoint(point)
	if !ok {
		invariant("deopt", "%s has no resume point %d", art, point)
	}
	if !rp.Lazy {
		invariant("deopt", "resume point %d of %s is not lazy", point, art)
	}
	frame := d.translate(art, rp, fr)

	reason := art.InvalidationReason()
	d.record(TraceEvent{
		Kind:       TraceDeopt,
		Function:   art.Function.Name,
		Reason:     reason.String(),
		DeoptKind:  DeoptLazy.String(),
		PC:         rp.PC,
		Site:       NoSite,
		ArtifactID: art.ID,
	}, DeoptLazy, reason)
	d.log.Infof("lazily deoptimizing %s: %s, resuming at %04d", art.Function.Name, reason, rp.PC)

	d.tiers.invalidate(art, reason, DeoptLazy)
	return frame
}

// Bailout deoptimizes eagerly and finishes the call in the baseline.
func (d *DeoptimizationEngine) Bailout(art *GuardedArtifact, failure GuardFailure, fr *OptimizedFrame) (Value, error) {
	return d.resumer.Resume(d.Deoptimize(art, failure, fr))
}

// BailoutLazy deoptimizes lazily and finishes the call in the baseline.
func (d *DeoptimizationEngine) BailoutLazy(art *GuardedArtifact, point ResumeIndex, fr *OptimizedFrame) (Value, error) {
	return d.resumer.Resume(d.DeoptimizeLazy(art, point, fr))
}

// Stats returns a copy of the counters.
func (d *DeoptimizationEngine) Stats() DeoptStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := DeoptStats{Eager: d.stats.Eager, Lazy: d.stats.Lazy, ByReason: make(map[DeoptReason]int, len(d.stats.ByReason))}
	for r, n := range d.stats.ByReason {
		out.ByReason[r] = n
	}
	return out
}

func (d *DeoptimizationEngine) record(ev TraceEvent, kind DeoptKind, reason DeoptReason) {
	d.mu.Lock()
	if kind == DeoptEager {
		d.stats.Eager++
	} else {
		d.stats.Lazy++
	}
	d.stats.ByReason[reason]++
	d.mu.Unlock()
	d.trace.Record(ev)
}

// translate rebuilds the baseline frame described by rp.
func (d *DeoptimizationEngine) translate(art *GuardedArtifact, rp ResumePoint, fr *OptimizedFrame) *Frame {
	fn := art.Function
	if rp.PC < 0 || rp.PC >= len(fn.Code) {
		invariant("deopt", "resume pc %d outside %s", rp.PC, fn)
	}
	if len(rp.Layout.Locals) != fn.NumLocals {
		invariant("deopt", "layout has %d locals, %s has %d", len(rp.Layout.Locals), fn, fn.NumLocals)
	}

	frame := &Frame{
		Function: fn,
		Receiver: d.materialize(art, rp.Layout.Receiver, fr),
		Args:     make([]Value, len(rp.Layout.Args)),
		Locals:   make([]Value, len(rp.Layout.Locals)),
		Stack:    make([]Value, len(rp.Layout.Stack), len(rp.Layout.Stack)+8),
		PC:       rp.PC,
	}
	for i, loc := range rp.Layout.Args {
		frame.Args[i] = d.materialize(art, loc, fr)
	}
	for i, loc := range rp.Layout.Locals {
		frame.Locals[i] = d.materialize(art, loc, fr)
	}
	for i, loc := range rp.Layout.Stack {
		frame.Stack[i] = d.materialize(art, loc, fr)
	}
	return frame
}

func (d *DeoptimizationEngine) materialize(art *GuardedArtifact, loc Location, fr *OptimizedFrame) Value {
	switch loc.Kind {
	case LocUndefined:
		return Undefined
	case LocTagged:
		if loc.Index < 0 || loc.Index >= len(fr.Tagged) {
			break
		}
		return fr.Tagged[loc.Index]
	case LocFloat:
		if loc.Index < 0 || loc.Index >= len(fr.Floats) {
			break
		}
		return FromFloat(fr.Floats[loc.Index])
	case LocIndex:
		if loc.Index < 0 || loc.Index >= len(fr.Indices) {
			break
		}
		return FromFloat(float64(fr.Indices[loc.Index]))
	case LocConstant:
		if loc.Index < 0 || loc.Index >= len(art.Constants) {
			break
		}
		return art.Constants[loc.Index]
	case LocArg:
		if loc.Index < 0 || loc.Index >= len(fr.Args) {
			break
		}
		return fr.Args[loc.Index]
	case LocReceiver:
		return fr.Receiver
	}
	invariant("deopt", "location %s does not exist in %s", loc, art)
	return Undefined
}
