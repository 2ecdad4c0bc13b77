package vm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

// FunctionStatus is the tier a function currently dispatches to.
type FunctionStatus uint8

const (
	StatusUnoptimized FunctionStatus = iota
	StatusOptimizing
	StatusOptimized
	StatusDeoptimized
)

func (s FunctionStatus) String() string {
	switch s {
	case StatusUnoptimized:
		return "unoptimized"
	case StatusOptimizing:
		return "optimizing"
	case StatusOptimized:
		return "optimized"
	case StatusDeoptimized:
		return "deoptimized"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseFunctionStatus is the inverse of FunctionStatus.String.
func ParseFunctionStatus(s string) (FunctionStatus, error) {
	for st := StatusUnoptimized; st <= StatusDeoptimized; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown function status %q", s)
}

// FunctionState is the tiering bookkeeping of one function. The dispatch
// slot is read without the lock; everything else is guarded by mu.
type FunctionState struct {
	fn   *Function
	slot atomic.Pointer[GuardedArtifact]

	mu          sync.Mutex
	status      FunctionStatus
	stale       *GuardedArtifact
	feedback    *FeedbackRecord
	invocations int
	armed       bool
	prepared    bool
	disabled    bool
	generation  uint64

	compiles    int
	deopts      int
	bailouts    int
	lastDeopt   DeoptReason
	lastBailout error
}

// FunctionStats is a snapshot of one function's tiering history.
type FunctionStats struct {
	Function    string
	Status      FunctionStatus
	Invocations int
	Compiles    int
	Deopts      int
	Bailouts    int
	LastDeopt   DeoptReason
	LastBailout string
	Prepared    bool
	Armed       bool
	Disabled    bool
}

// TierStats summarizes the manager.
type TierStats struct {
	Functions []FunctionStats
	Compiled  uint64
	Bailouts  uint64
	Deopts    uint64
}

type compileJob struct {
	st         *FunctionState
	snapshot   *FeedbackSnapshot
	generation uint64
}

// TierManager owns the per-function state table and decides when a
// function moves between tiers. Functions enter the table on first
// dispatch or control command and leave it through Forget.
type TierManager struct {
	config   Config
	compiler *SpeculativeCompiler
	trace    *TraceRecorder
	log      commonlog.Logger

	mu     sync.RWMutex
	states map[*Function]*FunctionState

	deopts atomic.Uint64

	// background compilation
	pending  chan compileJob
	done     chan struct{}
	inflight sync.WaitGroup
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewTierManager creates a manager. With config.Concurrent set, a worker
// goroutine compiles threshold-triggered functions; call Stop to end it.
func NewTierManager(config Config, compiler *SpeculativeCompiler, trace *TraceRecorder) *TierManager {
	if trace == nil {
		trace = NewTraceRecorder(config.TraceCapacity)
	}
	m := &TierManager{
		config:   config,
		compiler: compiler,
		trace:    trace,
		log:      commonlog.GetLogger("tiered.vm.tier"),
		states:   make(map[*Function]*FunctionState),
	}
	if config.Concurrent {
		m.pending = make(chan compileJob, 64)
		m.done = make(chan struct{})
		go m.compilationWorker()
	}
	return m
}

func (m *TierManager) lookup(fn *Function) *FunctionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[fn]
}

func (m *TierManager) state(fn *Function) *FunctionState {
	if st := m.lookup(fn); st != nil {
		return st
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[fn]; ok {
		return st
	}
	st := &FunctionState{fn: fn}
	m.states[fn] = st
	return st
}

// setStatus records a transition. Caller holds st.mu.
func (m *TierManager) setStatus(st *FunctionState, to FunctionStatus, reason string) {
	from := st.status
	if from == to {
		return
	}
	st.status = to
	st.invocations = 0
	m.trace.Record(TraceEvent{
		Kind:     TraceStatus,
		Function: st.fn.Name,
		From:     from,
		To:       to,
		Reason:   reason,
	})
}

// allocateFeedback creates the feedback vector. Caller holds st.mu.
func (m *TierManager) allocateFeedback(st *FunctionState) *FeedbackRecord {
	if st.feedback == nil {
		st.feedback = NewFeedbackRecord(st.fn, m.config.MaxPolymorphism)
		m.trace.Record(TraceEvent{Kind: TraceFeedback, Function: st.fn.Name, Detail: fmt.Sprintf("%d sites", len(st.fn.Sites))})
	}
	return st.feedback
}

// Enter is the call-dispatch hook. It returns the artifact to run, or nil
// and the feedback vector the baseline should record into.
func (m *TierManager) Enter(fn *Function) (*GuardedArtifact, *FeedbackRecord) {
	st := m.state(fn)
	if art := st.slot.Load(); art != nil {
		if art.Valid() {
			return art, nil
		}
		m.invalidate(art, art.InvalidationReason(), DeoptInvalidate)
	}

	st.mu.Lock()
	st.invocations++
	if st.feedback == nil && st.invocations > m.config.FeedbackAllocationThreshold {
		m.allocateFeedback(st)
	}
	fb := st.feedback

	if st.status == StatusOptimizing {
		st.mu.Unlock()
		return nil, fb
	}
	explicit := st.armed
	threshold := m.config.InvocationThreshold > 0 && !st.disabled &&
		st.invocations >= m.config.InvocationThreshold
	if !explicit && !threshold {
		st.mu.Unlock()
		return nil, fb
	}

	st.armed = false
	snapshot := EmptySnapshot(fn)
	if fb != nil {
		snapshot = fb.Snapshot()
	}
	reason := "threshold"
	if explicit {
		reason = "requested"
	}
	m.setStatus(st, StatusOptimizing, reason)
	st.generation++
	job := compileJob{st: st, snapshot: snapshot, generation: st.generation}

	if m.pending != nil && !explicit && !m.stopped.Load() {
		st.mu.Unlock()
		m.inflight.Add(1)
		select {
		case m.pending <- job:
		default:
			m.inflight.Done()
			m.finish(job, nil, errors.New("compilation queue full"))
		}
		return nil, fb
	}
	st.mu.Unlock()

	art, err := m.compiler.Compile(fn, snapshot)
	if installed := m.finish(job, art, err); installed != nil {
		return installed, nil
	}
	return nil, fb
}

// finish installs a compiled artifact, or records the bailout. It returns
// the installed artifact, if any.
func (m *TierManager) finish(job compileJob, art *GuardedArtifact, err error) *GuardedArtifact {
	st := job.st
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.generation != job.generation || st.status != StatusOptimizing {
		m.log.Debugf("discarding stale compilation of %s", st.fn.Name)
		return nil
	}
	// An arm request made while this compilation was queued is answered
	// by it, whether it installs or bails out.
	st.armed = false
	if err != nil {
		st.bailouts++
		st.lastBailout = err
		m.trace.Record(TraceEvent{Kind: TraceBailout, Function: st.fn.Name, Detail: err.Error()})
		m.log.Infof("not optimizing %s: %s", st.fn.Name, err.Error())
		m.setStatus(st, StatusUnoptimized, "bailout")
		return nil
	}

	st.compiles++
	st.slot.Store(art)
	m.trace.Record(TraceEvent{
		Kind:       TraceCompile,
		Function:   st.fn.Name,
		ArtifactID: art.ID,
		Detail:     fmt.Sprintf("%d guards, %d ops", len(art.Assumptions), len(art.Code)),
	})
	m.log.Infof("optimized %s (%d guards)", st.fn.Name, len(art.Assumptions))
	m.setStatus(st, StatusOptimized, "installed")
	return art
}

func (m *TierManager) compilationWorker() {
	for {
		select {
		case job := <-m.pending:
			art, err := m.compiler.Compile(job.st.fn, job.snapshot)
			m.finish(job, art, err)
			m.inflight.Done()
		case <-m.done:
			return
		}
	}
}

// WaitIdle blocks until every queued compilation has been installed or
// discarded.
func (m *TierManager) WaitIdle() {
	m.inflight.Wait()
}

// Stop ends the background worker. Queued jobs are drained first.
func (m *TierManager) Stop() {
	if m.done == nil {
		return
	}
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		m.inflight.Wait()
		close(m.done)
	})
}

// Feedback returns fn's feedback vector, or nil if none was allocated.
func (m *TierManager) Feedback(fn *Function) *FeedbackRecord {
	st := m.lookup(fn)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.feedback
}

func (m *TierManager) noteMegamorphic(fn *Function, site SiteID) {
	m.log.Debugf("%s: site %d is megamorphic", fn.Name, site)
	m.trace.Record(TraceEvent{Kind: TraceMegamorphic, Function: fn.Name, Site: site})
}

// invalidate marks art invalid and, if it is still installed, empties the
// dispatch slot and moves the function to deoptimized. Both happen before
// it returns, so no later call can enter art. It reports whether this call
// invalidated the artifact.
func (m *TierManager) invalidate(art *GuardedArtifact, reason DeoptReason, kind DeoptKind) bool {
	first := art.Invalidate(reason)
	reason = art.InvalidationReason()

	st := m.lookup(art.Function)
	if st == nil {
		return first
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.slot.CompareAndSwap(art, nil) {
		return first
	}
	st.stale = art
	st.deopts++
	st.lastDeopt = reason
	m.deopts.Add(1)
	if m.config.MaxDeopts > 0 && st.deopts >= m.config.MaxDeopts && !st.disabled {
		st.disabled = true
		m.log.Infof("%s deoptimized %d times, automatic tiering disabled", st.fn.Name, st.deopts)
	}
	m.setStatus(st, StatusDeoptimized, kind.String()+" "+reason.String())
	return first
}

// Prepare allocates fn's feedback vector and marks it eligible for
// OptimizeOnNextCall. Existing feedback is kept. Idempotent.
func (m *TierManager) Prepare(fn *Function) error {
	if fn.IsNative() {
		return fmt.Errorf("prepare %s: %w", fn.Name, ErrNativeFunction)
	}
	st := m.state(fn)
	st.mu.Lock()
	defer st.mu.Unlock()
	m.allocateFeedback(st)
	st.prepared = true
	return nil
}

// OptimizeOnNextCall arms compilation for fn's next invocation. It has no
// effect on a function that is already optimized. A request made while a
// background compilation is queued is consumed when that compilation
// finishes.
func (m *TierManager) OptimizeOnNextCall(fn *Function) error {
	if fn.IsNative() {
		return fmt.Errorf("optimize %s: %w", fn.Name, ErrNativeFunction)
	}
	st := m.state(fn)
	st.mu.Lock()
	defer st.mu.Unlock()
	if m.config.RequirePrepare && !st.prepared {
		return fmt.Errorf("optimize %s: %w", fn.Name, ErrNotPrepared)
	}
	if st.status == StatusOptimized {
		return nil
	}
	st.armed = true
	return nil
}

// DeoptimizeFunction invalidates fn's installed artifact, if any. Running
// activations of the artifact notice at their next validity check. It
// reports whether an artifact was invalidated.
func (m *TierManager) DeoptimizeFunction(fn *Function) bool {
	st := m.lookup(fn)
	if st == nil {
		return false
	}
	st.mu.Lock()
	st.armed = false
	if st.status == StatusOptimizing {
		// A queued compilation is abandoned.
		st.generation++
		m.setStatus(st, StatusUnoptimized, "cancelled")
	}
	st.mu.Unlock()

	art := st.slot.Load()
	if art == nil {
		return false
	}
	if art.Valid() {
		m.trace.Record(TraceEvent{
			Kind:       TraceDeopt,
			Function:   fn.Name,
			Reason:     DeoptExplicitRequest.String(),
			DeoptKind:  DeoptInvalidate.String(),
			ArtifactID: art.ID,
			PC:         -1,
		})
	}
	return m.invalidate(art, DeoptExplicitRequest, DeoptInvalidate)
}

// Status returns fn's current status.
func (m *TierManager) Status(fn *Function) FunctionStatus {
	st := m.lookup(fn)
	if st == nil {
		return StatusUnoptimized
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

// Artifact returns the installed artifact, or nil.
func (m *TierManager) Artifact(fn *Function) *GuardedArtifact {
	st := m.lookup(fn)
	if st == nil {
		return nil
	}
	return st.slot.Load()
}

// StaleArtifact returns the most recently invalidated artifact, kept for
// diagnostics only.
func (m *TierManager) StaleArtifact(fn *Function) *GuardedArtifact {
	st := m.lookup(fn)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stale
}

// Forget drops fn's state. An installed artifact is invalidated first.
func (m *TierManager) Forget(fn *Function) {
	st := m.lookup(fn)
	if st == nil {
		return
	}
	if art := st.slot.Load(); art != nil {
		m.invalidate(art, DeoptForgotten, DeoptInvalidate)
	}
	st.mu.Lock()
	st.generation++
	st.mu.Unlock()

	m.mu.Lock()
	delete(m.states, fn)
	m.mu.Unlock()
}

// Stats returns a snapshot of every tracked function.
func (m *TierManager) Stats() TierStats {
	m.mu.RLock()
	states := make([]*FunctionState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.RUnlock()

	var out TierStats
	for _, st := range states {
		st.mu.Lock()
		fs := FunctionStats{
			Function:    st.fn.Name,
			Status:      st.status,
			Invocations: st.invocations,
			Compiles:    st.compiles,
			Deopts:      st.deopts,
			Bailouts:    st.bailouts,
			LastDeopt:   st.lastDeopt,
			Prepared:    st.prepared,
			Armed:       st.armed,
			Disabled:    st.disabled,
		}
		if st.lastBailout != nil {
			fs.LastBailout = st.lastBailout.Error()
		}
		st.mu.Unlock()
		out.Functions = append(out.Functions, fs)
	}
	sort.Slice(out.Functions, func(i, j int) bool {
		return out.Functions[i].Function < out.Functions[j].Function
	})
	out.Compiled, out.Bailouts = m.compiler.Counts()
	out.Deopts = m.deopts.Load()
	return out
}
