package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/tiered/vm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")

	s1, err := Open(path)
	require.NoError(t, err)
	id, err := s1.BeginRun(context.Background(), "first")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	runs, err := s2.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, "first", runs[0].Label)
	assert.Empty(t, s2.CurrentRun(), "a reopened store starts without a current run")
}

func TestRecordEvent_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, err := s.BeginRun(ctx, "roundtrip")
	require.NoError(t, err)

	at := time.Unix(1700000000, 42)
	events := []vm.TraceEvent{
		{Seq: 1, Time: at, Kind: vm.TraceStatus, Function: "f",
			From: vm.StatusUnoptimized, To: vm.StatusOptimizing, Reason: "explicit"},
		{Seq: 2, Time: at, Kind: vm.TraceCompile, Function: "f", ArtifactID: "art-1", Detail: "2 guards"},
		{Seq: 3, Time: at, Kind: vm.TraceDeopt, Function: "f", Reason: "not-a-number",
			DeoptKind: "eager", PC: 7, Site: 1, Assumption: "numeric(arg 0)", ArtifactID: "art-1"},
	}
	for _, ev := range events {
		require.NoError(t, s.RecordEvent(ev))
	}

	got, err := s.Events(ctx, run)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range events {
		assert.True(t, got[i].Time.Equal(events[i].Time), "event %d time", i)
		got[i].Time = events[i].Time
		assert.Equal(t, events[i], got[i])
	}
}

func TestRecordEvent_StartsRunOnDemand(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordEvent(vm.TraceEvent{Seq: 1, Kind: vm.TraceFeedback, Function: "g", Site: vm.NoSite}))
	run := s.CurrentRun()
	require.NotEmpty(t, run)

	got, err := s.Events(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, vm.NoSite, got[0].Site)
	assert.False(t, got[0].Time.IsZero())
}

func TestRecordEvent_DuplicateSeqFails(t *testing.T) {
	s := openTestStore(t)
	ev := vm.TraceEvent{Seq: 1, Kind: vm.TraceFeedback, Function: "g"}
	require.NoError(t, s.RecordEvent(ev))
	assert.Error(t, s.RecordEvent(ev))
}

func TestEvents_UnknownRun(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Events(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoRun)
}

func TestRuns_CountsEventsPerRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.BeginRun(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, s.RecordEvent(vm.TraceEvent{Seq: 1, Kind: vm.TraceFeedback, Function: "f"}))
	require.NoError(t, s.RecordEvent(vm.TraceEvent{Seq: 2, Kind: vm.TraceFeedback, Function: "g"}))

	second, err := s.BeginRun(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, s.RecordEvent(vm.TraceEvent{Seq: 1, Kind: vm.TraceFeedback, Function: "f"}))

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]Run{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	assert.Equal(t, 2, byID[first].Events)
	assert.Equal(t, 1, byID[second].Events)
}

// TestStoreAsTraceSink drives a VM through a deopt with the store attached
// and checks that the persisted trace matches the in-memory one.
func TestStoreAsTraceSink(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, err := s.BeginRun(ctx, "sink")
	require.NoError(t, err)

	c := vm.DefaultConfig()
	c.InvocationThreshold = 0
	machine := vm.New(vm.WithConfig(c), vm.WithTraceSink(s))
	defer machine.Close()
	reg := machine.Registry()

	add := vm.NewFunctionBuilder(reg, "add", 2).
		LoadArg(0).LoadArg(1).Site(vm.OpAdd).Return().MustBuild()
	machine.Define(add)

	require.NoError(t, machine.PrepareForOptimization(add))
	_, err = machine.Call("add", vm.FromInt(1), vm.FromInt(2))
	require.NoError(t, err)
	require.NoError(t, machine.OptimizeOnNextCall(add))
	_, err = machine.Call("add", vm.FromInt(1), vm.FromInt(2))
	require.NoError(t, err)
	require.NoError(t, machine.AssertOptimized(add))

	result, err := machine.Call("add", reg.NewString("a"), vm.FromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "a1", reg.GoString(result))
	require.NoError(t, machine.AssertUnoptimized(add))

	require.NoError(t, s.SaveSnapshot(ctx, reg, machine.Feedback(add)))

	stored, err := s.Events(ctx, run)
	require.NoError(t, err)
	memory := machine.Trace().Events()
	require.Len(t, stored, len(memory))
	for i := range memory {
		assert.Equal(t, memory[i].Seq, stored[i].Seq)
		assert.Equal(t, memory[i].Kind, stored[i].Kind)
		assert.Equal(t, memory[i].String(), stored[i].String())
	}
	assert.Zero(t, machine.Trace().SinkErrors())

	counts, err := s.DeoptCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []DeoptCount{{Function: "add", Reason: "not-a-number", Count: 1}}, counts)

	snap, err := s.LatestSnapshot(ctx, run, "add")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "add", snap.Function)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, [2]bool{true, false}, snap.Entries[0].SawNonNumber)
}

func TestLatestSnapshot_Missing(t *testing.T) {
	s := openTestStore(t)
	run, err := s.BeginRun(context.Background(), "")
	require.NoError(t, err)
	snap, err := s.LatestSnapshot(context.Background(), run, "nothing")
	assert.NoError(t, err)
	assert.Nil(t, snap)
}
