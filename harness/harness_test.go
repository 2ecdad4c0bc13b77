package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/chazu/tiered/vm"
)

func TestBundledScenarios(t *testing.T) {
	scenarios, err := LoadDir("../scenarios")
	require.NoError(t, err)
	require.Len(t, scenarios, 4)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			require.NoError(t, RunWithGolden(t, s))
		})
	}
}

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestParseScenario_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown field", "name: x\nprogram: p\nsteps: [{call: f}]\nstep: []\n", "field step not found"},
		{"unknown step field", "name: x\nprogram: p\nsteps: [{call: f, args: [1], expekt: 1}]\n", "field expekt not found"},
		{"missing name", "program: p\nsteps: [{call: f}]\n", "name is required"},
		{"missing program", "name: x\nsteps: [{call: f}]\n", "program is required"},
		{"no steps", "name: x\nprogram: p\n", "steps list is required"},
		{"two actions", "name: x\nprogram: p\nsteps: [{call: f, prepare: f}]\n", "exactly one action"},
		{"no action", "name: x\nprogram: p\nsteps: [{expect: 1}]\n", "exactly one action"},
		{"expect on prepare", "name: x\nprogram: p\nsteps: [{prepare: f, expect: 1}]\n", "only valid on call and eval"},
		{"args on prepare", "name: x\nprogram: p\nsteps: [{prepare: f, args: [1]}]\n", "only valid on call"},
		{"bad status", "name: x\nprogram: p\nsteps: [{assert_status: {function: f, status: fast}}]\n", "unknown function status"},
		{"globals list", "name: x\nprogram: p\nglobals: [1]\nsteps: [{call: f}]\n", "globals must be a mapping"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tc.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseScenario_ValueFields(t *testing.T) {
	s := mustParse(t, `
name: values
program: p
globals:
  a: 1
  b: null
steps:
  - call: f
    args: [1, "two", null, !undefined, true, {x: 1}]
    expect: null
  - call: f
    expect: 0
  - call: f
`)
	require.Len(t, s.Steps, 3)
	assert.Equal(t, yaml.MappingNode, s.Globals.Kind)

	args := s.Steps[0].Args
	require.Len(t, args, 6)
	tags := make([]string, len(args))
	for i := range args {
		tags[i] = args[i].ShortTag()
	}
	assert.Equal(t, []string{"!!int", "!!str", "!!null", "!undefined", "!!bool", "!!map"}, tags)

	assert.True(t, s.Steps[0].HasExpect())
	assert.Equal(t, "!!null", s.Steps[0].Expect.ShortTag())
	assert.True(t, s.Steps[1].HasExpect())
	assert.False(t, s.Steps[2].HasExpect())
}

func TestRun_NullValues(t *testing.T) {
	const program = `
program: |
  func second(a, b)
      load_arg b
      return
  end
`
	s := mustParse(t, "name: nulls"+program+`steps:
  - call: second
    args: [1, null]
    expect: null
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "call second(1, null) = null [unoptimized]", result.Log[1])

	s = mustParse(t, "name: not_null"+program+`steps:
  - call: second
    args: [1, 2]
    expect: null
`)
	result, err = Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, "step 1: got 2, want null")
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	s := mustParse(t, `
name: failing
program: |
  func two()
      push 2
      return
  end
steps:
  - call: two
    expect: 3
  - call: two
    expect_nan: true
  - assert_status: {function: two, status: optimized}
  - call: two
    expect: 2
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "got 2, want 3")
	assert.Contains(t, result.Errors[1], "want NaN")
	assert.Contains(t, result.Errors[2], "expected two to be optimized")
}

func TestRun_ScriptErrors(t *testing.T) {
	s := mustParse(t, `
name: errors
program: |
  func missing()
      load_global nowhere
      return
  end
steps:
  - call: missing
    expect_error: REFERENCE_ERROR
  - call: missing
`)
	result, err := Run(s)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "nowhere is not defined")
	assert.Equal(t, "call missing() ! REFERENCE_ERROR [unoptimized]", result.Log[1])
}

func TestRun_GlobalValues(t *testing.T) {
	s := mustParse(t, `
name: globals
program: |
  func id(x)
      load_arg x
      return
  end
globals:
  n: 1.5
  s: hello
  u: !undefined
  z: null
  point: {x: 1, y: {deep: true}}
  alias: $point
steps:
  - eval: n
    expect: 1.5
  - eval: s
    expect: hello
  - eval: u
    expect: !undefined
  - eval: z
    expect: null
  - eval: alias
    expect: $point
  - call: id
    args: [$s]
    expect: hello
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.Log, "eval alias = {x: 1, y: {...}}")
	assert.Contains(t, result.Log, `call id("hello") = "hello" [unoptimized]`)
}

func TestRun_UnknownReference(t *testing.T) {
	s := mustParse(t, `
name: unknown
program: |
  func id(x)
      load_arg x
      return
  end
globals:
  a: $nothing
steps:
  - call: id
`)
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing is not defined")
}

func TestRun_BadProgram(t *testing.T) {
	s := mustParse(t, "name: bad\nprogram: \"func f(\\n\"\nsteps: [{call: f}]\n")
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "program")
}

type collectingSink struct {
	events []vm.TraceEvent
}

func (c *collectingSink) RecordEvent(ev vm.TraceEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func TestRunWithOptions_ForwardsEvents(t *testing.T) {
	scenarios, err := LoadDir("../scenarios")
	require.NoError(t, err)

	sink := &collectingSink{}
	result, err := RunWithOptions(scenarios[0], Options{Base: vm.DefaultConfig(), Sinks: []vm.TraceSink{sink}})
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, result.Trace, sink.events)
}

func TestConfigOverrides(t *testing.T) {
	threshold, poly := 7, 2
	off := false
	o := ConfigOverrides{InvocationThreshold: &threshold, MaxPolymorphism: &poly, RequirePrepare: &off}

	base := vm.DefaultConfig()
	base.Concurrent = true
	got := o.Apply(base)

	assert.Equal(t, 7, got.InvocationThreshold)
	assert.Equal(t, 2, got.MaxPolymorphism)
	assert.False(t, got.RequirePrepare)
	assert.False(t, got.Concurrent)
	assert.Equal(t, base.MaxDeopts, got.MaxDeopts)
}
