package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/chazu/tiered/vm"
)

// Scenario is a scripted run of one program: it installs the program,
// binds globals, and then drives calls and tier transitions step by step.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Config overrides the VM defaults.
	Config ConfigOverrides `yaml:"config,omitempty"`

	// Program is assembler source, installed before the globals.
	Program string `yaml:"program"`

	// Globals binds additional globals, in order. Values are numbers,
	// strings, booleans, null, !undefined, mappings (objects) or
	// "$name" references to already bound globals.
	Globals yaml.Node `yaml:"globals,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`
}

// ConfigOverrides mirrors the tiering knobs of vm.Config. Unset fields
// keep the VM default.
type ConfigOverrides struct {
	InvocationThreshold         *int  `yaml:"invocation-threshold,omitempty"`
	MaxPolymorphism             *int  `yaml:"max-polymorphism,omitempty"`
	FeedbackAllocationThreshold *int  `yaml:"allocation-threshold,omitempty"`
	MaxDeopts                   *int  `yaml:"max-deopts,omitempty"`
	RequirePrepare              *bool `yaml:"require-prepare,omitempty"`
}

// Apply returns base with the overrides applied. Scenarios always compile
// synchronously so their traces are deterministic.
func (o ConfigOverrides) Apply(base vm.Config) vm.Config {
	if o.InvocationThreshold != nil {
		base.InvocationThreshold = *o.InvocationThreshold
	}
	if o.MaxPolymorphism != nil {
		base.MaxPolymorphism = *o.MaxPolymorphism
	}
	if o.FeedbackAllocationThreshold != nil {
		base.FeedbackAllocationThreshold = *o.FeedbackAllocationThreshold
	}
	if o.MaxDeopts != nil {
		base.MaxDeopts = *o.MaxDeopts
	}
	if o.RequirePrepare != nil {
		base.RequirePrepare = *o.RequirePrepare
	}
	base.Concurrent = false
	return base
}

// Step is one scenario action. Exactly one of the action fields is set.
type Step struct {
	// Call invokes the named global function with Args.
	Call string      `yaml:"call,omitempty"`
	Args []yaml.Node `yaml:"args,omitempty"`

	// Prepare, Optimize and Deoptimize issue the control operations.
	Prepare    string `yaml:"prepare,omitempty"`
	Optimize   string `yaml:"optimize,omitempty"`
	Deoptimize string `yaml:"deoptimize,omitempty"`

	// AssertStatus checks a function's tier.
	AssertStatus *StatusAssertion `yaml:"assert_status,omitempty"`

	// Eval reads a global.
	Eval string `yaml:"eval,omitempty"`

	// Expect is the value a call or eval must produce. A zero node means
	// no expectation; an explicit null is a scalar node.
	Expect yaml.Node `yaml:"expect,omitempty"`

	// ExpectNaN requires a NaN result.
	ExpectNaN bool `yaml:"expect_nan,omitempty"`

	// ExpectError requires a call to fail with this script error code.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// StatusAssertion names a function and the status it must have.
// "optimized" and "unoptimized" use the assertOptimized and
// assertUnoptimized semantics; other status names must match exactly.
type StatusAssertion struct {
	Function string `yaml:"function"`
	Status   string `yaml:"status"`
}

// HasExpect reports whether the step names an expected value.
func (s Step) HasExpect() bool {
	return s.Expect.Kind != 0
}

// Action returns the step's action keyword.
func (s Step) Action() string {
	switch {
	case s.Call != "":
		return "call"
	case s.Prepare != "":
		return "prepare"
	case s.Optimize != "":
		return "optimize"
	case s.Deoptimize != "":
		return "deoptimize"
	case s.AssertStatus != nil:
		return "assert_status"
	case s.Eval != "":
		return "eval"
	}
	return ""
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml file in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []*Scenario
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Program == "" {
		return fmt.Errorf("program is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Globals.Kind != 0 && s.Globals.Kind != yaml.MappingNode {
		return fmt.Errorf("globals must be a mapping")
	}
	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	actions := 0
	for _, set := range []bool{
		s.Call != "", s.Prepare != "", s.Optimize != "", s.Deoptimize != "",
		s.AssertStatus != nil, s.Eval != "",
	} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one action is required, got %d", actions)
	}
	if len(s.Args) > 0 && s.Call == "" {
		return fmt.Errorf("args are only valid on call steps")
	}
	expects := s.HasExpect() || s.ExpectNaN || s.ExpectError != ""
	if expects && s.Call == "" && s.Eval == "" {
		return fmt.Errorf("expectations are only valid on call and eval steps")
	}
	if s.ExpectNaN && s.HasExpect() {
		return fmt.Errorf("expect and expect_nan are exclusive")
	}
	if s.AssertStatus != nil {
		if s.AssertStatus.Function == "" {
			return fmt.Errorf("assert_status needs a function")
		}
		switch s.AssertStatus.Status {
		case "optimized", "unoptimized":
		default:
			if _, err := vm.ParseFunctionStatus(s.AssertStatus.Status); err != nil {
				return err
			}
		}
	}
	return nil
}
