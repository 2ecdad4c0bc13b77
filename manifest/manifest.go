// Package manifest handles tiered.toml configuration.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"

	"github.com/chazu/tiered/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "tiered.toml"

// Manifest represents a tiered.toml configuration. Keys absent from the
// file keep their defaults.
type Manifest struct {
	Tiering   Tiering   `toml:"tiering" json:"tiering"`
	Feedback  Feedback  `toml:"feedback" json:"feedback"`
	Trace     Trace     `toml:"trace" json:"trace"`
	Server    Server    `toml:"server" json:"server"`
	Log       Log       `toml:"log" json:"log"`
	Scenarios Scenarios `toml:"scenarios" json:"scenarios"`

	// Dir is the directory containing the tiered.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// Tiering configures when functions move between tiers.
type Tiering struct {
	InvocationThreshold int  `toml:"invocation-threshold" json:"invocation-threshold"`
	MaxDeopts           int  `toml:"max-deopts" json:"max-deopts"`
	RequirePrepare      bool `toml:"require-prepare" json:"require-prepare"`
	Concurrent          bool `toml:"concurrent" json:"concurrent"`
	MaxBytecodeLength   int  `toml:"max-bytecode-length" json:"max-bytecode-length"`
	MaxCallDepth        int  `toml:"max-call-depth" json:"max-call-depth"`
}

// Feedback configures feedback collection.
type Feedback struct {
	MaxPolymorphism     int `toml:"max-polymorphism" json:"max-polymorphism"`
	AllocationThreshold int `toml:"allocation-threshold" json:"allocation-threshold"`
}

// Trace configures the in-memory trace ring and the trace database.
type Trace struct {
	Capacity int    `toml:"capacity" json:"capacity"`
	DB       string `toml:"db" json:"db"`
}

// Server configures the control service.
type Server struct {
	Addr string `toml:"addr" json:"addr"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	Path      string `toml:"path" json:"path"`
}

// Scenarios lists directories searched for scenario files.
type Scenarios struct {
	Dirs []string `toml:"dirs" json:"dirs"`
}

// Default returns the configuration used when no tiered.toml exists.
func Default() *Manifest {
	c := vm.DefaultConfig()
	return &Manifest{
		Tiering: Tiering{
			InvocationThreshold: c.InvocationThreshold,
			MaxDeopts:           c.MaxDeopts,
			RequirePrepare:      c.RequirePrepare,
			Concurrent:          c.Concurrent,
			MaxBytecodeLength:   c.MaxBytecodeLength,
			MaxCallDepth:        c.MaxCallDepth,
		},
		Feedback: Feedback{
			MaxPolymorphism:     c.MaxPolymorphism,
			AllocationThreshold: c.FeedbackAllocationThreshold,
		},
		Trace:     Trace{Capacity: c.TraceCapacity},
		Server:    Server{Addr: "localhost:7460"},
		Scenarios: Scenarios{Dirs: []string{"scenarios"}},
	}
}

// Parse decodes TOML over the defaults and validates the result.
func Parse(data []byte) (*Manifest, error) {
	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load parses a tiered.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a tiered.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

//go:embed schema.cue
var schemaSource string

// Validate checks the manifest against the embedded CUE schema.
func (m *Manifest) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Manifest")).Unify(ctx.Encode(m))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// VMConfig returns the vm.Config the manifest describes.
func (m *Manifest) VMConfig() vm.Config {
	return vm.Config{
		InvocationThreshold:         m.Tiering.InvocationThreshold,
		MaxPolymorphism:             m.Feedback.MaxPolymorphism,
		FeedbackAllocationThreshold: m.Feedback.AllocationThreshold,
		MaxDeopts:                   m.Tiering.MaxDeopts,
		MaxBytecodeLength:           m.Tiering.MaxBytecodeLength,
		MaxCallDepth:                m.Tiering.MaxCallDepth,
		RequirePrepare:              m.Tiering.RequirePrepare,
		Concurrent:                  m.Tiering.Concurrent,
		TraceCapacity:               m.Trace.Capacity,
	}
}

// ScenarioDirPaths returns absolute paths for the configured scenario directories.
func (m *Manifest) ScenarioDirPaths() []string {
	var paths []string
	for _, d := range m.Scenarios.Dirs {
		paths = append(paths, m.resolve(d))
	}
	return paths
}

// TraceDBPath returns the trace database path, or "" when none is configured.
func (m *Manifest) TraceDBPath() string {
	if m.Trace.DB == "" {
		return ""
	}
	return m.resolve(m.Trace.DB)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
