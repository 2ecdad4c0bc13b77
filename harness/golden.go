package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunWithGolden executes a scenario and compares its log against
// testdata/golden/<name>.golden. Failed expectations are returned as an
// error; a log mismatch fails t through goldie.
//
// To regenerate golden files, run:
//
//	go test ./harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	AssertGolden(t, scenario.Name, result)
	if !result.Pass {
		return fmt.Errorf("%s: %s", scenario.Name, strings.Join(result.Errors, "; "))
	}
	return nil
}

// AssertGolden compares an existing result's log against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(result.Text()))
}
