package scenario

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/cascade/internal/config"
)

// RunWithGolden runs c and compares its text trace against
// testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/scenario -update
func RunWithGolden(t *testing.T, c *config.Compiled) *Result {
	t.Helper()

	result, err := Run(c)
	if err != nil {
		t.Fatalf("run %q: %v", c.Name, err)
	}
	AssertGolden(t, c.Name, result)
	return result
}

// AssertGolden compares result's text trace against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(result.Text()))
}
