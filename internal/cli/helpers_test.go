package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// Scenario files shared with the scenario package's golden tests.
const (
	diamondFile    = "../scenario/testdata/diamond.yaml"
	prefsSyncFile  = "../scenario/testdata/prefs_sync.yaml"
	diamondGolden  = "../scenario/testdata/golden/diamond.golden"
	scenarioFixDir = "../scenario/testdata"
)

const counterScenario = `
name: counter
containers:
  counter:
    initial: {count: 1}
    sync: {key: counter}
steps:
  - set: {container: counter, values: {count: 5}}
`

const cyclicScenario = `
name: cyclic
containers:
  c:
    initial: {n: 1}
derived:
  a: {expr: "b + c.n"}
  b: {expr: "a * 2"}
steps:
  - read: {store: a}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
