package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateValidScenarios(t *testing.T) {
	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), diamondFile, prefsSyncFile)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ diamond ("+diamondFile+")")
	assert.Contains(t, out, "✓ prefs-sync ("+prefsSyncFile+")")
}

func TestValidateValidScenarioJSON(t *testing.T) {
	out, err := execute(NewValidateCommand(&RootOptions{Format: "json"}), diamondFile)
	require.NoError(t, err)

	var resp struct {
		Status string             `json:"status"`
		Data   []ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.True(t, resp.Data[0].Valid)
	assert.Equal(t, "diamond", resp.Data[0].Scenario)
}

func TestValidateNonExistentFile(t *testing.T) {
	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E003]")
}

func TestValidateInvalidScenarios(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		doc     string
		wantOut string
	}{
		{
			name:    "dependency cycle",
			doc:     cyclicScenario,
			wantOut: "dependency cycle",
		},
		{
			name: "unknown container",
			doc: `
name: unknown
containers:
  c:
    initial: {}
steps:
  - set: {container: missing, values: {x: 1}}
`,
			wantOut: `unknown container "missing"`,
		},
		{
			name:    "schema violation",
			doc:     "name: bad\ncontainers: {}\nsteps: []\nextra: 1\n",
			wantOut: "field not allowed",
		},
		{
			name:    "malformed yaml",
			doc:     "name: [unclosed\n",
			wantOut: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := writeFile(t, dir, tt.name+".yaml", tt.doc)
			out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), file)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Contains(t, out, "✗ "+file)
			assert.Contains(t, out, tt.wantOut)
		})
	}
}

func TestValidateInvalidScenarioJSON(t *testing.T) {
	file := writeFile(t, t.TempDir(), "cyclic.yaml", cyclicScenario)

	out, err := execute(NewValidateCommand(&RootOptions{Format: "json"}), diamondFile, file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 scenario(s) invalid")

	var resp struct {
		Data []ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.True(t, resp.Data[0].Valid)
	assert.False(t, resp.Data[1].Valid)
	require.NotEmpty(t, resp.Data[1].Errors)
	assert.Contains(t, resp.Data[1].Errors[0].Message, "dependency cycle")
}

func TestValidateVerboseOutput(t *testing.T) {
	out := &bytes.Buffer{}
	errw := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text", Verbose: true})
	cmd.SetOut(out)
	cmd.SetErr(errw)
	cmd.SetArgs([]string{diamondFile})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, errw.String(), "Validating "+diamondFile)
	assert.NotContains(t, out.String(), "Validating")
}
