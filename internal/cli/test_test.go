package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScenario writes a scenario YAML plus its model directory under
// a fresh temp dir and returns the scenario path. The expected product
// lets failing variants reuse the fixture.
func writeScenario(t *testing.T, fileName string, expectProduct int) string {
	t.Helper()
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "rates")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "model.cue"), []byte(ratesModelCUE), 0o644))

	scenario := `name: rates recompute
description: Writing a constant recomputes its dependents in one batch.
model: rates
steps:
  - op: flush
  - op: set
    path: rates/base
    value: 10
  - op: flush
assertions:
  - type: value
    path: rates/product
    equals: ` + strconv.Itoa(expectProduct) + `
  - type: coherent
    is: true
`
	path := filepath.Join(dir, fileName)
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0o644))
	return path
}

func runTestCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: format}
	cmd := NewTestCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTestCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestTestCommandPassingScenario(t *testing.T) {
	scenario := writeScenario(t, "recompute.yaml", 30)

	output, err := runTestCommand(t, "text", scenario)
	require.NoError(t, err)

	assert.Contains(t, output, "✓ rates recompute")
	assert.Contains(t, output, "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, output, "✓ All scenarios passed")
}

func TestTestCommandFailingScenario(t *testing.T) {
	scenario := writeScenario(t, "recompute.yaml", 99)

	output, err := runTestCommand(t, "text", scenario)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "1 scenario(s) failed")

	assert.Contains(t, output, "✗ rates recompute")
	assert.Contains(t, output, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTestCommandLoadError(t *testing.T) {
	output, err := runTestCommand(t, "text", "/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "✗ scenario.yaml")
	assert.Contains(t, output, "Load error")
}

func TestTestCommandUpdateGolden(t *testing.T) {
	scenario := writeScenario(t, "recompute.yaml", 30)

	output, err := runTestCommand(t, "text", scenario, "--update")
	require.NoError(t, err)
	assert.Contains(t, output, "✓ rates recompute (golden updated)")

	goldenPath := filepath.Join(filepath.Dir(scenario), "golden", "recompute.golden")
	data, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario": "rates recompute"`)
	assert.Contains(t, string(data), `"trace"`)
}

func TestTestCommandGoldenMatch(t *testing.T) {
	scenario := writeScenario(t, "recompute.yaml", 30)

	_, err := runTestCommand(t, "text", scenario, "--update")
	require.NoError(t, err)

	output, err := runTestCommand(t, "text", scenario)
	require.NoError(t, err)
	assert.Contains(t, output, "✓ rates recompute")
	assert.Contains(t, output, "✓ All scenarios passed")
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	scenario := writeScenario(t, "recompute.yaml", 30)

	goldenDir := filepath.Join(filepath.Dir(scenario), "golden")
	require.NoError(t, os.MkdirAll(goldenDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(goldenDir, "recompute.golden"),
		[]byte(`{"scenario": "stale"}`+"\n"), 0o644))

	output, err := runTestCommand(t, "text", scenario)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "trace does not match golden file")
	assert.Contains(t, output, "--update")
}

func TestTestCommandMultipleScenarios(t *testing.T) {
	passing := writeScenario(t, "pass.yaml", 30)
	failing := writeScenario(t, "fail.yaml", 99)

	output, err := runTestCommand(t, "text", passing, failing)
	require.Error(t, err)
	assert.Contains(t, output, "Test Summary: 1 passed, 1 failed, 2 total")
}

func TestTestCommandJSON(t *testing.T) {
	scenario := writeScenario(t, "recompute.yaml", 30)

	output, err := runTestCommand(t, "json", scenario)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result TestResult
	require.NoError(t, json.Unmarshal(raw, &result))

	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, result.Scenarios, 1)
	assert.Equal(t, "rates recompute", result.Scenarios[0].Name)
	assert.True(t, result.Scenarios[0].Pass)
}

func TestTestCommandJSONFailure(t *testing.T) {
	scenario := writeScenario(t, "recompute.yaml", 99)

	output, err := runTestCommand(t, "json", scenario)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
}
