package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ratesModelCUE = `
package rates

model: {
	rates: {
		constants: {
			base: {value: 2}
			factor: {value: 3}
		}
		handlers: {
			product: {
				uses: "math.mul"
				inputs: ["base", "factor"]
				outputs: ["product"]
			}
		}
	}
}
`

// writeModelDir writes a definition under a named subdirectory of a
// fresh temp dir, so the model name is stable across runs.
func writeModelDir(t *testing.T, name, cueSource string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.cue"), []byte(cueSource), 0o644))
	return dir
}

func TestValidateValidModel(t *testing.T) {
	dir := writeModelDir(t, "rates", ratesModelCUE)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, `✓ model "rates" is valid`)
	assert.Contains(t, output, "nodes: 2")
	assert.Contains(t, output, "properties: 3")
	assert.Contains(t, output, "handler instances: 1")
}

func TestValidateValidModelJSON(t *testing.T) {
	dir := writeModelDir(t, "rates", ratesModelCUE)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, "rates", data["model"])
}

func TestValidateNonExistentDirectory(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"/nonexistent/directory/path"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "E005")
	assert.Contains(t, buf.String(), "not found")
}

func TestValidateEmptyDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{tmpDir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "E003")
}

func TestValidateUnknownKind(t *testing.T) {
	dir := writeModelDir(t, "bad", `
package bad

model: {
	bad: {
		constants: {x: {value: 1}}
		handlers: {
			h: {
				uses: "math.nope"
				inputs: ["x"]
				outputs: ["y"]
			}
		}
	}
}
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "validation failed")
	assert.Contains(t, buf.String(), "✗ Validation failed")
	assert.Contains(t, buf.String(), "E012")
	assert.Contains(t, buf.String(), "math.nope")
}

func TestValidateCollectsAllDefects(t *testing.T) {
	// Two independent defects: an unknown handler kind and an unknown
	// template alias. Collect-all mode must report both.
	dir := writeModelDir(t, "bad", `
package bad

model: {
	one: {
		constants: {x: {value: 1}}
		handlers: {
			h: {
				uses: "math.nope"
				inputs: ["x"]
				outputs: ["y"]
			}
		}
	}
	two: {
		as: "ghost"
	}
}
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 defect(s)")
	assert.Contains(t, buf.String(), "E012")
	assert.Contains(t, buf.String(), "E018")
}

func TestValidateCycle(t *testing.T) {
	dir := writeModelDir(t, "loop", `
package loop

model: {
	loop: {
		handlers: {
			fwd: {
				uses: "value.identity"
				inputs: ["a"]
				outputs: ["b"]
			}
			back: {
				uses: "value.identity"
				inputs: ["b"]
				outputs: ["a"]
			}
		}
	}
}
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "CYCLE")
	assert.Contains(t, buf.String(), "circular dependency")
}

func TestValidateSealStageDefect(t *testing.T) {
	// A handler providing a constant is legal to declare and rejected
	// at seal.
	dir := writeModelDir(t, "bad", `
package bad

model: {
	bad: {
		constants: {x: {value: 1}}
		handlers: {
			h: {
				uses: "value.identity"
				inputs: ["x"]
				outputs: ["x"]
			}
		}
	}
}
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, buf.String(), "seal:")
	assert.Contains(t, buf.String(), "E102")
}

func TestValidateInvalidModelJSON(t *testing.T) {
	dir := writeModelDir(t, "bad", `
package bad

model: {
	bad: {
		constants: {x: {value: 1}}
		handlers: {
			h: {
				uses: "math.nope"
				inputs: ["x"]
				outputs: ["y"]
			}
		}
	}
}
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.Error(t, err)

	var resp CLIResponse
	jsonErr := json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, jsonErr)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E012", resp.Error.Code)
}

func TestValidateVerboseOutput(t *testing.T) {
	dir := writeModelDir(t, "rates", ratesModelCUE)

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", Verbose: true}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(stdoutBuf)
	cmd.SetErr(stderrBuf) // Verbose output goes to stderr
	cmd.SetArgs([]string{dir})

	err := cmd.Execute()
	require.NoError(t, err)

	verboseOutput := stderrBuf.String()
	assert.Contains(t, verboseOutput, "Loaded definition")
	assert.Contains(t, verboseOutput, "Built model")
}
