package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/compiler"
	"github.com/dchambers/composer/internal/engine"
	"github.com/dchambers/composer/internal/registry"
	"github.com/dchambers/composer/internal/value"
)

// commandLogger builds the engine logger for a command: debug to the
// diagnostic writer under --verbose, discarded otherwise, so JSON
// output on stdout stays clean.
func commandLogger(verbose bool, errWriter io.Writer) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(errWriter, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// sealModel runs the shared pipeline behind eval, export, and inspect:
// load the definition directory, build it against the default handler
// registry, and seal the result into a running engine. The caller owns
// the engine and must Close it.
func sealModel(dir string, mode compiler.Mode, log *slog.Logger) (*engine.Engine, error) {
	def, err := compiler.Load(dir, mode)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	m, err := def.Build(registry.Default)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	eng, err := engine.Seal(m, engine.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("seal model: %w", err)
	}
	return eng, nil
}

// loadExitCode classifies a sealModel failure: directory and file
// problems are usage errors, everything else is a validation failure.
func loadExitCode(err error) int {
	if es, ok := compiler.AsValidationErrors(err); ok && len(es) == 1 {
		switch es[0].Code {
		case compiler.ErrCodeNotFound, compiler.ErrCodeNoFiles, compiler.ErrCodeScanError:
			return ExitCommandError
		}
	}
	return ExitFailure
}

// parseSetFlag splits a --set argument into path and value. The value
// part is decoded as JSON when it parses (10, true, "text", [1,2]),
// else taken as a raw string.
func parseSetFlag(arg string) (string, cty.Value, error) {
	path, raw, ok := strings.Cut(arg, "=")
	if !ok || path == "" {
		return "", cty.NilVal, fmt.Errorf("bad --set %q: want path=value", arg)
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return path, cty.StringVal(raw), nil
	}
	v, err := value.FromAny(decoded)
	if err != nil {
		return "", cty.NilVal, fmt.Errorf("bad --set %q: %w", arg, err)
	}
	return path, v, nil
}

// applySets enqueues every --set write and drains once, so all writes
// land in a single batch. With no sets it still flushes, forcing the
// initial evaluation. Malformed flags come back as usage ExitErrors;
// rejected writes and flush failures as engine errors.
func applySets(eng *engine.Engine, sets []string) error {
	for _, s := range sets {
		path, v, err := parseSetFlag(s)
		if err != nil {
			return NewExitError(ExitCommandError, err.Error())
		}
		if err := eng.Set(path, v); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return eng.Flush()
}

// runtimeErrorCode maps an engine failure to its machine code for
// structured output.
func runtimeErrorCode(err error) string {
	var rae *engine.RuntimeAccessError
	if errors.As(err, &rae) {
		return string(rae.Code)
	}
	if engine.IsMultiplexConflict(err) {
		return "MULTIPLEX_CONFLICT"
	}
	if engine.IsNotifyLoop(err) {
		return "NOTIFY_LOOP"
	}
	return "RUNTIME"
}

// outputRuntimeError reports a failed engine operation and maps it to
// the right exit: ExitErrors pass through (usage), everything else is
// a runtime failure.
func outputRuntimeError(formatter *OutputFormatter, context string, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		_ = formatter.Error(compiler.ErrCodeGeneric, exitErr.Message, nil)
		return exitErr
	}
	_ = formatter.Error(runtimeErrorCode(err), err.Error(), nil)
	return WrapExitError(ExitFailure, context, err)
}

// outputLoadError reports a sealModel failure with its defect list and
// maps directory problems to usage errors.
func outputLoadError(formatter *OutputFormatter, err error) error {
	code := compiler.ErrCodeGeneric
	var details interface{}
	if es, ok := compiler.AsValidationErrors(err); ok && len(es) > 0 {
		code = es[0].Code
		details = es
	}
	_ = formatter.Error(code, err.Error(), details)
	return WrapExitError(loadExitCode(err), "model did not seal", err)
}
