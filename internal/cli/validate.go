package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dchambers/composer/internal/compiler"
	"github.com/dchambers/composer/internal/engine"
	"github.com/dchambers/composer/internal/graph"
	"github.com/dchambers/composer/internal/model"
	"github.com/dchambers/composer/internal/registry"
)

// ValidationIssue is one defect found by validate, from the definition
// compiler or the seal check.
type ValidationIssue struct {
	Stage   string `json:"stage"` // "definition" | "seal"
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationStats summarizes a model that sealed cleanly.
type ValidationStats struct {
	Nodes      int `json:"nodes"`
	Properties int `json:"properties"`
	Instances  int `json:"instances"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Model  string            `json:"model,omitempty"`
	Stats  *ValidationStats  `json:"stats,omitempty"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <model-dir>",
		Short: "Compile and seal-check a definition directory",
		Long: `Compile a CUE definition directory and seal the result.

Collects every defect instead of stopping at the first: loading and
definition defects (E001-E019), structural seal defects (E100-E114),
and dependency cycles. Nothing runs beyond the seal.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	result := validateDir(dir, formatter)
	if !result.Valid {
		return outputValidationIssues(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// validateDir runs the full pipeline in collect-all mode: load, build
// against the default registry, seal, close. A defect at any stage
// short-circuits the later ones.
func validateDir(dir string, formatter *OutputFormatter) *ValidationResult {
	def, err := compiler.Load(dir, compiler.CollectAll)
	if err != nil {
		return &ValidationResult{Issues: issuesFromError("definition", err)}
	}
	formatter.VerboseLog("Loaded definition %q from %s", def.Name, dir)

	m, err := def.Build(registry.Default)
	if err != nil {
		return &ValidationResult{Issues: issuesFromError("definition", err)}
	}
	formatter.VerboseLog("Built model %q", m.Name())

	log := commandLogger(formatter.Verbose, formatter.GetErrWriter())
	eng, err := engine.Seal(m, engine.WithLogger(log))
	if err != nil {
		return &ValidationResult{Issues: issuesFromError("seal", err)}
	}
	defer eng.Close()

	stats := &ValidationStats{Instances: len(eng.Graph().Actives())}
	eng.Graph().WalkLive(func(n *model.Node) {
		stats.Nodes++
		stats.Properties += len(n.Properties())
	})
	return &ValidationResult{Valid: true, Model: m.Name(), Stats: stats}
}

// issuesFromError flattens a stage failure into coded issues. Compiler
// failures carry their own codes; seal failures arrive joined and are
// unpacked per error.
func issuesFromError(stage string, err error) []ValidationIssue {
	if es, ok := compiler.AsValidationErrors(err); ok {
		out := make([]ValidationIssue, len(es))
		for i, e := range es {
			out[i] = ValidationIssue{Stage: stage, Code: e.Code, Message: fmt.Sprintf("%s: %s", e.Field, e.Message)}
		}
		return out
	}
	var issues []ValidationIssue
	for _, e := range flattenJoined(err) {
		issues = append(issues, sealIssue(stage, e))
	}
	return issues
}

// flattenJoined unpacks an errors.Join chain into its leaves.
func flattenJoined(err error) []error {
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range u.Unwrap() {
			out = append(out, flattenJoined(e)...)
		}
		return out
	}
	if u := errors.Unwrap(err); u != nil {
		if inner := flattenJoined(u); len(inner) > 1 {
			return inner
		}
	}
	return []error{err}
}

// sealIssue codes one seal-stage error: structural defects keep their
// E1xx codes, cycles report as CYCLE.
func sealIssue(stage string, err error) ValidationIssue {
	var se *model.StructuralError
	if errors.As(err, &se) {
		msg := se.Message
		if se.Path != "" {
			msg = se.Path + ": " + se.Message
		}
		return ValidationIssue{Stage: stage, Code: se.Code, Message: msg}
	}
	var ce *graph.CircularDependencyError
	if errors.As(err, &ce) {
		return ValidationIssue{Stage: stage, Code: "CYCLE", Message: ce.Error()}
	}
	return ValidationIssue{Stage: stage, Code: compiler.ErrCodeGeneric, Message: err.Error()}
}

// outputValidateSuccess outputs a clean validation result.
func outputValidateSuccess(formatter *OutputFormatter, result *ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ model %q is valid\n", result.Model)
	if result.Stats != nil {
		fmt.Fprintf(formatter.Writer, "  nodes: %d  properties: %d  handler instances: %d\n",
			result.Stats.Nodes, result.Stats.Properties, result.Stats.Instances)
	}
	return nil
}

// outputValidationIssues outputs the collected defects. Directory
// problems are usage errors; real defects are validation failures.
func outputValidationIssues(formatter *OutputFormatter, result *ValidationResult) error {
	issues := result.Issues
	exitCode := ExitFailure
	if len(issues) == 1 {
		switch issues[0].Code {
		case compiler.ErrCodeNotFound, compiler.ErrCodeNoFiles, compiler.ErrCodeScanError:
			exitCode = ExitCommandError
		}
	}

	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    issues[0].Code,
				Message: issues[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		return NewExitError(exitCode, fmt.Sprintf("validation failed with %d defect(s)", len(issues)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, issue := range issues {
		fmt.Fprintf(formatter.Writer, "  [%s] %s: %s\n", issue.Code, issue.Stage, issue.Message)
	}
	fmt.Fprintln(formatter.Writer)

	return NewExitError(exitCode, fmt.Sprintf("validation failed with %d defect(s)", len(issues)))
}
