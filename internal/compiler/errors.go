package compiler

import (
	"errors"
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Validation error codes (E001-E019).
const (
	// Loading errors (E001-E006)
	ErrCodeGeneric     = "E001" // generic/unknown error
	ErrCodeScanError   = "E002" // directory scan error
	ErrCodeNoFiles     = "E003" // no CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // path not found
	ErrCodeBuildFailed = "E006" // CUE evaluation failed

	// Definition errors (E007-E019)
	ErrCodeNoModel      = "E007" // no model block
	ErrCodeEmptyModel   = "E008" // model block declares nothing
	ErrCodeBadName      = "E009" // invalid node, list, or property name
	ErrCodeMissingField = "E010" // required field absent
	ErrCodeBadField     = "E011" // field has the wrong shape or is unknown
	ErrCodeUnknownKind  = "E012" // uses names no registered handler kind
	ErrCodeBadParams    = "E013" // handler kind rejected its params
	ErrCodeBadRef       = "E014" // input/output ref failed to parse
	ErrCodeBadFlags     = "E015" // each/asList/tag combination invalid
	ErrCodeDuplicate    = "E016" // name declared twice
	ErrCodeBadValue     = "E017" // value not representable
	ErrCodeBadTemplate  = "E018" // as names no declared template
	ErrCodeBadOverlay   = "E019" // specialize block invalid
)

// CompileError is a malformed-definition error with source position,
// typically wrapping a CUE evaluation failure.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from a CUE error chain.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	positions := cueerrors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}

// ValidationError is one semantic defect in a definition.
type ValidationError struct {
	Code    string    `json:"code"`
	Field   string    `json:"field"`
	Message string    `json:"message"`
	Pos     token.Pos `json:"-"`
}

func (e ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("[%s] %s:%d:%d: %s: %s",
			e.Code, e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors is the collected defect list of one build.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	lines := make([]string, len(es))
	for i, e := range es {
		lines[i] = e.Error()
	}
	return strings.Join(lines, "\n")
}

// Codes returns the defect codes in order, for compact assertions and
// summaries.
func (es ValidationErrors) Codes() []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Code
	}
	return out
}

// AsValidationErrors unpacks the defect list from a Load or Build
// error.
func AsValidationErrors(err error) (ValidationErrors, bool) {
	var es ValidationErrors
	if errors.As(err, &es) {
		return es, true
	}
	var e ValidationError
	if errors.As(err, &e) {
		return ValidationErrors{e}, true
	}
	return nil, false
}
