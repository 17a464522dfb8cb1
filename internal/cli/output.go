package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes. 1 means the model or a scenario is at fault; 2 means the
// invocation is (bad flags, missing directories).
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// ExitError carries an exit code alongside the error. Commands return
// it from RunE so main can exit with the right status after cobra's
// own error reporting.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError with no underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code and context to an underlying
// error, which stays reachable through errors.Is/As.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps an error to a process exit code. Anything that is
// not an ExitError counts as a plain failure (1).
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the envelope every command emits in json format, on
// success and on error alike, so scripted callers can always decode
// the same shape.
type CLIResponse struct {
	// Status is "ok" or "error".
	Status string `json:"status"`
	// Data carries the command-specific payload when Status is "ok".
	Data interface{} `json:"data,omitempty"`
	// Error carries the defect when Status is "error".
	Error *CLIError `json:"error,omitempty"`
}

// CLIError is the machine-readable error half of a CLIResponse. Code
// is a compiler/seal code ("E012", "E102") or a runtime access code
// ("UNKNOWN_PATH").
type CLIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// OutputFormatter routes command results to text or json form. Writer
// receives results; ErrWriter (falling back to Writer) receives
// diagnostics, keeping json output parseable.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// Success emits a result. In json format data becomes the envelope's
// Data; in text format it prints as-is, so commands pass a prebuilt
// human-readable string or write to Writer themselves beforehand.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.Format == "json" {
		return f.respond(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error emits a coded failure. Details surface in json always, in text
// only under --verbose.
func (f *OutputFormatter) Error(code, message string, details interface{}) error {
	if f.Format == "json" {
		return f.respond(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

func (f *OutputFormatter) respond(resp CLIResponse) error {
	return json.NewEncoder(f.Writer).Encode(resp)
}

// VerboseLog prints a diagnostic line when --verbose is set. It goes
// through GetErrWriter so json results stay uncorrupted.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the diagnostic writer: ErrWriter when set,
// otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
