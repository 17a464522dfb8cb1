package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/value"
)

// AccessCode classifies why the engine rejected a runtime operation.
type AccessCode string

const (
	// CodeNotSealed: the operation needs a sealed model.
	CodeNotSealed AccessCode = "NOT_SEALED"
	// CodeAlreadySealed: Seal was called on a sealed model.
	CodeAlreadySealed AccessCode = "ALREADY_SEALED"
	// CodeUnknownPath: the path names nothing in the model.
	CodeUnknownPath AccessCode = "UNKNOWN_PATH"
	// CodeNotWritable: the property is handler-provided, so external
	// writes to it are rejected.
	CodeNotWritable AccessCode = "NOT_WRITABLE"
	// CodeReadWhilePending: a read arrived while a handler holds the
	// model incoherent.
	CodeReadWhilePending AccessCode = "READ_WHILE_PENDING"
	// CodeWriteWhilePending: a write arrived while a handler holds the
	// model incoherent.
	CodeWriteWhilePending AccessCode = "WRITE_WHILE_PENDING"
	// CodeMutateInEval: a handler body tried to mutate the model.
	CodeMutateInEval AccessCode = "MUTATE_IN_EVAL"
	// CodeUndeclaredOutput: a handler returned an output key it never
	// declared.
	CodeUndeclaredOutput AccessCode = "UNDECLARED_OUTPUT"
	// CodeBadIndex: an item index is outside the list bounds.
	CodeBadIndex AccessCode = "BAD_INDEX"
	// CodeNotOptional: CreateNode or DisposeNode addressed a node that
	// is not an optional declaration.
	CodeNotOptional AccessCode = "NOT_OPTIONAL"
	// CodeAlreadyExists: CreateNode addressed an already-created node.
	CodeAlreadyExists AccessCode = "ALREADY_EXISTS"
	// CodeNotExisting: the target is declared but not materialized.
	CodeNotExisting AccessCode = "NOT_EXISTING"
	// CodeUnknownTag: AddItem asked for a specialization the list does
	// not declare.
	CodeUnknownTag AccessCode = "UNKNOWN_TAG"
	// CodeClosed: the engine has been closed.
	CodeClosed AccessCode = "CLOSED"
)

// RuntimeAccessError reports a rejected runtime operation. The model
// itself is untouched: a rejected request neither stages values nor
// changes structure.
type RuntimeAccessError struct {
	Code    AccessCode
	Path    string
	Message string
}

func (e *RuntimeAccessError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (path=%s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func accessErr(code AccessCode, path, format string, args ...any) *RuntimeAccessError {
	return &RuntimeAccessError{Code: code, Path: path, Message: fmt.Sprintf(format, args...)}
}

// IsAccessError reports whether err is a RuntimeAccessError with the
// given code. An empty code matches any access error.
func IsAccessError(err error, code AccessCode) bool {
	var ae *RuntimeAccessError
	if !errors.As(err, &ae) {
		return false
	}
	return code == "" || ae.Code == code
}

// MultiplexConflictError reports disagreeing writers of one multiplexed
// property within a single batch. The batch it arose in was aborted.
type MultiplexConflictError struct {
	Path     string
	Handlers []string
	Values   []cty.Value
}

func (e *MultiplexConflictError) Error() string {
	parts := make([]string, len(e.Handlers))
	for i, h := range e.Handlers {
		v := cty.NilVal
		if i < len(e.Values) {
			v = e.Values[i]
		}
		parts[i] = fmt.Sprintf("%s=%s", h, value.Format(v))
	}
	return fmt.Sprintf("multiplex conflict on %s: %s", e.Path, strings.Join(parts, ", "))
}

// IsMultiplexConflict reports whether err is a MultiplexConflictError.
func IsMultiplexConflict(err error) bool {
	var me *MultiplexConflictError
	return errors.As(err, &me)
}

// NotifyLoopError reports a notification round that kept scheduling new
// work until the cycle budget ran out.
type NotifyLoopError struct {
	Cycles int
	Limit  int
}

func (e *NotifyLoopError) Error() string {
	return fmt.Sprintf("notification loop did not settle after %d cycles (limit %d)", e.Cycles, e.Limit)
}

// IsNotifyLoop reports whether err is a NotifyLoopError.
func IsNotifyLoop(err error) bool {
	var ne *NotifyLoopError
	return errors.As(err, &ne)
}
