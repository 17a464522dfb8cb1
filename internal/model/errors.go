package model

import (
	"errors"
	"fmt"
)

// Structural error codes. Stable identifiers for programmatic matching;
// messages carry the human detail.
const (
	// ErrCodeUnresolvedInput: input path names no node, list, or
	// provided property.
	ErrCodeUnresolvedInput = "E100"
	// ErrCodeDuplicateProvider: two handlers provide a non-multiplexed
	// property and their tag scopes can coexist.
	ErrCodeDuplicateProvider = "E101"
	// ErrCodeConstantProvider: a handler provides, or redeclares, a
	// constant.
	ErrCodeConstantProvider = "E102"
	// ErrCodeMultiplexMismatch: providers disagree on the multiplex flag.
	ErrCodeMultiplexMismatch = "E103"
	// ErrCodeDuplicateAlias: one handler binds the same key twice.
	ErrCodeDuplicateAlias = "E104"
	// ErrCodeWholeListPlacement: whole-list handler not attached to the
	// list it governs.
	ErrCodeWholeListPlacement = "E105"
	// ErrCodeBadListTraversal: "[]" over a non-list, more than one "[]"
	// in a ref, or mixed lists within one handler.
	ErrCodeBadListTraversal = "E106"
	// ErrCodeEscapesRoot: up-level path escapes the model root.
	ErrCodeEscapesRoot = "E107"
	// ErrCodeIndexInDeclaration: concrete index segment in a
	// declaration ref.
	ErrCodeIndexInDeclaration = "E108"
	// ErrCodeBadAggregate: aggregate flag without a list traversal.
	ErrCodeBadAggregate = "E109"
	// ErrCodeUnknownTemplate: DefineAs names no template, a non-empty
	// node is aliased, or aliasing recurses without optional indirection.
	ErrCodeUnknownTemplate = "E110"
	// ErrCodeUnknownTag: handler restricted to an undeclared
	// specialization tag.
	ErrCodeUnknownTag = "E111"
	// ErrCodeBadName: empty, reserved, or malformed name.
	ErrCodeBadName = "E112"
	// ErrCodeSealed: declaration attempted after seal.
	ErrCodeSealed = "E113"
	// ErrCodeOverlayShape: specialization overlay declares nested nodes
	// or lists; overlays carry top-level properties and handlers only.
	ErrCodeOverlayShape = "E114"
)

// StructuralError reports a declaration or seal-time violation.
// Seal collects every violation and returns them joined, so one run
// surfaces the full list.
type StructuralError struct {
	Code    string
	Path    string
	Message string
}

// Error implements the error interface.
func (e *StructuralError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Path, e.Message)
}

// IsStructuralError returns true if err is or wraps a StructuralError.
func IsStructuralError(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// ErrNotReady is returned by a handler to decline the whole invocation:
// its outputs enter the pending state and the model becomes incoherent
// until the handler supplies output in a later batch.
var ErrNotReady = errors.New("handler output not ready")

// Lookup sentinels. The engine maps these onto its runtime error codes.
var (
	// ErrUnknownPath: the path names no node, list, or property.
	ErrUnknownPath = errors.New("unknown path")
	// ErrNotExisting: the path traverses an optional node that is not
	// currently created, or a disposed node.
	ErrNotExisting = errors.New("node not existing")
	// ErrNotConcrete: the path uses declaration-only syntax ("[]").
	ErrNotConcrete = errors.New("path is not concrete")
	// ErrBadIndex: a list index is out of range.
	ErrBadIndex = errors.New("list index out of range")
)
