package harness

import (
	"fmt"
	"strings"

	"github.com/dchambers/composer/internal/engine"
	"github.com/dchambers/composer/internal/value"
)

// AssertionError is returned when an assertion fails. It includes the
// full trace so a failure report stands on its own.
type AssertionError struct {
	Type     string       // assertion type for categorization
	Expected string       // human-readable expected outcome
	Actual   string       // human-readable actual outcome
	Trace    []TraceEvent // full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, formatEvent(ev))
	}
	return buf.String()
}

// formatEvent renders one trace event as a single diagnostic line.
func formatEvent(ev TraceEvent) string {
	switch ev.Kind {
	case EventChange:
		return fmt.Sprintf("change %s: %s -> %s (batch %d)", ev.Path, ev.Old, ev.Value, ev.Batch)
	case EventInsert, EventRemove:
		idx := -1
		if ev.Index != nil {
			idx = *ev.Index
		}
		s := fmt.Sprintf("%s %s[%d]", ev.Kind, ev.Path, idx)
		if ev.Tag != "" {
			s += " tag=" + ev.Tag
		}
		return fmt.Sprintf("%s (batch %d)", s, ev.Batch)
	case EventCreate, EventDispose:
		return fmt.Sprintf("%s %s (batch %d)", ev.Kind, ev.Path, ev.Batch)
	case EventPending:
		return fmt.Sprintf("pending on %s (batch %d)", ev.Value, ev.Batch)
	case EventCoherent:
		return fmt.Sprintf("coherent (batch %d)", ev.Batch)
	case EventGet:
		return fmt.Sprintf("get %s = %s", ev.Path, ev.Value)
	case EventError:
		return fmt.Sprintf("error %s: %s", ev.Code, ev.Value)
	default:
		return ev.Kind
	}
}

// AssertionContext provides the sealed engine for final-state reads.
type AssertionContext struct {
	Engine *engine.Engine
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertValue:
			if actx == nil || actx.Engine == nil {
				err = fmt.Errorf("assertions[%d]: value requires an engine context", i)
			} else {
				err = assertValue(actx.Engine, result, assertion)
			}
		case AssertChanges:
			err = assertChanges(result, assertion)
		case AssertMutations:
			err = assertMutations(result, assertion)
		case AssertCoherent:
			err = assertCoherent(result, assertion)
		case AssertError:
			err = assertError(result, assertion)
		default:
			err = fmt.Errorf("assertions[%d]: unknown assertion type %q", i, assertion.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// assertValue reads the path from the settled engine and compares it
// structurally against the expected value.
func assertValue(eng *engine.Engine, result *Result, assertion Assertion) error {
	want, err := value.FromAny(assertion.Equals)
	if err != nil {
		return fmt.Errorf("value assertion for %s: bad expected value: %w", assertion.Path, err)
	}
	got, err := eng.Get(assertion.Path)
	if err != nil {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s = %s", assertion.Path, value.Format(want)),
			Actual:   fmt.Sprintf("read failed: %v", err),
			Trace:    result.Trace,
		}
	}
	if !value.Equal(got, want) {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s = %s", assertion.Path, value.Format(want)),
			Actual:   fmt.Sprintf("%s = %s", assertion.Path, value.Format(got)),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertChanges checks that the path saw exactly Count change events.
// Netting makes this a strong claim: a no-op write or an unchanged
// recompute produces no event to count.
func assertChanges(result *Result, assertion Assertion) error {
	n := result.CountChanges(assertion.Path)
	if n != assertion.Count {
		return &AssertionError{
			Type:     AssertChanges,
			Expected: fmt.Sprintf("%d change events for %s", assertion.Count, assertion.Path),
			Actual:   fmt.Sprintf("%d change events", n),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertMutations checks that the target saw exactly Count structural
// events, optionally narrowed to one kind.
func assertMutations(result *Result, assertion Assertion) error {
	n := result.CountMutations(assertion.Target, assertion.Kind)
	if n != assertion.Count {
		kind := assertion.Kind
		if kind == "" {
			kind = "mutation"
		}
		return &AssertionError{
			Type:     AssertMutations,
			Expected: fmt.Sprintf("%d %s events for %s", assertion.Count, kind, assertion.Target),
			Actual:   fmt.Sprintf("%d events", n),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertCoherent checks the model's final coherence state.
func assertCoherent(result *Result, assertion Assertion) error {
	if result.Coherent != assertion.Is {
		return &AssertionError{
			Type:     AssertCoherent,
			Expected: fmt.Sprintf("coherent = %t", assertion.Is),
			Actual:   fmt.Sprintf("coherent = %t", result.Coherent),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertError checks that some step failed with the given code.
func assertError(result *Result, assertion Assertion) error {
	for _, ev := range result.Trace {
		if ev.Kind == EventError && ev.Code == assertion.Code {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertError,
		Expected: fmt.Sprintf("a step error with code %s", assertion.Code),
		Actual:   "no step error with that code",
		Trace:    result.Trace,
	}
}
