package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario: a model directory, a
// flow of runtime steps, and assertions over the resulting trace and
// final state.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are keyed
	// by it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Model is the directory holding the model's CUE files. Relative
	// paths resolve against the scenario file's directory.
	Model string `yaml:"model"`

	// Steps is the runtime flow to drive against the sealed model.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state after the flow.
	// Supported types: value, changes, mutations, coherent, error.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one runtime operation of the flow. Op selects the operation;
// the other fields apply per op.
type Step struct {
	// Op is the operation: set, flush, add, remove, create, dispose,
	// or get.
	Op string `yaml:"op"`

	// Path is the property path (set, get).
	Path string `yaml:"path,omitempty"`

	// Value is the value to write (set). YAML scalars, sequences, and
	// maps are all accepted.
	Value interface{} `yaml:"value,omitempty"`

	// List is the node-list path (add, remove).
	List string `yaml:"list,omitempty"`

	// Tag selects a specialization for the new item (add).
	Tag string `yaml:"tag,omitempty"`

	// Index positions the item; nil means append (add) or last
	// (remove).
	Index *int `yaml:"index,omitempty"`

	// Node is the optional-node path (create, dispose).
	Node string `yaml:"node,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type specifies the assertion:
	//   - "value": Get Path and compare against Equals
	//   - "changes": Path saw exactly Count change events
	//   - "mutations": Target saw exactly Count structural events
	//   - "coherent": the model ended coherent (Is true) or pending
	//   - "error": a step failed with the given Code
	Type string `yaml:"type"`

	// Path is the property path (value, changes).
	Path string `yaml:"path,omitempty"`

	// Equals is the expected value (value).
	Equals interface{} `yaml:"equals,omitempty"`

	// Target is the node-list or optional-node path (mutations).
	Target string `yaml:"target,omitempty"`

	// Kind narrows mutations to one kind: insert, remove, create, or
	// dispose. Empty counts all kinds.
	Kind string `yaml:"kind,omitempty"`

	// Count is the expected number of events (changes, mutations).
	Count int `yaml:"count,omitempty"`

	// Is is the expected coherence state (coherent).
	Is bool `yaml:"is,omitempty"`

	// Code is the expected error code (error), e.g. UNKNOWN_PATH or
	// MULTIPLEX_CONFLICT.
	Code string `yaml:"code,omitempty"`
}

// Step op constants.
const (
	OpSet     = "set"
	OpFlush   = "flush"
	OpAdd     = "add"
	OpRemove  = "remove"
	OpCreate  = "create"
	OpDispose = "dispose"
	OpGet     = "get"
)

// Assertion type constants.
const (
	AssertValue     = "value"
	AssertChanges   = "changes"
	AssertMutations = "mutations"
	AssertCoherent  = "coherent"
	AssertError     = "error"
)

// LoadScenario reads and parses a scenario YAML file. The model path
// is resolved relative to the scenario file's directory. Returns an
// error if the file doesn't exist, is malformed, contains unknown
// fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" for
	// "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}

	if scenario.Model != "" && !filepath.IsAbs(scenario.Model) {
		scenario.Model = filepath.Join(filepath.Dir(path), scenario.Model)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if fi, err := os.Stat(s.Model); err != nil || !fi.IsDir() {
		return fmt.Errorf("model directory not found: %s", s.Model)
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its op.
func validateStep(index int, s *Step) error {
	switch s.Op {
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	case OpSet:
		if s.Path == "" {
			return fmt.Errorf("steps[%d]: path is required for set", index)
		}
	case OpGet:
		if s.Path == "" {
			return fmt.Errorf("steps[%d]: path is required for get", index)
		}
	case OpAdd, OpRemove:
		if s.List == "" {
			return fmt.Errorf("steps[%d]: list is required for %s", index, s.Op)
		}
	case OpCreate, OpDispose:
		if s.Node == "" {
			return fmt.Errorf("steps[%d]: node is required for %s", index, s.Op)
		}
	case OpFlush:
		// no fields
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, s.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertValue:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for value", index)
		}
	case AssertChanges:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for changes", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for changes", index)
		}
	case AssertMutations:
		if a.Target == "" {
			return fmt.Errorf("assertions[%d]: target is required for mutations", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for mutations", index)
		}
		switch a.Kind {
		case "", EventInsert, EventRemove, EventCreate, EventDispose:
		default:
			return fmt.Errorf("assertions[%d]: unknown mutation kind %q", index, a.Kind)
		}
	case AssertCoherent:
		// Is carries the expectation; no other fields
	case AssertError:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for error", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
