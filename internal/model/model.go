// Package model holds the declarative side of composer: the node tree,
// properties, node-lists, and handler declarations built up during the
// building phase.
//
// A Model is populated through the builder methods on Node and NodeList
// and then handed to engine.Seal, which validates the declarations,
// builds the dependency graph, and returns the evaluating-phase runtime.
// Declaration violations are collected (not thrown) so one seal reports
// every problem at once; after seal every declaration method records
// ErrCodeSealed instead of mutating.
package model

import (
	"errors"
	"strconv"

	"github.com/dchambers/composer/internal/propref"
)

// Phase is the model lifecycle phase.
type Phase uint8

const (
	// PhaseBuilding: declarations accepted, no evaluation.
	PhaseBuilding Phase = iota
	// PhaseSealed: shape frozen, evaluation running.
	PhaseSealed
)

// String returns the phase name used in diagnostics.
func (p Phase) String() string {
	if p == PhaseSealed {
		return "sealed"
	}
	return "building"
}

// Model is the declared shape of a composed model: one root node plus
// named templates. All mutation goes through the single-goroutine
// builder surface; the model is not safe for concurrent declaration.
type Model struct {
	name      string
	root      *Node
	templates map[string]*Node
	tmplOrder []string

	// handlers holds every attached handler in global registration
	// order. This order NEVER changes after seal: it is the evaluation
	// tie-break between independent handlers.
	handlers []*Handler
	seq      int

	phase Phase
	errs  []*StructuralError
}

// Option configures a Model at construction.
type Option func(*Model)

// WithName sets a diagnostic name for the model, used in logs and
// snapshot headers. Defaults to "model".
func WithName(name string) Option {
	return func(m *Model) {
		m.name = name
	}
}

// New creates an empty model in the building phase.
func New(opts ...Option) *Model {
	m := &Model{
		name:      "model",
		templates: make(map[string]*Node),
	}
	m.root = newNode(m, nil, "", ExistenceExisting)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the diagnostic model name.
func (m *Model) Name() string { return m.name }

// Root returns the root node. Its path is "".
func (m *Model) Root() *Node { return m.root }

// Phase returns the current lifecycle phase.
func (m *Model) Phase() Phase { return m.phase }

// Sealed reports whether the model has left the building phase.
func (m *Model) Sealed() bool { return m.phase == PhaseSealed }

// Template declares (or returns the already declared) named template: a
// template-only shape that nodes alias via DefineAs. Template roots have
// no parent; up-level references inside them resolve only once the
// template is materialized into a concrete slot.
func (m *Model) Template(name string) *Node {
	name = propref.Normalize(name)
	if m.sealGuard("template " + name) {
		return newNode(m, nil, name, ExistenceTemplate)
	}
	if !propref.ValidName(name) {
		m.collect(&StructuralError{
			Code:    ErrCodeBadName,
			Message: "invalid template name " + strconv.Quote(name),
		})
		return newNode(m, nil, name, ExistenceTemplate)
	}
	if existing, ok := m.templates[name]; ok {
		return existing
	}
	t := newNode(m, nil, name, ExistenceTemplate)
	m.templates[name] = t
	m.tmplOrder = append(m.tmplOrder, name)
	return t
}

// TemplateNamed returns the named template, nil when undeclared.
func (m *Model) TemplateNamed(name string) *Node {
	return m.templates[propref.Normalize(name)]
}

// TemplateNames returns the declared template names in declaration
// order.
func (m *Model) TemplateNames() []string {
	out := make([]string, len(m.tmplOrder))
	copy(out, m.tmplOrder)
	return out
}

// Handlers returns every attached handler in registration order.
func (m *Model) Handlers() []*Handler { return m.handlers }

// MarkSealed transitions the model to the sealed phase. Seal use only;
// the transition is one-way.
func (m *Model) MarkSealed() { m.phase = PhaseSealed }

// CollectedErrors returns the declaration violations gathered so far,
// joined into one error (nil when clean). Seal drains this first.
func (m *Model) CollectedErrors() error {
	if len(m.errs) == 0 {
		return nil
	}
	joined := make([]error, len(m.errs))
	for i, e := range m.errs {
		joined[i] = e
	}
	return errors.Join(joined...)
}

// Collect records a structural violation found outside the builder
// surface (seal-time validation).
func (m *Model) Collect(err *StructuralError) { m.collect(err) }

// sealGuard records an ErrCodeSealed violation and reports true when
// the model is no longer accepting declarations.
func (m *Model) sealGuard(path string) bool {
	if m.phase != PhaseSealed {
		return false
	}
	m.collect(&StructuralError{
		Code:    ErrCodeSealed,
		Path:    path,
		Message: "declaration after seal",
	})
	return true
}

func (m *Model) collect(err *StructuralError) {
	m.errs = append(m.errs, err)
}

// nextSeq hands out the global handler registration sequence.
func (m *Model) nextSeq() int {
	m.seq++
	return m.seq
}

// registerHandler appends to the global registration-order slice.
func (m *Model) registerHandler(h *Handler) {
	m.handlers = append(m.handlers, h)
}
