package model

import "github.com/zclconf/go-cty/cty"

// ProviderKind says how a property gets its value.
type ProviderKind uint8

const (
	// ProviderNone: referenced as an input but no provider declared.
	// Legal only before seal; every materialized property has a real
	// provider kind.
	ProviderNone ProviderKind = iota
	// ProviderSingle: exactly one handler computes the property.
	ProviderSingle
	// ProviderConstant: declared with an initial value; externally
	// writable.
	ProviderConstant
	// ProviderMultiplex: one or more handlers compute it, all carrying
	// the multiplex flag; externally writable.
	ProviderMultiplex
)

// String returns the kind name used in diagnostics and the inspector.
func (k ProviderKind) String() string {
	switch k {
	case ProviderSingle:
		return "computed"
	case ProviderConstant:
		return "constant"
	case ProviderMultiplex:
		return "multiplex"
	default:
		return "unresolved"
	}
}

// Writable reports whether external writes may target this kind.
func (k ProviderKind) Writable() bool {
	return k == ProviderConstant || k == ProviderMultiplex
}

// PropertyState is the per-property evaluation state.
type PropertyState uint8

const (
	// StateUnevaluated: materialized but never evaluated.
	StateUnevaluated PropertyState = iota
	// StateValid: value is current.
	StateValid
	// StateStale: an upstream change invalidated the value.
	StateStale
	// StatePending: the providing handler declined (not ready).
	StatePending
	// StateDisposed: the owning node was disposed. Terminal.
	StateDisposed
)

// String returns the state name used in diagnostics.
func (s PropertyState) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateStale:
		return "stale"
	case StatePending:
		return "pending"
	case StateDisposed:
		return "disposed"
	default:
		return "unevaluated"
	}
}

// Property is a leaf value slot on a node. Declaration fields (name,
// kind, providers) are fixed at seal; value and state belong to the
// evaluating phase and are managed by the engine.
type Property struct {
	name    string
	node    *Node
	kind    ProviderKind
	initial cty.Value
	// providers lists the handler declarations that output here.
	// Populated during seal for validation and diagnostics.
	providers []*Handler

	value cty.Value
	state PropertyState
}

// Name returns the property name.
func (p *Property) Name() string { return p.name }

// Node returns the owning node.
func (p *Property) Node() *Node { return p.node }

// Kind returns the provider kind.
func (p *Property) Kind() ProviderKind { return p.kind }

// Initial returns the declared initial value (constants only; NilVal
// otherwise).
func (p *Property) Initial() cty.Value { return p.initial }

// Providers returns the handler declarations providing this property.
func (p *Property) Providers() []*Handler { return p.providers }

// Path returns the absolute path of the property, e.g. "grid/rows/2/price".
func (p *Property) Path() string {
	np := p.node.Path()
	if np == "" {
		return p.name
	}
	return np + "/" + p.name
}

// Value returns the committed value (NilVal until first evaluation).
func (p *Property) Value() cty.Value { return p.value }

// State returns the evaluation state.
func (p *Property) State() PropertyState { return p.state }

// Commit stores a committed value and marks the property valid.
// Engine use only.
func (p *Property) Commit(v cty.Value) {
	p.value = v
	p.state = StateValid
}

// SetState sets the evaluation state. Engine use only.
func (p *Property) SetState(s PropertyState) { p.state = s }

// ResolveKind records the resolved provider kind. Seal use only.
func (p *Property) ResolveKind(k ProviderKind) { p.kind = k }

// AddProvider records a providing handler declaration. Seal use only.
func (p *Property) AddProvider(h *Handler) { p.providers = append(p.providers, h) }
