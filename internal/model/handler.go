package model

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/propref"
)

// ListMode says how a handler relates to a node-list.
type ListMode uint8

const (
	// ListNone: an ordinary handler on a node.
	ListNone ListMode = iota
	// ListEachItem: one instance per list item; refs resolve relative
	// to the item node.
	ListEachItem
	// ListWholeList: one instance spanning all items; every ref becomes
	// an aggregate edge carrying tuples in item order.
	ListWholeList
)

// Handler declares a unit of computation: input refs, output refs, and
// the evaluable that maps one to the other. Handlers attach to a node
// or a node-list during the building phase and are materialized into
// instances at seal or when their context comes into existence.
type Handler struct {
	// Name labels the handler in errors, logs, and the inspector.
	Name string
	// Inputs and Outputs are resolved against the context node.
	Inputs  []propref.Ref
	Outputs []propref.Ref
	// Tag restricts item-scoped instances to items created with this
	// specialization tag. Empty runs for every item.
	Tag string
	// Mode is the list relation. ListEachItem and ListWholeList are
	// valid only when attached to a node-list.
	Mode ListMode
	// Eval is the computation.
	Eval Evaluable

	seq  int
	node *Node
	list *NodeList
}

// InputKeys returns the declared input aliases in declaration order.
func (h *Handler) InputKeys() []string {
	out := make([]string, len(h.Inputs))
	for i, r := range h.Inputs {
		out[i] = r.Key()
	}
	return out
}

// OutputKeys returns the declared output aliases in declaration order.
func (h *Handler) OutputKeys() []string {
	out := make([]string, len(h.Outputs))
	for i, r := range h.Outputs {
		out[i] = r.Key()
	}
	return out
}

// Seq returns the global registration sequence, assigned at attach.
// It is the evaluation-order tie-break between independent handlers.
func (h *Handler) Seq() int { return h.seq }

// ContextNode returns the node the handler is attached to (nil when
// attached to a list).
func (h *Handler) ContextNode() *Node { return h.node }

// ContextList returns the list the handler is attached to (nil when
// attached to a node).
func (h *Handler) ContextList() *NodeList { return h.list }

// Invocation carries one handler run's view of the model.
type Invocation struct {
	// In holds the resolved current input values, keyed by input alias.
	// Inputs that do not exist on this instance's shape (unspecialized
	// items read by a base handler) are absent from the map.
	In map[string]cty.Value
	// Prev holds the instance's previous outputs, keyed by output
	// alias. Empty on the first run.
	Prev map[string]cty.Value
	// Overridden marks outputs externally overridden since the
	// instance's last run, so it may defer to the override by omitting
	// the key from its return.
	Overridden map[string]bool
	// InputKeys and OutputKeys list the declared aliases in declaration
	// order, so generic evaluables can address inputs and outputs
	// positionally.
	InputKeys  []string
	OutputKeys []string
	// Index is the item index for item-scoped instances, else -1.
	Index int
}

// Evaluable is the computation attached to a handler declaration.
// It is a closed interface: the two implementations are Func
// (stateless) and Constructor (stateful).
type Evaluable interface {
	evaluable()
}

// Func is a stateless evaluable. The returned map is keyed by output
// alias; omitting a key retains the property's previous value.
// Returning ErrNotReady declines the invocation.
type Func func(inv *Invocation) (map[string]cty.Value, error)

func (Func) evaluable() {}

// Constructor is a stateful evaluable: it is called once per
// activation and returns the instance that will handle invocations
// until deactivation.
type Constructor func(ctl Control) (Instance, error)

func (Constructor) evaluable() {}

// Instance is one activation of a stateful handler.
type Instance interface {
	Invoke(inv *Invocation) (map[string]cty.Value, error)
}

// Disposer is implemented by instances that need teardown. Dispose is
// called exactly once, before the instance's outputs are removed.
type Disposer interface {
	Dispose()
}

// Control is handed to stateful constructors. Refresh marks the
// instance's outputs stale and schedules a fresh batch; it is safe to
// call from any goroutine and becomes a no-op once the instance is
// disposed, so late asynchronous completions are harmless.
type Control interface {
	Refresh()
}
