package graph

import (
	"fmt"
	"sync/atomic"

	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/model"
	"github.com/dchambers/composer/internal/propref"
)

// EdgeKind discriminates the materialized forms of a declared ref.
type EdgeKind uint8

const (
	// EdgeBound: the ref resolved to one concrete live property.
	EdgeBound EdgeKind = iota
	// EdgeAggregate: the ref spans a node-list; its value is a tuple of
	// the per-item property values in item order.
	EdgeAggregate
	// EdgeDeferred: the ref is structurally valid but its target lives
	// inside a slot that is not currently materialized (uncreated
	// optional node) or on an overlay this item does not carry. The
	// edge re-binds when the target comes into existence.
	EdgeDeferred
)

// Edge is one materialized input or output binding of an instance.
type Edge struct {
	// Ref is the declared reference this edge materializes.
	Ref propref.Ref
	// Kind says how the ref resolved for this instance.
	Kind EdgeKind
	// Prop is the concrete target (EdgeBound only).
	Prop *model.Property
	// List is the governing live list and ItemRef the per-item
	// remainder (EdgeAggregate only).
	List    *model.NodeList
	ItemRef propref.Ref
}

// Key returns the alias under which this edge's value travels in
// handler input/output maps.
func (e *Edge) Key() string { return e.Ref.Key() }

// Instance is one materialized activation of a handler declaration:
// a plain handler on a live node, one per-item copy of an item-scoped
// handler, or a whole-list handler spanning a list. Structural fields
// are fixed at materialization; the evaluation-state fields are owned
// by the scheduler and must only be touched on the evaluating
// goroutine.
type Instance struct {
	// ID is the stable instance id from the graph clock.
	ID int64
	// Activation distinguishes re-creations: a disposed optional node
	// created again yields instances with fresh activation ids, so
	// late refresh callbacks from the old activation are ignored.
	Activation int64
	// Decl is the handler declaration this instance materializes.
	Decl *model.Handler
	// Ctx is the live node declaration refs resolve against.
	Ctx *model.Node
	// Item is the bound list item for item-scoped instances (each-item
	// handlers, fan-out replicas, and instances inside item subtrees);
	// nil otherwise.
	Item *model.Node
	// List is the governed live list for whole-list instances; nil
	// otherwise. Its refs resolve into aggregate edges over it.
	List *model.NodeList

	// Inputs and Outputs hold the materialized edges in declaration
	// order, parallel to Decl.Inputs / Decl.Outputs.
	Inputs  []*Edge
	Outputs []*Edge

	// Scheduler state. Marked: scheduled to run in the open batch.
	// NotReady: the last invocation declined; outputs are pending.
	// Refreshed: an explicit re-invalidation arrived; bypasses the
	// no-op cutoff. Ran: at least one completed invocation.
	Marked    bool
	NotReady  bool
	Refreshed bool
	Ran       bool
	// LastIn and Prev are the inputs and outputs of the last completed
	// run. Overridden marks outputs externally written since then.
	LastIn     map[string]cty.Value
	Prev       map[string]cty.Value
	Overridden map[string]bool

	impl     model.Instance
	disposed atomic.Bool
}

// Invoke runs the handler once with the given invocation view.
func (i *Instance) Invoke(inv *model.Invocation) (map[string]cty.Value, error) {
	switch ev := i.Decl.Eval.(type) {
	case model.Func:
		return ev(inv)
	case model.Constructor:
		return i.impl.Invoke(inv)
	default:
		return nil, fmt.Errorf("handler %q: unknown evaluable %T", i.Decl.Name, i.Decl.Eval)
	}
}

// Stateful reports whether the instance wraps a constructed stateful
// handler.
func (i *Instance) Stateful() bool { return i.impl != nil }

// Disposed reports whether the instance has been deactivated.
func (i *Instance) Disposed() bool { return i.disposed.Load() }

// ItemIndex returns the bound item's current index, -1 for instances
// that are not item-scoped.
func (i *Instance) ItemIndex() int {
	if i.Item == nil {
		return -1
	}
	return i.Item.Index()
}

// Less orders instances for evaluation tie-breaks: declaration
// sequence first, then item index, then activation id.
func (i *Instance) Less(o *Instance) bool {
	if i.Decl.Seq() != o.Decl.Seq() {
		return i.Decl.Seq() < o.Decl.Seq()
	}
	if i.ItemIndex() != o.ItemIndex() {
		return i.ItemIndex() < o.ItemIndex()
	}
	return i.ID < o.ID
}

// Name returns a diagnostic label: the handler name plus the bound
// item index when item-scoped.
func (i *Instance) Name() string {
	if i.Item != nil {
		return fmt.Sprintf("%s[%d]", i.Decl.Name, i.Item.Index())
	}
	return i.Decl.Name
}

// dispose flips the liveness flag and tears down a stateful impl.
// The flag flips first so a Refresh racing with disposal is dropped;
// Dispose itself completes before the caller unlinks the outputs.
func (i *Instance) dispose() {
	if !i.disposed.CompareAndSwap(false, true) {
		return
	}
	if d, ok := i.impl.(model.Disposer); ok {
		d.Dispose()
	}
}

// control is the model.Control handed to stateful constructors. It
// routes Refresh through the scheduler's queue, tagged with the
// activation id so completions from disposed activations are ignored.
type control struct {
	inst    *Instance
	refresh RefreshFunc
}

// Refresh implements model.Control. Safe from any goroutine; a no-op
// once the instance is disposed.
func (c control) Refresh() {
	if c.inst.disposed.Load() || c.refresh == nil {
		return
	}
	c.refresh(c.inst.ID, c.inst.Activation)
}

// RefreshFunc receives re-invalidation signals from stateful handler
// instances. Implementations must be safe to call from any goroutine.
type RefreshFunc func(instance, activation int64)
