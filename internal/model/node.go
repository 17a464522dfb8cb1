package model

import (
	"strconv"

	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/propref"
)

// ExistenceState tracks a node's lifecycle.
type ExistenceState uint8

const (
	// ExistenceTemplate: declared shape only (named templates, list
	// item templates, specialization overlays, and optional subtrees
	// before creation).
	ExistenceTemplate ExistenceState = iota
	// ExistenceExisting: live in the evaluating model.
	ExistenceExisting
	// ExistenceDisposed: was live, now torn down. Terminal for the
	// instance; an optional slot can be created again with a fresh
	// instance.
	ExistenceDisposed
)

// String returns the state name used in diagnostics.
func (s ExistenceState) String() string {
	switch s {
	case ExistenceExisting:
		return "existing"
	case ExistenceDisposed:
		return "disposed"
	default:
		return "template"
	}
}

// Node is one point in the model tree. It owns properties, child
// nodes, and node-lists, each kept in declaration order. A node is
// either part of the declared shape (existence template) or a live
// part of the evaluating model.
type Node struct {
	model     *Model
	name      string
	parent    *Node
	existence ExistenceState
	optional  bool
	tag       string
	templRef  string
	id        int64
	index     int

	children   map[string]*Node
	childOrder []string
	lists      map[string]*NodeList
	listOrder  []string
	props      map[string]*Property
	propOrder  []string
	handlers   []*Handler

	// decl points at the declaration shape this node was cloned from;
	// nil on declaration nodes themselves. overlay points at the
	// specialization overlay merged in (list items only). live is the
	// current materialization of a template slot (optional nodes and
	// aliased nodes), nil while not created; slot is the inverse link.
	decl    *Node
	overlay *Node
	live    *Node
	slot    *Node
	itemOf  *NodeList
}

func newNode(m *Model, parent *Node, name string, existence ExistenceState) *Node {
	return &Node{
		model:     m,
		name:      name,
		parent:    parent,
		existence: existence,
		index:     -1,
		children:  make(map[string]*Node),
		lists:     make(map[string]*NodeList),
		props:     make(map[string]*Property),
	}
}

// Name returns the node name ("" for the root).
func (n *Node) Name() string { return n.name }

// Parent returns the parent node, nil for the root and for template
// roots.
func (n *Node) Parent() *Node { return n.parent }

// Existence returns the node's lifecycle state.
func (n *Node) Existence() ExistenceState { return n.existence }

// IsOptional reports whether this node is an optional slot.
func (n *Node) IsOptional() bool { return n.optional }

// Tag returns the specialization tag (list items only; "" otherwise).
func (n *Node) Tag() string { return n.tag }

// TemplateRef returns the DefineAs target, "" when not aliased.
func (n *Node) TemplateRef() string { return n.templRef }

// ID returns the stable instance id, 0 until materialized.
func (n *Node) ID() int64 { return n.id }

// SetID assigns the instance id. Materialization use only.
func (n *Node) SetID(id int64) { n.id = id }

// Index returns the item index for list items, -1 otherwise.
func (n *Node) Index() int { return n.index }

// ItemOf returns the owning list for items and item templates, nil
// otherwise.
func (n *Node) ItemOf() *NodeList { return n.itemOf }

// Decl returns the declaration shape for cloned nodes, or the node
// itself when it is its own declaration.
func (n *Node) Decl() *Node {
	if n.decl != nil {
		return n.decl
	}
	return n
}

// Overlay returns the specialization overlay shape merged into this
// item, nil when unspecialized.
func (n *Node) Overlay() *Node { return n.overlay }

// Live returns the current materialization of a template slot, nil
// while not created. For ordinary live nodes Live returns the node.
func (n *Node) Live() *Node {
	if n.isSlot() {
		return n.live
	}
	return n
}

// isSlot reports whether the node is a declaration slot that
// materializes via cloning (optional nodes and aliased nodes).
func (n *Node) isSlot() bool {
	return n.optional || n.templRef != ""
}

// IsSlot reports whether the node materializes via cloning rather than
// being live itself.
func (n *Node) IsSlot() bool { return n.isSlot() }

// Path returns the absolute node path, e.g. "grid/rows/2". The root
// path is "".
func (n *Node) Path() string {
	if n.itemOf != nil && n.index >= 0 {
		return n.itemOf.Path() + "/" + strconv.Itoa(n.index)
	}
	if n.parent == nil {
		return n.name
	}
	pp := n.parent.Path()
	if pp == "" {
		return n.name
	}
	return pp + "/" + n.name
}

// Children returns the child nodes in declaration order.
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, len(n.childOrder))
	for _, name := range n.childOrder {
		out = append(out, n.children[name])
	}
	return out
}

// Lists returns the node-lists in declaration order.
func (n *Node) Lists() []*NodeList {
	out := make([]*NodeList, 0, len(n.listOrder))
	for _, name := range n.listOrder {
		out = append(out, n.lists[name])
	}
	return out
}

// Properties returns the properties in declaration order.
func (n *Node) Properties() []*Property {
	out := make([]*Property, 0, len(n.propOrder))
	for _, name := range n.propOrder {
		out = append(out, n.props[name])
	}
	return out
}

// ChildNamed returns the named child, nil when absent.
func (n *Node) ChildNamed(name string) *Node {
	return n.children[propref.Normalize(name)]
}

// ListNamed returns the named node-list, nil when absent.
func (n *Node) ListNamed(name string) *NodeList {
	return n.lists[propref.Normalize(name)]
}

// PropertyNamed returns the named property, nil when absent.
func (n *Node) PropertyNamed(name string) *Property {
	return n.props[propref.Normalize(name)]
}

// HandlerDecls returns the handler declarations for this node's shape:
// its declaration's handlers plus, for specialized items, the overlay's.
func (n *Node) HandlerDecls() []*Handler {
	decl := n.Decl()
	if n.overlay == nil {
		return decl.handlers
	}
	out := make([]*Handler, 0, len(decl.handlers)+len(n.overlay.handlers))
	out = append(out, decl.handlers...)
	out = append(out, n.overlay.handlers...)
	return out
}

// Child declares (or returns the already declared) child node.
// Building phase only; violations are collected and surface at seal.
func (n *Node) Child(name string) *Node {
	return n.declareChild(name, false)
}

// Optional declares (or returns) an optional child: its subtree is
// declared now but not materialized until CreateNode.
func (n *Node) Optional(name string) *Node {
	return n.declareChild(name, true)
}

func (n *Node) declareChild(name string, optional bool) *Node {
	name = propref.Normalize(name)
	if n.model.sealGuard(n.Path() + "/" + name) {
		return newNode(n.model, nil, name, ExistenceTemplate)
	}
	if !propref.ValidName(name) {
		n.model.collect(&StructuralError{
			Code:    ErrCodeBadName,
			Path:    n.Path(),
			Message: "invalid node name " + strconv.Quote(name),
		})
		return newNode(n.model, nil, name, ExistenceTemplate)
	}
	if existing, ok := n.children[name]; ok {
		if existing.optional != optional {
			n.model.collect(&StructuralError{
				Code:    ErrCodeBadName,
				Path:    existing.Path(),
				Message: "node redeclared with a different optionality",
			})
		}
		return existing
	}
	existence := n.existence
	if optional {
		existence = ExistenceTemplate
	}
	child := newNode(n.model, n, name, existence)
	child.optional = optional
	n.children[name] = child
	n.childOrder = append(n.childOrder, name)
	return child
}

// List declares (or returns) a node-list on this node.
func (n *Node) List(name string) *NodeList {
	name = propref.Normalize(name)
	if n.model.sealGuard(n.Path() + "/" + name) {
		return newDetachedList(n.model, name)
	}
	if !propref.ValidName(name) {
		n.model.collect(&StructuralError{
			Code:    ErrCodeBadName,
			Path:    n.Path(),
			Message: "invalid list name " + strconv.Quote(name),
		})
		return newDetachedList(n.model, name)
	}
	if existing, ok := n.lists[name]; ok {
		return existing
	}
	l := newList(n.model, n, name)
	n.lists[name] = l
	n.listOrder = append(n.listOrder, name)
	return l
}

// Constant declares an externally writable property with an initial
// value.
func (n *Node) Constant(name string, initial cty.Value) *Node {
	name = propref.Normalize(name)
	if n.model.sealGuard(n.Path() + "/" + name) {
		return n
	}
	if !propref.ValidName(name) {
		n.model.collect(&StructuralError{
			Code:    ErrCodeBadName,
			Path:    n.Path(),
			Message: "invalid property name " + strconv.Quote(name),
		})
		return n
	}
	if existing, ok := n.props[name]; ok {
		if existing.kind == ProviderConstant {
			n.model.collect(&StructuralError{
				Code:    ErrCodeConstantProvider,
				Path:    existing.Path(),
				Message: "constant redeclared",
			})
		} else {
			existing.kind = ProviderConstant
			existing.initial = initial
		}
		return n
	}
	p := &Property{name: name, node: n, kind: ProviderConstant, initial: initial, value: cty.NilVal}
	n.props[name] = p
	n.propOrder = append(n.propOrder, name)
	return n
}

// EnsureProperty returns the named property, declaring an unresolved
// stub when absent. Seal use.
func (n *Node) EnsureProperty(name string) *Property {
	name = propref.Normalize(name)
	if existing, ok := n.props[name]; ok {
		return existing
	}
	p := &Property{name: name, node: n, kind: ProviderNone, value: cty.NilVal}
	n.props[name] = p
	n.propOrder = append(n.propOrder, name)
	return p
}

// Attach declares a handler on this node. Declaration order across the
// whole model is the evaluation tie-break.
func (n *Node) Attach(h Handler) *Node {
	if n.model.sealGuard(n.Path()) {
		return n
	}
	if h.Mode != ListNone {
		n.model.collect(&StructuralError{
			Code:    ErrCodeWholeListPlacement,
			Path:    n.Path(),
			Message: "list-mode handler " + strconv.Quote(h.Name) + " attached to a node",
		})
		return n
	}
	hc := h
	hc.node = n
	hc.seq = n.model.nextSeq()
	n.handlers = append(n.handlers, &hc)
	n.model.registerHandler(&hc)
	return n
}

// DefineAs declares that this node takes the named template's shape.
// The node must not declare a shape of its own.
func (n *Node) DefineAs(template string) *Node {
	if n.model.sealGuard(n.Path()) {
		return n
	}
	if n.templRef != "" || len(n.childOrder) > 0 || len(n.propOrder) > 0 || len(n.listOrder) > 0 || len(n.handlers) > 0 {
		n.model.collect(&StructuralError{
			Code:    ErrCodeUnknownTemplate,
			Path:    n.Path(),
			Message: "aliased node declares a shape of its own",
		})
		return n
	}
	n.templRef = propref.Normalize(template)
	if !n.optional {
		// Non-optional aliased nodes expand at seal; until then the
		// node acts as a slot.
		n.existence = ExistenceTemplate
	}
	return n
}

// SetLive grafts a materialized clone into this slot (nil clears it
// after disposal). Materialization use only.
func (n *Node) SetLive(clone *Node) {
	n.live = clone
	if clone != nil {
		clone.slot = n
	}
}

// Slot returns the declaration slot this clone materializes, nil for
// list items and declaration nodes.
func (n *Node) Slot() *Node { return n.slot }

// MarkDisposed flips the node (and its properties) to the disposed
// state. Engine use only; does not recurse.
func (n *Node) MarkDisposed() {
	n.existence = ExistenceDisposed
	for _, p := range n.props {
		p.state = StateDisposed
	}
}

// SetIndex reassigns a list item's index. List mutation use only.
func (n *Node) SetIndex(i int) { n.index = i }
