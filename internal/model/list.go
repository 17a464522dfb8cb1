package model

import (
	"strconv"

	"github.com/dchambers/composer/internal/propref"
)

// NodeList is an ordered collection of same-shaped item nodes. The
// shape is declared once on the item template; per-tag specialization
// overlays add handlers and properties for items created with that
// tag. Items themselves exist only in the evaluating phase.
type NodeList struct {
	model *Model
	name  string
	owner *Node

	template     *Node
	overlays     map[string]*Node
	overlayOrder []string
	handlers     []*Handler

	items []*Node

	// decl points at the declaration list for shells cloned into
	// materialized subtrees; nil on declaration lists.
	decl *NodeList
}

func newList(m *Model, owner *Node, name string) *NodeList {
	l := &NodeList{
		model:    m,
		name:     name,
		owner:    owner,
		overlays: make(map[string]*Node),
	}
	l.template = newNode(m, owner, name+"[]", ExistenceTemplate)
	l.template.itemOf = l
	return l
}

// newDetachedList backs builder chaining after a declaration error.
func newDetachedList(m *Model, name string) *NodeList {
	return newList(m, newNode(m, nil, name, ExistenceTemplate), name)
}

// Name returns the list name.
func (l *NodeList) Name() string { return l.name }

// Owner returns the node the list hangs off.
func (l *NodeList) Owner() *Node { return l.owner }

// Path returns the absolute list path, e.g. "grid/rows".
func (l *NodeList) Path() string {
	op := l.owner.Path()
	if op == "" {
		return l.name
	}
	return op + "/" + l.name
}

// Decl returns the declaration list for cloned shells, or the list
// itself when it is its own declaration.
func (l *NodeList) Decl() *NodeList {
	if l.decl != nil {
		return l.decl
	}
	return l
}

// Template returns the item template node. Shape declared on it is
// shared by every item.
func (l *NodeList) Template() *Node { return l.Decl().template }

// Specialize returns (declaring if needed) the overlay shape for a
// tag. Overlay handlers and properties apply only to items created
// with that tag, on top of the template shape.
func (l *NodeList) Specialize(tag string) *Node {
	tag = propref.Normalize(tag)
	d := l.Decl()
	if d.model.sealGuard(l.Path()) {
		return newNode(d.model, nil, tag, ExistenceTemplate)
	}
	if !propref.ValidName(tag) {
		d.model.collect(&StructuralError{
			Code:    ErrCodeBadName,
			Path:    l.Path(),
			Message: "invalid specialization tag " + strconv.Quote(tag),
		})
		return newNode(d.model, nil, tag, ExistenceTemplate)
	}
	if existing, ok := d.overlays[tag]; ok {
		return existing
	}
	ov := newNode(d.model, d.owner, l.name+"["+tag+"]", ExistenceTemplate)
	ov.itemOf = l
	ov.tag = tag
	d.overlays[tag] = ov
	d.overlayOrder = append(d.overlayOrder, tag)
	return ov
}

// Overlay returns the overlay shape for a tag, nil when undeclared.
func (l *NodeList) Overlay(tag string) *Node {
	return l.Decl().overlays[propref.Normalize(tag)]
}

// Tags returns the declared specialization tags in declaration order.
func (l *NodeList) Tags() []string {
	d := l.Decl()
	out := make([]string, len(d.overlayOrder))
	copy(out, d.overlayOrder)
	return out
}

// Attach declares a list-scoped handler. Mode must be ListEachItem or
// ListWholeList.
func (l *NodeList) Attach(h Handler) *NodeList {
	d := l.Decl()
	if d.model.sealGuard(l.Path()) {
		return l
	}
	if h.Mode == ListNone {
		d.model.collect(&StructuralError{
			Code:    ErrCodeWholeListPlacement,
			Path:    l.Path(),
			Message: "node-mode handler " + strconv.Quote(h.Name) + " attached to a list",
		})
		return l
	}
	hc := h
	hc.list = l
	hc.seq = d.model.nextSeq()
	d.handlers = append(d.handlers, &hc)
	d.model.registerHandler(&hc)
	return l
}

// Handlers returns the list-scoped handler declarations.
func (l *NodeList) Handlers() []*Handler { return l.Decl().handlers }

// Items returns the live items in index order.
func (l *NodeList) Items() []*Node {
	out := make([]*Node, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the live item count.
func (l *NodeList) Len() int { return len(l.items) }

// ItemAt returns the item at index, nil when out of range.
func (l *NodeList) ItemAt(i int) *Node {
	if i < 0 || i >= len(l.items) {
		return nil
	}
	return l.items[i]
}

// InsertItem grafts a materialized item at index, shifting and
// reindexing subsequent items. Engine use only. Returns the reindexed
// items.
func (l *NodeList) InsertItem(item *Node, i int) []*Node {
	l.items = append(l.items, nil)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = item
	item.index = i
	item.itemOf = l
	reindexed := l.items[i+1:]
	for j, it := range reindexed {
		it.index = i + 1 + j
	}
	return reindexed
}

// RemoveItemAt unlinks the item at index, reindexing subsequent items.
// Engine use only. Returns the removed item and the reindexed items.
func (l *NodeList) RemoveItemAt(i int) (*Node, []*Node) {
	item := l.items[i]
	copy(l.items[i:], l.items[i+1:])
	l.items = l.items[:len(l.items)-1]
	reindexed := l.items[i:]
	for j, it := range reindexed {
		it.index = i + j
	}
	return item, reindexed
}
