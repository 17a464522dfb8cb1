package graph

import (
	"fmt"
	"strconv"

	"github.com/dchambers/composer/internal/model"
	"github.com/dchambers/composer/internal/propref"
)

// Target is the runtime resolution of a concrete path: exactly one of
// the fields is set. Node may be a slot (optional declaration); callers
// decide whether they need the slot or its materialization.
type Target struct {
	Prop *model.Property
	List *model.NodeList
	Node *model.Node
}

// Lookup resolves a concrete slash path ("grid/rows/2/price") from the
// model root to a property, node-list, node, or slot. Declaration-only
// syntax ("[]") is rejected with model.ErrNotConcrete; paths crossing
// an unmaterialized or disposed slot fail with model.ErrNotExisting.
func (g *Graph) Lookup(path string) (Target, error) {
	if path == "" {
		return Target{Node: g.m.Root()}, nil
	}
	ref, err := propref.Parse(path)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %s", model.ErrUnknownPath, path)
	}
	cur := g.m.Root()
	segs := ref.Path
	for i := 0; i < len(segs); i++ {
		seg := segs[i]
		switch seg.Kind {
		case propref.SegUp:
			return Target{}, fmt.Errorf("%w: %s", model.ErrUnknownPath, path)
		case propref.SegList:
			return Target{}, fmt.Errorf("%w: %s", model.ErrNotConcrete, path)
		case propref.SegIndex:
			return Target{}, fmt.Errorf("%w: %s", model.ErrUnknownPath, path)
		case propref.SegChild:
			if c := cur.ChildNamed(seg.Name); c != nil {
				live, err := enter(c, path)
				if err != nil {
					return Target{}, err
				}
				cur = live
				continue
			}
			l := cur.ListNamed(seg.Name)
			if l == nil {
				return Target{}, fmt.Errorf("%w: %s", model.ErrUnknownPath, path)
			}
			if i+1 >= len(segs) || segs[i+1].Kind != propref.SegIndex {
				return Target{}, fmt.Errorf("%w: %s", model.ErrNotConcrete, path)
			}
			item := l.ItemAt(segs[i+1].Index)
			if item == nil {
				return Target{}, fmt.Errorf("%w: %s[%d]", model.ErrBadIndex, l.Path(), segs[i+1].Index)
			}
			cur = item
			i++
		}
	}
	// Final segment: property, then list, then child node.
	if p := cur.PropertyNamed(ref.Prop); p != nil {
		return Target{Prop: p}, nil
	}
	if l := cur.ListNamed(ref.Prop); l != nil {
		return Target{List: l}, nil
	}
	if c := cur.ChildNamed(ref.Prop); c != nil {
		return Target{Node: c}, nil
	}
	return Target{}, fmt.Errorf("%w: %s", model.ErrUnknownPath, path)
}

// enter descends through a child, following slot materialization.
func enter(c *model.Node, path string) (*model.Node, error) {
	if c.IsSlot() {
		live := c.Live()
		if live == nil {
			return nil, fmt.Errorf("%w: %s", model.ErrNotExisting, path)
		}
		c = live
	}
	if c.Existence() == model.ExistenceDisposed {
		return nil, fmt.Errorf("%w: %s", model.ErrNotExisting, path)
	}
	return c, nil
}

// ItemProp resolves an aggregate edge's per-item remainder against one
// live item. Overlay properties are absent on items that do not carry
// the overlay; callers treat that as a hole, not a failure.
func ItemProp(item *model.Node, ref propref.Ref) (*model.Property, error) {
	return itemProp(item, ref)
}

func itemProp(item *model.Node, ref propref.Ref) (*model.Property, error) {
	cur := item
	for _, seg := range ref.Path {
		if seg.Kind != propref.SegChild {
			return nil, fmt.Errorf("aggregate remainder %s: unexpected segment %q", ref.String(), seg.String())
		}
		next := cur.ChildNamed(seg.Name)
		if next == nil {
			return nil, fmt.Errorf("aggregate remainder %s: no node %q under %s", ref.String(), seg.Name, cur.Path())
		}
		cur = next
	}
	p := cur.PropertyNamed(ref.Prop)
	if p == nil {
		return nil, fmt.Errorf("aggregate remainder %s: no property %q under %s", ref.String(), ref.Prop, cur.Path())
	}
	return p, nil
}

// resolveRef materializes one declared ref for an instance. out marks
// output refs, which ensure their target property instead of requiring
// a pre-existing one.
func (g *Graph) resolveRef(inst *Instance, ref propref.Ref, out bool) (*Edge, *model.StructuralError) {
	edge := &Edge{Ref: ref}

	// Whole-list instances resolve item-relative refs into aggregate
	// edges over the governed list; leading up-levels escape to the
	// list owner and resolve as plain refs.
	if inst.List != nil && !ref.Absolute {
		if len(ref.Path) > 0 && ref.Path[0].Kind == propref.SegUp {
			escaped := ref
			escaped.Path = ref.Path[1:]
			plain := &Instance{Decl: inst.Decl, Ctx: inst.List.Owner(), Item: inst.Item}
			return g.resolveRef(plain, escaped, out)
		}
		edge.Kind = EdgeAggregate
		edge.List = inst.List
		edge.ItemRef = propref.Ref{Path: ref.Path, Prop: ref.Prop, Alias: ref.Alias}
		return edge, nil
	}

	cur := inst.Ctx
	if ref.Absolute {
		cur = g.m.Root()
	}
	var shape *model.Node // declaration cursor once inside unmaterialized space
	unknown := false      // escaped a template root; defer all validation

	for i := 0; i < len(ref.Path); i++ {
		seg := ref.Path[i]
		if unknown {
			continue
		}
		if shape != nil {
			var serr *model.StructuralError
			shape, unknown, serr = stepShape(g.m, shape, seg, inst.Decl, ref)
			if serr != nil {
				return nil, serr
			}
			continue
		}
		switch seg.Kind {
		case propref.SegUp:
			p := cur.Parent()
			if p == nil {
				return nil, refErr(model.ErrCodeEscapesRoot, inst.Decl, ref, "path escapes the model root")
			}
			cur = p
		case propref.SegIndex:
			return nil, refErr(model.ErrCodeIndexInDeclaration, inst.Decl, ref, "index segment in a declaration ref")
		case propref.SegList:
			l := cur.ListNamed(seg.Name)
			if l == nil {
				if cur.ChildNamed(seg.Name) != nil {
					return nil, refErr(model.ErrCodeBadListTraversal, inst.Decl, ref, strconv.Quote(seg.Name)+" is not a node-list")
				}
				return nil, refErr(model.ErrCodeUnresolvedInput, inst.Decl, ref, "no node-list "+strconv.Quote(seg.Name)+" under "+cur.Path())
			}
			if ref.Aggregate {
				edge.Kind = EdgeAggregate
				edge.List = l
				edge.ItemRef = propref.Ref{Path: ref.Path[i+1:], Prop: ref.Prop, Alias: ref.Alias}
				return edge, nil
			}
			if inst.Item == nil || inst.Item.ItemOf() != l {
				return nil, refErr(model.ErrCodeBadListTraversal, inst.Decl, ref, "fan-out refs must traverse the handler's one governing list")
			}
			cur = inst.Item
		case propref.SegChild:
			if c := cur.ChildNamed(seg.Name); c != nil {
				if c.IsSlot() {
					if live := c.Live(); live != nil {
						cur = live
						continue
					}
					shape = slotShape(g.m, c)
					if shape == nil {
						unknown = true
					}
					continue
				}
				cur = c
				continue
			}
			if cur.ListNamed(seg.Name) != nil {
				return nil, refErr(model.ErrCodeBadListTraversal, inst.Decl, ref, "node-list "+strconv.Quote(seg.Name)+" needs a [] traversal")
			}
			return nil, refErr(model.ErrCodeUnresolvedInput, inst.Decl, ref, "no node "+strconv.Quote(seg.Name)+" under "+cur.Path())
		}
	}

	if unknown {
		edge.Kind = EdgeDeferred
		return edge, nil
	}
	if shape != nil {
		// Structurally valid, target not materialized. Validate the
		// property against the declared shape and defer the binding.
		decl := shape.Decl()
		if decl.PropertyNamed(ref.Prop) == nil {
			if !out {
				return nil, refErr(model.ErrCodeUnresolvedInput, inst.Decl, ref, "no property "+strconv.Quote(ref.Prop)+" on "+decl.Path())
			}
			decl.EnsureProperty(ref.Prop)
		}
		edge.Kind = EdgeDeferred
		return edge, nil
	}

	p := cur.PropertyNamed(ref.Prop)
	if p == nil {
		if out {
			edge.Kind = EdgeBound
			edge.Prop = cur.EnsureProperty(ref.Prop)
			return edge, nil
		}
		// Inputs may name overlay properties this item does not carry.
		if l := cur.ItemOf(); l != nil && overlayDeclares(l, ref.Prop) {
			edge.Kind = EdgeDeferred
			return edge, nil
		}
		return nil, refErr(model.ErrCodeUnresolvedInput, inst.Decl, ref, "no property "+strconv.Quote(ref.Prop)+" on "+cur.Path())
	}
	edge.Kind = EdgeBound
	edge.Prop = p
	return edge, nil
}

// stepShape advances the declaration-space cursor used once a walk has
// crossed into an unmaterialized slot. It validates names against the
// declared shape; escaping a parentless template root stops validation
// entirely (the escape only resolves once the shape is materialized
// somewhere concrete).
func stepShape(m *model.Model, shape *model.Node, seg propref.Segment, h *model.Handler, ref propref.Ref) (*model.Node, bool, *model.StructuralError) {
	decl := shape.Decl()
	switch seg.Kind {
	case propref.SegUp:
		p := decl.Parent()
		if p == nil {
			if decl == m.Root() {
				return nil, false, refErr(model.ErrCodeEscapesRoot, h, ref, "path escapes the model root")
			}
			return nil, true, nil
		}
		return p, false, nil
	case propref.SegIndex:
		return nil, false, refErr(model.ErrCodeIndexInDeclaration, h, ref, "index segment in a declaration ref")
	case propref.SegList:
		l := decl.ListNamed(seg.Name)
		if l == nil {
			return nil, false, refErr(model.ErrCodeBadListTraversal, h, ref, "no node-list "+strconv.Quote(seg.Name)+" under "+decl.Path())
		}
		// The list is inside unmaterialized space; any traversal of it
		// stays deferred. Validate the remainder against its template.
		return l.Template(), false, nil
	default:
		c := decl.ChildNamed(seg.Name)
		if c == nil {
			if decl.ListNamed(seg.Name) != nil {
				return nil, false, refErr(model.ErrCodeBadListTraversal, h, ref, "node-list "+strconv.Quote(seg.Name)+" needs a [] traversal")
			}
			return nil, false, refErr(model.ErrCodeUnresolvedInput, h, ref, "no node "+strconv.Quote(seg.Name)+" under "+decl.Path())
		}
		if next := slotShape(m, c); c.IsSlot() {
			if next == nil {
				return nil, true, nil
			}
			return next, false, nil
		}
		return c, false, nil
	}
}

// slotShape returns the declared shape behind a slot: the declaration
// node itself for optional children, or the named template for aliased
// ones. nil when the alias target is unknown (reported elsewhere).
func slotShape(m *model.Model, slot *model.Node) *model.Node {
	d := slot.Decl()
	if ref := d.TemplateRef(); ref != "" {
		return m.TemplateNamed(ref)
	}
	return d
}

// overlayDeclares reports whether any specialization overlay of the
// list declares the property.
func overlayDeclares(l *model.NodeList, prop string) bool {
	for _, tag := range l.Tags() {
		if ov := l.Overlay(tag); ov != nil && ov.PropertyNamed(prop) != nil {
			return true
		}
	}
	return false
}

// governing resolves the node-list a node-attached handler fans out
// over: the live list traversed by its non-aggregated [] refs. Returns
// (nil, true, nil) when the list sits inside unmaterialized space.
func governing(m *model.Model, h *model.Handler, ctx *model.Node) (*model.NodeList, bool, *model.StructuralError) {
	var found *model.NodeList
	deferred := false
	for _, ref := range append(append([]propref.Ref{}, h.Inputs...), h.Outputs...) {
		if ref.Aggregate {
			continue
		}
		pos, ok := ref.ListSegment()
		if !ok {
			continue
		}
		l, def, serr := walkToList(m, ctx, ref, pos)
		if serr != nil {
			return nil, false, serr
		}
		if def {
			deferred = true
			continue
		}
		if found != nil && found != l {
			return nil, false, refErr(model.ErrCodeBadListTraversal, h, ref, "fan-out refs mix different node-lists")
		}
		found = l
	}
	if found == nil && deferred {
		return nil, true, nil
	}
	return found, false, nil
}

// walkToList walks the path prefix of a fan-out ref up to its []
// segment and returns the live list there.
func walkToList(m *model.Model, ctx *model.Node, ref propref.Ref, pos int) (*model.NodeList, bool, *model.StructuralError) {
	cur := ctx
	if ref.Absolute {
		cur = m.Root()
	}
	for i := 0; i < pos; i++ {
		seg := ref.Path[i]
		switch seg.Kind {
		case propref.SegUp:
			p := cur.Parent()
			if p == nil {
				return nil, false, refErr(model.ErrCodeEscapesRoot, nil, ref, "path escapes the model root")
			}
			cur = p
		case propref.SegChild:
			c := cur.ChildNamed(seg.Name)
			if c == nil {
				return nil, false, refErr(model.ErrCodeUnresolvedInput, nil, ref, "no node "+strconv.Quote(seg.Name)+" under "+cur.Path())
			}
			if c.IsSlot() {
				live := c.Live()
				if live == nil {
					return nil, true, nil
				}
				c = live
			}
			cur = c
		default:
			return nil, false, refErr(model.ErrCodeBadListTraversal, nil, ref, "unexpected segment before [] traversal")
		}
	}
	l := cur.ListNamed(ref.Path[pos].Name)
	if l == nil {
		return nil, false, refErr(model.ErrCodeBadListTraversal, nil, ref, "no node-list "+strconv.Quote(ref.Path[pos].Name)+" under "+cur.Path())
	}
	return l, false, nil
}

func refErr(code string, h *model.Handler, ref propref.Ref, msg string) *model.StructuralError {
	path := ref.String()
	if h != nil {
		path = h.Name + ": " + path
	}
	return &model.StructuralError{Code: code, Path: path, Message: msg}
}
