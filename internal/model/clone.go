package model

import (
	"strconv"

	"github.com/zclconf/go-cty/cty"
)

// CloneShape materializes a declaration shape into a fresh live node.
// It copies properties (with their resolved provider kinds), recursively
// clones non-optional children, stamps slot stubs for optional children,
// and creates empty shells for nested node-lists. Handler declarations
// are not copied; clones reach them through their decl pointer.
//
// The clone is not grafted anywhere: callers attach it via SetLive (slot
// materialization) or NodeList.InsertItem (items). A nil overlay clones
// the base shape alone.
//
// Aliased shapes (DefineAs) expand through the named template. Expansion
// is lazy: nested optional slots stay slots, so self-referential shapes
// unfold one level per materialization. A non-optional self-reference
// can never finish expanding and is reported as a StructuralError.
func CloneShape(decl, overlay *Node, parent *Node, name, tag string) (*Node, error) {
	return cloneShape(decl, overlay, parent, name, tag, nil)
}

func cloneShape(decl, overlay *Node, parent *Node, name, tag string, stack []string) (*Node, error) {
	m := decl.model
	source := decl.Decl()

	// Resolve shape aliasing before copying.
	if ref := source.templRef; ref != "" {
		tmpl := m.TemplateNamed(ref)
		if tmpl == nil {
			return nil, &StructuralError{
				Code:    ErrCodeUnknownTemplate,
				Path:    source.Path(),
				Message: "unknown template " + strconv.Quote(ref),
			}
		}
		for _, seen := range stack {
			if seen == ref {
				return nil, &StructuralError{
					Code:    ErrCodeUnknownTemplate,
					Path:    source.Path(),
					Message: "template " + strconv.Quote(ref) + " references itself without optional indirection",
				}
			}
		}
		stack = append(stack, ref)
		source = tmpl
	}

	clone := newNode(m, parent, name, ExistenceExisting)
	clone.decl = source
	clone.tag = tag

	if err := copyShapeInto(clone, source, stack); err != nil {
		return nil, err
	}
	if overlay != nil {
		clone.overlay = overlay
		// Overlays contribute top-level properties only; their extra
		// handlers ride in through HandlerDecls.
		for _, name := range overlay.propOrder {
			if _, ok := clone.props[name]; ok {
				continue
			}
			cloneProperty(clone, overlay.props[name])
		}
	}
	return clone, nil
}

// copyShapeInto copies source's declared properties, children, and list
// shells onto a clone node.
func copyShapeInto(clone, source *Node, stack []string) error {
	for _, name := range source.propOrder {
		cloneProperty(clone, source.props[name])
	}
	for _, name := range source.childOrder {
		child := source.children[name]
		if child.optional {
			stub := newNode(clone.model, clone, name, ExistenceTemplate)
			stub.optional = true
			stub.decl = child.Decl()
			stub.templRef = child.Decl().templRef
			clone.children[name] = stub
			clone.childOrder = append(clone.childOrder, name)
			continue
		}
		sub, err := cloneShape(child, nil, clone, name, "", stack)
		if err != nil {
			return err
		}
		clone.children[name] = sub
		clone.childOrder = append(clone.childOrder, name)
	}
	for _, name := range source.listOrder {
		shell := cloneListShell(clone, source.lists[name])
		clone.lists[name] = shell
		clone.listOrder = append(clone.listOrder, name)
	}
	return nil
}

func cloneProperty(clone *Node, p *Property) {
	np := &Property{
		name:    p.name,
		node:    clone,
		kind:    p.kind,
		initial: p.initial,
		value:   cty.NilVal,
	}
	clone.props[p.name] = np
	clone.propOrder = append(clone.propOrder, p.name)
}

// cloneListShell creates an empty live list whose template, overlays,
// and handlers are shared with the declaration list.
func cloneListShell(owner *Node, decl *NodeList) *NodeList {
	return &NodeList{
		model:    owner.model,
		name:     decl.name,
		owner:    owner,
		overlays: make(map[string]*Node),
		decl:     decl.Decl(),
	}
}

// ExpandAlias grafts a seal-time expansion of a non-optional aliased
// node into its slot. Seal use only.
func ExpandAlias(slot *Node) error {
	clone, err := CloneShape(slot, nil, slot.parent, slot.name, "")
	if err != nil {
		return err
	}
	slot.SetLive(clone)
	return nil
}
