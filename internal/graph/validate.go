package graph

import (
	"strconv"
	"strings"

	"github.com/dchambers/composer/internal/model"
	"github.com/dchambers/composer/internal/propref"
)

// providerEntry records one handler declaring a property as output,
// together with the tag scope its instances run under.
type providerEntry struct {
	h   *model.Handler
	tag string
	mux bool
}

// declBinding is the declaration-space resolution of one handler's
// refs: the shape-level properties it reads and writes. List
// traversals collapse onto the item template, so the binding set is a
// conservative over-approximation used by the seal-time cycle check.
type declBinding struct {
	h    *model.Handler
	ins  []*model.Property
	outs []*model.Property
}

// sealCheck is the declaration-space validation pass. Violations are
// collected rather than fail-fast, so one seal reports the full list.
type sealCheck struct {
	m         *model.Model
	errs      []*model.StructuralError
	providers map[*model.Property][]providerEntry
	provOrder []*model.Property
	bindings  []declBinding
	binds     map[*model.Handler]*handlerBind
}

type handlerBind struct {
	// skip suppresses graph bindings after a syntactic failure.
	skip bool
	// fan collects the declaration lists traversed by non-aggregated
	// [] segments; more than one is a mixed-list violation.
	fan map[*model.NodeList]bool
}

func runSealChecks(m *model.Model) ([]declBinding, []*model.StructuralError) {
	s := &sealCheck{
		m:         m,
		providers: make(map[*model.Property][]providerEntry),
		binds:     make(map[*model.Handler]*handlerBind),
	}
	s.expandShapes()
	s.checkShapes()
	for _, h := range m.Handlers() {
		s.binds[h] = &handlerBind{fan: make(map[*model.NodeList]bool)}
		s.checkRefs(h)
	}
	for _, h := range m.Handlers() {
		s.bindOutputs(h)
	}
	s.checkProviders()
	for i, h := range m.Handlers() {
		s.bindInputs(i, h)
	}
	return s.bindings, s.errs
}

func (s *sealCheck) collect(code, path, msg string) {
	s.errs = append(s.errs, &model.StructuralError{Code: code, Path: path, Message: msg})
}

// expandShapes grafts seal-time clones into every non-optional aliased
// slot. Optional slots stay unmaterialized; their aliases are only
// checked for existence.
func (s *sealCheck) expandShapes() {
	var walk func(n *model.Node)
	walk = func(n *model.Node) {
		for _, c := range n.Children() {
			if c.IsSlot() {
				if ref := c.TemplateRef(); ref != "" && s.m.TemplateNamed(ref) == nil {
					s.collect(model.ErrCodeUnknownTemplate, c.Path(), "unknown template "+strconv.Quote(ref))
					continue
				}
				if !c.IsOptional() {
					if err := model.ExpandAlias(c); err != nil {
						if serr, ok := err.(*model.StructuralError); ok {
							s.errs = append(s.errs, serr)
						} else {
							s.collect(model.ErrCodeUnknownTemplate, c.Path(), err.Error())
						}
						continue
					}
					walk(c.Live())
				}
				continue
			}
			walk(c)
		}
	}
	walk(s.m.Root())
}

// checkShapes validates the declaration shapes themselves: name
// collisions across the three namespaces, overlay shape restrictions,
// and alias targets inside templates and optional subtrees.
func (s *sealCheck) checkShapes() {
	seen := make(map[*model.Node]bool)
	var walk func(n *model.Node)
	walk = func(n *model.Node) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		s.checkNames(n)
		for _, c := range n.Children() {
			if ref := c.TemplateRef(); ref != "" {
				if s.m.TemplateNamed(ref) == nil {
					s.collect(model.ErrCodeUnknownTemplate, c.Path(), "unknown template "+strconv.Quote(ref))
				}
				continue
			}
			walk(c)
		}
		for _, l := range n.Lists() {
			walk(l.Template())
			for _, tag := range l.Tags() {
				ov := l.Overlay(tag)
				if len(ov.Children()) > 0 || len(ov.Lists()) > 0 {
					s.collect(model.ErrCodeOverlayShape, l.Path()+"["+tag+"]",
						"overlay declares nested shape; overlays carry top-level properties and handlers only")
				}
				s.checkNames(ov)
			}
		}
	}
	walk(s.m.Root())
	for _, name := range s.m.TemplateNames() {
		walk(s.m.TemplateNamed(name))
	}
}

// checkNames flags one name declared in more than one of a node's
// three namespaces. Concrete lookups could not tell them apart.
func (s *sealCheck) checkNames(n *model.Node) {
	kinds := make(map[string]string)
	for _, c := range n.Children() {
		kinds[c.Name()] = "node"
	}
	for _, l := range n.Lists() {
		if k, ok := kinds[l.Name()]; ok {
			s.collect(model.ErrCodeBadName, n.Path(),
				strconv.Quote(l.Name())+" declared as both "+k+" and node-list")
			continue
		}
		kinds[l.Name()] = "node-list"
	}
	for _, p := range n.Properties() {
		if k, ok := kinds[p.Name()]; ok {
			s.collect(model.ErrCodeBadName, n.Path(),
				strconv.Quote(p.Name())+" declared as both "+k+" and property")
		}
	}
}

// checkRefs runs the per-handler syntactic checks that need no shape
// resolution.
func (s *sealCheck) checkRefs(h *model.Handler) {
	b := s.binds[h]
	fail := func(code, msg string) {
		s.collect(code, handlerPath(h), msg)
		b.skip = true
	}

	if h.Name == "" {
		fail(model.ErrCodeBadName, "handler declares no name")
	}
	if h.Eval == nil {
		fail(model.ErrCodeBadName, "handler "+strconv.Quote(h.Name)+" declares no evaluable")
	}
	if h.Tag != "" {
		if h.Mode != model.ListEachItem {
			fail(model.ErrCodeUnknownTag, "tag restriction is valid only on each-item handlers")
		} else if h.ContextList().Overlay(h.Tag) == nil {
			fail(model.ErrCodeUnknownTag, "unknown specialization tag "+strconv.Quote(h.Tag))
		}
	}

	seenIn := make(map[string]bool)
	for _, ref := range h.Inputs {
		if key := ref.Key(); seenIn[key] {
			fail(model.ErrCodeDuplicateAlias, "input key "+strconv.Quote(key)+" bound twice")
		} else {
			seenIn[key] = true
		}
		if ref.Multiplex {
			fail(model.ErrCodeMultiplexMismatch, "multiplex flag on input "+ref.String())
		}
		s.checkRefShape(h, ref, b)
	}
	seenOut := make(map[string]bool)
	for _, ref := range h.Outputs {
		if key := ref.Key(); seenOut[key] {
			fail(model.ErrCodeDuplicateAlias, "output key "+strconv.Quote(key)+" bound twice")
		} else {
			seenOut[key] = true
		}
		if ref.Aggregate {
			fail(model.ErrCodeBadAggregate, "aggregate flag on output "+ref.String())
		}
		s.checkRefShape(h, ref, b)
	}
}

func (s *sealCheck) checkRefShape(h *model.Handler, ref propref.Ref, b *handlerBind) {
	fail := func(code, msg string) {
		s.collect(code, handlerPath(h), msg)
		b.skip = true
	}
	if !propref.ValidName(ref.Prop) {
		fail(model.ErrCodeBadName, "invalid property name "+strconv.Quote(ref.Prop)+" in "+ref.String())
		return
	}
	if ref.Alias != "" && !propref.ValidName(ref.Alias) {
		fail(model.ErrCodeBadName, "invalid alias "+strconv.Quote(ref.Alias)+" in "+ref.String())
	}
	if ref.HasIndex() {
		fail(model.ErrCodeIndexInDeclaration, "index segment in declaration ref "+ref.String())
	}
	lists := 0
	for _, seg := range ref.Path {
		switch seg.Kind {
		case propref.SegChild, propref.SegList:
			if !propref.ValidName(seg.Name) {
				fail(model.ErrCodeBadName, "invalid segment "+strconv.Quote(seg.Name)+" in "+ref.String())
			}
		}
		if seg.Kind == propref.SegList {
			lists++
		}
	}
	if lists > 1 {
		fail(model.ErrCodeBadListTraversal, "more than one [] traversal in "+ref.String())
	}
	if ref.Aggregate && lists == 0 {
		fail(model.ErrCodeBadAggregate, "aggregate flag without a [] traversal in "+ref.String())
	}
	if h.Mode == model.ListWholeList && lists > 0 {
		fail(model.ErrCodeWholeListPlacement, "whole-list refs span the governed list implicitly; "+ref.String()+" traverses another")
	}
	if h.Mode == model.ListEachItem && lists > 0 && !ref.Aggregate {
		fail(model.ErrCodeBadListTraversal, "nested fan-out in "+ref.String()+"; aggregate the nested traversal")
	}
}

// declCursor is the shape-chain view used for declaration-space
// resolution: chain[0] is the node new properties land on; later
// entries are lookup fallbacks (an overlay falls back to its
// template). list is set while the cursor sits at an item-shape root.
type declCursor struct {
	chain []*model.Node
	list  *model.NodeList
}

func cursorFor(n *model.Node) declCursor {
	c := declCursor{chain: []*model.Node{n}}
	if l := n.ItemOf(); l != nil {
		c.list = l
		if n.Tag() != "" {
			c.chain = append(c.chain, l.Template())
		}
	}
	return c
}

func (c declCursor) lookupChild(name string) *model.Node {
	for _, n := range c.chain {
		if child := n.ChildNamed(name); child != nil {
			return child
		}
	}
	return nil
}

func (c declCursor) lookupList(name string) *model.NodeList {
	for _, n := range c.chain {
		if l := n.ListNamed(name); l != nil {
			return l
		}
	}
	return nil
}

func (c declCursor) lookupProp(name string) *model.Property {
	for _, n := range c.chain {
		if p := n.PropertyNamed(name); p != nil {
			return p
		}
	}
	return nil
}

// startCursor builds the resolution context for a handler's refs.
func (s *sealCheck) startCursor(h *model.Handler) declCursor {
	switch h.Mode {
	case model.ListEachItem:
		l := h.ContextList()
		if h.Tag != "" {
			if ov := l.Overlay(h.Tag); ov != nil {
				return cursorFor(ov)
			}
		}
		return cursorFor(l.Template())
	case model.ListWholeList:
		return cursorFor(h.ContextList().Template())
	default:
		return cursorFor(h.ContextNode())
	}
}

// bindDecl resolves one ref in declaration space. It returns the bound
// shape property, or nil when the binding is legitimately deferred
// (escape from a parentless template root, or a property present only
// on sibling overlays).
func (s *sealCheck) bindDecl(h *model.Handler, ref propref.Ref, out bool) *model.Property {
	b := s.binds[h]
	fail := func(code, msg string) {
		s.collect(code, handlerPath(h), msg)
	}

	cur := s.startCursor(h)
	if ref.Absolute {
		cur = cursorFor(s.m.Root())
	}
	for _, seg := range ref.Path {
		switch seg.Kind {
		case propref.SegUp:
			p := cur.chain[0].Parent()
			if p == nil {
				if cur.chain[0] == s.m.Root() {
					fail(model.ErrCodeEscapesRoot, ref.String()+" escapes the model root")
					return nil
				}
				// Parentless template root: the escape resolves only
				// once the shape is materialized somewhere concrete.
				return nil
			}
			cur = cursorFor(p)
		case propref.SegIndex:
			return nil
		case propref.SegList:
			l := cur.lookupList(seg.Name)
			if l == nil {
				if cur.lookupChild(seg.Name) != nil {
					fail(model.ErrCodeBadListTraversal, strconv.Quote(seg.Name)+" in "+ref.String()+" is not a node-list")
				} else {
					fail(model.ErrCodeUnresolvedInput, "no node-list "+strconv.Quote(seg.Name)+" in "+ref.String())
				}
				return nil
			}
			if !ref.Aggregate {
				b.fan[l.Decl()] = true
				if len(b.fan) > 1 {
					fail(model.ErrCodeBadListTraversal, "fan-out refs of "+strconv.Quote(h.Name)+" mix different node-lists")
				}
			}
			cur = cursorFor(l.Template())
		case propref.SegChild:
			c := cur.lookupChild(seg.Name)
			if c == nil {
				if cur.lookupList(seg.Name) != nil {
					fail(model.ErrCodeBadListTraversal, "node-list "+strconv.Quote(seg.Name)+" in "+ref.String()+" needs a [] traversal")
				} else {
					fail(model.ErrCodeUnresolvedInput, "no node "+strconv.Quote(seg.Name)+" in "+ref.String())
				}
				return nil
			}
			if tref := c.TemplateRef(); tref != "" {
				tmpl := s.m.TemplateNamed(tref)
				if tmpl == nil {
					return nil
				}
				cur = cursorFor(tmpl)
				continue
			}
			cur = cursorFor(c)
		}
	}

	if p := cur.lookupProp(ref.Prop); p != nil {
		return p
	}
	if out {
		return cur.chain[0].EnsureProperty(ref.Prop)
	}
	if cur.list != nil && overlayDeclares(cur.list, ref.Prop) {
		return nil
	}
	fail(model.ErrCodeUnresolvedInput, "no property "+strconv.Quote(ref.Prop)+" in "+ref.String())
	return nil
}

// bindOutputs resolves every handler's outputs, ensuring shape
// properties and recording provider entries. Runs before input
// binding so inputs can name properties any handler provides.
func (s *sealCheck) bindOutputs(h *model.Handler) {
	s.bindings = append(s.bindings, declBinding{h: h})
	bd := &s.bindings[len(s.bindings)-1]
	if s.binds[h].skip {
		return
	}
	scope := providerScope(h)
	for _, ref := range h.Outputs {
		p := s.bindDecl(h, ref, true)
		if p == nil {
			continue
		}
		bd.outs = append(bd.outs, p)
		if _, ok := s.providers[p]; !ok {
			s.provOrder = append(s.provOrder, p)
		}
		s.providers[p] = append(s.providers[p], providerEntry{h: h, tag: scope, mux: ref.Multiplex})
	}
}

func (s *sealCheck) bindInputs(i int, h *model.Handler) {
	if s.binds[h].skip {
		return
	}
	bd := &s.bindings[i]
	for _, ref := range h.Inputs {
		if p := s.bindDecl(h, ref, false); p != nil {
			bd.ins = append(bd.ins, p)
		}
	}
}

// checkProviders enforces the provider rules on every declared
// property and resolves its provider kind, which clones inherit.
func (s *sealCheck) checkProviders() {
	for _, p := range s.provOrder {
		entries := s.providers[p]
		if p.Kind() == model.ProviderConstant {
			s.collect(model.ErrCodeConstantProvider, p.Path(),
				"constant provided by "+handlerNames(entries))
			continue
		}
		mux := 0
		for _, e := range entries {
			if e.mux {
				mux++
			}
		}
		if mux > 0 && mux < len(entries) {
			s.collect(model.ErrCodeMultiplexMismatch, p.Path(),
				"providers disagree on the multiplex flag: "+handlerNames(entries))
			continue
		}
		if mux == len(entries) {
			p.ResolveKind(model.ProviderMultiplex)
			for _, e := range entries {
				p.AddProvider(e.h)
			}
			continue
		}
		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				if scopesCoexist(entries[i].tag, entries[j].tag) {
					s.collect(model.ErrCodeDuplicateProvider, p.Path(),
						"provided by both "+strconv.Quote(entries[i].h.Name)+" and "+strconv.Quote(entries[j].h.Name))
				}
			}
		}
		p.ResolveKind(model.ProviderSingle)
		for _, e := range entries {
			p.AddProvider(e.h)
		}
	}
}

// scopesCoexist reports whether two provider tag scopes can apply to
// one materialized property: same tag, or either side untagged.
func scopesCoexist(a, b string) bool {
	return a == b || a == "" || b == ""
}

// providerScope derives the tag scope a handler's instances run
// under: an explicit tag restriction, or the overlay it is attached
// to.
func providerScope(h *model.Handler) string {
	if h.Tag != "" {
		return h.Tag
	}
	if n := h.ContextNode(); n != nil {
		return n.Tag()
	}
	return ""
}

func handlerPath(h *model.Handler) string {
	var at string
	if l := h.ContextList(); l != nil {
		at = l.Path() + "[]"
	} else if n := h.ContextNode(); n != nil {
		at = n.Path()
	}
	if at == "" {
		return h.Name
	}
	return at + ": " + h.Name
}

func handlerNames(entries []providerEntry) string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = strconv.Quote(e.h.Name)
	}
	return strings.Join(names, ", ")
}
