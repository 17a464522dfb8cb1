package compiler

import (
	"fmt"

	"github.com/dchambers/composer/internal/model"
	"github.com/dchambers/composer/internal/propref"
	"github.com/dchambers/composer/internal/registry"
)

// Build instantiates the definition's handler kinds against reg and
// populates a model. Unknown kinds, rejected params, and unknown
// template references are coded ValidationErrors, reported per the
// definition's mode. The returned model is unsealed; hand it to
// engine.Seal.
func (d *Definition) Build(reg *registry.Registry) (*model.Model, error) {
	b := &builder{reg: reg, p: parser{mode: d.Mode}, m: model.New(model.WithName(d.Name))}
	for _, t := range d.Templates {
		b.populate(b.m.Template(t.Name), t.Node, "templates."+t.Name)
	}
	for _, nd := range d.Root.Nodes {
		b.node(b.m.Root(), nd, "model."+nd.Name)
	}
	if err := b.p.err(); err != nil {
		return nil, err
	}
	return b.m, nil
}

// builder maps definition shapes onto the model builder surface.
// Structural violations the model collects itself (redeclarations,
// misplaced handlers) surface later at seal; the builder reports only
// what the model cannot know: registry and template resolution.
type builder struct {
	reg *registry.Registry
	m   *model.Model
	p   parser
}

func (b *builder) node(parent *model.Node, def *NodeDef, field string) {
	if b.p.stop {
		return
	}
	var n *model.Node
	if def.Optional {
		n = parent.Optional(def.Name)
	} else {
		n = parent.Child(def.Name)
	}
	if def.As != "" {
		if b.m.TemplateNamed(def.As) == nil {
			b.p.report(ErrCodeBadTemplate, field+".as", fmt.Sprintf("unknown template %q", def.As), def.Pos)
			return
		}
		n.DefineAs(def.As)
		return
	}
	b.populate(n, def, field)
}

func (b *builder) populate(n *model.Node, def *NodeDef, field string) {
	if b.p.stop {
		return
	}
	for _, c := range def.Constants {
		n.Constant(c.Name, c.Value)
	}
	for _, h := range def.Handlers {
		if mh, ok := b.handler(h, field+".handlers."+h.Name); ok {
			n.Attach(mh)
		}
	}
	for _, child := range def.Nodes {
		b.node(n, child, field+".nodes."+child.Name)
	}
	for _, ld := range def.Lists {
		b.list(n, ld, field+".lists."+ld.Name)
	}
}

func (b *builder) list(owner *model.Node, def ListDef, field string) {
	l := owner.List(def.Name)
	if def.Template != nil {
		b.populate(l.Template(), def.Template, field+".template")
	}
	for _, ov := range def.Overlays {
		b.populate(l.Specialize(ov.Tag), ov.Node, field+".specialize."+ov.Tag)
	}
	for _, h := range def.Handlers {
		if mh, ok := b.handler(h, field+".handlers."+h.Name); ok {
			l.Attach(mh)
		}
	}
}

func (b *builder) handler(def HandlerDef, field string) (model.Handler, bool) {
	kind, err := b.reg.Lookup(def.Uses)
	if err != nil {
		b.p.report(ErrCodeUnknownKind, field, err.Error(), def.Pos)
		return model.Handler{}, false
	}
	eval, err := kind.New(def.Params)
	if err != nil {
		b.p.report(ErrCodeBadParams, field, fmt.Sprintf("kind %q: %v", def.Uses, err), def.Pos)
		return model.Handler{}, false
	}
	mode := model.ListNone
	switch {
	case def.Each:
		mode = model.ListEachItem
	case def.AsList:
		mode = model.ListWholeList
	}
	h := model.Handler{
		Name:    def.Name,
		Tag:     propref.Normalize(def.Tag),
		Mode:    mode,
		Eval:    eval,
		Inputs:  make([]propref.Ref, len(def.Inputs)),
		Outputs: make([]propref.Ref, len(def.Outputs)),
	}
	for i, rd := range def.Inputs {
		h.Inputs[i] = rd.Ref
	}
	for i, rd := range def.Outputs {
		h.Outputs[i] = rd.Ref
	}
	return h, true
}
