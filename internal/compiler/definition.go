package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/token"
	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/propref"
)

// Definition is the parsed form of a model definition directory. It
// carries declarations only; Build instantiates handler kinds and
// populates a model.
type Definition struct {
	// Name is the base name of the source directory, used as the model
	// name.
	Name string
	// Dir is the directory the definition was loaded from.
	Dir string
	// Mode is the error mode the definition was loaded with; Build
	// honours it too.
	Mode Mode

	// Root holds the top-level node definitions (the fields of the
	// model block).
	Root *NodeDef
	// Templates holds the named template shapes in declaration order.
	Templates []TemplateDef
}

// TemplateDef is one named template shape.
type TemplateDef struct {
	Name string
	Node *NodeDef
	Pos  token.Pos
}

// NodeDef is one node's declared shape.
type NodeDef struct {
	Name      string
	Optional  bool
	As        string
	Constants []ConstantDef
	Handlers  []HandlerDef
	Nodes     []*NodeDef
	Lists     []ListDef
	Pos       token.Pos
}

// ConstantDef is one externally writable property with its initial
// value.
type ConstantDef struct {
	Name  string
	Value cty.Value
	Pos   token.Pos
}

// HandlerDef is one handler declaration. Uses names a registered
// handler kind; Params is handed to the kind's factory, cty.NilVal
// when absent.
type HandlerDef struct {
	Name    string
	Uses    string
	Inputs  []RefDef
	Outputs []RefDef
	Tag     string
	Each    bool
	AsList  bool
	Params  cty.Value
	Pos     token.Pos
}

// RefDef is one parsed input or output reference with its flags
// already folded in.
type RefDef struct {
	Ref propref.Ref
	Raw string
	Pos token.Pos
}

// ListDef is one node-list declaration: the item template, per-tag
// specialization overlays, and list-scoped handlers.
type ListDef struct {
	Name     string
	Template *NodeDef
	Overlays []OverlayDef
	Handlers []HandlerDef
	Pos      token.Pos
}

// OverlayDef is one specialization overlay: extra constants and
// handlers for items created with the tag.
type OverlayDef struct {
	Tag  string
	Node *NodeDef
	Pos  token.Pos
}

// handlerScope says where a handler definition sits, which decides
// whether the list fields (each, asList, tag) are legal.
type handlerScope uint8

const (
	scopeNode handlerScope = iota
	scopeList
)

// parser walks a unified CUE value and produces a Definition,
// reporting semantic defects as coded ValidationErrors. In FailFast
// mode the first defect stops the walk.
type parser struct {
	mode Mode
	errs ValidationErrors
	stop bool
}

func (p *parser) report(code, field, message string, pos token.Pos) {
	if p.stop {
		return
	}
	p.errs = append(p.errs, ValidationError{Code: code, Field: field, Message: message, Pos: pos})
	if p.mode == FailFast {
		p.stop = true
	}
}

func (p *parser) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return p.errs
}

// eachField iterates the regular fields of a struct value in
// declaration order. Hidden fields and CUE definitions are skipped, so
// files may use #helpers freely.
func (p *parser) eachField(v cue.Value, field string, fn func(name string, fv cue.Value)) {
	iter, err := v.Fields()
	if err != nil {
		p.report(ErrCodeBadField, field, "not a struct: "+err.Error(), v.Pos())
		return
	}
	for iter.Next() {
		if p.stop {
			return
		}
		fn(iter.Label(), iter.Value())
	}
}

func (p *parser) stringField(field string, v cue.Value) string {
	s, err := v.String()
	if err != nil {
		p.report(ErrCodeBadField, field, "not a string: "+err.Error(), v.Pos())
		return ""
	}
	return s
}

func (p *parser) boolField(field string, v cue.Value) bool {
	b, err := v.Bool()
	if err != nil {
		p.report(ErrCodeBadField, field, "not a bool: "+err.Error(), v.Pos())
		return false
	}
	return b
}

// parseDefinition reads the two top-level blocks, model and templates.
func (p *parser) parseDefinition(v cue.Value) *Definition {
	d := &Definition{Root: &NodeDef{Pos: v.Pos()}}
	p.eachField(v, "", func(name string, fv cue.Value) {
		switch name {
		case "model", "templates":
		default:
			p.report(ErrCodeBadField, name, "unknown top-level field", fv.Pos())
		}
	})

	mv := v.LookupPath(cue.ParsePath("model"))
	if !mv.Exists() {
		p.report(ErrCodeNoModel, "model", "definition declares no model block", v.Pos())
		return d
	}
	d.Root.Pos = mv.Pos()
	p.eachField(mv, "model", func(name string, fv cue.Value) {
		d.Root.Nodes = append(d.Root.Nodes, p.parseNode(name, "model."+name, fv))
	})
	if len(d.Root.Nodes) == 0 && !p.stop {
		p.report(ErrCodeEmptyModel, "model", "model block declares no nodes", mv.Pos())
	}

	tv := v.LookupPath(cue.ParsePath("templates"))
	if tv.Exists() {
		p.eachField(tv, "templates", func(name string, fv cue.Value) {
			field := "templates." + name
			if !propref.ValidName(propref.Normalize(name)) {
				p.report(ErrCodeBadName, field, fmt.Sprintf("invalid template name %q", name), fv.Pos())
			}
			d.Templates = append(d.Templates, TemplateDef{
				Name: name,
				Node: p.parseNodeBody(field, fv),
				Pos:  fv.Pos(),
			})
		})
	}
	return d
}

func (p *parser) parseNode(name, field string, v cue.Value) *NodeDef {
	if !propref.ValidName(propref.Normalize(name)) {
		p.report(ErrCodeBadName, field, fmt.Sprintf("invalid node name %q", name), v.Pos())
	}
	def := p.parseNodeBody(field, v)
	def.Name = name
	return def
}

// parseNodeBody reads a node shape: constants, handlers, child nodes,
// lists, and the optional / as markers.
func (p *parser) parseNodeBody(field string, v cue.Value) *NodeDef {
	def := &NodeDef{Pos: v.Pos()}
	p.eachField(v, field, func(label string, fv cue.Value) {
		sub := field + "." + label
		switch label {
		case "constants":
			p.eachField(fv, sub, func(cn string, cv cue.Value) {
				def.Constants = append(def.Constants, p.parseConstant(cn, sub+"."+cn, cv))
			})
		case "handlers":
			p.eachField(fv, sub, func(hn string, hv cue.Value) {
				def.Handlers = append(def.Handlers, p.parseHandler(hn, sub+"."+hn, hv, scopeNode))
			})
		case "nodes":
			p.eachField(fv, sub, func(nn string, nv cue.Value) {
				def.Nodes = append(def.Nodes, p.parseNode(nn, sub+"."+nn, nv))
			})
		case "lists":
			p.eachField(fv, sub, func(ln string, lv cue.Value) {
				def.Lists = append(def.Lists, p.parseList(ln, sub+"."+ln, lv))
			})
		case "optional":
			def.Optional = p.boolField(sub, fv)
		case "as":
			def.As = p.stringField(sub, fv)
		default:
			p.report(ErrCodeBadField, sub, "unknown field", fv.Pos())
		}
	})
	p.checkNames(field, def)
	if def.As != "" && len(def.Constants)+len(def.Handlers)+len(def.Nodes)+len(def.Lists) > 0 {
		p.report(ErrCodeBadField, field, "aliased node may not declare a shape of its own", def.Pos)
	}
	return def
}

// checkNames rejects a name declared in more than one block of the
// same node; such names would collide in the model namespace.
func (p *parser) checkNames(field string, def *NodeDef) {
	seen := make(map[string]bool)
	claim := func(name string, pos token.Pos) {
		key := propref.Normalize(name)
		if seen[key] {
			p.report(ErrCodeDuplicate, field+"."+name, fmt.Sprintf("name %q declared twice", name), pos)
			return
		}
		seen[key] = true
	}
	for _, c := range def.Constants {
		claim(c.Name, c.Pos)
	}
	for _, n := range def.Nodes {
		claim(n.Name, n.Pos)
	}
	for _, l := range def.Lists {
		claim(l.Name, l.Pos)
	}
}

func (p *parser) parseConstant(name, field string, v cue.Value) ConstantDef {
	def := ConstantDef{Name: name, Value: cty.NilVal, Pos: v.Pos()}
	if !propref.ValidName(propref.Normalize(name)) {
		p.report(ErrCodeBadName, field, fmt.Sprintf("invalid property name %q", name), v.Pos())
	}
	p.eachField(v, field, func(label string, fv cue.Value) {
		if label != "value" {
			p.report(ErrCodeBadField, field+"."+label, "unknown field", fv.Pos())
		}
	})
	vv := v.LookupPath(cue.ParsePath("value"))
	if !vv.Exists() {
		p.report(ErrCodeMissingField, field, `constant declares no "value"`, v.Pos())
		return def
	}
	cv, err := ctyFromCUE(vv)
	if err != nil {
		p.report(ErrCodeBadValue, field+".value", err.Error(), vv.Pos())
		return def
	}
	def.Value = cv
	return def
}

func (p *parser) parseHandler(name, field string, v cue.Value, scope handlerScope) HandlerDef {
	def := HandlerDef{Name: name, Params: cty.NilVal, Pos: v.Pos()}
	if !propref.ValidName(propref.Normalize(name)) {
		p.report(ErrCodeBadName, field, fmt.Sprintf("invalid handler name %q", name), v.Pos())
	}
	p.eachField(v, field, func(label string, fv cue.Value) {
		sub := field + "." + label
		switch label {
		case "uses":
			def.Uses = p.stringField(sub, fv)
		case "inputs":
			def.Inputs = p.parseRefs(sub, fv, false)
		case "outputs":
			def.Outputs = p.parseRefs(sub, fv, true)
		case "tag":
			def.Tag = p.stringField(sub, fv)
		case "each":
			def.Each = p.boolField(sub, fv)
		case "asList":
			def.AsList = p.boolField(sub, fv)
		case "params":
			cv, err := ctyFromCUE(fv)
			if err != nil {
				p.report(ErrCodeBadValue, sub, err.Error(), fv.Pos())
				return
			}
			def.Params = cv
		default:
			p.report(ErrCodeBadField, sub, "unknown field", fv.Pos())
		}
	})
	if def.Uses == "" && !p.stop {
		p.report(ErrCodeMissingField, field, `handler declares no "uses"`, v.Pos())
	}
	p.checkHandlerFlags(field, &def, scope)
	return def
}

func (p *parser) checkHandlerFlags(field string, def *HandlerDef, scope handlerScope) {
	switch scope {
	case scopeNode:
		if def.Each || def.AsList {
			p.report(ErrCodeBadFlags, field, "each and asList apply to list handlers only", def.Pos)
		}
		if def.Tag != "" {
			p.report(ErrCodeBadFlags, field, "tag applies to list handlers only", def.Pos)
		}
	case scopeList:
		switch {
		case def.Each && def.AsList:
			p.report(ErrCodeBadFlags, field, "each and asList are mutually exclusive", def.Pos)
		case !def.Each && !def.AsList:
			p.report(ErrCodeBadFlags, field, "list handler must declare each or asList", def.Pos)
		}
		if def.Tag != "" && !def.Each {
			p.report(ErrCodeBadFlags, field, "tag requires each", def.Pos)
		}
	}
}

// parseRefs reads an input or output list. Elements are either a plain
// ref string or a {path, as, aggregate, multiplex} struct.
func (p *parser) parseRefs(field string, v cue.Value, output bool) []RefDef {
	l, err := v.List()
	if err != nil {
		p.report(ErrCodeBadField, field, "not a list: "+err.Error(), v.Pos())
		return nil
	}
	var out []RefDef
	for i := 0; l.Next(); i++ {
		if p.stop {
			return out
		}
		if rd, ok := p.parseRef(fmt.Sprintf("%s[%d]", field, i), l.Value(), output); ok {
			out = append(out, rd)
		}
	}
	return out
}

func (p *parser) parseRef(field string, v cue.Value, output bool) (RefDef, bool) {
	rd := RefDef{Pos: v.Pos()}
	var alias string
	var aggregate, multiplex bool

	switch v.Kind() {
	case cue.StringKind:
		rd.Raw, _ = v.String()
	case cue.StructKind:
		p.eachField(v, field, func(label string, fv cue.Value) {
			sub := field + "." + label
			switch label {
			case "path":
				rd.Raw = p.stringField(sub, fv)
			case "as":
				alias = p.stringField(sub, fv)
			case "aggregate":
				aggregate = p.boolField(sub, fv)
			case "multiplex":
				multiplex = p.boolField(sub, fv)
			default:
				p.report(ErrCodeBadField, sub, "unknown field", fv.Pos())
			}
		})
		if rd.Raw == "" && !p.stop {
			p.report(ErrCodeMissingField, field, `ref declares no "path"`, v.Pos())
			return rd, false
		}
	default:
		p.report(ErrCodeBadField, field, "ref must be a string or a {path, ...} struct", v.Pos())
		return rd, false
	}

	ref, err := propref.Parse(rd.Raw)
	if err != nil {
		p.report(ErrCodeBadRef, field, err.Error(), rd.Pos)
		return rd, false
	}
	if alias != "" {
		if !propref.ValidName(propref.Normalize(alias)) {
			p.report(ErrCodeBadName, field, fmt.Sprintf("invalid alias %q", alias), rd.Pos)
			return rd, false
		}
		ref = ref.As(alias)
	}
	if aggregate {
		if output {
			p.report(ErrCodeBadFlags, field, "aggregate is an input flag", rd.Pos)
			return rd, false
		}
		if _, ok := ref.ListSegment(); !ok {
			p.report(ErrCodeBadFlags, field, "aggregate requires a list traversal in the path", rd.Pos)
			return rd, false
		}
		ref = ref.Aggregated()
	}
	if multiplex {
		if !output {
			p.report(ErrCodeBadFlags, field, "multiplex is an output flag", rd.Pos)
			return rd, false
		}
		ref = ref.Multiplexed()
	}
	rd.Ref = ref
	return rd, true
}

func (p *parser) parseList(name, field string, v cue.Value) ListDef {
	def := ListDef{Name: name, Pos: v.Pos()}
	if !propref.ValidName(propref.Normalize(name)) {
		p.report(ErrCodeBadName, field, fmt.Sprintf("invalid list name %q", name), v.Pos())
	}
	p.eachField(v, field, func(label string, fv cue.Value) {
		sub := field + "." + label
		switch label {
		case "template":
			def.Template = p.parseNodeBody(sub, fv)
		case "specialize":
			p.eachField(fv, sub, func(tag string, ov cue.Value) {
				def.Overlays = append(def.Overlays, p.parseOverlay(tag, sub+"."+tag, ov))
			})
		case "handlers":
			p.eachField(fv, sub, func(hn string, hv cue.Value) {
				def.Handlers = append(def.Handlers, p.parseHandler(hn, sub+"."+hn, hv, scopeList))
			})
		default:
			p.report(ErrCodeBadField, sub, "unknown field", fv.Pos())
		}
	})
	if def.Template == nil && !p.stop {
		p.report(ErrCodeMissingField, field, `list declares no "template"`, v.Pos())
	}
	return def
}

// parseOverlay reads a specialization overlay. Overlays add constants
// and handlers on top of the template shape; they may not restructure
// the item.
func (p *parser) parseOverlay(tag, field string, v cue.Value) OverlayDef {
	def := OverlayDef{Tag: tag, Pos: v.Pos()}
	if !propref.ValidName(propref.Normalize(tag)) {
		p.report(ErrCodeBadName, field, fmt.Sprintf("invalid specialization tag %q", tag), v.Pos())
	}
	def.Node = p.parseNodeBody(field, v)
	if len(def.Node.Nodes) > 0 || len(def.Node.Lists) > 0 || def.Node.Optional || def.Node.As != "" {
		p.report(ErrCodeBadOverlay, field, "overlay may declare constants and handlers only", def.Pos)
	}
	return def
}

// ctyFromCUE converts a concrete CUE value into a cty.Value.
func ctyFromCUE(v cue.Value) (cty.Value, error) {
	if err := v.Err(); err != nil {
		return cty.NilVal, err
	}
	switch v.Kind() {
	case cue.NullKind:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return cty.NilVal, err
		}
		return cty.BoolVal(b), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return cty.NilVal, err
		}
		return cty.StringVal(s), nil
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return cty.NilVal, err
		}
		return cty.NumberIntVal(i), nil
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return cty.NilVal, err
		}
		return cty.NumberFloatVal(f), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return cty.NilVal, err
		}
		var elems []cty.Value
		for iter.Next() {
			ev, err := ctyFromCUE(iter.Value())
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, ev)
		}
		if len(elems) == 0 {
			return cty.EmptyTupleVal, nil
		}
		return cty.TupleVal(elems), nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return cty.NilVal, err
		}
		attrs := make(map[string]cty.Value)
		for iter.Next() {
			ev, err := ctyFromCUE(iter.Value())
			if err != nil {
				return cty.NilVal, err
			}
			attrs[iter.Label()] = ev
		}
		if len(attrs) == 0 {
			return cty.EmptyObjectVal, nil
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.NilVal, fmt.Errorf("value is not concrete (kind %s)", v.Kind())
	}
}
