package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dchambers/composer/internal/compiler"
	"github.com/dchambers/composer/internal/model"
	"github.com/dchambers/composer/internal/propref"
)

// PropertyReport describes one property in the inspect output.
type PropertyReport struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// HandlerReport describes one handler declaration.
type HandlerReport struct {
	Name    string   `json:"name"`
	Mode    string   `json:"mode,omitempty"` // "each" | "list" on list-attached handlers
	Tag     string   `json:"tag,omitempty"`
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

// ListReport describes one node-list: attached handlers, the template
// shape, and its specialization overlays.
type ListReport struct {
	Name     string                 `json:"name"`
	Tags     []string               `json:"tags,omitempty"`
	Handlers []HandlerReport        `json:"handlers,omitempty"`
	Template *NodeReport            `json:"template,omitempty"`
	Overlays map[string]*NodeReport `json:"overlays,omitempty"`
}

// NodeReport describes one node subtree.
type NodeReport struct {
	Name       string           `json:"name"`
	Optional   bool             `json:"optional,omitempty"`
	Template   string           `json:"template,omitempty"` // alias target on slots
	Properties []PropertyReport `json:"properties,omitempty"`
	Handlers   []HandlerReport  `json:"handlers,omitempty"`
	Children   []*NodeReport    `json:"children,omitempty"`
	Lists      []*ListReport    `json:"lists,omitempty"`
}

// InspectReport is the whole inspect payload.
type InspectReport struct {
	Model     string        `json:"model"`
	Root      *NodeReport   `json:"root"`
	Templates []*NodeReport `json:"templates,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <model-dir>",
		Short: "Render the sealed model tree",
		Long: `Seal a model and render its declared shape: nodes, properties with
their provider kinds, handlers with their input and output refs,
node-lists with templates and specializations, and optional slots.

Examples:
  composer inspect ./models/grid
  composer inspect ./models/grid --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runInspect(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	eng, err := sealModel(dir, compiler.FailFast, commandLogger(opts.Verbose, cmd.ErrOrStderr()))
	if err != nil {
		return outputLoadError(formatter, err)
	}
	defer eng.Close()

	report := buildInspectReport(eng.Model())
	if formatter.Format == "json" {
		return formatter.Success(report)
	}

	writeInspectText(formatter.Writer, report)
	return nil
}

// buildInspectReport walks the declaration tree, not the live one, so
// slot stubs and list templates show up even before anything
// materializes.
func buildInspectReport(m *model.Model) *InspectReport {
	report := &InspectReport{
		Model: m.Name(),
		Root:  nodeReport(m.Root()),
	}
	for _, name := range m.TemplateNames() {
		report.Templates = append(report.Templates, nodeReport(m.TemplateNamed(name)))
	}
	return report
}

func nodeReport(n *model.Node) *NodeReport {
	r := &NodeReport{
		Name:     n.Name(),
		Optional: n.IsOptional(),
		Template: n.TemplateRef(),
	}
	for _, p := range n.Properties() {
		r.Properties = append(r.Properties, PropertyReport{Name: p.Name(), Kind: displayKind(n, p)})
	}
	for _, h := range n.HandlerDecls() {
		r.Handlers = append(r.Handlers, handlerReport(h))
	}
	for _, c := range n.Children() {
		r.Children = append(r.Children, nodeReport(c))
	}
	for _, l := range n.Lists() {
		r.Lists = append(r.Lists, listReport(l))
	}
	return r
}

func listReport(l *model.NodeList) *ListReport {
	r := &ListReport{Name: l.Name(), Tags: l.Tags()}
	for _, h := range l.Handlers() {
		r.Handlers = append(r.Handlers, handlerReport(h))
	}
	if t := l.Template(); t != nil {
		r.Template = nodeReport(t)
	}
	for _, tag := range l.Tags() {
		if ov := l.Overlay(tag); ov != nil {
			if r.Overlays == nil {
				r.Overlays = make(map[string]*NodeReport)
			}
			r.Overlays[tag] = nodeReport(ov)
		}
	}
	return r
}

func handlerReport(h *model.Handler) HandlerReport {
	r := HandlerReport{Name: h.Name, Tag: h.Tag}
	switch h.Mode {
	case model.ListEachItem:
		r.Mode = "each"
	case model.ListWholeList:
		r.Mode = "list"
	}
	for _, ref := range h.Inputs {
		r.Inputs = append(r.Inputs, refLabel(ref))
	}
	for _, ref := range h.Outputs {
		r.Outputs = append(r.Outputs, refLabel(ref))
	}
	return r
}

// refLabel renders a ref the way a definition would declare it: the
// canonical path plus alias and flags.
func refLabel(r propref.Ref) string {
	s := r.String()
	if r.Alias != "" && r.Alias != r.Prop {
		s += " as " + r.Alias
	}
	if r.Aggregate {
		s += " (aggregate)"
	}
	if r.Multiplex {
		s += " (multiplex)"
	}
	return s
}

// displayKind resolves the shown provider kind. Live properties carry
// their sealed kind; template and overlay properties are unresolved
// until an item materializes, so fall back to the local handler
// outputs.
func displayKind(n *model.Node, p *model.Property) string {
	if p.Kind() != model.ProviderNone {
		return p.Kind().String()
	}
	for _, h := range n.HandlerDecls() {
		for _, ref := range h.Outputs {
			if len(ref.Path) != 0 || ref.Prop != p.Name() {
				continue
			}
			if ref.Multiplex {
				return model.ProviderMultiplex.String()
			}
			return model.ProviderSingle.String()
		}
	}
	return p.Kind().String()
}

// treeNode is one rendered line plus its indented children.
type treeNode struct {
	label    string
	children []*treeNode
}

// writeInspectText renders the report as a tree, the model first and
// each template after it.
func writeInspectText(w io.Writer, report *InspectReport) {
	fmt.Fprintf(w, "model %s\n", report.Model)
	writeBranches(w, nodeEntries(report.Root), "")
	for _, t := range report.Templates {
		fmt.Fprintf(w, "\ntemplate %s\n", t.Name)
		writeBranches(w, nodeEntries(t), "")
	}
}

func writeBranches(w io.Writer, nodes []*treeNode, prefix string) {
	for i, n := range nodes {
		connector, childPrefix := "├── ", prefix+"│   "
		if i == len(nodes)-1 {
			connector, childPrefix = "└── ", prefix+"    "
		}
		fmt.Fprintln(w, prefix+connector+n.label)
		writeBranches(w, n.children, childPrefix)
	}
}

// nodeEntries lists a node's rendered members: properties, handlers,
// child nodes, lists.
func nodeEntries(r *NodeReport) []*treeNode {
	var out []*treeNode
	for _, p := range r.Properties {
		out = append(out, &treeNode{label: fmt.Sprintf("%s: %s", p.Name, p.Kind)})
	}
	for _, h := range r.Handlers {
		out = append(out, &treeNode{label: handlerLabel(h)})
	}
	for _, c := range r.Children {
		out = append(out, childEntry(c))
	}
	for _, l := range r.Lists {
		out = append(out, listEntry(l))
	}
	return out
}

func childEntry(r *NodeReport) *treeNode {
	if r.Template != "" {
		label := fmt.Sprintf("%s -> template %s", r.Name, r.Template)
		if r.Optional {
			label = fmt.Sprintf("%s? -> template %s", r.Name, r.Template)
		}
		return &treeNode{label: label}
	}
	label := r.Name + "/"
	if r.Optional {
		label = r.Name + "?/"
	}
	return &treeNode{label: label, children: nodeEntries(r)}
}

func listEntry(l *ListReport) *treeNode {
	label := l.Name + "[]"
	if len(l.Tags) > 0 {
		label += " (tags: " + strings.Join(l.Tags, ", ") + ")"
	}
	n := &treeNode{label: label}
	for _, h := range l.Handlers {
		n.children = append(n.children, &treeNode{label: handlerLabel(h)})
	}
	if l.Template != nil {
		n.children = append(n.children, &treeNode{label: "template", children: nodeEntries(l.Template)})
	}
	for _, tag := range l.Tags {
		if ov := l.Overlays[tag]; ov != nil {
			n.children = append(n.children, &treeNode{label: "specialize " + tag, children: nodeEntries(ov)})
		}
	}
	return n
}

func handlerLabel(h HandlerReport) string {
	var flags []string
	if h.Mode != "" {
		flags = append(flags, h.Mode)
	}
	if h.Tag != "" {
		flags = append(flags, "tag="+h.Tag)
	}
	label := "handler " + h.Name
	if len(flags) > 0 {
		label += " [" + strings.Join(flags, ", ") + "]"
	}
	return fmt.Sprintf("%s: %s -> %s",
		label, strings.Join(h.Inputs, ", "), strings.Join(h.Outputs, ", "))
}
