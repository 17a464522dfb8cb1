// Package propref defines the property reference grammar shared by the
// model builder, the definition-file compiler, and the engine.
//
// A reference is a slash-separated path whose final segment names a
// property. Path segments descend into child nodes, climb with "..",
// start at the model root with a leading "/", traverse a node-list with
// "name[]", or select a concrete list item with a decimal index:
//
//	base
//	../fx/rate
//	/config/locale
//	rows[]/price
//	rows/2/price
//
// List traversal ("[]") is only meaningful in handler declarations,
// where it fans out over current and future items. Index segments are
// only meaningful in evaluating-phase reads, writes, and event paths.
// Those context rules are enforced by the resolver, not the parser.
//
// Aliases and the aggregate/multiplex flags are not part of the string
// grammar; they are set with the fluent copies As, Aggregated, and
// Multiplexed.
package propref

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentKind discriminates path segment variants.
type SegmentKind uint8

const (
	// SegChild descends into a named child node.
	SegChild SegmentKind = iota
	// SegUp climbs to the parent node.
	SegUp
	// SegList traverses a named node-list (declaration refs only).
	SegList
	// SegIndex selects a concrete list item (concrete refs only).
	SegIndex
)

// Segment is one path step. Name is set for SegChild and SegList,
// Index for SegIndex.
type Segment struct {
	Kind  SegmentKind
	Name  string
	Index int
}

// String renders the segment in reference syntax.
func (s Segment) String() string {
	switch s.Kind {
	case SegUp:
		return ".."
	case SegList:
		return s.Name + "[]"
	case SegIndex:
		return strconv.Itoa(s.Index)
	default:
		return s.Name
	}
}

// Ref is a parsed property reference plus its declaration flags.
//
// The zero value is not a valid reference; construct with Parse or
// MustParse. The fluent methods return modified copies, so a Ref can be
// shared safely once built.
type Ref struct {
	// Absolute anchors resolution at the model root instead of the
	// context node.
	Absolute bool
	// Path holds the node segments, excluding the property name.
	Path []Segment
	// Prop is the property name (the final path segment).
	Prop string
	// Alias overrides the key under which the value appears in handler
	// input/output maps. Empty means Prop.
	Alias string
	// Aggregate collapses a list fan-out into a single tuple-valued
	// edge. Requires exactly one SegList segment; inputs only.
	Aggregate bool
	// Multiplex declares multiplex participation. Outputs only.
	Multiplex bool
}

// Parse parses a reference string. Name segments are NFC-normalized so
// that equal-looking names compare equal byte-wise.
func Parse(input string) (Ref, error) {
	var r Ref
	s := input
	if s == "" {
		return r, &ParseError{Input: input, Message: "empty reference"}
	}
	if strings.HasPrefix(s, "/") {
		r.Absolute = true
		s = s[1:]
		if s == "" {
			return r, &ParseError{Input: input, Message: "missing property name"}
		}
	}
	parts := strings.Split(s, "/")
	for i, part := range parts {
		last := i == len(parts)-1
		if part == "" {
			return Ref{}, &ParseError{Input: input, Message: "empty path segment"}
		}
		if last {
			name := Normalize(part)
			if !ValidName(name) {
				return Ref{}, &ParseError{Input: input, Message: fmt.Sprintf("invalid property name %q", part)}
			}
			r.Prop = name
			break
		}
		seg, err := parseSegment(part)
		if err != nil {
			return Ref{}, &ParseError{Input: input, Message: err.Error()}
		}
		r.Path = append(r.Path, seg)
	}
	return r, nil
}

// MustParse is Parse that panics on error. For statically known refs.
func MustParse(input string) Ref {
	r, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return r
}

func parseSegment(part string) (Segment, error) {
	switch {
	case part == "..":
		return Segment{Kind: SegUp}, nil
	case isDecimal(part):
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 {
			return Segment{}, fmt.Errorf("invalid index segment %q", part)
		}
		return Segment{Kind: SegIndex, Index: idx}, nil
	case strings.HasSuffix(part, "[]"):
		name := Normalize(strings.TrimSuffix(part, "[]"))
		if !ValidName(name) {
			return Segment{}, fmt.Errorf("invalid list name %q", part)
		}
		return Segment{Kind: SegList, Name: name}, nil
	default:
		name := Normalize(part)
		if !ValidName(name) {
			return Segment{}, fmt.Errorf("invalid node name %q", part)
		}
		return Segment{Kind: SegChild, Name: name}, nil
	}
}

// String renders the canonical reference string (path plus property,
// without flags). Parse(r.String()) reproduces the path portion.
func (r Ref) String() string {
	var b strings.Builder
	if r.Absolute {
		b.WriteByte('/')
	}
	for _, seg := range r.Path {
		b.WriteString(seg.String())
		b.WriteByte('/')
	}
	b.WriteString(r.Prop)
	return b.String()
}

// Canon returns the canonical path string used in event payloads and
// snapshot keys. Alias and flags do not participate.
func (r Ref) Canon() string { return r.String() }

// Key returns the name under which this ref's value appears in handler
// input/output maps: the alias if set, else the property name.
func (r Ref) Key() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Prop
}

// As returns a copy with the given alias.
func (r Ref) As(alias string) Ref {
	r.Alias = Normalize(alias)
	return r
}

// Aggregated returns a copy with the aggregate flag set.
func (r Ref) Aggregated() Ref {
	r.Aggregate = true
	return r
}

// Multiplexed returns a copy with the multiplex flag set.
func (r Ref) Multiplexed() Ref {
	r.Multiplex = true
	return r
}

// ListSegment returns the position of the first list traversal segment,
// or false if the path has none.
func (r Ref) ListSegment() (int, bool) {
	for i, seg := range r.Path {
		if seg.Kind == SegList {
			return i, true
		}
	}
	return 0, false
}

// HasIndex reports whether the path contains a concrete index segment.
func (r Ref) HasIndex() bool {
	for _, seg := range r.Path {
		if seg.Kind == SegIndex {
			return true
		}
	}
	return false
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ParseError reports a malformed reference string.
type ParseError struct {
	Input   string
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid property reference %q: %s", e.Input, e.Message)
}
