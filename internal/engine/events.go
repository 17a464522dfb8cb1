package engine

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/model"
)

// Subscription identifies one registered callback.
type Subscription string

// Change reports one committed property transition, netted against the
// value last delivered for that property.
type Change struct {
	Path  string
	Old   cty.Value
	New   cty.Value
	Batch int64
}

// MutationKind discriminates structural events.
type MutationKind uint8

const (
	// MutationInsert: an item joined a node-list.
	MutationInsert MutationKind = iota
	// MutationRemove: an item left a node-list.
	MutationRemove
	// MutationCreate: an optional node was materialized.
	MutationCreate
	// MutationDispose: an optional node was retired.
	MutationDispose
)

func (k MutationKind) String() string {
	switch k {
	case MutationInsert:
		return "insert"
	case MutationRemove:
		return "remove"
	case MutationCreate:
		return "create"
	case MutationDispose:
		return "dispose"
	default:
		return "unknown"
	}
}

// Mutation reports one applied structural change. Target is the
// node-list path for item operations and the optional-node path
// otherwise. Index is the position at apply time, -1 for node
// operations.
type Mutation struct {
	Target string
	Kind   MutationKind
	Index  int
	Tag    string
	Batch  int64
}

// Coherence reports the engine entering or leaving the pending state.
// Cause names the declining handler when entering.
type Coherence struct {
	Pending bool
	Cause   string
	Batch   int64
}

type changeSub struct {
	token Subscription
	prop  *model.Property
	fn    func(Change)
}

type mutationSub struct {
	token Subscription
	list  *model.NodeList
	node  *model.Node
	fn    func(Mutation)
}

type coherenceSub struct {
	token Subscription
	fn    func(Coherence)
}

type beforeSub struct {
	token Subscription
	fn    func()
}

// bus keeps the subscription registries and dispatches committed
// events. Targets are held by identity, so a token survives reindexing
// of its item but dies with its property. Not goroutine-safe; the
// engine serializes access.
type bus struct {
	tokens    TokenGenerator
	changes   []*changeSub
	mutations []*mutationSub
	coherence []*coherenceSub
	before    []*beforeSub
}

func newBus(tokens TokenGenerator) *bus {
	return &bus{tokens: tokens}
}

func (b *bus) onChange(p *model.Property, fn func(Change)) Subscription {
	t := Subscription(b.tokens.Generate())
	b.changes = append(b.changes, &changeSub{token: t, prop: p, fn: fn})
	return t
}

func (b *bus) onMutation(l *model.NodeList, n *model.Node, fn func(Mutation)) Subscription {
	t := Subscription(b.tokens.Generate())
	b.mutations = append(b.mutations, &mutationSub{token: t, list: l, node: n, fn: fn})
	return t
}

func (b *bus) onCoherence(fn func(Coherence)) Subscription {
	t := Subscription(b.tokens.Generate())
	b.coherence = append(b.coherence, &coherenceSub{token: t, fn: fn})
	return t
}

func (b *bus) onBeforeNotify(fn func()) Subscription {
	t := Subscription(b.tokens.Generate())
	b.before = append(b.before, &beforeSub{token: t, fn: fn})
	return t
}

// unsubscribe removes the token from whichever registry holds it.
func (b *bus) unsubscribe(token Subscription) bool {
	for i, s := range b.changes {
		if s.token == token {
			b.changes = append(b.changes[:i], b.changes[i+1:]...)
			return true
		}
	}
	for i, s := range b.mutations {
		if s.token == token {
			b.mutations = append(b.mutations[:i], b.mutations[i+1:]...)
			return true
		}
	}
	for i, s := range b.coherence {
		if s.token == token {
			b.coherence = append(b.coherence[:i], b.coherence[i+1:]...)
			return true
		}
	}
	for i, s := range b.before {
		if s.token == token {
			b.before = append(b.before[:i], b.before[i+1:]...)
			return true
		}
	}
	return false
}

// dropProps invalidates change subscriptions whose target property was
// disposed.
func (b *bus) dropProps(gone map[*model.Property]bool) {
	if len(gone) == 0 {
		return
	}
	kept := b.changes[:0]
	for _, s := range b.changes {
		if !gone[s.prop] {
			kept = append(kept, s)
		}
	}
	b.changes = kept
}

// dropStructural invalidates mutation subscriptions whose target list
// or node sat inside a retired subtree.
func (b *bus) dropStructural(lists map[*model.NodeList]bool, nodes map[*model.Node]bool) {
	if len(lists) == 0 && len(nodes) == 0 {
		return
	}
	kept := b.mutations[:0]
	for _, s := range b.mutations {
		if (s.list != nil && lists[s.list]) || (s.node != nil && nodes[s.node]) {
			continue
		}
		kept = append(kept, s)
	}
	b.mutations = kept
}

// fireChange delivers to every subscription on exactly this property.
// The registry is snapshotted so callbacks may subscribe or
// unsubscribe without disturbing the sweep.
func (b *bus) fireChange(p *model.Property, ev Change) {
	subs := b.changes
	for _, s := range subs {
		if s.prop == p {
			s.fn(ev)
		}
	}
}

func (b *bus) fireMutation(l *model.NodeList, n *model.Node, ev Mutation) {
	subs := b.mutations
	for _, s := range subs {
		if (s.list != nil && s.list == l) || (s.node != nil && s.node == n) {
			s.fn(ev)
		}
	}
}

func (b *bus) fireCoherence(ev Coherence) {
	subs := b.coherence
	for _, s := range subs {
		s.fn(ev)
	}
}

func (b *bus) fireBefore() {
	subs := b.before
	for _, s := range subs {
		s.fn()
	}
}
