package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/model"
)

// Graph is the materialized dependency graph of a sealed model: the
// live handler instances, the bipartite provider/dependent indexes
// between instances and properties, and the topological evaluation
// order. The graph is rebuilt-in-place by structural mutations; all
// methods must be called on the evaluating goroutine.
type Graph struct {
	m       *model.Model
	clock   *Clock
	refresh RefreshFunc
	log     *slog.Logger

	instances map[int64]*Instance
	active    []*Instance // activation order
	order     []*Instance // topological order

	providers map[*model.Property][]*Instance
	deps      map[*model.Property][]*Instance
	aggIns    map[*model.NodeList][]*Instance

	// repls indexes node-attached fan-out declarations by their live
	// governing list; pending holds the ones whose governing list is
	// not materialized yet.
	repls   map[*model.NodeList][]replicator
	pending []replicator
}

// replicator is a node-attached handler declaration that materializes
// one instance per item of its governing list.
type replicator struct {
	decl *model.Handler
	ctx  *model.Node
}

// BuildOptions configures graph construction.
type BuildOptions struct {
	// Clock issues instance and activation ids. A fresh clock is used
	// when nil.
	Clock *Clock
	// Refresh receives re-invalidation signals from stateful handler
	// instances; must be safe to call from any goroutine.
	Refresh RefreshFunc
	// Logger receives debug-level wiring diagnostics.
	Logger *slog.Logger
}

// ChangeSet reports what one structural mutation did, so the scheduler
// can stage, mark, and notify accordingly.
type ChangeSet struct {
	// Created instances (constructors already ran) and Disposed ones.
	Created  []*Instance
	Disposed []*Instance
	// Rebound instances had an edge change binding kind or target
	// because materialization changed what their refs reach.
	Rebound []*Instance
	// Reindexed items shifted index; their item-scoped instances see a
	// different Invocation.Index.
	Reindexed []*model.Node
	// Constants are newly materialized constant properties, to be
	// staged at their initial values.
	Constants []*model.Property
	// Removed lists every property of a retired subtree.
	Removed []*model.Property
	// List is the mutated list for item operations; Node the created
	// or retired live node for optional-node operations.
	List *model.NodeList
	Node *model.Node
}

// Build validates the model and constructs its dependency graph. All
// declaration violations are collected and returned joined; a
// dependency cycle is returned as a CircularDependencyError.
func Build(m *model.Model, opts BuildOptions) (*Graph, error) {
	clock := opts.Clock
	if clock == nil {
		clock = NewClock()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	g := &Graph{
		m:         m,
		clock:     clock,
		refresh:   opts.Refresh,
		log:       log,
		instances: make(map[int64]*Instance),
		providers: make(map[*model.Property][]*Instance),
		deps:      make(map[*model.Property][]*Instance),
		aggIns:    make(map[*model.NodeList][]*Instance),
		repls:     make(map[*model.NodeList][]replicator),
	}

	var errs []error
	if err := m.CollectedErrors(); err != nil {
		errs = append(errs, err)
	}
	bindings, serrs := runSealChecks(m)
	for _, e := range serrs {
		errs = append(errs, e)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if cerr := declCycleCheck(bindings); cerr != nil {
		return nil, cerr
	}

	if _, err := g.createForSubtree(m.Root(), nil); err != nil {
		return nil, err
	}
	if err := g.rewire(); err != nil {
		return nil, err
	}
	g.log.Debug("dependency graph built",
		"model", m.Name(), "handlers", len(m.Handlers()), "instances", len(g.active))
	return g, nil
}

// Model returns the underlying model.
func (g *Graph) Model() *model.Model { return g.m }

// Order returns the current topological evaluation order.
func (g *Graph) Order() []*Instance { return g.order }

// Actives returns the live instances in activation order.
func (g *Graph) Actives() []*Instance { return g.active }

// ByID returns the live instance with the given id, nil when disposed
// or unknown.
func (g *Graph) ByID(id int64) *Instance { return g.instances[id] }

// DependentsOf returns the instances that consume a property: bound
// input edges plus every aggregate consumer of a list the property
// sits under. Aggregate consumers are over-approximated by list; the
// no-op cutoff discards the false positives.
func (g *Graph) DependentsOf(p *model.Property) []*Instance {
	out := append([]*Instance{}, g.deps[p]...)
	seen := make(map[*Instance]bool, len(out))
	for _, in := range out {
		seen[in] = true
	}
	for _, l := range enclosingLists(p.Node()) {
		for _, in := range g.aggIns[l] {
			if !seen[in] {
				seen[in] = true
				out = append(out, in)
			}
		}
	}
	return out
}

// ListDependents returns the aggregate consumers of a list, re-run on
// membership changes.
func (g *Graph) ListDependents(l *model.NodeList) []*Instance {
	return g.aggIns[l]
}

// ProvidersOf returns the instances providing a property.
func (g *Graph) ProvidersOf(p *model.Property) []*Instance {
	return g.providers[p]
}

// ItemScoped returns the live instances bound to an item.
func (g *Graph) ItemScoped(item *model.Node) []*Instance {
	var out []*Instance
	for _, inst := range g.active {
		if inst.Item == item {
			out = append(out, inst)
		}
	}
	return out
}

// WalkLive visits every live node from the root down: children in
// declaration order, then list items in index order.
func (g *Graph) WalkLive(fn func(n *model.Node)) {
	walkLiveNodes(g.m.Root(), fn)
}

// DisposeAll tears down every live instance, most recent activation
// first. Close use.
func (g *Graph) DisposeAll() {
	insts := append([]*Instance{}, g.active...)
	sort.Slice(insts, func(a, b int) bool { return insts[a].ID > insts[b].ID })
	for _, inst := range insts {
		inst.dispose()
	}
	g.active = nil
	g.instances = make(map[int64]*Instance)
	g.order = nil
}

// MaterializeItem clones the list's item template (plus the tag
// overlay) into a live item at the given index, constructs its
// instances, and re-verifies the graph. The list is untouched when an
// error is returned.
func (g *Graph) MaterializeItem(l *model.NodeList, tag string, index int) (*ChangeSet, error) {
	var overlay *model.Node
	if tag != "" {
		overlay = l.Overlay(tag)
	}
	item, err := model.CloneShape(l.Template(), overlay, l.Owner(), l.Name()+"[]", tag)
	if err != nil {
		return nil, err
	}
	reindexed := l.InsertItem(item, index)

	created, err := g.createItemInstances(l, item, tag)
	if err == nil {
		err = g.rewireOr(created, func() {
			l.RemoveItemAt(index)
		})
	} else {
		g.rollback(created, func() { l.RemoveItemAt(index) })
	}
	if err != nil {
		return nil, err
	}
	g.log.Debug("item materialized",
		"list", l.Path(), "index", index, "tag", tag, "instances", len(created))
	return &ChangeSet{
		Created:   created,
		Reindexed: append([]*model.Node{}, reindexed...),
		Constants: constantsIn(item),
		List:      l,
	}, nil
}

// RetireItem removes the item at index: instances are disposed in
// reverse activation order before their outputs are removed, and
// subsequent items reindex.
func (g *Graph) RetireItem(l *model.NodeList, index int) (*ChangeSet, error) {
	item, reindexed := l.RemoveItemAt(index)
	disposed := g.disposeSubtree(item)
	removed := retireSubtree(item)
	if err := g.rewire(); err != nil {
		// Removal cannot close a cycle; a failure here is wiring gone
		// inconsistent, surfaced rather than papered over.
		return nil, err
	}
	g.log.Debug("item retired",
		"list", l.Path(), "index", index, "instances", len(disposed))
	return &ChangeSet{
		Disposed:  disposed,
		Reindexed: append([]*model.Node{}, reindexed...),
		Removed:   removed,
		List:      l,
	}, nil
}

// MaterializeNode clones an optional slot's declared shape into a live
// subtree, constructs its instances, and re-verifies the graph.
// Validation deferred from seal (refs inside the shape, cycles the
// expansion closes) runs here; failure rolls the slot back.
func (g *Graph) MaterializeNode(slot *model.Node) (*ChangeSet, error) {
	clone, err := model.CloneShape(slot, nil, slot.Parent(), slot.Name(), "")
	if err != nil {
		return nil, err
	}
	slot.SetLive(clone)

	before := g.edgeShapes()
	created, err := g.createForSubtree(clone, enclosingItem(slot))
	if err == nil {
		err = g.rewireOr(created, func() { slot.SetLive(nil) })
	} else {
		g.rollback(created, func() { slot.SetLive(nil) })
	}
	if err != nil {
		return nil, err
	}
	g.log.Debug("node materialized", "path", clone.Path(), "instances", len(created))
	return &ChangeSet{
		Created:   created,
		Rebound:   g.reboundSince(before, created),
		Constants: constantsIn(clone),
		Node:      clone,
	}, nil
}

// RetireNode disposes an optional node's live subtree, nested items
// included. The slot may be created again later with fresh instances.
func (g *Graph) RetireNode(slot *model.Node) (*ChangeSet, error) {
	live := slot.Live()
	before := g.edgeShapes()
	disposed := g.disposeSubtree(live)
	removed := retireSubtree(live)
	slot.SetLive(nil)
	if err := g.rewire(); err != nil {
		return nil, err
	}
	g.log.Debug("node retired", "path", slot.Path(), "instances", len(disposed))
	return &ChangeSet{
		Disposed: disposed,
		Rebound:  g.reboundSince(before, nil),
		Removed:  removed,
		Node:     live,
	}, nil
}

// createForSubtree materializes instances for every handler in a fresh
// live subtree: plain node handlers and whole-list handlers of nested
// list shells. Fan-out declarations replicate per item instead and are
// indexed by rewire.
func (g *Graph) createForSubtree(root, item *model.Node) ([]*Instance, error) {
	var created []*Instance
	var ierr error
	walkLiveNodes(root, func(n *model.Node) {
		if ierr != nil {
			return
		}
		for _, h := range n.HandlerDecls() {
			if hasFanRef(h) {
				continue
			}
			inst, err := g.newInstance(h, n, item, nil)
			if err != nil {
				ierr = err
				return
			}
			created = append(created, inst)
		}
		for _, l := range n.Lists() {
			for _, h := range l.Handlers() {
				if h.Mode != model.ListWholeList {
					continue
				}
				inst, err := g.newInstance(h, n, item, l)
				if err != nil {
					ierr = err
					return
				}
				created = append(created, inst)
			}
		}
	})
	if ierr != nil {
		return created, ierr
	}
	return created, nil
}

// createItemInstances materializes the instance set a new item brings:
// its subtree's own handlers, the list's each-item handlers that match
// the tag, and one replica per registered fan-out declaration.
func (g *Graph) createItemInstances(l *model.NodeList, item *model.Node, tag string) ([]*Instance, error) {
	created, err := g.createForSubtree(item, item)
	if err != nil {
		return created, err
	}
	for _, h := range l.Handlers() {
		if h.Mode != model.ListEachItem {
			continue
		}
		if h.Tag != "" && h.Tag != tag {
			continue
		}
		inst, err := g.newInstance(h, item, item, nil)
		if err != nil {
			return created, err
		}
		created = append(created, inst)
	}
	for _, r := range g.repls[l] {
		inst, err := g.newInstance(r.decl, r.ctx, item, nil)
		if err != nil {
			return created, err
		}
		created = append(created, inst)
	}
	return created, nil
}

func (g *Graph) newInstance(h *model.Handler, ctx, item *model.Node, list *model.NodeList) (*Instance, error) {
	inst := &Instance{
		ID:         g.clock.Next(),
		Activation: g.clock.Current(),
		Decl:       h,
		Ctx:        ctx,
		Item:       item,
		List:       list,
		LastIn:     make(map[string]cty.Value),
		Prev:       make(map[string]cty.Value),
		Overridden: make(map[string]bool),
	}
	if ctor, ok := h.Eval.(model.Constructor); ok {
		impl, err := ctor(control{inst: inst, refresh: g.refresh})
		if err != nil {
			return nil, fmt.Errorf("constructing %q at %s: %w", h.Name, ctx.Path(), err)
		}
		inst.impl = impl
	}
	g.instances[inst.ID] = inst
	g.active = append(g.active, inst)
	return inst, nil
}

// disposeSubtree disposes every instance scoped to a live subtree, in
// reverse activation order, and unlinks them from the graph.
func (g *Graph) disposeSubtree(root *model.Node) []*Instance {
	var gone []*Instance
	kept := g.active[:0]
	for _, inst := range g.active {
		if instScopedTo(inst, root) {
			gone = append(gone, inst)
		} else {
			kept = append(kept, inst)
		}
	}
	g.active = kept
	sort.Slice(gone, func(a, b int) bool { return gone[a].ID > gone[b].ID })
	for _, inst := range gone {
		inst.dispose()
		delete(g.instances, inst.ID)
	}
	return gone
}

// rollback undoes a failed materialization: disposes the instances it
// created and reverts the structural change, then re-wires.
func (g *Graph) rollback(created []*Instance, undo func()) {
	for i := len(created) - 1; i >= 0; i-- {
		created[i].dispose()
		delete(g.instances, created[i].ID)
	}
	kept := g.active[:0]
	for _, inst := range g.active {
		if !inst.Disposed() {
			kept = append(kept, inst)
		}
	}
	g.active = kept
	undo()
	// The pre-mutation state wired cleanly before; restore its indexes.
	if err := g.rewire(); err != nil {
		g.log.Error("rollback rewire failed", "error", err)
	}
}

// rewireOr rewires after a structural change, rolling the change back
// when wiring or the cycle re-check fails.
func (g *Graph) rewireOr(created []*Instance, undo func()) error {
	if err := g.rewire(); err != nil {
		g.rollback(created, undo)
		return err
	}
	return nil
}

// rewire resolves every live instance's refs into edges and rebuilds
// the provider, dependent, aggregate, and replicator indexes, then
// re-derives the topological order. It is the single source of truth
// after any structural change: deferred edges re-bind, retired targets
// drop out.
func (g *Graph) rewire() error {
	// Outputs first: an escaped template ref may ensure a property an
	// input of another instance then binds to.
	for _, inst := range g.active {
		edges := make([]*Edge, 0, len(inst.Decl.Outputs))
		for _, ref := range inst.Decl.Outputs {
			e, serr := g.resolveRef(inst, ref, true)
			if serr != nil {
				return serr
			}
			edges = append(edges, e)
		}
		inst.Outputs = edges
	}
	for _, inst := range g.active {
		edges := make([]*Edge, 0, len(inst.Decl.Inputs))
		for _, ref := range inst.Decl.Inputs {
			e, serr := g.resolveRef(inst, ref, false)
			if serr != nil {
				return serr
			}
			edges = append(edges, e)
		}
		inst.Inputs = edges
	}

	g.providers = make(map[*model.Property][]*Instance)
	g.deps = make(map[*model.Property][]*Instance)
	g.aggIns = make(map[*model.NodeList][]*Instance)
	var provOrder []*model.Property
	for _, inst := range g.active {
		for _, e := range inst.Outputs {
			switch e.Kind {
			case EdgeBound:
				if len(g.providers[e.Prop]) == 0 {
					provOrder = append(provOrder, e.Prop)
				}
				g.providers[e.Prop] = append(g.providers[e.Prop], inst)
			case EdgeAggregate:
				for _, item := range e.List.Items() {
					p, err := itemProp(item, e.ItemRef)
					if err != nil {
						return err
					}
					if len(g.providers[p]) == 0 {
						provOrder = append(provOrder, p)
					}
					g.providers[p] = append(g.providers[p], inst)
				}
			}
		}
		for _, e := range inst.Inputs {
			switch e.Kind {
			case EdgeBound:
				g.deps[e.Prop] = append(g.deps[e.Prop], inst)
			case EdgeAggregate:
				g.aggIns[e.List] = append(g.aggIns[e.List], inst)
			}
		}
	}
	if err := g.checkLiveProviders(provOrder); err != nil {
		return err
	}

	g.repls = make(map[*model.NodeList][]replicator)
	g.pending = nil
	var rerr *model.StructuralError
	g.WalkLive(func(n *model.Node) {
		if rerr != nil {
			return
		}
		for _, h := range n.HandlerDecls() {
			if !hasFanRef(h) {
				continue
			}
			l, deferred, serr := governing(g.m, h, n)
			if serr != nil {
				rerr = serr
				return
			}
			if deferred {
				g.pending = append(g.pending, replicator{decl: h, ctx: n})
				continue
			}
			g.repls[l] = append(g.repls[l], replicator{decl: h, ctx: n})
		}
	})
	if rerr != nil {
		return rerr
	}

	return g.computeOrder()
}

// checkLiveProviders re-runs the provider rules over the materialized
// graph. Escaped template refs can introduce providers the declaration
// pass could not see, so clones may collide only here.
func (g *Graph) checkLiveProviders(provOrder []*model.Property) error {
	for _, p := range provOrder {
		insts := g.providers[p]
		if p.Kind() == model.ProviderConstant {
			return &model.StructuralError{
				Code: model.ErrCodeConstantProvider, Path: p.Path(),
				Message: "constant provided by " + insts[0].Name(),
			}
		}
		mux := providerIsMux(insts[0], p)
		for _, inst := range insts[1:] {
			if providerIsMux(inst, p) != mux {
				return &model.StructuralError{
					Code: model.ErrCodeMultiplexMismatch, Path: p.Path(),
					Message: "providers disagree on the multiplex flag",
				}
			}
		}
		if distinct := dedupInstances(insts); !mux && len(distinct) > 1 {
			return &model.StructuralError{
				Code: model.ErrCodeDuplicateProvider, Path: p.Path(),
				Message: fmt.Sprintf("provided by both %q and %q", distinct[0].Name(), distinct[1].Name()),
			}
		}
		if p.Kind() == model.ProviderNone {
			if mux {
				p.ResolveKind(model.ProviderMultiplex)
			} else {
				p.ResolveKind(model.ProviderSingle)
			}
		}
	}
	return nil
}

// providerIsMux finds the multiplex flag of the output ref binding
// inst to p.
func providerIsMux(inst *Instance, p *model.Property) bool {
	for _, e := range inst.Outputs {
		switch e.Kind {
		case EdgeBound:
			if e.Prop == p {
				return e.Ref.Multiplex
			}
		case EdgeAggregate:
			for _, item := range e.List.Items() {
				if q, err := itemProp(item, e.ItemRef); err == nil && q == p {
					return e.Ref.Multiplex
				}
			}
		}
	}
	return false
}

// dedupInstances collapses one whole-list instance appearing once per
// item it provides.
func dedupInstances(insts []*Instance) []*Instance {
	seen := make(map[*Instance]bool, len(insts))
	out := insts[:0:0]
	for _, inst := range insts {
		if !seen[inst] {
			seen[inst] = true
			out = append(out, inst)
		}
	}
	return out
}

// computeOrder runs Kahn's algorithm over the instance graph with the
// (declaration sequence, item index) tie-break. A residual graph means
// a cycle; its property chain is reconstructed for the error.
func (g *Graph) computeOrder() error {
	indeg := make(map[*Instance]int, len(g.active))
	consumers := make(map[*Instance][]*Instance)
	for _, inst := range g.active {
		indeg[inst] = 0
	}
	for _, inst := range g.active {
		for prov := range g.instanceProviders(inst) {
			if prov == inst {
				// Self-dependency is a cycle; leave indegree nonzero.
				indeg[inst]++
				continue
			}
			consumers[prov] = append(consumers[prov], inst)
			indeg[inst]++
		}
	}

	var ready []*Instance
	for _, inst := range g.active {
		if indeg[inst] == 0 {
			ready = append(ready, inst)
		}
	}
	order := make([]*Instance, 0, len(g.active))
	for len(ready) > 0 {
		min := 0
		for i := 1; i < len(ready); i++ {
			if ready[i].Less(ready[min]) {
				min = i
			}
		}
		next := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		order = append(order, next)
		for _, c := range consumers[next] {
			indeg[c]--
			if indeg[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if len(order) < len(g.active) {
		return g.residualCycle(indeg)
	}
	g.order = order
	return nil
}

// instanceProviders returns the set of instances providing any of
// inst's inputs.
func (g *Graph) instanceProviders(inst *Instance) map[*Instance]bool {
	provs := make(map[*Instance]bool)
	for _, e := range inst.Inputs {
		switch e.Kind {
		case EdgeBound:
			for _, p := range g.providers[e.Prop] {
				provs[p] = true
			}
		case EdgeAggregate:
			for _, item := range e.List.Items() {
				p, err := itemProp(item, e.ItemRef)
				if err != nil {
					continue
				}
				for _, prov := range g.providers[p] {
					provs[prov] = true
				}
			}
		}
	}
	return provs
}

// residualCycle rebuilds a property-level graph over the instances
// Kahn could not place and reports its cycle chain.
func (g *Graph) residualCycle(indeg map[*Instance]int) error {
	pg := newPropGraph()
	for _, inst := range g.active {
		if indeg[inst] == 0 {
			continue
		}
		ins := g.concreteInputs(inst)
		outs := g.concreteOutputs(inst)
		for _, in := range ins {
			for _, out := range outs {
				pg.edge(in, out)
			}
		}
	}
	if cerr := pg.findCycle(); cerr != nil {
		return cerr
	}
	return fmt.Errorf("dependency order unresolvable")
}

func (g *Graph) concreteInputs(inst *Instance) []*model.Property {
	var out []*model.Property
	for _, e := range inst.Inputs {
		switch e.Kind {
		case EdgeBound:
			out = append(out, e.Prop)
		case EdgeAggregate:
			for _, item := range e.List.Items() {
				if p, err := itemProp(item, e.ItemRef); err == nil {
					out = append(out, p)
				}
			}
		}
	}
	return out
}

func (g *Graph) concreteOutputs(inst *Instance) []*model.Property {
	var out []*model.Property
	for _, e := range inst.Outputs {
		switch e.Kind {
		case EdgeBound:
			out = append(out, e.Prop)
		case EdgeAggregate:
			for _, item := range e.List.Items() {
				if p, err := itemProp(item, e.ItemRef); err == nil {
					out = append(out, p)
				}
			}
		}
	}
	return out
}

// edgeShapes snapshots every instance's edge bindings so reboundSince
// can diff after a structural change.
func (g *Graph) edgeShapes() map[*Instance][]edgeShape {
	out := make(map[*Instance][]edgeShape, len(g.active))
	for _, inst := range g.active {
		var shapes []edgeShape
		for _, e := range inst.Inputs {
			shapes = append(shapes, edgeShape{kind: e.Kind, prop: e.Prop, list: e.List})
		}
		for _, e := range inst.Outputs {
			shapes = append(shapes, edgeShape{kind: e.Kind, prop: e.Prop, list: e.List})
		}
		out[inst] = shapes
	}
	return out
}

type edgeShape struct {
	kind EdgeKind
	prop *model.Property
	list *model.NodeList
}

// reboundSince diffs current edges against a snapshot, skipping the
// freshly created instances.
func (g *Graph) reboundSince(before map[*Instance][]edgeShape, created []*Instance) []*Instance {
	fresh := make(map[*Instance]bool, len(created))
	for _, inst := range created {
		fresh[inst] = true
	}
	var out []*Instance
	for _, inst := range g.active {
		if fresh[inst] {
			continue
		}
		prev, ok := before[inst]
		if !ok {
			continue
		}
		now := make([]edgeShape, 0, len(prev))
		for _, e := range inst.Inputs {
			now = append(now, edgeShape{kind: e.Kind, prop: e.Prop, list: e.List})
		}
		for _, e := range inst.Outputs {
			now = append(now, edgeShape{kind: e.Kind, prop: e.Prop, list: e.List})
		}
		if len(now) != len(prev) {
			out = append(out, inst)
			continue
		}
		for i := range now {
			if now[i] != prev[i] {
				out = append(out, inst)
				break
			}
		}
	}
	return out
}

// hasFanRef reports whether a handler declares a non-aggregated []
// traversal, which replicates it per item of the governing list.
func hasFanRef(h *model.Handler) bool {
	for _, ref := range h.Inputs {
		if _, ok := ref.ListSegment(); ok && !ref.Aggregate {
			return true
		}
	}
	for _, ref := range h.Outputs {
		if _, ok := ref.ListSegment(); ok && !ref.Aggregate {
			return true
		}
	}
	return false
}

// walkLiveNodes visits a live subtree: the root, child nodes in
// declaration order (crossing materialized slots), then list items in
// index order.
func walkLiveNodes(root *model.Node, fn func(*model.Node)) {
	fn(root)
	for _, c := range root.Children() {
		if c.IsSlot() {
			if live := c.Live(); live != nil {
				walkLiveNodes(live, fn)
			}
			continue
		}
		walkLiveNodes(c, fn)
	}
	for _, l := range root.Lists() {
		for _, item := range l.Items() {
			walkLiveNodes(item, fn)
		}
	}
}

// enclosingLists returns the lists a node sits under, innermost first.
func enclosingLists(n *model.Node) []*model.NodeList {
	var out []*model.NodeList
	for cur := n; cur != nil; cur = cur.Parent() {
		if l := cur.ItemOf(); l != nil && cur.Index() >= 0 {
			out = append(out, l)
		}
	}
	return out
}

// enclosingItem returns the innermost live item a node sits inside,
// nil outside any list.
func enclosingItem(n *model.Node) *model.Node {
	for cur := n; cur != nil; cur = cur.Parent() {
		if cur.ItemOf() != nil && cur.Index() >= 0 {
			return cur
		}
	}
	return nil
}

// instScopedTo reports whether an instance belongs to a live subtree:
// its context, bound item, or governed list sits inside it.
func instScopedTo(inst *Instance, root *model.Node) bool {
	if inSubtree(inst.Ctx, root) || inSubtree(inst.Item, root) {
		return true
	}
	return inst.List != nil && inSubtree(inst.List.Owner(), root)
}

func inSubtree(n, root *model.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent() {
		if cur == root {
			return true
		}
	}
	return false
}

// retireSubtree marks a subtree disposed, nested items included, and
// collects its properties for subscription teardown.
func retireSubtree(root *model.Node) []*model.Property {
	var props []*model.Property
	var walk func(n *model.Node)
	walk = func(n *model.Node) {
		props = append(props, n.Properties()...)
		n.MarkDisposed()
		for _, c := range n.Children() {
			if c.IsSlot() {
				if live := c.Live(); live != nil {
					walk(live)
					c.SetLive(nil)
				}
				continue
			}
			walk(c)
		}
		for _, l := range n.Lists() {
			for _, item := range l.Items() {
				walk(item)
			}
		}
	}
	walk(root)
	return props
}

// constantsIn collects the constant properties of a fresh subtree, to
// be staged at their initial values.
func constantsIn(root *model.Node) []*model.Property {
	var out []*model.Property
	walkLiveNodes(root, func(n *model.Node) {
		for _, p := range n.Properties() {
			if p.Kind() == model.ProviderConstant {
				out = append(out, p)
			}
		}
	})
	return out
}
