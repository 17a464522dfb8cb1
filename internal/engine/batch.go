package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/graph"
	"github.com/dchambers/composer/internal/model"
	"github.com/dchambers/composer/internal/value"
)

// drain runs batches until the queue is quiet and every committed
// notification is out. It is the single settling entry used by Flush
// and by reads. Re-entrant calls (from hooks or delivery callbacks)
// return immediately; they observe committed state.
func (e *Engine) drain() error {
	if e.draining || e.delivering {
		return nil
	}
	e.draining = true
	defer func() { e.draining = false }()

	cycles := 0
	for {
		if err := e.runBatch(); err != nil {
			return err
		}
		if !e.hasDeliverable() {
			if e.queue.pending() {
				continue
			}
			return nil
		}
		e.fireBeforeNotify()
		if e.queue.pending() {
			// hooks scheduled more work; settle it before delivering
			cycles++
			if cycles >= e.maxNotify {
				return &NotifyLoopError{Cycles: cycles, Limit: e.maxNotify}
			}
			continue
		}
		e.deliver()
		if !e.queue.pending() {
			return nil
		}
		cycles++
		if cycles >= e.maxNotify {
			return &NotifyLoopError{Cycles: cycles, Limit: e.maxNotify}
		}
	}
}

// hasDeliverable reports whether a delivery round would emit anything.
// While the model is pending only the coherence transition itself goes
// out; values and mutations wait for recovery.
func (e *Engine) hasDeliverable() bool {
	if e.incoherent() != e.pendingAnnounced {
		return true
	}
	if e.incoherent() {
		return false
	}
	return len(e.dirty) > 0 || len(e.held) > 0
}

// runBatch applies queued requests, evaluates marked instances in
// dependency order, resolves multiplexed outputs, and commits. An
// evaluation error aborts the batch: staged values are discarded and
// the error surfaces to the draining caller; structural changes
// already applied stand.
func (e *Engine) runBatch() error {
	reqs := e.queue.take()
	if len(reqs) == 0 && !e.anyMarked() {
		return nil
	}
	e.batches++
	e.batch = e.batches

	if err := e.apply(reqs); err != nil {
		e.abort()
		return err
	}
	if err := e.evaluate(); err != nil {
		e.abort()
		return err
	}
	if err := e.resolveMux(); err != nil {
		e.abort()
		return err
	}
	e.commit()
	return nil
}

func (e *Engine) anyMarked() bool {
	for _, inst := range e.g.Actives() {
		if inst.Marked && !inst.Disposed() {
			return true
		}
	}
	return false
}

// apply validates and executes each request in arrival order.
// Structural requests mutate the graph immediately; writes stage.
func (e *Engine) apply(reqs []request) error {
	for _, r := range reqs {
		var err error
		switch r.kind {
		case reqSet:
			err = e.applySet(r)
		case reqAddItem:
			err = e.applyAddItem(r)
		case reqRemoveItem:
			err = e.applyRemoveItem(r)
		case reqCreateNode:
			err = e.applyCreateNode(r)
		case reqDisposeNode:
			err = e.applyDisposeNode(r)
		case reqRefresh:
			e.applyRefresh(r)
		}
		if err != nil {
			e.log.Debug("request rejected", "kind", r.kind.String(), "path", r.path, "error", err)
			return err
		}
	}
	return nil
}

func (e *Engine) applySet(r request) error {
	t, err := e.g.Lookup(r.path)
	if err != nil {
		return lookupErr(r.path, err)
	}
	p := t.Prop
	if p == nil || !p.Kind().Writable() {
		// valid at enqueue; a queued structural change beat it here
		return accessErr(CodeNotWritable, r.path, "write target changed before apply")
	}
	e.stage(p, r.value)
	e.markOverridden(p)
	e.markDependents(p)
	return nil
}

// markOverridden flags the providers of an externally written property
// so they re-run with Invocation.Overridden set and bypass the cutoff.
func (e *Engine) markOverridden(p *model.Property) {
	for _, inst := range e.g.ProvidersOf(p) {
		for _, edge := range inst.Outputs {
			if edge.Kind == graph.EdgeBound && edge.Prop == p {
				if inst.Overridden == nil {
					inst.Overridden = make(map[string]bool)
				}
				inst.Overridden[edge.Key()] = true
				inst.Marked = true
			}
		}
	}
}

func (e *Engine) applyAddItem(r request) error {
	t, err := e.g.Lookup(r.path)
	if err != nil {
		return lookupErr(r.path, err)
	}
	l := t.List
	if l == nil {
		return accessErr(CodeUnknownPath, r.path, "path names no node-list")
	}
	idx := r.index
	if idx < 0 {
		idx = l.Len()
	}
	if idx > l.Len() {
		return accessErr(CodeBadIndex, r.path, "insert index %d outside 0..%d", r.index, l.Len())
	}
	cs, err := e.g.MaterializeItem(l, r.tag, idx)
	if err != nil {
		return err
	}
	e.applyChangeSet(cs)
	e.recordMutation(
		Mutation{Target: l.Path(), Kind: MutationInsert, Index: idx, Tag: r.tag, Batch: e.batch},
		l.ItemAt(idx), l, nil,
	)
	return nil
}

func (e *Engine) applyRemoveItem(r request) error {
	t, err := e.g.Lookup(r.path)
	if err != nil {
		return lookupErr(r.path, err)
	}
	l := t.List
	if l == nil {
		return accessErr(CodeUnknownPath, r.path, "path names no node-list")
	}
	idx := r.index
	if idx < 0 {
		idx = l.Len() - 1
	}
	if idx < 0 || idx >= l.Len() {
		return accessErr(CodeBadIndex, r.path, "remove index %d outside 0..%d", r.index, l.Len()-1)
	}
	item := l.ItemAt(idx)
	lists, nodes := structuralTargets(item)
	cs, err := e.g.RetireItem(l, idx)
	if err != nil {
		return err
	}
	e.applyChangeSet(cs)
	e.bus.dropStructural(lists, nodes)
	e.recordMutation(
		Mutation{Target: l.Path(), Kind: MutationRemove, Index: idx, Tag: item.Tag(), Batch: e.batch},
		item, l, nil,
	)
	return nil
}

func (e *Engine) applyCreateNode(r request) error {
	t, err := e.g.Lookup(r.path)
	if err != nil {
		return lookupErr(r.path, err)
	}
	slot := t.Node
	if slot == nil || !slot.IsSlot() {
		return accessErr(CodeNotOptional, r.path, "path names no optional node")
	}
	if slot.Live() != nil {
		return accessErr(CodeAlreadyExists, r.path, "node is already created")
	}
	cs, err := e.g.MaterializeNode(slot)
	if err != nil {
		return err
	}
	e.applyChangeSet(cs)
	e.recordMutation(
		Mutation{Target: slot.Path(), Kind: MutationCreate, Index: -1, Batch: e.batch},
		slot.Live(), nil, slot,
	)
	return nil
}

func (e *Engine) applyDisposeNode(r request) error {
	t, err := e.g.Lookup(r.path)
	if err != nil {
		return lookupErr(r.path, err)
	}
	slot := t.Node
	if slot == nil || !slot.IsSlot() {
		return accessErr(CodeNotOptional, r.path, "path names no optional node")
	}
	clone := slot.Live()
	if clone == nil {
		return accessErr(CodeNotExisting, r.path, "node is not created")
	}
	lists, nodes := structuralTargets(clone)
	cs, err := e.g.RetireNode(slot)
	if err != nil {
		return err
	}
	e.applyChangeSet(cs)
	e.bus.dropStructural(lists, nodes)
	e.recordMutation(
		Mutation{Target: slot.Path(), Kind: MutationDispose, Index: -1, Batch: e.batch},
		clone, nil, slot,
	)
	return nil
}

func (e *Engine) applyRefresh(r request) {
	inst := e.g.ByID(r.instance)
	if inst == nil || inst.Disposed() || inst.Activation != r.activation {
		e.log.Debug("stale refresh dropped", "instance", r.instance, "activation", r.activation)
		return
	}
	inst.Refreshed = true
	inst.Marked = true
}

// applyChangeSet folds one structural mutation into the scheduler:
// new constants commit and announce, created and rebound instances
// run, aggregate consumers of the mutated list re-run, and reindexed
// items re-run unconditionally because their index is an input.
func (e *Engine) applyChangeSet(cs *graph.ChangeSet) {
	for _, p := range cs.Constants {
		p.Commit(p.Initial())
		e.dirty[p] = true
		e.markDependents(p)
	}
	for _, inst := range cs.Created {
		inst.Marked = true
	}
	for _, inst := range cs.Rebound {
		inst.Marked = true
	}
	if cs.List != nil {
		for _, inst := range e.g.ListDependents(cs.List) {
			inst.Marked = true
		}
	}
	for _, item := range cs.Reindexed {
		for _, inst := range e.g.ItemScoped(item) {
			inst.Marked = true
			inst.Refreshed = true
		}
	}
	for _, inst := range cs.Disposed {
		delete(e.blockers, inst)
	}
	e.forgetProps(cs.Removed)
}

// forgetProps clears every engine-side trace of retired properties.
func (e *Engine) forgetProps(props []*model.Property) {
	if len(props) == 0 {
		return
	}
	gone := make(map[*model.Property]bool, len(props))
	for _, p := range props {
		gone[p] = true
		delete(e.staged, p)
		delete(e.dirty, p)
		delete(e.lastSent, p)
		delete(e.emissions, p)
	}
	e.bus.dropProps(gone)
}

func (e *Engine) recordMutation(ev Mutation, subject *model.Node, l *model.NodeList, n *model.Node) {
	e.held = append(e.held, heldMutation{ev: ev, subject: subject, list: l, node: n})
}

// stage records a batch-local value for the property. Later stagings
// of the same property win.
func (e *Engine) stage(p *model.Property, v cty.Value) {
	if _, ok := e.staged[p]; !ok {
		e.stagedOrder = append(e.stagedOrder, p)
	}
	e.staged[p] = v
}

func (e *Engine) markDependents(p *model.Property) {
	for _, inst := range e.g.DependentsOf(p) {
		inst.Marked = true
	}
}

// evaluate runs marked instances in dependency order. Instances with a
// pending input hold their mark for the recovery batch; unchanged
// inputs cut re-evaluation off at the source.
func (e *Engine) evaluate() error {
	for _, inst := range e.g.Order() {
		if !inst.Marked || inst.Disposed() {
			continue
		}
		if e.inputsPending(inst) {
			continue
		}
		in, err := e.gatherInputs(inst)
		if err != nil {
			return err
		}
		if e.canSkip(inst, in) {
			inst.Marked = false
			continue
		}
		if err := e.runInstance(inst, in); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) inputsPending(inst *graph.Instance) bool {
	for _, edge := range inst.Inputs {
		switch edge.Kind {
		case graph.EdgeBound:
			if edge.Prop.State() == model.StatePending {
				return true
			}
		case graph.EdgeAggregate:
			for _, item := range edge.List.Items() {
				p, err := graph.ItemProp(item, edge.ItemRef)
				if err == nil && p != nil && p.State() == model.StatePending {
					return true
				}
			}
		}
	}
	return false
}

// gatherInputs builds the invocation view: staged values win over
// committed ones, aggregate refs become tuples in item order, and
// deferred refs stay absent.
func (e *Engine) gatherInputs(inst *graph.Instance) (map[string]cty.Value, error) {
	in := make(map[string]cty.Value, len(inst.Inputs))
	for _, edge := range inst.Inputs {
		switch edge.Kind {
		case graph.EdgeBound:
			v, err := e.currentValue(edge.Prop)
			if err != nil {
				return nil, err
			}
			in[edge.Key()] = orNull(v)
		case graph.EdgeAggregate:
			items := edge.List.Items()
			if len(items) == 0 {
				in[edge.Key()] = cty.EmptyTupleVal
				continue
			}
			vals := make([]cty.Value, 0, len(items))
			for _, item := range items {
				p, perr := graph.ItemProp(item, edge.ItemRef)
				if perr != nil || p == nil {
					vals = append(vals, cty.NullVal(cty.DynamicPseudoType))
					continue
				}
				v, err := e.currentValue(p)
				if err != nil {
					return nil, err
				}
				vals = append(vals, orNull(v))
			}
			in[edge.Key()] = cty.TupleVal(vals)
		case graph.EdgeDeferred:
			// target not materialized; absent from the view
		}
	}
	return in, nil
}

// currentValue is the mid-batch read: staged beats committed, and a
// multiplexed property with emissions resolves on first read so
// downstream instances see the agreed value.
func (e *Engine) currentValue(p *model.Property) (cty.Value, error) {
	if len(e.emissions[p]) > 0 {
		if err := e.resolveOne(p); err != nil {
			return cty.NilVal, err
		}
	}
	if v, ok := e.staged[p]; ok {
		return v, nil
	}
	return p.Value(), nil
}

// orNull normalizes a never-committed zero value to a typed null, so
// handler arithmetic on cty values cannot trip over cty.NilVal.
func orNull(v cty.Value) cty.Value {
	if v == cty.NilVal {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	return v
}

// canSkip implements the no-op cutoff: a previously run instance with
// unchanged inputs, no refresh, and no overridden output is skipped.
func (e *Engine) canSkip(inst *graph.Instance, in map[string]cty.Value) bool {
	if !inst.Ran || inst.Refreshed || inst.NotReady {
		return false
	}
	if len(inst.Overridden) > 0 {
		return false
	}
	if len(in) != len(inst.LastIn) {
		return false
	}
	for k, v := range in {
		last, ok := inst.LastIn[k]
		if !ok || !value.Equal(last, v) {
			return false
		}
	}
	return true
}

func (e *Engine) runInstance(inst *graph.Instance, in map[string]cty.Value) error {
	inv := &model.Invocation{
		In:         in,
		Prev:       inst.Prev,
		Overridden: copyFlags(inst.Overridden),
		InputKeys:  inst.Decl.InputKeys(),
		OutputKeys: inst.Decl.OutputKeys(),
		Index:      inst.ItemIndex(),
	}
	e.evalInst = inst
	out, err := inst.Invoke(inv)
	e.evalInst = nil
	inst.Marked = false

	if errors.Is(err, model.ErrNotReady) {
		e.decline(inst)
		return nil
	}
	if err != nil {
		return fmt.Errorf("handler %q: %w", inst.Name(), err)
	}
	e.unblock(inst)
	for key := range out {
		if !containsKey(inv.OutputKeys, key) {
			return accessErr(CodeUndeclaredOutput, "", "handler %q returned undeclared output %q", inst.Name(), key)
		}
	}
	if err := e.stageOutputs(inst, out); err != nil {
		return err
	}
	e.ran = append(e.ran, runRecord{inst: inst, in: in, out: out})
	return nil
}

func containsKey(keys []string, k string) bool {
	for _, key := range keys {
		if key == k {
			return true
		}
	}
	return false
}

func copyFlags(m map[string]bool) map[string]bool {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// decline marks the instance's outputs pending. The instance re-runs
// when a refresh arrives or an input changes, not before; downstream
// marks are held by inputsPending until then.
func (e *Engine) decline(inst *graph.Instance) {
	inst.NotReady = true
	e.blockers[inst] = true
	for _, p := range e.outputProps(inst) {
		if p.State() == model.StateDisposed {
			continue
		}
		p.SetState(model.StatePending)
		delete(e.staged, p)
	}
	e.log.Debug("handler declined", "handler", inst.Name(), "batch", e.batch)
}

// unblock lifts the pending state after a formerly declining instance
// completes. Outputs it does not re-emit keep their previous committed
// value and become current again.
func (e *Engine) unblock(inst *graph.Instance) {
	if !inst.NotReady {
		return
	}
	inst.NotReady = false
	delete(e.blockers, inst)
	for _, p := range e.outputProps(inst) {
		if p.State() == model.StatePending {
			p.SetState(model.StateValid)
		}
	}
	e.log.Debug("handler recovered", "handler", inst.Name(), "batch", e.batch)
}

// outputProps lists the concrete properties behind the instance's
// output edges, expanding aggregates per item.
func (e *Engine) outputProps(inst *graph.Instance) []*model.Property {
	var props []*model.Property
	for _, edge := range inst.Outputs {
		switch edge.Kind {
		case graph.EdgeBound:
			props = append(props, edge.Prop)
		case graph.EdgeAggregate:
			for _, item := range edge.List.Items() {
				if p, err := graph.ItemProp(item, edge.ItemRef); err == nil && p != nil {
					props = append(props, p)
				}
			}
		}
	}
	return props
}

// stageOutputs lands a completed invocation's outputs. Omitted keys
// retain their previous value. Multiplexed targets collect emissions
// for later agreement checking; aggregate targets distribute a tuple
// element-wise over the items.
func (e *Engine) stageOutputs(inst *graph.Instance, out map[string]cty.Value) error {
	for _, edge := range inst.Outputs {
		v, ok := out[edge.Key()]
		if !ok {
			continue
		}
		switch edge.Kind {
		case graph.EdgeBound:
			if edge.Prop.Kind() == model.ProviderMultiplex {
				e.emit(edge.Prop, inst, v)
				continue
			}
			e.stageChanged(edge.Prop, v)
		case graph.EdgeAggregate:
			items := edge.List.Items()
			if !v.Type().IsTupleType() || v.LengthInt() != len(items) {
				return fmt.Errorf("handler %q: output %q must be a %d-element tuple matching %s",
					inst.Name(), edge.Key(), len(items), edge.List.Path())
			}
			for i, item := range items {
				p, err := graph.ItemProp(item, edge.ItemRef)
				if err != nil || p == nil {
					continue
				}
				ev := v.Index(cty.NumberIntVal(int64(i)))
				if p.Kind() == model.ProviderMultiplex {
					e.emit(p, inst, ev)
				} else {
					e.stageChanged(p, ev)
				}
			}
		case graph.EdgeDeferred:
			e.log.Debug("output dropped on deferred edge", "handler", inst.Name(), "ref", edge.Ref.String())
		}
	}
	return nil
}

// stageChanged stages the value and wakes dependents only when it
// actually moved, cutting no-op cascades off at the source.
func (e *Engine) stageChanged(p *model.Property, v cty.Value) {
	cur := p.Value()
	if prev, ok := e.staged[p]; ok {
		cur = prev
	}
	e.stage(p, v)
	if !value.Equal(cur, v) {
		e.markDependents(p)
	}
}

func (e *Engine) emit(p *model.Property, inst *graph.Instance, v cty.Value) {
	if len(e.emissions[p]) == 0 {
		e.emissionOrder = append(e.emissionOrder, p)
	}
	e.emissions[p] = append(e.emissions[p], emission{inst: inst, val: v})
	e.markDependents(p)
}

// resolveMux settles every multiplexed property that was not already
// resolved by a mid-batch read.
func (e *Engine) resolveMux() error {
	for _, p := range e.emissionOrder {
		if err := e.resolveOne(p); err != nil {
			return err
		}
	}
	e.emissionOrder = nil
	return nil
}

// resolveOne applies the multiplex rule: one producer wins outright,
// even over an external override it ran with in view; several must
// agree byte-for-byte; none leaves the staged override or the previous
// value standing.
func (e *Engine) resolveOne(p *model.Property) error {
	ems := e.emissions[p]
	if len(ems) == 0 {
		return nil
	}
	e.emissions[p] = nil
	first := ems[0]
	for _, em := range ems[1:] {
		if !value.Equal(first.val, em.val) {
			names := make([]string, len(ems))
			vals := make([]cty.Value, len(ems))
			for i, x := range ems {
				names[i] = x.inst.Name()
				vals[i] = x.val
			}
			return &MultiplexConflictError{Path: p.Path(), Handlers: names, Values: vals}
		}
	}
	e.stage(p, first.val)
	return nil
}

// commit lands the batch: staged values become committed and dirty,
// completed runs update their instances' last-run state.
func (e *Engine) commit() {
	for _, r := range e.ran {
		r.inst.Ran = true
		r.inst.Refreshed = false
		r.inst.LastIn = r.in
		if len(r.out) > 0 && r.inst.Prev == nil {
			r.inst.Prev = make(map[string]cty.Value, len(r.out))
		}
		for k, v := range r.out {
			r.inst.Prev[k] = v
		}
		for k := range r.inst.Overridden {
			delete(r.inst.Overridden, k)
		}
	}
	e.ran = nil

	for _, p := range e.stagedOrder {
		v, ok := e.staged[p]
		if !ok || p.State() == model.StateDisposed {
			continue
		}
		p.Commit(v)
		e.dirty[p] = true
	}
	e.staged = make(map[*model.Property]cty.Value)
	e.stagedOrder = e.stagedOrder[:0]
}

// abort discards the open batch: staged values and emissions go,
// instances that ran are re-marked so the next drain recomputes them
// from committed state. Structural changes already applied stand, as
// do their held events.
func (e *Engine) abort() {
	for _, r := range e.ran {
		if !r.inst.Disposed() {
			r.inst.Marked = true
		}
	}
	e.ran = nil
	e.staged = make(map[*model.Property]cty.Value)
	e.stagedOrder = e.stagedOrder[:0]
	e.emissions = make(map[*model.Property][]emission)
	e.emissionOrder = nil
	e.log.Debug("batch aborted", "batch", e.batch)
}

// fireBeforeNotify runs the pre-delivery hooks. Reads inside a hook
// observe the committed batch; writes enqueue for the next one.
func (e *Engine) fireBeforeNotify() {
	e.delivering = true
	e.bus.fireBefore()
	e.delivering = false
}

// deliver announces the committed state: the coherence transition
// first, then netted mutations in applied order, then netted changes
// in path order. While pending, only the transition goes out; values
// and mutations wait for recovery.
func (e *Engine) deliver() {
	e.delivering = true
	defer func() { e.delivering = false }()

	incoh := e.incoherent()
	if incoh != e.pendingAnnounced {
		ev := Coherence{Pending: incoh, Batch: e.batch}
		if incoh {
			ev.Cause = e.blockerNames()
		}
		e.pendingAnnounced = incoh
		e.bus.fireCoherence(ev)
	}
	if incoh {
		return
	}

	for _, h := range e.netHeld() {
		e.bus.fireMutation(h.list, h.node, h.ev)
	}
	e.held = nil

	props := make([]*model.Property, 0, len(e.dirty))
	for p := range e.dirty {
		if p.State() != model.StateDisposed {
			props = append(props, p)
		}
	}
	e.dirty = make(map[*model.Property]bool)
	sort.Slice(props, func(i, j int) bool { return props[i].Path() < props[j].Path() })
	for _, p := range props {
		old, ok := e.lastSent[p]
		if !ok {
			old = cty.NilVal
		}
		now := p.Value()
		if value.Equal(old, now) {
			continue
		}
		e.lastSent[p] = now
		e.bus.fireChange(p, Change{Path: p.Path(), Old: old, New: now, Batch: e.batch})
	}
}

// netHeld cancels matched pairs: an item inserted and removed within
// the withheld window produces no events, likewise a node created and
// disposed. Survivors keep applied order.
func (e *Engine) netHeld() []heldMutation {
	if len(e.held) == 0 {
		return nil
	}
	cancelled := make(map[int]bool)
	for i, h := range e.held {
		if cancelled[i] {
			continue
		}
		var want MutationKind
		switch h.ev.Kind {
		case MutationRemove:
			want = MutationInsert
		case MutationDispose:
			want = MutationCreate
		default:
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if !cancelled[j] && e.held[j].subject == h.subject && e.held[j].ev.Kind == want {
				cancelled[i], cancelled[j] = true, true
				break
			}
		}
	}
	out := make([]heldMutation, 0, len(e.held))
	for i, h := range e.held {
		if !cancelled[i] {
			out = append(out, h)
		}
	}
	return out
}

// structuralTargets collects every node-list and slot inside a subtree
// about to be retired, for subscription invalidation. The subtree root
// itself survives the mutation and is excluded.
func structuralTargets(root *model.Node) (map[*model.NodeList]bool, map[*model.Node]bool) {
	lists := make(map[*model.NodeList]bool)
	nodes := make(map[*model.Node]bool)
	var walk func(n *model.Node)
	walk = func(n *model.Node) {
		for _, l := range n.Lists() {
			lists[l] = true
			for _, item := range l.Items() {
				walk(item)
			}
		}
		for _, c := range n.Children() {
			if c.IsSlot() {
				nodes[c] = true
				if live := c.Live(); live != nil {
					walk(live)
				}
				continue
			}
			walk(c)
		}
	}
	walk(root)
	return lists, nodes
}
