package engine

import (
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/graph"
	"github.com/dchambers/composer/internal/model"
)

// defaultMaxNotifyCycles bounds the before-notify settle loop.
const defaultMaxNotifyCycles = 100

// Engine drives a sealed model: it queues external requests, runs
// batches over the dependency graph, and delivers committed
// notifications. All methods must be called from one goroutine; the
// only cross-goroutine entry is Control.Refresh, which lands in the
// request queue.
type Engine struct {
	m      *model.Model
	g      *graph.Graph
	log    *slog.Logger
	clock  *graph.Clock
	tokens TokenGenerator

	queue     *requestQueue
	bus       *bus
	maxNotify int

	batches int64 // batch id sequence
	batch   int64 // id of the batch being built

	// batch-local staging, keyed by concrete property
	staged      map[*model.Property]cty.Value
	stagedOrder []*model.Property

	// multiplex emissions collected during evaluation
	emissions     map[*model.Property][]emission
	emissionOrder []*model.Property

	// completed runs of the open batch; instance state is applied at
	// commit so an abort leaves the last successful run intact
	ran []runRecord

	// committed-but-unannounced state
	dirty    map[*model.Property]bool
	lastSent map[*model.Property]cty.Value
	held     []heldMutation

	// instances whose last invocation declined
	blockers         map[*graph.Instance]bool
	pendingAnnounced bool

	// re-entrancy flags
	draining   bool
	delivering bool
	evalInst   *graph.Instance

	closed bool
}

type emission struct {
	inst *graph.Instance
	val  cty.Value
}

type runRecord struct {
	inst *graph.Instance
	in   map[string]cty.Value
	out  map[string]cty.Value
}

// heldMutation pairs a structural event with the identities needed to
// net and dispatch it once it is finally delivered.
type heldMutation struct {
	ev      Mutation
	subject *model.Node
	list    *model.NodeList
	node    *model.Node
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger routes engine diagnostics to log.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithTokens replaces the subscription token generator.
func WithTokens(gen TokenGenerator) Option {
	return func(e *Engine) { e.tokens = gen }
}

// WithMaxNotifyCycles bounds how often before-notify hooks may requeue
// work before the drain gives up with a NotifyLoopError.
func WithMaxNotifyCycles(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxNotify = n
		}
	}
}

// WithClock shares an id clock, for deterministic instance and
// activation ids across engines in tests.
func WithClock(c *graph.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Seal validates the model, builds its dependency graph, and returns a
// running engine. The first drain evaluates every handler once and
// announces every constant at its initial value. Structural
// declaration errors are returned joined; a dependency cycle as a
// graph.CircularDependencyError.
func Seal(m *model.Model, opts ...Option) (*Engine, error) {
	e := &Engine{
		log:       slog.Default(),
		tokens:    UUIDTokens{},
		maxNotify: defaultMaxNotifyCycles,
		queue:     newRequestQueue(),
		staged:    make(map[*model.Property]cty.Value),
		emissions: make(map[*model.Property][]emission),
		dirty:     make(map[*model.Property]bool),
		lastSent:  make(map[*model.Property]cty.Value),
		blockers:  make(map[*graph.Instance]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = graph.NewClock()
	}
	e.bus = newBus(e.tokens)

	if m.Sealed() {
		return nil, accessErr(CodeAlreadySealed, "", "model %q is already sealed", m.Name())
	}
	g, err := graph.Build(m, graph.BuildOptions{
		Clock:   e.clock,
		Refresh: e.onRefresh,
		Logger:  e.log,
	})
	if err != nil {
		return nil, err
	}
	e.m, e.g = m, g
	m.MarkSealed()
	e.primeInitial()
	e.log.Debug("model sealed", "model", m.Name(), "instances", len(g.Actives()))
	return e, nil
}

// primeInitial commits every constant at its initial value and marks
// every instance, so the first drain populates the whole tree.
func (e *Engine) primeInitial() {
	e.g.WalkLive(func(n *model.Node) {
		for _, p := range n.Properties() {
			if p.Kind() == model.ProviderConstant {
				p.Commit(p.Initial())
				e.dirty[p] = true
			}
		}
	})
	for _, inst := range e.g.Order() {
		inst.Marked = true
	}
}

// onRefresh is handed to the graph as the re-invalidation sink. Safe
// from any goroutine.
func (e *Engine) onRefresh(instance, activation int64) {
	e.queue.push(request{kind: reqRefresh, instance: instance, activation: activation})
}

// Wake returns a channel that signals when work lands in the queue
// from another goroutine, so a select loop can call Flush promptly.
func (e *Engine) Wake() <-chan struct{} {
	return e.queue.wake()
}

// Model returns the sealed model.
func (e *Engine) Model() *model.Model { return e.m }

// Graph returns the live dependency graph.
func (e *Engine) Graph() *graph.Graph { return e.g }

// Logger returns the engine's diagnostic logger.
func (e *Engine) Logger() *slog.Logger { return e.log }

// Get drains queued work and returns the committed value at path, so
// the result reflects every request enqueued before the call. Inside a
// handler body it serves the not-yet-settled mid-batch view instead
// and logs a warning.
func (e *Engine) Get(path string) (cty.Value, error) {
	if e.closed {
		return cty.NilVal, accessErr(CodeClosed, path, "engine is closed")
	}
	if e.evalInst != nil {
		e.log.Warn("read during evaluation", "path", path, "handler", e.evalInst.Name())
		t, err := e.g.Lookup(path)
		if err != nil {
			return cty.NilVal, lookupErr(path, err)
		}
		if t.Prop == nil {
			return cty.NilVal, accessErr(CodeUnknownPath, path, "path names no property")
		}
		return e.currentValue(t.Prop)
	}
	if err := e.drain(); err != nil {
		return cty.NilVal, err
	}
	if e.incoherent() {
		return cty.NilVal, accessErr(CodeReadWhilePending, path, "model is pending on %s", e.blockerNames())
	}
	t, err := e.g.Lookup(path)
	if err != nil {
		return cty.NilVal, lookupErr(path, err)
	}
	if t.Prop == nil {
		return cty.NilVal, accessErr(CodeUnknownPath, path, "path names no property")
	}
	return t.Prop.Value(), nil
}

// Set enqueues an external write. Only constants and multiplexed
// properties accept writes; the value lands when the next drain runs.
func (e *Engine) Set(path string, v cty.Value) error {
	if err := e.guardMutate(path); err != nil {
		return err
	}
	t, err := e.g.Lookup(path)
	if err != nil {
		return lookupErr(path, err)
	}
	if t.Prop == nil {
		return accessErr(CodeUnknownPath, path, "path names no property")
	}
	if !t.Prop.Kind().Writable() {
		return accessErr(CodeNotWritable, path, "property is %s-provided", t.Prop.Kind())
	}
	e.queue.push(request{kind: reqSet, path: path, value: v})
	return nil
}

// ItemOption configures AddItem and RemoveItem.
type ItemOption func(*itemSpec)

type itemSpec struct {
	tag   string
	index int
}

// WithTag specializes the new item with a declared overlay tag.
func WithTag(tag string) ItemOption {
	return func(s *itemSpec) { s.tag = tag }
}

// AtIndex addresses a position instead of the default (append for
// AddItem, last for RemoveItem).
func AtIndex(i int) ItemOption {
	return func(s *itemSpec) { s.index = i }
}

// AddItem enqueues an item insertion. The index is validated when the
// request applies, against the list length at that moment.
func (e *Engine) AddItem(listPath string, opts ...ItemOption) error {
	if err := e.guardMutate(listPath); err != nil {
		return err
	}
	spec := itemSpec{index: -1}
	for _, opt := range opts {
		opt(&spec)
	}
	t, err := e.g.Lookup(listPath)
	if err != nil {
		return lookupErr(listPath, err)
	}
	if t.List == nil {
		return accessErr(CodeUnknownPath, listPath, "path names no node-list")
	}
	if spec.tag != "" && t.List.Overlay(spec.tag) == nil {
		return accessErr(CodeUnknownTag, listPath, "list declares no %q specialization", spec.tag)
	}
	e.queue.push(request{kind: reqAddItem, path: listPath, tag: spec.tag, index: spec.index})
	return nil
}

// RemoveItem enqueues an item removal, of the last item unless AtIndex
// says otherwise.
func (e *Engine) RemoveItem(listPath string, opts ...ItemOption) error {
	if err := e.guardMutate(listPath); err != nil {
		return err
	}
	spec := itemSpec{index: -1}
	for _, opt := range opts {
		opt(&spec)
	}
	t, err := e.g.Lookup(listPath)
	if err != nil {
		return lookupErr(listPath, err)
	}
	if t.List == nil {
		return accessErr(CodeUnknownPath, listPath, "path names no node-list")
	}
	e.queue.push(request{kind: reqRemoveItem, path: listPath, index: spec.index})
	return nil
}

// CreateNode enqueues materialization of an optional node.
func (e *Engine) CreateNode(path string) error {
	if err := e.guardMutate(path); err != nil {
		return err
	}
	t, err := e.g.Lookup(path)
	if err != nil {
		return lookupErr(path, err)
	}
	if t.Node == nil || !t.Node.IsSlot() {
		return accessErr(CodeNotOptional, path, "path names no optional node")
	}
	e.queue.push(request{kind: reqCreateNode, path: path})
	return nil
}

// DisposeNode enqueues retirement of a created optional node.
func (e *Engine) DisposeNode(path string) error {
	if err := e.guardMutate(path); err != nil {
		return err
	}
	t, err := e.g.Lookup(path)
	if err != nil {
		return lookupErr(path, err)
	}
	if t.Node == nil || !t.Node.IsSlot() {
		return accessErr(CodeNotOptional, path, "path names no optional node")
	}
	e.queue.push(request{kind: reqDisposeNode, path: path})
	return nil
}

// Flush drains the queue, evaluates, and delivers notifications.
// Idempotent when nothing is queued and nothing is marked. Permitted
// while the model is pending; that is how recovery lands.
func (e *Engine) Flush() error {
	if e.closed {
		return accessErr(CodeClosed, "", "engine is closed")
	}
	if e.evalInst != nil {
		return accessErr(CodeMutateInEval, "", "handler %q may not drain the engine", e.evalInst.Name())
	}
	return e.drain()
}

// ItemCount drains and returns the live length of the node-list.
// Structure stays readable while values are pending.
func (e *Engine) ItemCount(listPath string) (int, error) {
	if e.closed {
		return 0, accessErr(CodeClosed, listPath, "engine is closed")
	}
	if e.evalInst == nil {
		if err := e.drain(); err != nil {
			return 0, err
		}
	}
	t, err := e.g.Lookup(listPath)
	if err != nil {
		return 0, lookupErr(listPath, err)
	}
	if t.List == nil {
		return 0, accessErr(CodeUnknownPath, listPath, "path names no node-list")
	}
	return t.List.Len(), nil
}

// Exists drains and reports whether the path reaches anything
// materialized. A structurally valid path to an uncreated slot or a
// vacant index answers false without error.
func (e *Engine) Exists(path string) (bool, error) {
	if e.closed {
		return false, accessErr(CodeClosed, path, "engine is closed")
	}
	if e.evalInst == nil {
		if err := e.drain(); err != nil {
			return false, err
		}
	}
	t, err := e.g.Lookup(path)
	if err != nil {
		if errors.Is(err, model.ErrNotExisting) || errors.Is(err, model.ErrBadIndex) {
			return false, nil
		}
		return false, lookupErr(path, err)
	}
	if t.Node != nil && t.Node.IsSlot() {
		return t.Node.Live() != nil, nil
	}
	return true, nil
}

// Walk drains and visits every materialized property in tree order,
// stopping early when fn returns false.
func (e *Engine) Walk(fn func(path string, v cty.Value) bool) error {
	if e.closed {
		return accessErr(CodeClosed, "", "engine is closed")
	}
	if err := e.drain(); err != nil {
		return err
	}
	if e.incoherent() {
		return accessErr(CodeReadWhilePending, "", "model is pending on %s", e.blockerNames())
	}
	stop := false
	e.g.WalkLive(func(n *model.Node) {
		if stop {
			return
		}
		for _, p := range n.Properties() {
			if !fn(p.Path(), p.Value()) {
				stop = true
				return
			}
		}
	})
	return nil
}

// OnChange registers fn for committed transitions of the property at
// path. The token dies with the property.
func (e *Engine) OnChange(path string, fn func(Change)) (Subscription, error) {
	if e.closed {
		return "", accessErr(CodeClosed, path, "engine is closed")
	}
	t, err := e.g.Lookup(path)
	if err != nil {
		return "", lookupErr(path, err)
	}
	if t.Prop == nil {
		return "", accessErr(CodeUnknownPath, path, "path names no property")
	}
	return e.bus.onChange(t.Prop, fn), nil
}

// OnMutation registers fn for structural events of the node-list or
// optional node at path.
func (e *Engine) OnMutation(path string, fn func(Mutation)) (Subscription, error) {
	if e.closed {
		return "", accessErr(CodeClosed, path, "engine is closed")
	}
	t, err := e.g.Lookup(path)
	if err != nil {
		return "", lookupErr(path, err)
	}
	switch {
	case t.List != nil:
		return e.bus.onMutation(t.List, nil, fn), nil
	case t.Node != nil && t.Node.IsSlot():
		return e.bus.onMutation(nil, t.Node, fn), nil
	default:
		return "", accessErr(CodeUnknownPath, path, "path names no node-list or optional node")
	}
}

// OnCoherence registers fn for pending-state transitions.
func (e *Engine) OnCoherence(fn func(Coherence)) (Subscription, error) {
	if e.closed {
		return "", accessErr(CodeClosed, "", "engine is closed")
	}
	return e.bus.onCoherence(fn), nil
}

// OnBeforeNotify registers fn to run after a batch commits and before
// its events go out. Hooks may enqueue further mutations; the drain
// settles them first.
func (e *Engine) OnBeforeNotify(fn func()) (Subscription, error) {
	if e.closed {
		return "", accessErr(CodeClosed, "", "engine is closed")
	}
	return e.bus.onBeforeNotify(fn), nil
}

// Unsubscribe removes a token. Unknown or already-invalidated tokens
// report false.
func (e *Engine) Unsubscribe(token Subscription) bool {
	if e.closed {
		return false
	}
	return e.bus.unsubscribe(token)
}

// Close disposes every stateful instance, deepest first, and rejects
// all further operations. Queued work is dropped. Idempotent.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.queue.close()
	e.g.DisposeAll()
	e.log.Debug("engine closed", "model", e.m.Name())
	return nil
}

// guardMutate rejects mutations from closed engines, handler bodies,
// and pending models.
func (e *Engine) guardMutate(path string) error {
	if e.closed {
		return accessErr(CodeClosed, path, "engine is closed")
	}
	if e.evalInst != nil {
		return accessErr(CodeMutateInEval, path, "handler %q may not mutate the model; use Control.Refresh", e.evalInst.Name())
	}
	if e.incoherent() {
		return accessErr(CodeWriteWhilePending, path, "model is pending on %s", e.blockerNames())
	}
	return nil
}

func (e *Engine) incoherent() bool {
	return len(e.blockers) > 0
}

// blockerNames lists the declining handlers, sorted for stable
// messages.
func (e *Engine) blockerNames() string {
	names := make([]string, 0, len(e.blockers))
	for inst := range e.blockers {
		names = append(names, inst.Name())
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// lookupErr maps resolver sentinels onto access codes.
func lookupErr(path string, err error) error {
	switch {
	case errors.Is(err, model.ErrBadIndex):
		return accessErr(CodeBadIndex, path, "%s", err)
	case errors.Is(err, model.ErrNotExisting):
		return accessErr(CodeNotExisting, path, "%s", err)
	default:
		return accessErr(CodeUnknownPath, path, "%s", err)
	}
}
