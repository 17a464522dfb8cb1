// Package harness runs YAML-defined conformance scenarios against a
// sealed model.
//
// A scenario names a model directory, a flow of runtime steps (writes,
// flushes, structural mutations, reads), and assertions over the
// outcome. The runner compiles and seals the model, subscribes to every
// property, node-list, and optional node, drives the steps, and records
// each delivered notification as a trace event. Assertions then check
// final values, event counts, coherence, and expected step errors; the
// full trace also golden-compares, making delivery order and netting
// part of the contract.
//
// Step errors do not stop the flow. They are recorded in the trace with
// their code, and a scenario fails if a step error occurs that no error
// assertion claims.
package harness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/compiler"
	"github.com/dchambers/composer/internal/engine"
	"github.com/dchambers/composer/internal/model"
	"github.com/dchambers/composer/internal/registry"
	"github.com/dchambers/composer/internal/value"
)

// Harness drives one scenario against a sealed engine and records its
// notification stream.
type Harness struct {
	eng    *engine.Engine
	logger *slog.Logger
	result *Result

	// subscription targets already covered, by identity; reindexing
	// moves a property's path but keeps its subscription valid
	seenProps map[*model.Property]bool
	seenLists map[*model.NodeList]bool
	seenSlots map[*model.Node]bool

	pending bool
}

// Run executes a scenario and returns the result. The model compiles
// fresh for every run, so scenarios are isolated. Infrastructure
// failures (model load, build, seal) return an error; assertion
// failures and step errors land in the result.
func Run(scenario *Scenario) (*Result, error) {
	def, err := compiler.Load(scenario.Model, compiler.FailFast)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	m, err := def.Build(registry.Default)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	eng, err := engine.Seal(m, engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return nil, fmt.Errorf("seal model: %w", err)
	}
	defer eng.Close()

	h := &Harness{
		eng:       eng,
		logger:    eng.Logger(),
		result:    NewResult(scenario.Name),
		seenProps: make(map[*model.Property]bool),
		seenLists: make(map[*model.NodeList]bool),
		seenSlots: make(map[*model.Node]bool),
	}
	if err := h.subscribeTree(); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if _, err := eng.OnCoherence(h.onCoherence); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	if err := h.executeSteps(scenario.Steps); err != nil {
		return nil, err
	}
	h.result.Coherent = !h.pending

	actx := &AssertionContext{Engine: eng}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	h.flagUnexpectedErrors(scenario.Assertions)

	return h.result, nil
}

// subscribeTree covers every live property, node-list, and slot that is
// not yet covered. The mutation callback re-walks, and the engine
// delivers mutations before the batch's changes, so properties of a
// freshly materialized item or node are subscribed in time to receive
// their initial values.
func (h *Harness) subscribeTree() error {
	var serr error
	h.eng.Graph().WalkLive(func(n *model.Node) {
		for _, p := range n.Properties() {
			if h.seenProps[p] {
				continue
			}
			h.seenProps[p] = true
			if _, err := h.eng.OnChange(p.Path(), h.onChange); err != nil && serr == nil {
				serr = err
			}
		}
		for _, l := range n.Lists() {
			if h.seenLists[l] {
				continue
			}
			h.seenLists[l] = true
			if _, err := h.eng.OnMutation(l.Path(), h.onMutation); err != nil && serr == nil {
				serr = err
			}
		}
		for _, c := range n.Children() {
			if !c.IsSlot() || h.seenSlots[c] {
				continue
			}
			h.seenSlots[c] = true
			if _, err := h.eng.OnMutation(c.Path(), h.onMutation); err != nil && serr == nil {
				serr = err
			}
		}
	})
	return serr
}

func (h *Harness) onChange(ev engine.Change) {
	h.result.addEvent(TraceEvent{
		Kind:  EventChange,
		Path:  ev.Path,
		Value: value.Format(ev.New),
		Old:   value.Format(ev.Old),
		Batch: ev.Batch,
	})
}

func (h *Harness) onMutation(ev engine.Mutation) {
	te := TraceEvent{
		Kind:  ev.Kind.String(),
		Path:  ev.Target,
		Tag:   ev.Tag,
		Batch: ev.Batch,
	}
	if ev.Kind == engine.MutationInsert || ev.Kind == engine.MutationRemove {
		idx := ev.Index
		te.Index = &idx
	}
	h.result.addEvent(te)

	// cover whatever the mutation materialized before its values fire
	if err := h.subscribeTree(); err != nil {
		h.logger.Warn("resubscribe after mutation failed", "target", ev.Target, "error", err)
	}
}

func (h *Harness) onCoherence(ev engine.Coherence) {
	h.pending = ev.Pending
	if ev.Pending {
		h.result.addEvent(TraceEvent{Kind: EventPending, Value: ev.Cause, Batch: ev.Batch})
		return
	}
	h.result.addEvent(TraceEvent{Kind: EventCoherent, Batch: ev.Batch})
}

// executeSteps runs the flow in order. A failing step records an error
// event and the flow continues; scenarios that intend to trigger an
// error claim it with an error assertion.
func (h *Harness) executeSteps(steps []Step) error {
	for i, step := range steps {
		var err error
		switch step.Op {
		case OpSet:
			var v cty.Value
			v, err = value.FromAny(step.Value)
			if err != nil {
				return fmt.Errorf("step %d: set value: %w", i, err)
			}
			err = h.eng.Set(step.Path, v)
		case OpFlush:
			err = h.eng.Flush()
		case OpAdd:
			var opts []engine.ItemOption
			if step.Tag != "" {
				opts = append(opts, engine.WithTag(step.Tag))
			}
			if step.Index != nil {
				opts = append(opts, engine.AtIndex(*step.Index))
			}
			err = h.eng.AddItem(step.List, opts...)
		case OpRemove:
			var opts []engine.ItemOption
			if step.Index != nil {
				opts = append(opts, engine.AtIndex(*step.Index))
			}
			err = h.eng.RemoveItem(step.List, opts...)
		case OpCreate:
			err = h.eng.CreateNode(step.Node)
		case OpDispose:
			err = h.eng.DisposeNode(step.Node)
		case OpGet:
			var v cty.Value
			v, err = h.eng.Get(step.Path)
			if err == nil {
				h.result.addEvent(TraceEvent{Kind: EventGet, Path: step.Path, Value: value.Format(v)})
			}
		default:
			return fmt.Errorf("step %d: unknown op %q", i, step.Op)
		}
		if err != nil {
			h.result.addEvent(TraceEvent{
				Kind:  EventError,
				Path:  stepTarget(step),
				Value: err.Error(),
				Code:  errorCode(err),
			})
			h.logger.Warn("step failed", "step", i, "op", step.Op, "error", err)
		}
	}
	return nil
}

// flagUnexpectedErrors fails the result for every recorded step error
// whose code no error assertion claims.
func (h *Harness) flagUnexpectedErrors(assertions []Assertion) {
	claimed := make(map[string]bool)
	for _, a := range assertions {
		if a.Type == AssertError {
			claimed[a.Code] = true
		}
	}
	for _, ev := range h.result.Trace {
		if ev.Kind == EventError && !claimed[ev.Code] {
			h.result.AddError(fmt.Sprintf("unexpected step error: %s", ev.Value))
		}
	}
}

// stepTarget names whatever a step addresses, for error events.
func stepTarget(s Step) string {
	switch {
	case s.Path != "":
		return s.Path
	case s.List != "":
		return s.List
	case s.Node != "":
		return s.Node
	default:
		return ""
	}
}

// errorCode classifies a step failure for error assertions.
func errorCode(err error) string {
	var ae *engine.RuntimeAccessError
	if errors.As(err, &ae) {
		return string(ae.Code)
	}
	if engine.IsMultiplexConflict(err) {
		return "MULTIPLEX_CONFLICT"
	}
	if engine.IsNotifyLoop(err) {
		return "NOTIFY_LOOP"
	}
	return "ERROR"
}
