package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/dchambers/composer/internal/graph"
	"github.com/dchambers/composer/internal/model"
	"github.com/dchambers/composer/internal/propref"
)

func refs(ss ...string) []propref.Ref {
	out := make([]propref.Ref, len(ss))
	for i, s := range ss {
		out[i] = propref.MustParse(s)
	}
	return out
}

func num(i int64) cty.Value { return cty.NumberIntVal(i) }

func intOf(t *testing.T, v cty.Value) int64 {
	t.Helper()
	require.False(t, v.IsNull(), "expected a number, got null")
	i, _ := v.AsBigFloat().Int64()
	return i
}

// sumFunc sums every present input into the single output key,
// counting invocations when counter is non-nil.
func sumFunc(counter *int) model.Func {
	return func(inv *model.Invocation) (map[string]cty.Value, error) {
		if counter != nil {
			*counter++
		}
		var total int64
		for _, k := range inv.InputKeys {
			v, ok := inv.In[k]
			if !ok || v.IsNull() {
				continue
			}
			n, _ := v.AsBigFloat().Int64()
			total += n
		}
		return map[string]cty.Value{inv.OutputKeys[0]: cty.NumberIntVal(total)}, nil
	}
}

// echoFunc copies the first input to the first output.
var echoFunc model.Func = func(inv *model.Invocation) (map[string]cty.Value, error) {
	v, ok := inv.In[inv.InputKeys[0]]
	if !ok {
		return nil, nil
	}
	return map[string]cty.Value{inv.OutputKeys[0]: v}, nil
}

// recorder collects delivered events for assertions.
type recorder struct {
	changes   []Change
	mutations []Mutation
	coherent  []Coherence
}

func (r *recorder) change(ev Change)       { r.changes = append(r.changes, ev) }
func (r *recorder) mutation(ev Mutation)   { r.mutations = append(r.mutations, ev) }
func (r *recorder) coherence(ev Coherence) { r.coherent = append(r.coherent, ev) }

func TestSeal_RejectsSealedModel(t *testing.T) {
	m := model.New()
	m.Root().Constant("a", num(1))

	e, err := Seal(m)
	require.NoError(t, err)
	defer e.Close()

	_, err = Seal(m)
	assert.True(t, IsAccessError(err, CodeAlreadySealed), "second seal of the same model is rejected, got %v", err)
}

func TestSeal_SurfacesDeclarationErrors(t *testing.T) {
	m := model.New()
	m.Root().Attach(model.Handler{
		Name: "orphan", Inputs: refs("missing/input"), Outputs: refs("out"),
		Eval: model.Func(func(*model.Invocation) (map[string]cty.Value, error) { return nil, nil }),
	})

	_, err := Seal(m)
	require.Error(t, err)
	assert.True(t, model.IsStructuralError(err), "unresolved input surfaces as a structural error")
	assert.Contains(t, err.Error(), model.ErrCodeUnresolvedInput)
}

func TestSeal_ReportsDependencyCycle(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Attach(model.Handler{Name: "forward", Inputs: refs("a"), Outputs: refs("b"), Eval: echoFunc})
	root.Attach(model.Handler{Name: "backward", Inputs: refs("b"), Outputs: refs("a"), Eval: echoFunc})

	_, err := Seal(m)
	var cerr *graph.CircularDependencyError
	require.ErrorAs(t, err, &cerr, "a depends on b depends on a")
	assert.GreaterOrEqual(t, len(cerr.Chain), 3)
}

func TestEngine_GetAfterSet_RecomputesThroughChain(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("a", num(2))
	root.Constant("b", num(3))
	runs := 0
	root.Attach(model.Handler{Name: "adder", Inputs: refs("a", "b"), Outputs: refs("sum"), Eval: sumFunc(&runs)})

	e, err := Seal(m)
	require.NoError(t, err)
	defer e.Close()

	v, err := e.Get("sum")
	require.NoError(t, err)
	assert.Equal(t, int64(5), intOf(t, v))
	assert.Equal(t, 1, runs, "initial population runs the handler once")

	rec := &recorder{}
	_, err = e.OnChange("sum", rec.change)
	require.NoError(t, err)

	require.NoError(t, e.Set("a", num(10)))
	v, err = e.Get("sum")
	require.NoError(t, err)
	assert.Equal(t, int64(13), intOf(t, v))
	assert.Equal(t, 2, runs, "one write, one re-evaluation")

	require.Len(t, rec.changes, 1, "exactly one change event for the recomputed sum")
	assert.Equal(t, "sum", rec.changes[0].Path)
	assert.Equal(t, int64(5), intOf(t, rec.changes[0].Old))
	assert.Equal(t, int64(13), intOf(t, rec.changes[0].New))
}

func TestEngine_Evaluate_CutsOffUnchangedValues(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("x", num(20))
	clampRuns, doubleRuns := 0, 0
	root.Attach(model.Handler{
		Name: "clamp", Inputs: refs("x"), Outputs: refs("clamped"),
		Eval: model.Func(func(inv *model.Invocation) (map[string]cty.Value, error) {
			clampRuns++
			n, _ := inv.In["x"].AsBigFloat().Int64()
			if n > 10 {
				n = 10
			}
			return map[string]cty.Value{"clamped": num(n)}, nil
		}),
	})
	root.Attach(model.Handler{
		Name: "double", Inputs: refs("clamped"), Outputs: refs("doubled"),
		Eval: model.Func(func(inv *model.Invocation) (map[string]cty.Value, error) {
			doubleRuns++
			n, _ := inv.In["clamped"].AsBigFloat().Int64()
			return map[string]cty.Value{"doubled": num(2 * n)}, nil
		}),
	})

	e, err := Seal(m)
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Flush())
	assert.Equal(t, 1, clampRuns)
	assert.Equal(t, 1, doubleRuns)

	rec := &recorder{}
	_, err = e.OnChange("doubled", rec.change)
	require.NoError(t, err)

	// 30 clamps to the same 10; the chain stops at the clamp
	require.NoError(t, e.Set("x", num(30)))
	require.NoError(t, e.Flush())
	assert.Equal(t, 2, clampRuns, "clamp sees the new input")
	assert.Equal(t, 1, doubleRuns, "unchanged clamp output wakes nothing downstream")
	assert.Empty(t, rec.changes, "no change event for a value that did not move")

	v, err := e.Get("doubled")
	require.NoError(t, err)
	assert.Equal(t, int64(20), intOf(t, v))
}

func TestEngine_Set_RejectsNonWritable(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("a", num(1))
	root.Attach(model.Handler{Name: "echo", Inputs: refs("a"), Outputs: refs("out"), Eval: echoFunc})

	e, err := Seal(m)
	require.NoError(t, err)
	defer e.Close()

	err = e.Set("out", num(9))
	assert.True(t, IsAccessError(err, CodeNotWritable), "handler-provided property rejects writes, got %v", err)

	err = e.Set("ghost", num(9))
	assert.True(t, IsAccessError(err, CodeUnknownPath), "got %v", err)
}

func TestEngine_Flush_Idempotent(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("a", num(4))
	root.Attach(model.Handler{Name: "echo", Inputs: refs("a"), Outputs: refs("out"), Eval: echoFunc})

	e, err := Seal(m)
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Flush())

	rec := &recorder{}
	_, err = e.OnChange("out", rec.change)
	require.NoError(t, err)

	require.NoError(t, e.Flush())
	require.NoError(t, e.Flush())
	assert.Empty(t, rec.changes, "flush with nothing queued delivers nothing")
}

func TestEngine_MutateInEval_Rejected(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("a", num(7))
	var eng *Engine
	var mutErr error
	var readBack cty.Value
	root.Attach(model.Handler{
		Name: "probe", Inputs: refs("a"), Outputs: refs("echo"),
		Eval: model.Func(func(inv *model.Invocation) (map[string]cty.Value, error) {
			mutErr = eng.Set("a", num(1))
			readBack, _ = eng.Get("a")
			return map[string]cty.Value{"echo": inv.In["a"]}, nil
		}),
	})

	e, err := Seal(m)
	require.NoError(t, err)
	defer e.Close()
	eng = e

	require.NoError(t, e.Flush())
	assert.True(t, IsAccessError(mutErr, CodeMutateInEval), "handler bodies may not mutate, got %v", mutErr)
	assert.Equal(t, int64(7), intOf(t, readBack), "reads inside a handler serve the mid-batch view")
}

func TestEngine_UndeclaredOutput_AbortsBatch(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("a", num(1))
	root.Attach(model.Handler{
		Name: "sneaky", Inputs: refs("a"), Outputs: refs("ok"),
		Eval: model.Func(func(*model.Invocation) (map[string]cty.Value, error) {
			return map[string]cty.Value{"extra": num(1)}, nil
		}),
	})

	e, err := Seal(m)
	require.NoError(t, err)
	defer e.Close()

	err = e.Flush()
	require.True(t, IsAccessError(err, CodeUndeclaredOutput), "got %v", err)
	assert.Contains(t, err.Error(), "sneaky")
}

func TestEngine_HandlerError_AbortsAndDiscardsStaged(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("a", num(2))
	root.Attach(model.Handler{
		Name: "fragile", Inputs: refs("a"), Outputs: refs("out"),
		Eval: model.Func(func(inv *model.Invocation) (map[string]cty.Value, error) {
			n, _ := inv.In["a"].AsBigFloat().Int64()
			if n > 5 {
				return nil, assert.AnError
			}
			return map[string]cty.Value{"out": num(n)}, nil
		}),
	})

	e, err := Seal(m)
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Flush())

	require.NoError(t, e.Set("a", num(9)))
	err = e.Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fragile", "the failing handler is named")

	// the staged write was discarded with the batch
	v, err := e.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), intOf(t, v))
}

func TestEngine_Close_Terminal(t *testing.T) {
	m := model.New()
	m.Root().Constant("a", num(1))

	e, err := Seal(m)
	require.NoError(t, err)
	require.NoError(t, e.Flush())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "close is idempotent")

	_, err = e.Get("a")
	assert.True(t, IsAccessError(err, CodeClosed), "got %v", err)
	err = e.Set("a", num(2))
	assert.True(t, IsAccessError(err, CodeClosed), "got %v", err)
	err = e.Flush()
	assert.True(t, IsAccessError(err, CodeClosed), "got %v", err)
	assert.False(t, e.Unsubscribe(Subscription("any")))
}
