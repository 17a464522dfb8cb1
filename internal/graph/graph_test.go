package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

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

var nopEval = model.Func(func(inv *model.Invocation) (map[string]cty.Value, error) {
	return nil, nil
})

func orderNames(g *Graph) []string {
	out := make([]string, len(g.Order()))
	for i, inst := range g.Order() {
		out[i] = inst.Name()
	}
	return out
}

func TestBuild_OrdersByDependency(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("a", cty.NumberIntVal(1))
	// Attach in reverse dependency order; topology must win.
	root.Attach(model.Handler{Name: "second", Inputs: refs("b"), Outputs: refs("c"), Eval: nopEval})
	root.Attach(model.Handler{Name: "first", Inputs: refs("a"), Outputs: refs("b"), Eval: nopEval})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, orderNames(g))
}

func TestBuild_TieBreakIsDeclarationOrder(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("a", cty.NumberIntVal(1))
	root.Attach(model.Handler{Name: "left", Inputs: refs("a"), Outputs: refs("x"), Eval: nopEval})
	root.Attach(model.Handler{Name: "right", Inputs: refs("a"), Outputs: refs("y"), Eval: nopEval})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"left", "right"}, orderNames(g), "independent instances run in attach order")
}

func TestBuild_ReportsCycleChain(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Attach(model.Handler{Name: "ab", Inputs: refs("a"), Outputs: refs("b"), Eval: nopEval})
	root.Attach(model.Handler{Name: "ba", Inputs: refs("b"), Outputs: refs("a"), Eval: nopEval})

	_, err := Build(m, BuildOptions{})
	var cerr *CircularDependencyError
	require.ErrorAs(t, err, &cerr)
	require.GreaterOrEqual(t, len(cerr.Chain), 3)
	assert.Equal(t, cerr.Chain[0], cerr.Chain[len(cerr.Chain)-1], "chain repeats the entry property")
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestBuild_SelfDependencyIsCycle(t *testing.T) {
	m := model.New()
	m.Root().Attach(model.Handler{Name: "echo", Inputs: refs("v"), Outputs: refs("v"), Eval: nopEval})

	_, err := Build(m, BuildOptions{})
	var cerr *CircularDependencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"v", "v"}, cerr.Chain)
}

func TestBuild_CollectsAllStructuralErrors(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Attach(model.Handler{Name: "lost", Inputs: refs("nowhere/base"), Outputs: refs("out"), Eval: nopEval})
	root.Attach(model.Handler{
		Name:    "doubled",
		Inputs:  []propref.Ref{propref.MustParse("out").As("v"), propref.MustParse("out2").As("v")},
		Outputs: refs("out2"),
		Eval:    nopEval,
	})

	_, err := Build(m, BuildOptions{})
	require.Error(t, err)
	var serr *model.StructuralError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, err.Error(), model.ErrCodeUnresolvedInput)
	assert.Contains(t, err.Error(), model.ErrCodeDuplicateAlias)
}

func TestBuild_DuplicateProvider(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Attach(model.Handler{Name: "one", Outputs: refs("t"), Eval: nopEval})
	root.Attach(model.Handler{Name: "two", Outputs: refs("t"), Eval: nopEval})

	_, err := Build(m, BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), model.ErrCodeDuplicateProvider)
}

func TestBuild_MultiplexProviders(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Attach(model.Handler{Name: "one", Outputs: []propref.Ref{propref.MustParse("t").Multiplexed()}, Eval: nopEval})
	root.Attach(model.Handler{Name: "two", Outputs: []propref.Ref{propref.MustParse("t").Multiplexed()}, Eval: nopEval})

	_, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.ProviderMultiplex, root.PropertyNamed("t").Kind())
}

func TestBuild_MultiplexFlagMismatch(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Attach(model.Handler{Name: "flagged", Outputs: []propref.Ref{propref.MustParse("t").Multiplexed()}, Eval: nopEval})
	root.Attach(model.Handler{Name: "plain", Outputs: refs("t"), Eval: nopEval})

	_, err := Build(m, BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), model.ErrCodeMultiplexMismatch)
}

func TestBuild_ConstantProviderRejected(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("fixed", cty.NumberIntVal(1))
	root.Attach(model.Handler{Name: "writer", Outputs: refs("fixed"), Eval: nopEval})

	_, err := Build(m, BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), model.ErrCodeConstantProvider)
}

func TestBuild_TemplateCycleReportedAtSeal(t *testing.T) {
	// The cycle only closes through list items, but the conservative
	// template-level check reports it before any item exists.
	m := model.New()
	root := m.Root()
	rows := root.List("rows")
	rows.Template().Constant("base", cty.NumberIntVal(1))
	root.Attach(model.Handler{
		Name:    "fold",
		Inputs:  []propref.Ref{propref.MustParse("rows[]/price").Aggregated().As("prices")},
		Outputs: refs("total"),
		Eval:    nopEval,
	})
	root.Attach(model.Handler{
		Name:    "spread",
		Inputs:  refs("total"),
		Outputs: refs("rows[]/price"),
		Eval:    nopEval,
	})

	_, err := Build(m, BuildOptions{})
	var cerr *CircularDependencyError
	require.ErrorAs(t, err, &cerr)
}

func TestGraph_MaterializeItem(t *testing.T) {
	m := model.New()
	root := m.Root()
	rows := root.List("rows")
	rows.Template().Constant("base", cty.NumberIntVal(10))
	rows.Attach(model.Handler{
		Name: "double", Mode: model.ListEachItem,
		Inputs: refs("base"), Outputs: refs("twice"), Eval: nopEval,
	})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	require.Empty(t, g.Order(), "no instances before the first item")

	cs, err := g.MaterializeItem(rows, "", 0)
	require.NoError(t, err)
	require.Len(t, cs.Created, 1)
	assert.Equal(t, "double[0]", cs.Created[0].Name())
	require.Len(t, cs.Constants, 1)
	assert.Equal(t, "rows/0/base", cs.Constants[0].Path())

	cs2, err := g.MaterializeItem(rows, "", 0)
	require.NoError(t, err)
	require.Len(t, cs2.Reindexed, 1, "old item shifted to index 1")
	assert.Equal(t, 1, cs2.Reindexed[0].Index())
	assert.Equal(t, []string{"double[0]", "double[1]"}, orderNames(g))
}

func TestGraph_MaterializeItem_TagScoping(t *testing.T) {
	m := model.New()
	root := m.Root()
	rows := root.List("rows")
	rows.Template().Constant("base", cty.NumberIntVal(10))
	rows.Specialize("premium").Constant("fee", cty.NumberIntVal(3))
	rows.Attach(model.Handler{
		Name: "surcharge", Mode: model.ListEachItem, Tag: "premium",
		Inputs: refs("base", "fee"), Outputs: refs("charged"), Eval: nopEval,
	})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)

	plain, err := g.MaterializeItem(rows, "", 0)
	require.NoError(t, err)
	assert.Empty(t, plain.Created, "tag-restricted handler skips untagged items")

	premium, err := g.MaterializeItem(rows, "premium", 1)
	require.NoError(t, err)
	require.Len(t, premium.Created, 1)
	assert.Equal(t, "surcharge[1]", premium.Created[0].Name())

	item := rows.ItemAt(1)
	require.NotNil(t, item.PropertyNamed("fee"), "overlay property materialized on tagged item")
	assert.Nil(t, rows.ItemAt(0).PropertyNamed("fee"), "untagged item has no overlay property")
}

func TestGraph_RetireItem(t *testing.T) {
	m := model.New()
	root := m.Root()
	rows := root.List("rows")
	rows.Template().Constant("base", cty.NumberIntVal(10))
	rows.Attach(model.Handler{
		Name: "double", Mode: model.ListEachItem,
		Inputs: refs("base"), Outputs: refs("twice"), Eval: nopEval,
	})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	_, err = g.MaterializeItem(rows, "", 0)
	require.NoError(t, err)
	_, err = g.MaterializeItem(rows, "", 1)
	require.NoError(t, err)

	cs, err := g.RetireItem(rows, 0)
	require.NoError(t, err)
	require.Len(t, cs.Disposed, 1)
	assert.True(t, cs.Disposed[0].Disposed())
	require.Len(t, cs.Reindexed, 1)
	assert.Equal(t, 0, cs.Reindexed[0].Index())
	assert.NotEmpty(t, cs.Removed, "retired item's properties reported")
	assert.Equal(t, []string{"double[0]"}, orderNames(g))
}

func TestGraph_FanOutReplication(t *testing.T) {
	m := model.New()
	root := m.Root()
	rows := root.List("rows")
	rows.Template().Constant("base", cty.NumberIntVal(5))
	root.Attach(model.Handler{
		Name:   "mirror",
		Inputs: refs("rows[]/base"), Outputs: refs("rows[]/shadow"),
		Eval: nopEval,
	})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	require.Empty(t, g.Order())

	cs, err := g.MaterializeItem(rows, "", 0)
	require.NoError(t, err)
	require.Len(t, cs.Created, 1, "fan-out handler replicates per item")
	assert.Equal(t, "mirror[0]", cs.Created[0].Name())

	item := rows.ItemAt(0)
	require.NotNil(t, item.PropertyNamed("shadow"), "fan-out output ensured on the item clone")
	assert.Len(t, g.ProvidersOf(item.PropertyNamed("shadow")), 1)
}

func TestGraph_WholeListProvidesItemProps(t *testing.T) {
	m := model.New()
	root := m.Root()
	rows := root.List("rows")
	rows.Template().Constant("base", cty.NumberIntVal(5))
	rows.Attach(model.Handler{
		Name: "rank", Mode: model.ListWholeList,
		Inputs: refs("base"), Outputs: refs("position"), Eval: nopEval,
	})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	require.Len(t, g.Order(), 1, "whole-list instance exists with an empty list")

	_, err = g.MaterializeItem(rows, "", 0)
	require.NoError(t, err)
	_, err = g.MaterializeItem(rows, "", 1)
	require.NoError(t, err)

	inst := g.Order()[0]
	require.Len(t, inst.Inputs, 1)
	assert.Equal(t, EdgeAggregate, inst.Inputs[0].Kind)
	for i := 0; i < 2; i++ {
		p := rows.ItemAt(i).PropertyNamed("position")
		require.NotNil(t, p)
		assert.Equal(t, []*Instance{inst}, g.ProvidersOf(p))
	}
}

func TestGraph_MaterializeNode(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("base", cty.NumberIntVal(2))
	panel := root.Optional("panel")
	panel.Constant("scale", cty.NumberIntVal(3))
	panel.Attach(model.Handler{Name: "scaled", Inputs: refs("scale", "../base"), Outputs: refs("value"), Eval: nopEval})
	root.Attach(model.Handler{Name: "reader", Inputs: refs("panel/value"), Outputs: refs("mirrored"), Eval: nopEval})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err, "refs into the uncreated panel defer, not fail")
	require.Len(t, g.Order(), 1, "only the reader exists before creation")
	reader := g.Order()[0]
	assert.Equal(t, EdgeDeferred, reader.Inputs[0].Kind)

	cs, err := g.MaterializeNode(panel)
	require.NoError(t, err)
	require.Len(t, cs.Created, 1)
	assert.Equal(t, "scaled", cs.Created[0].Name())
	assert.Contains(t, cs.Rebound, reader, "deferred edge re-bound on creation")
	assert.Equal(t, EdgeBound, reader.Inputs[0].Kind)
	assert.Equal(t, []string{"scaled", "reader"}, orderNames(g))

	require.Len(t, cs.Constants, 1)
	assert.Equal(t, "panel/scale", cs.Constants[0].Path())
}

func TestGraph_RetireNode(t *testing.T) {
	m := model.New()
	root := m.Root()
	panel := root.Optional("panel")
	panel.Constant("scale", cty.NumberIntVal(3))
	root.Attach(model.Handler{Name: "reader", Inputs: refs("panel/scale"), Outputs: refs("mirrored"), Eval: nopEval})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	_, err = g.MaterializeNode(panel)
	require.NoError(t, err)

	cs, err := g.RetireNode(panel)
	require.NoError(t, err)
	assert.NotEmpty(t, cs.Removed)
	reader := g.Order()[0]
	assert.Contains(t, cs.Rebound, reader)
	assert.Equal(t, EdgeDeferred, reader.Inputs[0].Kind, "edge back to deferred after disposal")
	assert.Nil(t, panel.Live())

	// A disposed slot can be created again with fresh state.
	_, err = g.MaterializeNode(panel)
	require.NoError(t, err)
	assert.Equal(t, EdgeBound, reader.Inputs[0].Kind)
}

func TestGraph_MaterializeNode_CycleRollsBack(t *testing.T) {
	// The template's up-level escape resolves only at a concrete
	// placement, so the cycle it closes there is invisible at seal.
	m := model.New()
	tmpl := m.Template("looper")
	tmpl.Attach(model.Handler{Name: "loop", Inputs: refs("../seed"), Outputs: refs("out"), Eval: nopEval})
	root := m.Root()
	root.Attach(model.Handler{Name: "feed", Inputs: refs("panel/out"), Outputs: refs("seed"), Eval: nopEval})
	panel := root.Optional("panel")
	panel.DefineAs("looper")

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"feed"}, orderNames(g))

	_, err = g.MaterializeNode(panel)
	var cerr *CircularDependencyError
	require.ErrorAs(t, err, &cerr, "materialization closes the cycle")
	assert.Nil(t, panel.Live(), "failed creation rolls the slot back")
	assert.Equal(t, []string{"feed"}, orderNames(g), "graph unchanged after rollback")
}

func TestGraph_PendingReplicationActivates(t *testing.T) {
	m := model.New()
	root := m.Root()
	panel := root.Optional("panel")
	panel.List("rows").Template().Constant("base", cty.NumberIntVal(1))
	root.Attach(model.Handler{
		Name:   "watch",
		Inputs: refs("panel/rows[]/base"), Outputs: refs("panel/rows[]/seen"),
		Eval: nopEval,
	})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	require.Empty(t, g.Order(), "replication deferred while the panel is uncreated")

	_, err = g.MaterializeNode(panel)
	require.NoError(t, err)
	require.Empty(t, g.Order(), "list still empty")

	rows := panel.Live().ListNamed("rows")
	require.NotNil(t, rows)
	cs, err := g.MaterializeItem(rows, "", 0)
	require.NoError(t, err)
	require.Len(t, cs.Created, 1)
	assert.Equal(t, "watch[0]", cs.Created[0].Name())
}

func TestGraph_StatefulLifecycle(t *testing.T) {
	var constructed, disposedCount int
	ctor := model.Constructor(func(ctl model.Control) (model.Instance, error) {
		constructed++
		return &countingInstance{onDispose: func() { disposedCount++ }}, nil
	})

	m := model.New()
	root := m.Root()
	panel := root.Optional("panel")
	panel.Attach(model.Handler{Name: "ticker", Outputs: refs("ticks"), Eval: ctor})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	assert.Zero(t, constructed)

	_, err = g.MaterializeNode(panel)
	require.NoError(t, err)
	assert.Equal(t, 1, constructed)

	_, err = g.RetireNode(panel)
	require.NoError(t, err)
	assert.Equal(t, 1, disposedCount, "Dispose ran exactly once")

	_, err = g.MaterializeNode(panel)
	require.NoError(t, err)
	assert.Equal(t, 2, constructed, "re-creation constructs a fresh activation")
}

type countingInstance struct {
	onDispose func()
}

func (c *countingInstance) Invoke(inv *model.Invocation) (map[string]cty.Value, error) {
	return nil, nil
}

func (c *countingInstance) Dispose() { c.onDispose() }

func TestGraph_Lookup(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("title", cty.StringVal("top"))
	root.Child("nested").Constant("inner", cty.BoolVal(true))
	rows := root.List("rows")
	rows.Template().Constant("base", cty.NumberIntVal(1))
	root.Optional("panel").Constant("scale", cty.NumberIntVal(3))

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	_, err = g.MaterializeItem(rows, "", 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		want func(t *testing.T, tgt Target, err error)
	}{
		{"root property", "title", func(t *testing.T, tgt Target, err error) {
			require.NoError(t, err)
			require.NotNil(t, tgt.Prop)
			assert.Equal(t, "title", tgt.Prop.Name())
		}},
		{"nested property", "nested/inner", func(t *testing.T, tgt Target, err error) {
			require.NoError(t, err)
			require.NotNil(t, tgt.Prop)
		}},
		{"item property", "rows/0/base", func(t *testing.T, tgt Target, err error) {
			require.NoError(t, err)
			require.NotNil(t, tgt.Prop)
			assert.Equal(t, "rows/0/base", tgt.Prop.Path())
		}},
		{"list itself", "rows", func(t *testing.T, tgt Target, err error) {
			require.NoError(t, err)
			require.NotNil(t, tgt.List)
		}},
		{"uncreated slot node", "panel", func(t *testing.T, tgt Target, err error) {
			require.NoError(t, err)
			require.NotNil(t, tgt.Node)
			assert.True(t, tgt.Node.IsSlot())
		}},
		{"through uncreated slot", "panel/scale", func(t *testing.T, tgt Target, err error) {
			assert.ErrorIs(t, err, model.ErrNotExisting)
		}},
		{"index out of range", "rows/7/base", func(t *testing.T, tgt Target, err error) {
			assert.ErrorIs(t, err, model.ErrBadIndex)
		}},
		{"unknown path", "rows/0/ghost", func(t *testing.T, tgt Target, err error) {
			assert.ErrorIs(t, err, model.ErrUnknownPath)
		}},
		{"declaration syntax rejected", "rows[]/base", func(t *testing.T, tgt Target, err error) {
			assert.ErrorIs(t, err, model.ErrNotConcrete)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tgt, err := g.Lookup(tc.path)
			tc.want(t, tgt, err)
		})
	}
}

func TestGraph_DependentsOf(t *testing.T) {
	m := model.New()
	root := m.Root()
	root.Constant("a", cty.NumberIntVal(1))
	rows := root.List("rows")
	rows.Template().Constant("base", cty.NumberIntVal(1))
	root.Attach(model.Handler{Name: "direct", Inputs: refs("a"), Outputs: refs("b"), Eval: nopEval})
	root.Attach(model.Handler{
		Name:    "agg",
		Inputs:  []propref.Ref{propref.MustParse("rows[]/base").Aggregated()},
		Outputs: refs("sum"),
		Eval:    nopEval,
	})

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	_, err = g.MaterializeItem(rows, "", 0)
	require.NoError(t, err)

	deps := g.DependentsOf(root.PropertyNamed("a"))
	require.Len(t, deps, 1)
	assert.Equal(t, "direct", deps[0].Name())

	itemDeps := g.DependentsOf(rows.ItemAt(0).PropertyNamed("base"))
	require.Len(t, itemDeps, 1)
	assert.Equal(t, "agg", itemDeps[0].Name(), "item change reaches aggregate consumers")
}

func TestBuild_EscapedTemplateRefsBindPerClone(t *testing.T) {
	m := model.New()
	m.Template("widget").Attach(model.Handler{
		Name: "up", Inputs: refs("../seed"), Outputs: refs("got"), Eval: nopEval,
	})
	root := m.Root()
	root.Constant("seed", cty.NumberIntVal(7))
	root.Child("a").DefineAs("widget")
	root.Child("b").DefineAs("widget")

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err)
	require.Len(t, g.Order(), 2, "one instance per expanded alias")
	for _, inst := range g.Order() {
		assert.Equal(t, EdgeBound, inst.Inputs[0].Kind)
		assert.Equal(t, "seed", inst.Inputs[0].Prop.Name())
	}
}

func TestBuild_UnknownTemplate(t *testing.T) {
	m := model.New()
	m.Root().Child("a").DefineAs("ghost")

	_, err := Build(m, BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), model.ErrCodeUnknownTemplate)
}

func TestBuild_SelfReferentialTemplateNeedsOptional(t *testing.T) {
	m := model.New()
	tmpl := m.Template("node")
	tmpl.Constant("v", cty.NumberIntVal(0))
	tmpl.Child("next").DefineAs("node") // unbounded without Optional

	m.Root().Child("head").DefineAs("node")

	_, err := Build(m, BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), model.ErrCodeUnknownTemplate)
}

func TestGraph_SelfReferentialTemplateLazyExpansion(t *testing.T) {
	m := model.New()
	tmpl := m.Template("node")
	tmpl.Constant("v", cty.NumberIntVal(0))
	tmpl.Optional("next").DefineAs("node")

	m.Root().Child("head").DefineAs("node")

	g, err := Build(m, BuildOptions{})
	require.NoError(t, err, "optional indirection bounds the expansion")

	head := m.Root().ChildNamed("head").Live()
	require.NotNil(t, head)
	next := head.ChildNamed("next")
	require.NotNil(t, next)
	require.True(t, next.IsSlot())
	require.Nil(t, next.Live())

	_, err = g.MaterializeNode(next)
	require.NoError(t, err, "each creation unfolds one level")
	require.NotNil(t, next.Live().ChildNamed("next"))
}
