package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestCloneShape_CopiesPropertiesAndResetsValues(t *testing.T) {
	m := New()
	decl := m.Root().Child("card")
	decl.Constant("width", cty.NumberIntVal(7))
	computed := decl.EnsureProperty("area")
	computed.ResolveKind(ProviderSingle)
	decl.PropertyNamed("width").Commit(cty.NumberIntVal(9))

	clone, err := CloneShape(decl, nil, m.Root(), "copy", "")
	require.NoError(t, err)

	assert.Equal(t, ExistenceExisting, clone.Existence())
	assert.Same(t, decl, clone.Decl())

	w := clone.PropertyNamed("width")
	require.NotNil(t, w)
	assert.Equal(t, ProviderConstant, w.Kind())
	assert.Equal(t, cty.NumberIntVal(7), w.Initial())
	assert.Equal(t, cty.NilVal, w.Value(), "committed value does not travel")
	assert.Equal(t, StateUnevaluated, w.State())

	a := clone.PropertyNamed("area")
	require.NotNil(t, a)
	assert.Equal(t, ProviderSingle, a.Kind(), "resolved kinds are inherited")
}

func TestCloneShape_RecursesChildrenAndStubsOptionals(t *testing.T) {
	m := New()
	decl := m.Root().Child("panel")
	decl.Child("header").Constant("title", cty.StringVal("t"))
	decl.Optional("footer").Constant("note", cty.StringVal("n"))

	clone, err := CloneShape(decl, nil, m.Root(), "live", "")
	require.NoError(t, err)

	header := clone.ChildNamed("header")
	require.NotNil(t, header)
	assert.Equal(t, ExistenceExisting, header.Existence())
	assert.Same(t, clone, header.Parent())
	assert.NotNil(t, header.PropertyNamed("title"))

	footer := clone.ChildNamed("footer")
	require.NotNil(t, footer)
	assert.True(t, footer.IsOptional())
	assert.Equal(t, ExistenceTemplate, footer.Existence(), "optional subtrees stay stubs")
	assert.Nil(t, footer.Live())
	assert.Nil(t, footer.PropertyNamed("note"), "stub carries no shape of its own")
	assert.Same(t, decl.ChildNamed("footer"), footer.Decl())
}

func TestCloneShape_ListShellSharesDeclaration(t *testing.T) {
	m := New()
	decl := m.Root().Child("grid")
	rows := decl.List("rows")
	rows.Template().Constant("qty", cty.NumberIntVal(1))
	rows.Attach(Handler{Name: "price", Mode: ListEachItem, Inputs: refs("qty"), Outputs: refs("price"), Eval: nopEval})

	clone, err := CloneShape(decl, nil, m.Root(), "copy", "")
	require.NoError(t, err)

	shell := clone.ListNamed("rows")
	require.NotNil(t, shell)
	assert.Equal(t, 0, shell.Len())
	assert.Same(t, rows, shell.Decl())
	assert.Same(t, rows.Template(), shell.Template())
	require.Len(t, shell.Handlers(), 1)
	assert.Equal(t, "price", shell.Handlers()[0].Name)
	assert.Same(t, clone, shell.Owner())
}

func TestCloneShape_OverlayProperties(t *testing.T) {
	m := New()
	rows := m.Root().List("rows")
	tmpl := rows.Template()
	tmpl.Constant("qty", cty.NumberIntVal(1))
	tmpl.Attach(Handler{Name: "price", Inputs: refs("qty"), Outputs: refs("price"), Eval: nopEval})

	premium := rows.Specialize("premium")
	premium.Constant("bonus", cty.NumberIntVal(5))
	premium.Constant("qty", cty.NumberIntVal(99)) // shadowed by the base shape
	premium.Attach(Handler{Name: "lift", Inputs: refs("price", "bonus"), Outputs: refs("lifted"), Eval: nopEval})

	item, err := CloneShape(rows.Template(), premium, m.Root(), "rows[]", "premium")
	require.NoError(t, err)

	assert.Equal(t, "premium", item.Tag())
	assert.Same(t, premium, item.Overlay())
	require.NotNil(t, item.PropertyNamed("bonus"))
	assert.Equal(t, cty.NumberIntVal(1), item.PropertyNamed("qty").Initial(),
		"base shape wins a name collision")

	decls := item.HandlerDecls()
	require.Len(t, decls, 2)
	assert.Equal(t, "price", decls[0].Name)
	assert.Equal(t, "lift", decls[1].Name, "overlay handlers follow base handlers")
}

func TestCloneShape_UntaggedItemSkipsOverlay(t *testing.T) {
	m := New()
	rows := m.Root().List("rows")
	rows.Template().Constant("qty", cty.NumberIntVal(1))
	rows.Specialize("premium").Constant("bonus", cty.NumberIntVal(5))

	item, err := CloneShape(rows.Template(), nil, m.Root(), "rows[]", "")
	require.NoError(t, err)

	assert.Nil(t, item.Overlay())
	assert.Nil(t, item.PropertyNamed("bonus"))
	require.Len(t, item.HandlerDecls(), 0)
}

func TestCloneShape_AliasExpandsThroughTemplate(t *testing.T) {
	m := New()
	pane := m.Template("pane")
	pane.Constant("width", cty.NumberIntVal(100))
	slot := m.Root().Child("panel").DefineAs("pane")

	clone, err := CloneShape(slot, nil, m.Root(), "panel", "")
	require.NoError(t, err)

	assert.Same(t, pane, clone.Decl(), "clone declares against the template")
	assert.NotNil(t, clone.PropertyNamed("width"))
	assert.Equal(t, "panel", clone.Path())
}

func TestCloneShape_UnknownTemplate(t *testing.T) {
	m := New()
	slot := m.Root().Child("panel").DefineAs("ghost")

	_, err := CloneShape(slot, nil, m.Root(), "panel", "")
	var serr *StructuralError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrCodeUnknownTemplate, serr.Code)
	assert.Contains(t, serr.Message, "ghost")
}

func TestCloneShape_SelfReferenceWithoutOptionalFails(t *testing.T) {
	m := New()
	rec := m.Template("rec")
	rec.Child("inner").DefineAs("rec")
	slot := m.Root().Child("top").DefineAs("rec")

	_, err := CloneShape(slot, nil, m.Root(), "top", "")
	var serr *StructuralError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrCodeUnknownTemplate, serr.Code)
	assert.Contains(t, serr.Message, "optional indirection")
}

func TestCloneShape_SelfReferenceThroughOptionalIsLazy(t *testing.T) {
	m := New()
	rec := m.Template("rec")
	rec.Constant("depth", cty.NumberIntVal(0))
	rec.Optional("inner").DefineAs("rec")
	slot := m.Root().Child("top").DefineAs("rec")

	clone, err := CloneShape(slot, nil, m.Root(), "top", "")
	require.NoError(t, err)

	inner := clone.ChildNamed("inner")
	require.NotNil(t, inner)
	assert.True(t, inner.IsOptional())
	assert.Nil(t, inner.Live(), "one level unfolds per materialization")
	assert.Equal(t, "rec", inner.TemplateRef())
}

func TestExpandAlias_GraftsLiveClone(t *testing.T) {
	m := New()
	m.Template("pane").Constant("width", cty.NumberIntVal(100))
	slot := m.Root().Child("panel").DefineAs("pane")

	require.NoError(t, ExpandAlias(slot))

	live := slot.Live()
	require.NotNil(t, live)
	assert.Same(t, slot, live.Slot())
	assert.Equal(t, "panel", live.Path())
	assert.NotNil(t, live.PropertyNamed("width"))
}

func TestNodeList_InsertAndRemoveReindex(t *testing.T) {
	m := New()
	rows := m.Root().List("rows")
	rows.Template().Constant("qty", cty.NumberIntVal(1))

	mk := func() *Node {
		item, err := CloneShape(rows.Template(), nil, m.Root(), "rows[]", "")
		require.NoError(t, err)
		return item
	}

	first, second, third := mk(), mk(), mk()
	rows.InsertItem(first, 0)
	rows.InsertItem(second, 1)
	reindexed := rows.InsertItem(third, 1) // between first and second

	assert.Equal(t, 3, rows.Len())
	assert.Same(t, third, rows.ItemAt(1))
	assert.Equal(t, []*Node{second}, reindexed)
	assert.Equal(t, 2, second.Index())
	assert.Equal(t, "rows/1", third.Path())

	removed, reindexed := rows.RemoveItemAt(0)
	assert.Same(t, first, removed)
	assert.Equal(t, []*Node{third, second}, reindexed)
	assert.Equal(t, 0, third.Index())
	assert.Equal(t, 1, second.Index())
	assert.Nil(t, rows.ItemAt(2))
}
